package ssh

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/bcrypt"
	gossh "golang.org/x/crypto/ssh"
)

var errDenied = errors.New("access denied")

// passwordCallback checks passwords against a bcrypt hash.
func passwordCallback(hash string) func(gossh.ConnMetadata, []byte) (*gossh.Permissions, error) {
	if hash == "" {
		return nil
	}
	return func(meta gossh.ConnMetadata, pass []byte) (*gossh.Permissions, error) {
		if bcrypt.CompareHashAndPassword([]byte(hash), pass) != nil {
			return nil, errDenied
		}
		return nil, nil
	}
}

// publicKeyCallback accepts the keys listed in path.
func publicKeyCallback(keys []gossh.PublicKey) func(gossh.ConnMetadata, gossh.PublicKey) (*gossh.Permissions, error) {
	if len(keys) == 0 {
		return nil
	}
	return func(meta gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
		wire := key.Marshal()
		for _, k := range keys {
			if bytes.Equal(k.Marshal(), wire) {
				return nil, nil
			}
		}
		return nil, errDenied
	}
}

// loadAuthorizedKeys reads an authorized_keys file, or every file in a
// directory of them.
func loadAuthorizedKeys(path string) ([]gossh.PublicKey, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return loadAuthorizedKeysFile(path)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var keys []gossh.PublicKey
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		k, err := loadAuthorizedKeysFile(filepath.Join(path, e.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, k...)
	}
	return keys, nil
}

func loadAuthorizedKeysFile(path string) ([]gossh.PublicKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var keys []gossh.PublicKey
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, _, _, err := gossh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, sc.Err()
}

// DefaultHostKeyPath is ~/.eipscan/host_key.
func DefaultHostKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "host_key"
	}
	return filepath.Join(home, ".eipscan", "host_key")
}

// hostKey loads the signer at path, generating an ed25519 key on first use.
func hostKey(path string) (gossh.Signer, error) {
	if path == "" {
		path = DefaultHostKeyPath()
	}
	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := gossh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("host key %s: %w", path, err)
		}
		return signer, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	block, err := gossh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("host key %s: %w", path, err)
	}
	return gossh.NewSignerFromKey(priv)
}
