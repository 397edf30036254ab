package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	gossh "golang.org/x/crypto/ssh"

	"eipscan/config"
)

func newPublicKey(t *testing.T) gossh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := gossh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

func hashPassword(t *testing.T, pw string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func TestPasswordCallback(t *testing.T) {
	assert.Nil(t, passwordCallback(""))

	cb := passwordCallback(hashPassword(t, "line3"))
	require.NotNil(t, cb)
	_, err := cb(nil, []byte("line3"))
	assert.NoError(t, err)
	_, err = cb(nil, []byte("line4"))
	assert.ErrorIs(t, err, errDenied)
}

func TestAuthorizedKeys(t *testing.T) {
	dir := t.TempDir()
	k1, k2, other := newPublicKey(t), newPublicKey(t), newPublicKey(t)

	file := filepath.Join(dir, "keys", "operator")
	require.NoError(t, os.MkdirAll(filepath.Dir(file), 0o700))
	content := "# operators\n\nnot a key\n" + string(gossh.MarshalAuthorizedKey(k1))
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keys", "admin"), gossh.MarshalAuthorizedKey(k2), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keys", ".hidden"), gossh.MarshalAuthorizedKey(other), 0o600))

	keys, err := loadAuthorizedKeys(file)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	keys, err = loadAuthorizedKeys(filepath.Join(dir, "keys"))
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	_, err = loadAuthorizedKeys(filepath.Join(dir, "missing"))
	assert.Error(t, err)

	assert.Nil(t, publicKeyCallback(nil))
	cb := publicKeyCallback(keys)
	_, err = cb(nil, k2)
	assert.NoError(t, err)
	_, err = cb(nil, other)
	assert.ErrorIs(t, err, errDenied)
}

func TestHostKeyIsCreatedOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "host_key")

	first, err := hostKey(path)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := hostKey(path)
	require.NoError(t, err)
	assert.Equal(t, gossh.FingerprintSHA256(first.PublicKey()), gossh.FingerprintSHA256(second.PublicKey()))

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	_, err = hostKey(path)
	assert.Error(t, err)
}

func TestParseRequests(t *testing.T) {
	payload := gossh.Marshal(struct {
		Term          string
		Cols, Rows    uint32
		Width, Height uint32
		Modes         string
	}{"screen-256color", 132, 43, 0, 0, ""})
	term, w, h, err := parsePtyRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, "screen-256color", term)
	assert.Equal(t, 132, w)
	assert.Equal(t, 43, h)

	_, _, _, err = parsePtyRequest(payload[:10])
	assert.Error(t, err)
	_, _, _, err = parsePtyRequest([]byte{0, 0})
	assert.Error(t, err)

	w, h, err = parseWindowChange(gossh.Marshal(struct{ W, H, PW, PH uint32 }{100, 30, 0, 0}))
	require.NoError(t, err)
	assert.Equal(t, 100, w)
	assert.Equal(t, 30, h)
	_, _, err = parseWindowChange([]byte{1})
	assert.Error(t, err)
}

type fakeMonitor struct {
	screen tcell.Screen
	done   chan struct{}
	once   sync.Once
}

func (m *fakeMonitor) Run() error {
	<-m.done
	return nil
}

func (m *fakeMonitor) Stop() { m.once.Do(func() { close(m.done) }) }

func TestServeSession(t *testing.T) {
	cfg := &config.SSHConfig{
		Enabled:      true,
		Listen:       "127.0.0.1:0",
		PasswordHash: hashPassword(t, "line3"),
		HostKey:      filepath.Join(t.TempDir(), "host_key"),
	}
	monitors := make(chan *fakeMonitor, 4)
	srv := NewServer(cfg, func(screen tcell.Screen) Monitor {
		m := &fakeMonitor{screen: screen, done: make(chan struct{})}
		monitors <- m
		return m
	}, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	assert.True(t, srv.IsRunning())
	assert.Error(t, srv.Start())

	addr := srv.Addr().String()
	client := func(pw string) (*gossh.Client, error) {
		return gossh.Dial("tcp", addr, &gossh.ClientConfig{
			User:            "operator",
			Auth:            []gossh.AuthMethod{gossh.Password(pw)},
			HostKeyCallback: gossh.InsecureIgnoreHostKey(),
			Timeout:         2 * time.Second,
		})
	}

	_, err := client("wrong")
	require.Error(t, err)

	c, err := client("line3")
	require.NoError(t, err)
	defer c.Close()
	sess, err := c.NewSession()
	require.NoError(t, err)
	require.NoError(t, sess.RequestPty("xterm", 40, 120, gossh.TerminalModes{}))
	require.NoError(t, sess.Shell())

	var m *fakeMonitor
	select {
	case m = <-monitors:
	case <-time.After(2 * time.Second):
		t.Fatal("no monitor was started")
	}
	assert.NotNil(t, m.screen)
	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsRunning())
	select {
	case <-m.done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor was not stopped")
	}
	require.Eventually(t, func() bool { return srv.Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStartNeedsAuth(t *testing.T) {
	srv := NewServer(&config.SSHConfig{Listen: "127.0.0.1:0", HostKey: filepath.Join(t.TempDir(), "k")}, nil, nil)
	assert.ErrorContains(t, srv.Start(), "no authentication")
	assert.False(t, srv.IsRunning())
}
