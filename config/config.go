// Package config handles configuration persistence for eipscan.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"eipscan/cip"
	"eipscan/eip"
	"eipscan/plcman"
)

// Config holds the complete application configuration.
type Config struct {
	Namespace string         `yaml:"namespace"` // prefix of MQTT topics, Valkey keys and Kafka topics
	Period    time.Duration  `yaml:"period"`    // default poll period of tags without one
	PLCs      []PLCConfig    `yaml:"plcs"`
	API       APIConfig      `yaml:"api"`
	MQTT      []MQTTConfig   `yaml:"mqtt,omitempty"`
	Valkey    []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig  `yaml:"kafka,omitempty"`
	Log       LogConfig      `yaml:"log"`
	UI        UIConfig       `yaml:"ui,omitempty"`
	SSH       SSHConfig      `yaml:"ssh,omitempty"`

	// Callers that modify config should Lock(), modify, then call UnlockAndSave().
	dataMu sync.Mutex `yaml:"-"`
}

// PLCConfig describes one controller and the tags polled from it.
type PLCConfig struct {
	Name          string        `yaml:"name"`
	Address       string        `yaml:"address"` // host or host:port, port 44818 by default
	Slot          byte          `yaml:"slot"`
	Enabled       bool          `yaml:"enabled"`
	Period        time.Duration `yaml:"period,omitempty"`         // overrides Config.Period
	TransferLimit int           `yaml:"transfer_limit,omitempty"` // bytes per multi request, default 500
	Tags          []TagConfig   `yaml:"tags"`
}

// TagConfig is one polled tag.
type TagConfig struct {
	Name     string        `yaml:"name"`
	Period   time.Duration `yaml:"period,omitempty"`
	Elements int           `yaml:"elements,omitempty"`
	Writable bool          `yaml:"writable,omitempty"` // accept writes from the API and brokers
}

// APIConfig holds the REST and websocket server settings.
type APIConfig struct {
	Enabled bool      `yaml:"enabled"`
	Listen  string    `yaml:"listen"`
	Users   []APIUser `yaml:"users,omitempty"`
}

// APIUser may authenticate against the API. Writes need the admin role.
type APIUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	Role         string `yaml:"role"`          // "admin" or "viewer"
}

// API user roles
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name      string `yaml:"name"`
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	ClientID  string `yaml:"client_id"`
	Selector  string `yaml:"selector,omitempty"` // optional sub-namespace
	UseTLS    bool   `yaml:"use_tls,omitempty"`
	Writeback bool   `yaml:"writeback,omitempty"` // subscribe to <ns>/<plc>/<tag>/write
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`
	Selector       string        `yaml:"selector,omitempty"`
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"` // 0 = no expiry
	PublishChanges bool          `yaml:"publish_changes,omitempty"`
	Writeback      bool          `yaml:"writeback,omitempty"` // BLPOP the write queue
}

// KafkaConfig holds Kafka producer configuration.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic,omitempty"` // default <namespace>.tags
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // 1=leader, -1 or unset=all
	BatchTimeout  time.Duration `yaml:"batch_timeout,omitempty"`
	Writeback     bool          `yaml:"writeback,omitempty"`      // consume <topic>.writes
	ConsumerGroup string        `yaml:"consumer_group,omitempty"` // default <namespace>-writeback
}

// LogConfig selects the operational and protocol debug logs.
type LogConfig struct {
	Level       string `yaml:"level,omitempty"`        // debug, info, warn, error
	Format      string `yaml:"format,omitempty"`       // console or json
	DebugFile   string `yaml:"debug_file,omitempty"`   // protocol debug log, off when empty
	DebugFilter string `yaml:"debug_filter,omitempty"` // comma separated protocols
}

// UIConfig stores terminal monitor preferences.
type UIConfig struct {
	Refresh   time.Duration `yaml:"refresh,omitempty"`
	ASCIIMode bool          `yaml:"ascii_mode,omitempty"` // ASCII borders for terminals without Unicode
}

// SSHConfig serves the terminal monitor to SSH clients, one monitor per
// session.
type SSHConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Listen         string `yaml:"listen"`
	PasswordHash   string `yaml:"password_hash,omitempty"`   // bcrypt
	AuthorizedKeys string `yaml:"authorized_keys,omitempty"` // file or directory of keys
	HostKey        string `yaml:"host_key,omitempty"`        // default ~/.eipscan/host_key
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "eipscan",
		Period:    time.Second,
		PLCs:      []PLCConfig{},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		UI:  UIConfig{Refresh: time.Second},
		SSH: SSHConfig{Listen: ":2222"},
	}
}

// DefaultPath returns the default configuration file path (~/.eipscan/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".eipscan", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Lock acquires the config data mutex for exclusive access.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals and writes.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock and writes.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// FindPLC returns the PLC config with the given name, or nil if not found.
func (c *Config) FindPLC(name string) *PLCConfig {
	for i := range c.PLCs {
		if c.PLCs[i].Name == name {
			return &c.PLCs[i]
		}
	}
	return nil
}

// AddPLC adds a new PLC configuration.
func (c *Config) AddPLC(plc PLCConfig) {
	c.PLCs = append(c.PLCs, plc)
}

// RemovePLC removes a PLC by name.
func (c *Config) RemovePLC(name string) bool {
	for i, p := range c.PLCs {
		if p.Name == name {
			c.PLCs = append(c.PLCs[:i], c.PLCs[i+1:]...)
			return true
		}
	}
	return false
}

// FindTag returns the tag config with the given name, or nil.
func (p *PLCConfig) FindTag(name string) *TagConfig {
	for i := range p.Tags {
		if p.Tags[i].Name == name {
			return &p.Tags[i]
		}
	}
	return nil
}

// AddTag adds a tag, replacing one with the same name.
func (p *PLCConfig) AddTag(tag TagConfig) {
	if t := p.FindTag(tag.Name); t != nil {
		*t = tag
		return
	}
	p.Tags = append(p.Tags, tag)
}

// RemoveTag removes a tag by name.
func (p *PLCConfig) RemoveTag(name string) bool {
	for i, t := range p.Tags {
		if t.Name == name {
			p.Tags = append(p.Tags[:i], p.Tags[i+1:]...)
			return true
		}
	}
	return false
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// TagPeriod is the poll period of tag on p.
func (c *Config) TagPeriod(p *PLCConfig, tag *TagConfig) time.Duration {
	switch {
	case tag.Period > 0:
		return tag.Period
	case p.Period > 0:
		return p.Period
	case c.Period > 0:
		return c.Period
	}
	return time.Second
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace %q: must contain only alphanumeric characters, hyphens, underscores and dots", c.Namespace)
	}
	seen := make(map[string]bool)
	for i := range c.PLCs {
		p := &c.PLCs[i]
		if p.Name == "" {
			return fmt.Errorf("plc %d: missing name", i+1)
		}
		if seen[p.Name] {
			return fmt.Errorf("plc %s: defined twice", p.Name)
		}
		seen[p.Name] = true
		if p.Address == "" {
			return fmt.Errorf("plc %s: missing address", p.Name)
		}
		if p.TransferLimit < 0 || p.TransferLimit > eip.BufferSize {
			return fmt.Errorf("plc %s: transfer limit %d outside 1..%d", p.Name, p.TransferLimit, eip.BufferSize)
		}
		if p.Period < 0 {
			return fmt.Errorf("plc %s: negative period", p.Name)
		}
		for _, t := range p.Tags {
			if _, err := cip.ParseTag(t.Name); err != nil {
				return fmt.Errorf("plc %s: %w", p.Name, err)
			}
			if t.Elements < 0 || t.Period < 0 {
				return fmt.Errorf("plc %s: tag %s: negative period or elements", p.Name, t.Name)
			}
		}
	}
	for _, u := range c.API.Users {
		if u.Role != RoleAdmin && u.Role != RoleViewer {
			return fmt.Errorf("api user %s: unknown role %q", u.Username, u.Role)
		}
	}
	if c.SSH.Enabled && c.SSH.PasswordHash == "" && c.SSH.AuthorizedKeys == "" {
		return errors.New("ssh: enabled without password_hash or authorized_keys")
	}
	return nil
}

// IsValidNamespace returns true if the namespace is valid.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}

// Apply defines every enabled PLC and its tags on reg.
func (c *Config) Apply(reg *plcman.Registry) error {
	for i := range c.PLCs {
		p := &c.PLCs[i]
		if !p.Enabled {
			continue
		}
		ctrl := reg.DefineController(p.Name, p.Address, p.Slot)
		if p.TransferLimit > 0 {
			if err := ctrl.SetTransferLimit(p.TransferLimit); err != nil {
				return err
			}
		}
		for j := range p.Tags {
			t := &p.Tags[j]
			if _, err := ctrl.AddTag(c.TagPeriod(p, t), t.Name, max(t.Elements, 1)); err != nil {
				return fmt.Errorf("plc %s: %w", p.Name, err)
			}
		}
	}
	return nil
}

// Writable reports whether tag on plc accepts remote writes.
func (c *Config) Writable(plc, tag string) bool {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	p := c.FindPLC(plc)
	if p == nil {
		return false
	}
	t := p.FindTag(tag)
	return t != nil && t.Writable
}

// FindAPIUser returns the API user with the given username, or nil.
func (c *Config) FindAPIUser(username string) *APIUser {
	for i := range c.API.Users {
		if c.API.Users[i].Username == username {
			return &c.API.Users[i]
		}
	}
	return nil
}

// SetAPIUser adds or replaces a user with a bcrypt hash of password.
func (c *Config) SetAPIUser(username, password, role string) error {
	if role != RoleAdmin && role != RoleViewer {
		return fmt.Errorf("unknown role %q", role)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u := APIUser{Username: username, PasswordHash: string(hash), Role: role}
	if existing := c.FindAPIUser(username); existing != nil {
		*existing = u
		return nil
	}
	c.API.Users = append(c.API.Users, u)
	return nil
}

// Authenticate checks password against the user's bcrypt hash.
func (c *Config) Authenticate(username, password string) (APIUser, bool) {
	c.dataMu.Lock()
	u := c.FindAPIUser(username)
	var user APIUser
	if u != nil {
		user = *u
	}
	c.dataMu.Unlock()
	if u == nil {
		return APIUser{}, false
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return APIUser{}, false
	}
	return user, true
}
