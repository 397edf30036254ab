package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"eipscan/plcman"
)

const sample = `
namespace: plant1
period: 2s
plcs:
  - name: line1
    address: 192.168.1.10
    slot: 0
    enabled: true
    transfer_limit: 400
    tags:
      - name: Speed
        period: 100ms
        writable: true
      - name: Recipe[0]
        elements: 10
      - name: Motor.Status
  - name: spare
    address: 192.168.1.11
    enabled: false
    tags:
      - name: X
api:
  enabled: true
  listen: ":9090"
mqtt:
  - name: broker1
    enabled: true
    broker: localhost
    port: 1883
    client_id: eipscan
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeFile(t, sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Namespace != "plant1" {
		t.Errorf("Namespace = %q", cfg.Namespace)
	}
	if len(cfg.PLCs) != 2 {
		t.Fatalf("expected 2 PLCs, got %d", len(cfg.PLCs))
	}
	p := cfg.FindPLC("line1")
	if p == nil {
		t.Fatal("line1 not found")
	}
	if p.TransferLimit != 400 || len(p.Tags) != 3 {
		t.Errorf("unexpected plc: %+v", p)
	}
	if cfg.API.Listen != ":9090" {
		t.Errorf("API.Listen = %q", cfg.API.Listen)
	}
	// Defaults survive for blocks the file does not mention.
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want default", cfg.Log.Level)
	}
	if m := cfg.FindMQTT("broker1"); m == nil || m.Port != 1883 {
		t.Errorf("FindMQTT = %+v", m)
	}
	if cfg.FindValkey("x") != nil || cfg.FindKafka("x") != nil {
		t.Error("expected no valkey or kafka config")
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Period != time.Second || !cfg.API.Enabled {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad yaml", "plcs: [", "parse"},
		{"no address", "plcs:\n  - name: a\n", "missing address"},
		{"duplicate", "plcs:\n  - {name: a, address: x}\n  - {name: a, address: y}\n", "defined twice"},
		{"limit", "plcs:\n  - {name: a, address: x, transfer_limit: 601}\n", "transfer limit"},
		{"tag", "plcs:\n  - name: a\n    address: x\n    tags: [{name: 'a..b'}]\n", "expected a name"},
		{"namespace", "namespace: 'a b'\n", "invalid namespace"},
		{"role", "api:\n  users: [{username: u, role: root}]\n", "unknown role"},
		{"ssh", "ssh:\n  enabled: true\n", "ssh"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tc.yaml))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddPLC(PLCConfig{Name: "a", Address: "10.0.0.1", Enabled: true})
	cfg.FindPLC("a").AddTag(TagConfig{Name: "T1", Elements: 2})
	cfg.FindPLC("a").AddTag(TagConfig{Name: "T1", Elements: 4})

	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := loaded.FindPLC("a")
	if p == nil || len(p.Tags) != 1 || p.Tags[0].Elements != 4 {
		t.Errorf("unexpected plc after round trip: %+v", p)
	}
	if !p.RemoveTag("T1") || p.RemoveTag("T1") {
		t.Error("RemoveTag should succeed once")
	}
	if !loaded.RemovePLC("a") || loaded.RemovePLC("a") {
		t.Error("RemovePLC should succeed once")
	}
}

func TestTagPeriod(t *testing.T) {
	cfg := &Config{Period: 3 * time.Second}
	p := &PLCConfig{}
	tests := []struct {
		plc, tag, want time.Duration
	}{
		{0, 0, 3 * time.Second},
		{2 * time.Second, 0, 2 * time.Second},
		{2 * time.Second, time.Second, time.Second},
	}
	for _, tc := range tests {
		p.Period = tc.plc
		if got := cfg.TagPeriod(p, &TagConfig{Period: tc.tag}); got != tc.want {
			t.Errorf("TagPeriod(%v, %v) = %v, want %v", tc.plc, tc.tag, got, tc.want)
		}
	}
	if got := (&Config{}).TagPeriod(p, &TagConfig{}); got != 2*time.Second {
		t.Errorf("plc period not used: %v", got)
	}
}

func TestApply(t *testing.T) {
	cfg, err := Load(writeFile(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	reg := plcman.NewRegistry()
	if err := cfg.Apply(reg); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if reg.Controller("spare") != nil {
		t.Error("disabled plc was defined")
	}
	c := reg.Controller("line1")
	if c == nil {
		t.Fatal("line1 not defined")
	}
	if c.TransferLimit() != 400 {
		t.Errorf("TransferLimit = %d", c.TransferLimit())
	}
	periods := c.Periods()
	if len(periods) != 2 || periods[0] != 100*time.Millisecond || periods[1] != 2*time.Second {
		t.Errorf("Periods = %v", periods)
	}
	if tag := c.FindTag("Recipe[0]"); tag == nil || tag.Elements() != 10 {
		t.Errorf("Recipe[0] = %v", tag)
	}
	if !cfg.Writable("line1", "Speed") || cfg.Writable("line1", "Motor.Status") || cfg.Writable("x", "Speed") {
		t.Error("Writable mismatch")
	}
}

func TestAPIUsers(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.SetAPIUser("ops", "secret", RoleAdmin); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetAPIUser("ops", "other", RoleViewer); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetAPIUser("x", "y", "root"); err == nil {
		t.Error("expected role error")
	}
	if len(cfg.API.Users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(cfg.API.Users))
	}
	if _, ok := cfg.Authenticate("ops", "secret"); ok {
		t.Error("old password still accepted")
	}
	u, ok := cfg.Authenticate("ops", "other")
	if !ok || u.Role != RoleViewer {
		t.Errorf("Authenticate = %+v, %v", u, ok)
	}
	if _, ok := cfg.Authenticate("nobody", "other"); ok {
		t.Error("unknown user accepted")
	}
}

func TestIsValidNamespace(t *testing.T) {
	for ns, want := range map[string]bool{
		"plant1":     true,
		"a.b-c_d":    true,
		"":           false,
		"has space":  false,
		"slash/name": false,
	} {
		if got := IsValidNamespace(ns); got != want {
			t.Errorf("IsValidNamespace(%q) = %v, want %v", ns, got, want)
		}
	}
}
