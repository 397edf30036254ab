package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"eipscan/cip"
	"eipscan/config"
	"eipscan/plcman"
	"eipscan/plcsim"
)

type fakeStore struct {
	mu       sync.Mutex
	keys     map[string][]byte
	ttls     map[string]time.Duration
	messages map[string][][]byte
	queue    chan string
	closed   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		keys:     make(map[string][]byte),
		ttls:     make(map[string]time.Duration),
		messages: make(map[string][][]byte),
		queue:    make(chan string, 16),
	}
}

func (f *fakeStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key] = append([]byte(nil), value...)
	f.ttls[key] = ttl
	return nil
}

func (f *fakeStore) Publish(_ context.Context, channel string, message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[channel] = append(f.messages[channel], append([]byte(nil), message...))
	return nil
}

func (f *fakeStore) BLPop(ctx context.Context, timeout time.Duration, _ string) (string, error) {
	select {
	case s := <-f.queue:
		return s, nil
	case <-time.After(timeout):
		return "", redis.Nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *fakeStore) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) get(key string) ([]byte, time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.keys[key]
	return v, f.ttls[key], ok
}

func (f *fakeStore) count(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[channel])
}

func (f *fakeStore) last(channel string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.messages[channel]
	if len(m) == 0 {
		return nil
	}
	return m[len(m)-1]
}

func setup(t *testing.T, cfg *config.ValkeyConfig) (*Publisher, *fakeStore, *plcsim.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sim := plcsim.New(nil)
	if err := sim.Start(ctx, "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	sim.SetTag("Temp", cip.Real(21.5))
	sim.SetTag("Batch", cip.Dint(12))

	reg := plcman.NewRegistry(plcman.WithTimeout(time.Second))
	reg.DefineController("oven", sim.Addr(), 0)
	reg.AddTag("oven", 50*time.Millisecond, "Temp", 1)
	reg.AddTag("oven", 50*time.Millisecond, "Batch", 1)

	writable := func(plc, tag string) bool { return plc == "oven" && tag == "Temp" }
	p := NewPublisher(cfg, "site", reg, writable, nil)
	fs := newFakeStore()
	p.dial = func(context.Context, *config.ValkeyConfig) (store, error) { return fs, nil }
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	reg.Start(ctx)
	t.Cleanup(func() {
		p.Stop()
		reg.Stop()
		cancel()
		sim.Close()
	})
	return p, fs, sim
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestKeys(t *testing.T) {
	p := NewPublisher(&config.ValkeyConfig{Selector: "line2"}, "site", plcman.NewRegistry(), nil, nil)
	if got := p.Key("oven", "Temp"); got != "site:line2:oven:tags:Temp" {
		t.Errorf("Key = %q", got)
	}
	if got := p.WriteQueue(); got != "site:line2:writes" {
		t.Errorf("WriteQueue = %q", got)
	}
	if got := p.ResponseChannel(); got != "site:line2:write:responses" {
		t.Errorf("ResponseChannel = %q", got)
	}

	p = NewPublisher(&config.ValkeyConfig{}, "site", plcman.NewRegistry(), nil, nil)
	if got := p.Key("oven", "Temp"); got != "site:oven:tags:Temp" {
		t.Errorf("Key without selector = %q", got)
	}
}

func TestMirrorsValues(t *testing.T) {
	p, fs, sim := setup(t, &config.ValkeyConfig{Name: "v1", KeyTTL: time.Minute, PublishChanges: true})

	key := "site:oven:tags:Temp"
	waitFor(t, key, func() bool { _, _, ok := fs.get(key); return ok })
	data, ttl, _ := fs.get(key)
	if ttl != time.Minute {
		t.Errorf("ttl = %v", ttl)
	}
	var msg TagMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Namespace != "site" || msg.PLC != "oven" || msg.Type != "REAL" || msg.Value != 21.5 || !msg.Writable {
		t.Errorf("unexpected message: %+v", msg)
	}
	waitFor(t, "change notifications", func() bool {
		return fs.count("site:oven:changes") >= 2 && fs.count("site:_all:changes") >= 2
	})

	sim.SetTag("Batch", cip.Dint(13))
	waitFor(t, "Batch change", func() bool {
		data, _, _ := fs.get("site:oven:tags:Batch")
		return strings.Contains(string(data), `"value":13`)
	})
	if p.Published() < 3 {
		t.Errorf("Published = %d", p.Published())
	}
}

func TestWriteQueue(t *testing.T) {
	p, fs, sim := setup(t, &config.ValkeyConfig{Name: "v1", Writeback: true})
	waitFor(t, "Temp", func() bool { _, _, ok := fs.get("site:oven:tags:Temp"); return ok })

	fs.queue <- `{"plc":"oven","tag":"Temp","value":80.5}`
	waitFor(t, "write to reach the controller", func() bool {
		v, _ := sim.Values("Temp")
		return len(v) == 1 && v[0] == cip.Real(80.5)
	})
	if p.Writes() != 1 {
		t.Errorf("Writes = %d", p.Writes())
	}

	tests := []struct {
		entry string
		want  string
	}{
		{`{"plc":"oven","tag":"Batch","value":1}`, "not writable"},
		{`{"plc":"oven","value":1}`, "required"},
		{`{"plc":"oven","tag":"Temp","value":"hot"}`, "not a number"},
		{`nope`, "invalid request"},
	}
	for _, tc := range tests {
		n := fs.count(p.ResponseChannel())
		fs.queue <- tc.entry
		waitFor(t, "response", func() bool { return fs.count(p.ResponseChannel()) > n })
		var resp WriteResponse
		if err := json.Unmarshal(fs.last(p.ResponseChannel()), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Success || !strings.Contains(resp.Error, tc.want) {
			t.Errorf("%s: response %+v, want error %q", tc.entry, resp, tc.want)
		}
	}
}

func TestStartFailure(t *testing.T) {
	p := NewPublisher(&config.ValkeyConfig{Name: "v1", Address: "localhost:6379"}, "ns", plcman.NewRegistry(), nil, nil)
	p.dial = func(context.Context, *config.ValkeyConfig) (store, error) { return nil, errors.New("refused") }
	if err := p.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "refused") {
		t.Errorf("Start error = %v", err)
	}
	if p.IsRunning() {
		t.Error("publisher running after failed start")
	}
	p.Stop()
}

func TestManager(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Valkey = []config.ValkeyConfig{
		{Name: "a", Enabled: true},
		{Name: "b"},
		{Name: "c", Enabled: true},
	}
	m := NewManager(cfg, plcman.NewRegistry(), nil)
	if len(m.List()) != 2 || m.Get("b") != nil || m.Get("c") == nil {
		t.Fatalf("unexpected publishers: %d", len(m.List()))
	}

	fs := newFakeStore()
	m.Get("a").dial = func(context.Context, *config.ValkeyConfig) (store, error) { return fs, nil }
	m.Get("c").dial = func(context.Context, *config.ValkeyConfig) (store, error) { return nil, errors.New("down") }
	if n := m.StartAll(context.Background()); n != 1 {
		t.Errorf("StartAll = %d", n)
	}
	if !m.AnyRunning() {
		t.Error("AnyRunning = false")
	}
	m.StopAll()
	if m.AnyRunning() || !fs.closed {
		t.Error("publishers still running after StopAll")
	}
}
