package valkey

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"eipscan/config"
	"eipscan/plcman"
)

// Manager manages the publishers of all configured Valkey servers.
type Manager struct {
	mu         sync.RWMutex
	publishers []*Publisher
}

// NewManager creates a publisher for every enabled server in cfg.
func NewManager(cfg *config.Config, reg *plcman.Registry, log *zap.Logger) *Manager {
	m := &Manager{}
	for i := range cfg.Valkey {
		if !cfg.Valkey[i].Enabled {
			continue
		}
		m.publishers = append(m.publishers, NewPublisher(&cfg.Valkey[i], cfg.Namespace, reg, cfg.Writable, log))
	}
	return m
}

// Add adds a publisher.
func (m *Manager) Add(p *Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishers = append(m.publishers, p)
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.publishers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Publisher(nil), m.publishers...)
}

// StartAll starts every publisher and returns how many are running.
// Failures are logged by the publishers and do not stop the others.
func (m *Manager) StartAll(ctx context.Context) int {
	n := 0
	for _, p := range m.List() {
		if err := p.Start(ctx); err != nil {
			p.log.Error("start failed", zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// StopAll stops every publisher in parallel.
func (m *Manager) StopAll() {
	var wg sync.WaitGroup
	for _, p := range m.List() {
		wg.Add(1)
		go func(p *Publisher) {
			defer wg.Done()
			p.Stop()
		}(p)
	}
	wg.Wait()
}

// AnyRunning returns whether at least one publisher is connected.
func (m *Manager) AnyRunning() bool {
	for _, p := range m.List() {
		if p.IsRunning() {
			return true
		}
	}
	return false
}
