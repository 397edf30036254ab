package kafka

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"eipscan/config"
	"eipscan/plcman"
)

// Manager manages the producers of all configured clusters.
type Manager struct {
	mu        sync.RWMutex
	producers []*Producer
}

// NewManager creates a producer for every enabled cluster in cfg.
func NewManager(cfg *config.Config, reg *plcman.Registry, log *zap.Logger) *Manager {
	m := &Manager{}
	for i := range cfg.Kafka {
		if cfg.Kafka[i].Enabled {
			m.producers = append(m.producers, NewProducer(&cfg.Kafka[i], cfg.Namespace, reg, cfg.Writable, log))
		}
	}
	return m
}

// Get returns a producer by cluster name.
func (m *Manager) Get(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.producers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all producers.
func (m *Manager) List() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Producer(nil), m.producers...)
}

// ListClusters returns the cluster names.
func (m *Manager) ListClusters() []string {
	var names []string
	for _, p := range m.List() {
		names = append(names, p.Name())
	}
	return names
}

// StartAll starts every producer and returns how many are running.
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

// StopAll stops every producer.
func (m *Manager) StopAll() {
	var wg sync.WaitGroup
	for _, p := range m.List() {
		wg.Add(1)
		go func(p *Producer) {
			defer wg.Done()
			p.Stop()
		}(p)
	}
	wg.Wait()
}

// AnyRunning returns whether at least one producer is started.
func (m *Manager) AnyRunning() bool {
	for _, p := range m.List() {
		if p.IsRunning() {
			return true
		}
	}
	return false
}
