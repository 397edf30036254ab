// Package valkey mirrors tag values into Valkey/Redis keys and accepts
// writes from a list queue.
package valkey

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"eipscan/config"
	"eipscan/logging"
	"eipscan/namespace"
	"eipscan/plcman"
)

// store is the part of a Valkey client the publisher uses. BLPop returns
// redis.Nil when the timeout passes without an entry.
type store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Publish(ctx context.Context, channel string, message []byte) error
	BLPop(ctx context.Context, timeout time.Duration, key string) (string, error)
	Close() error
}

// TagMessage is the JSON stored under each tag key.
type TagMessage struct {
	Namespace string `json:"namespace"`
	PLC       string `json:"plc"`
	Tag       string `json:"tag"`
	Type      string `json:"type,omitempty"`
	Value     any    `json:"value"`
	Valid     bool   `json:"valid"`
	Writable  bool   `json:"writable"`
	Timestamp string `json:"timestamp"`
}

// WriteRequest is an entry of the <ns>:writes list.
type WriteRequest struct {
	PLC   string `json:"plc"`
	Tag   string `json:"tag"`
	Value any    `json:"value"`
}

// WriteResponse is published on <ns>:write:responses.
type WriteResponse struct {
	PLC       string `json:"plc"`
	Tag       string `json:"tag"`
	Value     any    `json:"value"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Publisher keeps one Valkey server in sync with a registry.
type Publisher struct {
	cfg      *config.ValkeyConfig
	ns       string
	names    namespace.Builder
	reg      *plcman.Registry
	writable func(plc, tag string) bool
	log      *zap.Logger
	dial     func(ctx context.Context, cfg *config.ValkeyConfig) (store, error)

	mu      sync.Mutex
	s       store
	watcher *plcman.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	published atomic.Int64
	writes    atomic.Int64
}

// NewPublisher creates a publisher for one server. writable decides which
// tags accept writes; nil rejects all.
func NewPublisher(cfg *config.ValkeyConfig, ns string, reg *plcman.Registry, writable func(plc, tag string) bool, log *zap.Logger) *Publisher {
	if writable == nil {
		writable = func(string, string) bool { return false }
	}
	return &Publisher{
		cfg:      cfg,
		ns:       ns,
		names:    namespace.New(ns, cfg.Selector),
		reg:      reg,
		writable: writable,
		log:      logging.OrNop(log).Named("valkey").With(zap.String("server", cfg.Name)),
		dial:     dialRedis,
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string { return p.cfg.Name }

// Address returns the server address.
func (p *Publisher) Address() string { return p.cfg.Address }

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.s != nil
}

// Published is the number of tag keys written.
func (p *Publisher) Published() int64 { return p.published.Load() }

// Writes is the number of accepted write requests.
func (p *Publisher) Writes() int64 { return p.writes.Load() }

// Key is the key holding a tag: <ns>[:<selector>]:<plc>:tags:<tag>.
func (p *Publisher) Key(plc, tag string) string {
	return p.names.ValkeyTagKey(plc, tag)
}

// WriteQueue is the list polled for write requests.
func (p *Publisher) WriteQueue() string { return p.names.ValkeyWriteQueue() }

// ResponseChannel is the channel write responses go to.
func (p *Publisher) ResponseChannel() string {
	return p.names.ValkeyWriteResponseChannel()
}

// Start connects and mirrors every tag change until ctx is done or Stop is
// called. With writeback enabled the write queue is polled as well.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.s != nil {
		return nil
	}

	p.log.Info("connecting", zap.String("address", p.cfg.Address))
	s, err := p.dial(ctx, p.cfg)
	if err != nil {
		logging.DebugError(logging.VALKEY, p.cfg.Name, err)
		return fmt.Errorf("valkey %s: %w", p.cfg.Name, err)
	}
	logging.DebugConnect(logging.VALKEY, p.cfg.Address)

	p.s = s
	p.watcher = p.reg.Watch(1000, true)
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run(ctx, s, p.watcher)
	if p.cfg.Writeback {
		p.wg.Add(1)
		go p.writeback(ctx, s)
	}
	return nil
}

func (p *Publisher) run(ctx context.Context, s store, w *plcman.Watcher) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case tv := <-w.C:
			p.publish(ctx, s, tv)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, s store, tv plcman.TagValue) {
	msg := TagMessage{
		Namespace: p.ns,
		PLC:       tv.PLC,
		Tag:       tv.Tag,
		Type:      tv.Type,
		Value:     tv.Value,
		Valid:     tv.Valid,
		Writable:  p.writable(tv.PLC, tv.Tag),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	key := p.Key(tv.PLC, tv.Tag)
	if err := s.Set(ctx, key, data, p.cfg.KeyTTL); err != nil {
		p.log.Warn("set failed", zap.String("key", key), zap.Error(err))
		return
	}
	p.published.Add(1)
	logging.DebugLog(logging.VALKEY, "SET %s", key)

	if p.cfg.PublishChanges {
		for _, ch := range []string{
			p.names.ValkeyChangesChannel(tv.PLC),
			p.names.ValkeyAllChangesChannel(),
		} {
			if err := s.Publish(ctx, ch, data); err != nil {
				p.log.Warn("publish failed", zap.String("channel", ch), zap.Error(err))
			}
		}
	}
}

// writeback pops write requests until ctx is done. The writes are only
// requested here; the scanner carries them out on the next scan.
func (p *Publisher) writeback(ctx context.Context, s store) {
	defer p.wg.Done()
	queue := p.WriteQueue()
	logging.DebugLog(logging.VALKEY, "polling %s", queue)
	for ctx.Err() == nil {
		entry, err := s.BLPop(ctx, time.Second, queue)
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			p.log.Warn("write queue poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		p.handleWrite(ctx, s, []byte(entry))
	}
}

func (p *Publisher) handleWrite(ctx context.Context, s store, entry []byte) {
	var req WriteRequest
	dec := json.NewDecoder(bytes.NewReader(entry))
	dec.UseNumber()
	err := dec.Decode(&req)

	switch {
	case err != nil:
		err = fmt.Errorf("invalid request: %w", err)
	case req.PLC == "" || req.Tag == "":
		err = errors.New("plc and tag are required")
	case !p.writable(req.PLC, req.Tag):
		err = errors.New("tag is not writable")
	default:
		err = p.reg.WriteValue(req.PLC, req.Tag, req.Value)
	}

	resp := WriteResponse{
		PLC:       req.PLC,
		Tag:       req.Tag,
		Value:     req.Value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err != nil {
		resp.Error = err.Error()
		p.log.Warn("write rejected", zap.String("plc", req.PLC), zap.String("tag", req.Tag), zap.Error(err))
	} else {
		p.writes.Add(1)
		p.log.Info("write requested", zap.String("plc", req.PLC), zap.String("tag", req.Tag))
	}

	data, _ := json.Marshal(resp)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.Publish(ctx, p.ResponseChannel(), data); err != nil {
		p.log.Warn("publish write response failed", zap.Error(err))
	}
}

// Stop stops mirroring and disconnects.
func (p *Publisher) Stop() {
	p.mu.Lock()
	s, w, cancel := p.s, p.watcher, p.cancel
	p.s, p.watcher, p.cancel = nil, nil, nil
	p.mu.Unlock()
	if s == nil {
		return
	}
	cancel()
	p.wg.Wait()
	w.Close()
	if err := s.Close(); err != nil {
		p.log.Debug("close", zap.Error(err))
	}
	logging.DebugDisconnect(logging.VALKEY, p.cfg.Address, "stopped")
	p.log.Info("disconnected")
}

type redisStore struct {
	c *redis.Client
}

func dialRedis(ctx context.Context, cfg *config.ValkeyConfig) (store, error) {
	opts := &redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	c := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, err
	}
	return &redisStore{c: c}, nil
}

func (r *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

func (r *redisStore) Publish(ctx context.Context, channel string, message []byte) error {
	return r.c.Publish(ctx, channel, message).Err()
}

func (r *redisStore) BLPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	res, err := r.c.BLPop(ctx, timeout, key).Result()
	if err != nil {
		return "", err
	}
	if len(res) != 2 {
		return "", redis.Nil
	}
	return res[1], nil
}

func (r *redisStore) Close() error {
	return r.c.Close()
}
