// Package mqtt publishes tag values to an MQTT broker and accepts writes
// from it.
package mqtt

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

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"eipscan/config"
	"eipscan/logging"
	"eipscan/namespace"
	"eipscan/plcman"
)

// broker is the part of an MQTT client the publisher uses.
type broker interface {
	Publish(topic string, retained bool, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Close()
}

// TagMessage is the JSON structure published for every tag change.
type TagMessage struct {
	PLC       string `json:"plc"`
	Tag       string `json:"tag"`
	Type      string `json:"type,omitempty"`
	Value     any    `json:"value"`
	Valid     bool   `json:"valid"`
	Writable  bool   `json:"writable"`
	Timestamp string `json:"timestamp"`
}

// WriteRequest is the payload of <ns>/<plc>/<tag>/write. A bare JSON value
// is accepted as well.
type WriteRequest struct {
	Value any `json:"value"`
}

// WriteResponse is published to <ns>/<plc>/<tag>/write/response.
type WriteResponse struct {
	PLC       string `json:"plc"`
	Tag       string `json:"tag"`
	Value     any    `json:"value"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Publisher publishes the tags of a registry to a single broker.
type Publisher struct {
	cfg      *config.MQTTConfig
	names    namespace.Builder
	reg      *plcman.Registry
	writable func(plc, tag string) bool
	log      *zap.Logger
	dial     func(cfg *config.MQTTConfig) (broker, error)

	mu      sync.Mutex
	b       broker
	watcher *plcman.Watcher
	cancel  context.CancelFunc
	done    chan struct{}

	published atomic.Int64
	writes    atomic.Int64
}

// NewPublisher creates a publisher for one broker. writable decides which
// tags accept writes; nil rejects all.
func NewPublisher(cfg *config.MQTTConfig, ns string, reg *plcman.Registry, writable func(plc, tag string) bool, log *zap.Logger) *Publisher {
	if writable == nil {
		writable = func(string, string) bool { return false }
	}
	log = logging.OrNop(log).Named("mqtt").With(zap.String("broker", cfg.Name))
	p := &Publisher{
		cfg:      cfg,
		names:    namespace.New(ns, cfg.Selector),
		reg:      reg,
		writable: writable,
		log:      log,
	}
	p.dial = func(cfg *config.MQTTConfig) (broker, error) { return dialPaho(cfg, log) }
	return p
}

// Name returns the publisher's name.
func (p *Publisher) Name() string { return p.cfg.Name }

// Address returns the broker URL.
func (p *Publisher) Address() string {
	if p.cfg.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.cfg.Broker, p.cfg.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.cfg.Broker, p.cfg.Port)
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.b != nil
}

// Published is the number of tag messages sent.
func (p *Publisher) Published() int64 { return p.published.Load() }

// Writes is the number of accepted write requests.
func (p *Publisher) Writes() int64 { return p.writes.Load() }

// Topic is the retained value topic of a tag.
func (p *Publisher) Topic(plc, tag string) string {
	return p.names.MQTTTagTopic(plc, tag)
}

// Start connects, subscribes to write topics when enabled and publishes
// every tag change until ctx is done or Stop is called.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.b != nil {
		return nil
	}

	p.log.Info("connecting", zap.String("address", p.Address()))
	b, err := p.dial(p.cfg)
	if err != nil {
		logging.DebugError(logging.MQTT, p.cfg.Name, err)
		return fmt.Errorf("mqtt %s: %w", p.cfg.Name, err)
	}
	logging.DebugConnect(logging.MQTT, p.Address())

	if p.cfg.Writeback {
		for _, c := range p.reg.Controllers() {
			topic := p.names.MQTTWriteFilter(c.Name())
			err := b.Subscribe(topic, func(topic string, payload []byte) {
				p.handleWrite(b, topic, payload)
			})
			if err != nil {
				b.Close()
				return fmt.Errorf("mqtt %s: subscribe %s: %w", p.cfg.Name, topic, err)
			}
			logging.DebugLog(logging.MQTT, "subscribed to %s", topic)
		}
	}

	p.b = b
	p.watcher = p.reg.Watch(1000, true)
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx, b, p.watcher, p.done)
	return nil
}

func (p *Publisher) run(ctx context.Context, b broker, w *plcman.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case tv := <-w.C:
			p.publish(b, tv)
		}
	}
}

func (p *Publisher) publish(b broker, tv plcman.TagValue) {
	msg := TagMessage{
		PLC:       tv.PLC,
		Tag:       tv.Tag,
		Type:      tv.Type,
		Value:     tv.Value,
		Valid:     tv.Valid,
		Writable:  p.writable(tv.PLC, tv.Tag),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	topic := p.Topic(tv.PLC, tv.Tag)
	if err := b.Publish(topic, true, payload); err != nil {
		p.log.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	p.published.Add(1)
	logging.DebugLog(logging.MQTT, "published %s", topic)
}

// handleWrite runs on the client's delivery goroutine. The write is only
// requested here; the scanner carries it out on the next scan.
func (p *Publisher) handleWrite(b broker, topic string, payload []byte) {
	plc, tag, ok := p.parseWriteTopic(topic)
	if !ok {
		p.log.Warn("ignoring write on unexpected topic", zap.String("topic", topic))
		return
	}

	var value any
	var req WriteRequest
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	err := dec.Decode(&req)
	if err == nil && req.Value != nil {
		value = req.Value
	} else {
		dec = json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		err = dec.Decode(&value)
	}

	switch {
	case err != nil:
		err = fmt.Errorf("invalid payload: %w", err)
	case !p.writable(plc, tag):
		err = errors.New("tag is not writable")
	default:
		err = p.reg.WriteValue(plc, tag, value)
	}

	resp := WriteResponse{
		PLC:       plc,
		Tag:       tag,
		Value:     value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err != nil {
		resp.Error = err.Error()
		p.log.Warn("write rejected", zap.String("plc", plc), zap.String("tag", tag), zap.Error(err))
	} else {
		p.writes.Add(1)
		p.log.Info("write requested", zap.String("plc", plc), zap.String("tag", tag))
	}

	data, _ := json.Marshal(resp)
	if err := b.Publish(topic+"/response", false, data); err != nil {
		p.log.Warn("publish write response failed", zap.Error(err))
	}
}

// parseWriteTopic splits <root>/<plc>/<tag>/write.
func (p *Publisher) parseWriteTopic(topic string) (plc, tag string, ok bool) {
	return p.names.ParseMQTTWriteTopic(topic)
}

// Stop stops publishing and disconnects.
func (p *Publisher) Stop() {
	p.mu.Lock()
	b, w, cancel, done := p.b, p.watcher, p.cancel, p.done
	p.b, p.watcher, p.cancel = nil, nil, nil
	p.mu.Unlock()
	if b == nil {
		return
	}
	cancel()
	<-done
	w.Close()
	b.Close()
	p.log.Info("disconnected")
}

type pahoBroker struct {
	c pahomqtt.Client
}

func dialPaho(cfg *config.MQTTConfig, log *zap.Logger) (broker, error) {
	opts := pahomqtt.NewClientOptions()
	if cfg.UseTLS {
		opts.AddBroker(fmt.Sprintf("ssl://%s:%d", cfg.Broker, cfg.Port))
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	}
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn("connection lost", zap.Error(err))
	})

	c := pahomqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, errors.New("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return &pahoBroker{c: c}, nil
}

func (b *pahoBroker) Publish(topic string, retained bool, payload []byte) error {
	token := b.c.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return errors.New("publish timeout")
	}
	return token.Error()
}

func (b *pahoBroker) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	token := b.c.Subscribe(topic, 1, func(_ pahomqtt.Client, m pahomqtt.Message) {
		handler(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(2 * time.Second) {
		return errors.New("subscribe timeout")
	}
	return token.Error()
}

func (b *pahoBroker) Close() {
	b.c.Disconnect(500)
}
