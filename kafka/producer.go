package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"eipscan/config"
	"eipscan/logging"
	"eipscan/plcman"
)

// maxBatch bounds the number of events handed to one WriteMessages call.
const maxBatch = 100

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// TagEvent is the value of every message on the tag topic. The message key
// is "<plc>.<tag>".
type TagEvent struct {
	Namespace string `json:"namespace"`
	PLC       string `json:"plc"`
	Tag       string `json:"tag"`
	Type      string `json:"type,omitempty"`
	Value     any    `json:"value"`
	Valid     bool   `json:"valid"`
	Writable  bool   `json:"writable"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Producer sends the tag changes of a registry to one cluster.
type Producer struct {
	cfg       *config.KafkaConfig
	namespace string
	reg       *plcman.Registry
	writable  func(plc, tag string) bool
	log       *zap.Logger

	newWriter func(cfg *config.KafkaConfig) (messageWriter, error)
	newReader func(cfg *config.KafkaConfig, topic, group string) (messageReader, error)

	mu      sync.Mutex
	w       messageWriter
	r       messageReader
	watcher *plcman.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error

	sent   atomic.Int64
	errs   atomic.Int64
	writes atomic.Int64
}

// NewProducer creates a producer for one cluster. writable decides which
// tags accept writes; nil rejects all.
func NewProducer(cfg *config.KafkaConfig, namespace string, reg *plcman.Registry, writable func(plc, tag string) bool, log *zap.Logger) *Producer {
	if writable == nil {
		writable = func(string, string) bool { return false }
	}
	return &Producer{
		cfg:       cfg,
		namespace: namespace,
		reg:       reg,
		writable:  writable,
		log:       logging.OrNop(log).Named("kafka").With(zap.String("cluster", cfg.Name)),
		newWriter: newKafkaWriter,
		newReader: newKafkaReader,
	}
}

// Name returns the producer's name.
func (p *Producer) Name() string { return p.cfg.Name }

// Topic returns the tag event topic.
func (p *Producer) Topic() string { return Topic(p.cfg, p.namespace) }

// IsRunning returns whether the producer is started.
func (p *Producer) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w != nil
}

// Stats returns the number of events sent, failed sends and accepted
// write requests.
func (p *Producer) Stats() (sent, errs, writes int64) {
	return p.sent.Load(), p.errs.Load(), p.writes.Load()
}

// LastError returns the most recent send failure.
func (p *Producer) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Start creates the writer and sends every tag change until ctx is done or
// Stop is called. With writeback enabled the write topic is consumed too.
func (p *Producer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w != nil {
		return nil
	}
	if len(p.cfg.Brokers) == 0 {
		return fmt.Errorf("kafka %s: no brokers configured", p.cfg.Name)
	}

	w, err := p.newWriter(p.cfg)
	if err != nil {
		return fmt.Errorf("kafka %s: %w", p.cfg.Name, err)
	}
	var r messageReader
	if p.cfg.Writeback {
		r, err = p.newReader(p.cfg, WriteTopic(p.cfg, p.namespace), ConsumerGroup(p.cfg, p.namespace))
		if err != nil {
			w.Close()
			return fmt.Errorf("kafka %s: %w", p.cfg.Name, err)
		}
	}
	for _, b := range p.cfg.Brokers {
		logging.DebugConnect(logging.KAFKA, b)
	}
	p.log.Info("producing", zap.Strings("brokers", p.cfg.Brokers), zap.String("topic", p.Topic()))

	p.w, p.r = w, r
	p.watcher = p.reg.Watch(1000, true)
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx, w, p.watcher)
	if r != nil {
		p.wg.Add(1)
		go p.consume(ctx, r, w)
	}
	return nil
}

func (p *Producer) run(ctx context.Context, w messageWriter, wt *plcman.Watcher) {
	defer p.wg.Done()
	batch := make([]kafka.Message, 0, maxBatch)
	for {
		select {
		case <-ctx.Done():
			return
		case tv := <-wt.C:
			batch = append(batch[:0], p.message(tv))
		drain:
			for len(batch) < maxBatch {
				select {
				case tv := <-wt.C:
					batch = append(batch, p.message(tv))
				default:
					break drain
				}
			}
			p.send(ctx, w, batch)
		}
	}
}

func (p *Producer) message(tv plcman.TagValue) kafka.Message {
	ev := TagEvent{
		Namespace: p.namespace,
		PLC:       tv.PLC,
		Tag:       tv.Tag,
		Type:      tv.Type,
		Value:     tv.Value,
		Valid:     tv.Valid,
		Writable:  p.writable(tv.PLC, tv.Tag),
		Error:     tv.Error,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(ev)
	return kafka.Message{
		Topic: p.Topic(),
		Key:   []byte(tv.PLC + "." + tv.Tag),
		Value: data,
	}
}

func (p *Producer) send(ctx context.Context, w messageWriter, batch []kafka.Message) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := w.WriteMessages(ctx, batch...)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		p.errs.Add(1)
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		p.log.Warn("produce failed", zap.Int("messages", len(batch)), zap.Error(err))
		return
	}
	p.sent.Add(int64(len(batch)))
	logging.DebugLog(logging.KAFKA, "produced %d messages to %s", len(batch), p.Topic())
}

// Stop stops producing and closes the writer.
func (p *Producer) Stop() {
	p.mu.Lock()
	w, r, wt, cancel := p.w, p.r, p.watcher, p.cancel
	p.w, p.r, p.watcher, p.cancel = nil, nil, nil, nil
	p.mu.Unlock()
	if w == nil {
		return
	}
	cancel()
	p.wg.Wait()
	wt.Close()
	if r != nil {
		r.Close()
	}
	if err := w.Close(); err != nil {
		p.log.Warn("close writer", zap.Error(err))
	}
	for _, b := range p.cfg.Brokers {
		logging.DebugDisconnect(logging.KAFKA, b, "stopped")
	}
	p.log.Info("stopped")
}

func newKafkaWriter(cfg *config.KafkaConfig) (messageWriter, error) {
	t, err := transport(cfg)
	if err != nil {
		return nil, err
	}
	acks := kafka.RequiredAcks(cfg.RequiredAcks)
	if cfg.RequiredAcks == 0 {
		acks = kafka.RequireAll
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           acks,
		BatchTimeout:           batchTimeout,
		AllowAutoTopicCreation: true,
		Transport:              t,
	}, nil
}
