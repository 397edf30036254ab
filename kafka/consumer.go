package kafka

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"eipscan/config"
	"eipscan/logging"
)

// WriteRequest is the value of a message on the write topic.
type WriteRequest struct {
	PLC       string `json:"plc"`
	Tag       string `json:"tag"`
	Value     any    `json:"value"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteResponse is produced to the response topic for every request.
type WriteResponse struct {
	PLC       string `json:"plc"`
	Tag       string `json:"tag"`
	Value     any    `json:"value"`
	RequestID string `json:"request_id,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// consume reads write requests until ctx is done. Each request only marks
// the tag for writing; the scanner sends it on the next scan, so a newer
// request for the same tag simply replaces an older one.
func (p *Producer) consume(ctx context.Context, r messageReader, w messageWriter) {
	defer p.wg.Done()
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		logging.DebugLog(logging.KAFKA, "write request offset=%d key=%s", msg.Offset, msg.Key)

		resp := p.handleWrite(msg.Value)
		data, _ := json.Marshal(resp)
		out := kafka.Message{
			Topic: ResponseTopic(p.cfg, p.namespace),
			Key:   []byte(resp.PLC + "." + resp.Tag),
			Value: data,
		}
		if err := w.WriteMessages(ctx, out); err != nil && ctx.Err() == nil {
			p.log.Warn("produce write response failed", zap.Error(err))
		}
		if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			p.log.Warn("commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (p *Producer) handleWrite(value []byte) WriteResponse {
	var req WriteRequest
	dec := json.NewDecoder(bytes.NewReader(value))
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
		RequestID: req.RequestID,
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
	return resp
}

func newKafkaReader(cfg *config.KafkaConfig, topic, group string) (messageReader, error) {
	d, err := dialer(cfg)
	if err != nil {
		return nil, err
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        group,
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        100 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
		Dialer:         d,
	}), nil
}
