// Package kafka produces tag change events to a Kafka topic and consumes
// write requests from a companion topic.
package kafka

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"eipscan/config"
	"eipscan/namespace"
)

// SASL mechanism names accepted in the configuration.
const (
	SASLNone        = ""
	SASLPlain       = "PLAIN"
	SASLSCRAMSHA256 = "SCRAM-SHA-256"
	SASLSCRAMSHA512 = "SCRAM-SHA-512"
)

const defaultBatchTimeout = 10 * time.Millisecond

// Topic returns the topic tag events go to, <namespace>.tags by default.
func Topic(cfg *config.KafkaConfig, ns string) string {
	if cfg.Topic != "" {
		return cfg.Topic
	}
	return namespace.New(ns, "").KafkaTagTopic()
}

// WriteTopic is the topic write requests are consumed from.
func WriteTopic(cfg *config.KafkaConfig, ns string) string {
	return Topic(cfg, ns) + ".writes"
}

// ResponseTopic is the topic write responses are produced to.
func ResponseTopic(cfg *config.KafkaConfig, ns string) string {
	return WriteTopic(cfg, ns) + ".responses"
}

// ConsumerGroup returns the writeback consumer group.
func ConsumerGroup(cfg *config.KafkaConfig, ns string) string {
	if cfg.ConsumerGroup != "" {
		return cfg.ConsumerGroup
	}
	return ns + "-writeback"
}

func tlsConfig(cfg *config.KafkaConfig) *tls.Config {
	if !cfg.UseTLS {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLSSkipVerify,
	}
}

func saslMechanism(cfg *config.KafkaConfig) (sasl.Mechanism, error) {
	if cfg.Username == "" {
		return nil, nil
	}
	switch cfg.SASLMechanism {
	case SASLNone:
		return nil, nil
	case SASLPlain:
		return plain.Mechanism{Username: cfg.Username, Password: cfg.Password}, nil
	case SASLSCRAMSHA256:
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case SASLSCRAMSHA512:
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", cfg.SASLMechanism)
	}
}

func transport(cfg *config.KafkaConfig) (*kafka.Transport, error) {
	mech, err := saslMechanism(cfg)
	if err != nil {
		return nil, err
	}
	return &kafka.Transport{
		DialTimeout: 10 * time.Second,
		TLS:         tlsConfig(cfg),
		SASL:        mech,
	}, nil
}

func dialer(cfg *config.KafkaConfig) (*kafka.Dialer, error) {
	mech, err := saslMechanism(cfg)
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		TLS:           tlsConfig(cfg),
		SASLMechanism: mech,
	}, nil
}
