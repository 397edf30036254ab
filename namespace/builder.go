// Package namespace builds the topics, keys and channels tag values are
// published under, so MQTT, Valkey and Kafka agree on one layout.
package namespace

import "strings"

// Builder prefixes names with a namespace and an optional selector.
type Builder struct {
	namespace string
	selector  string
}

// New creates a builder. selector may be empty.
func New(namespace, selector string) Builder {
	return Builder{namespace: namespace, selector: selector}
}

func (b Builder) join(sep string, parts ...string) string {
	out := make([]string, 0, len(parts)+2)
	for _, p := range append([]string{b.namespace, b.selector}, parts...) {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}

// MQTTBase is {ns}[/{sel}].
func (b Builder) MQTTBase() string { return b.join("/") }

// MQTTTagTopic is {ns}[/{sel}]/{plc}/{tag}.
func (b Builder) MQTTTagTopic(plc, tag string) string { return b.join("/", plc, tag) }

// MQTTWriteFilter matches the write topics of every tag of plc.
func (b Builder) MQTTWriteFilter(plc string) string { return b.join("/", plc, "+", "write") }

// ParseMQTTWriteTopic splits {ns}[/{sel}]/{plc}/{tag}/write.
func (b Builder) ParseMQTTWriteTopic(topic string) (plc, tag string, ok bool) {
	rest, found := strings.CutPrefix(topic, b.MQTTBase()+"/")
	if !found {
		return "", "", false
	}
	rest, found = strings.CutSuffix(rest, "/write")
	if !found {
		return "", "", false
	}
	plc, tag, found = strings.Cut(rest, "/")
	if !found || plc == "" || tag == "" {
		return "", "", false
	}
	return plc, tag, true
}

// ValkeyTagKey is {ns}[:{sel}]:{plc}:tags:{tag}.
func (b Builder) ValkeyTagKey(plc, tag string) string { return b.join(":", plc, "tags", tag) }

// ValkeyChangesChannel is {ns}[:{sel}]:{plc}:changes.
func (b Builder) ValkeyChangesChannel(plc string) string { return b.join(":", plc, "changes") }

// ValkeyAllChangesChannel is {ns}[:{sel}]:_all:changes.
func (b Builder) ValkeyAllChangesChannel() string { return b.join(":", "_all", "changes") }

// ValkeyWriteQueue is {ns}[:{sel}]:writes.
func (b Builder) ValkeyWriteQueue() string { return b.join(":", "writes") }

// ValkeyWriteResponseChannel is {ns}[:{sel}]:write:responses.
func (b Builder) ValkeyWriteResponseChannel() string { return b.join(":", "write", "responses") }

// KafkaTagTopic is {ns}[.{sel}].tags.
func (b Builder) KafkaTagTopic() string { return b.join(".", "tags") }
