// Package namespace provides utilities for constructing topic and key paths
// with consistent namespace prefixing across all publishers (MQTT, Valkey,
// Kafka, AMQP).
package namespace

import "strings"

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
}

// New creates a new namespace builder.
func New(namespace string) *Builder {
	return &Builder{namespace: namespace}
}

// Namespace returns the raw namespace.
func (b *Builder) Namespace() string {
	return b.namespace
}

// --- MQTT (delimiter: /) ---

// MQTTTagTopic returns the topic for a tag value: {ns}/tags/{tag}
func (b *Builder) MQTTTagTopic(tag string) string {
	return b.namespace + "/tags/" + tag
}

// MQTTWriteTopic returns the topic for write requests: {ns}/write
func (b *Builder) MQTTWriteTopic() string {
	return b.namespace + "/write"
}

// MQTTWriteResponseTopic returns the topic for write responses: {ns}/write/response
func (b *Builder) MQTTWriteResponseTopic() string {
	return b.namespace + "/write/response"
}

// --- Valkey (delimiter: :) ---

// ValkeyTagKey returns the key for a tag value: {ns}:tags:{tag}
func (b *Builder) ValkeyTagKey(tag string) string {
	return joinColon(b.namespace, "tags", tag)
}

// ValkeyChangesChannel returns the Pub/Sub channel for changes: {ns}:changes
func (b *Builder) ValkeyChangesChannel() string {
	return joinColon(b.namespace, "changes")
}

// ValkeyWriteQueue returns the queue key for write requests: {ns}:writes
func (b *Builder) ValkeyWriteQueue() string {
	return joinColon(b.namespace, "writes")
}

// ValkeyWriteResponseChannel returns the channel for write responses: {ns}:write:responses
func (b *Builder) ValkeyWriteResponseChannel() string {
	return joinColon(b.namespace, "write", "responses")
}

// joinColon joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts (e.g., "foo::bar" or ":foo:bar:").
func joinColon(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// --- Kafka (delimiter: .) ---

// KafkaTagsTopic returns the topic for tag values: {ns}.tags
func (b *Builder) KafkaTagsTopic() string {
	return b.namespace + ".tags"
}

// --- AMQP (delimiter: .) ---

// AMQPRoutingKey returns the routing key for a tag: {ns}.{tag}
// Dots inside tag names would split the topic pattern, so they are replaced.
func (b *Builder) AMQPRoutingKey(tag string) string {
	return b.namespace + "." + strings.ReplaceAll(tag, ".", "_")
}
