package engine

import "time"

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Tag events
	EventTagCreated EventType = iota + 1
	EventTagUpdated
	EventTagDeleted
	EventTagWritten
	EventTagsImported

	// Publisher events
	EventPublisherCreated
	EventPublisherUpdated
	EventPublisherDeleted
	EventPublisherToggled
	EventPublisherStarted
	EventPublisherStopped

	// System events
	EventNamespaceChanged
	EventTickRateChanged
	EventForcePublished
)

// String returns the wire name used by event stream consumers.
func (t EventType) String() string {
	switch t {
	case EventTagCreated:
		return "tag-created"
	case EventTagUpdated:
		return "tag-updated"
	case EventTagDeleted:
		return "tag-deleted"
	case EventTagWritten:
		return "tag-written"
	case EventTagsImported:
		return "tags-imported"
	case EventPublisherCreated:
		return "publisher-created"
	case EventPublisherUpdated:
		return "publisher-updated"
	case EventPublisherDeleted:
		return "publisher-deleted"
	case EventPublisherToggled:
		return "publisher-toggled"
	case EventPublisherStarted:
		return "publisher-started"
	case EventPublisherStopped:
		return "publisher-stopped"
	case EventNamespaceChanged:
		return "namespace-changed"
	case EventTickRateChanged:
		return "tickrate-changed"
	case EventForcePublished:
		return "force-published"
	default:
		return "unknown"
	}
}

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// TagEvent is the payload for tag mutation events.
type TagEvent struct {
	Name string
}

// TagWriteEvent is the payload for tag write events.
type TagWriteEvent struct {
	Name   string
	Value  interface{}
	Source string // "api", "opcua", "valkey", "websocket", ...
}

// ImportEvent is the payload for bulk import events.
type ImportEvent struct {
	Total  int
	Failed int
}

// PublisherEvent is the payload for publisher lifecycle events.
type PublisherEvent struct {
	Name string
	Kind string
}

// SystemEvent is the payload for system-level events.
type SystemEvent struct {
	Detail string
}
