// Package publisher defines the outbound sink contract and the manager
// that fans tag updates out to every enabled sink.
package publisher

import (
	"sync"
	"time"
)

// Event is one tag update delivered to publishers.
type Event struct {
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type"`
	Quality   string      `json:"quality,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher is the contract every outbound sink satisfies. Publish must
// return quickly; connection-oriented implementations queue internally
// and drain from their own workers.
type Publisher interface {
	// Name returns the configured instance name.
	Name() string
	// Kind returns the publisher kind (mqtt, kafka, ...).
	Kind() string
	// Start brings up connections and background workers. Idempotent.
	Start() error
	// Publish hands one tag update to the sink. Implementations own
	// their error accounting; failures never propagate to the caller.
	Publish(ev Event)
	// Stop tears down workers and connections. Idempotent.
	Stop()
	// Health returns a snapshot of the publisher's runtime state.
	Health() Health
}

// Health is a read-only snapshot of one publisher's runtime state.
type Health struct {
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	Enabled     bool      `json:"enabled"`
	Connected   bool      `json:"connected"`
	Sent        uint64    `json:"messages_sent"`
	Errors      uint64    `json:"errors"`
	LastError   string    `json:"last_error,omitempty"`
	LastPublish time.Time `json:"last_publish,omitempty"`
}

// Stats tracks runtime counters for a publisher. Only the owning
// publisher's workers mutate it; everyone else reads snapshots.
type Stats struct {
	mu          sync.Mutex
	connected   bool
	sent        uint64
	errors      uint64
	lastError   string
	lastPublish time.Time
}

// SetConnected records connection state.
func (s *Stats) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
}

// Connected reports the current connection state.
func (s *Stats) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// CountSent records one successful publish.
func (s *Stats) CountSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	s.lastPublish = time.Now()
}

// CountError records one failed publish.
func (s *Stats) CountError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
	if err != nil {
		s.lastError = err.Error()
	}
}

// Snapshot fills the counter fields of a Health value.
func (s *Stats) Snapshot(name, kind string) Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Health{
		Name:        name,
		Kind:        kind,
		Connected:   s.connected,
		Sent:        s.sent,
		Errors:      s.errors,
		LastError:   s.lastError,
		LastPublish: s.lastPublish,
	}
}
