package publisher

import (
	"fmt"
	"sync"

	"emberlink/logging"
)

// Manager owns the set of active publishers and fans events out to the
// enabled ones. Failures are isolated per publisher: an error or panic
// in one sink never blocks or crashes the others.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // Registration order for stable listings
}

type entry struct {
	pub     Publisher
	enabled bool
}

// NewManager creates an empty publisher manager.
func NewManager() *Manager {
	return &Manager{
		entries: make(map[string]*entry),
	}
}

// Register adds a publisher. If enabled, it is started immediately; a
// start failure leaves the publisher registered in disconnected state
// (its own reconnect loop or a later explicit start brings it up) and
// is returned for logging, not treated as fatal.
func (m *Manager) Register(pub Publisher, enabled bool) error {
	name := pub.Name()

	m.mu.Lock()
	if _, exists := m.entries[name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("publisher %q already registered", name)
	}
	m.entries[name] = &entry{pub: pub, enabled: enabled}
	m.order = append(m.order, name)
	m.mu.Unlock()

	if !enabled {
		return nil
	}
	if err := pub.Start(); err != nil {
		logging.DebugLog("engine", "publisher %s start failed: %v", name, err)
		return fmt.Errorf("start %s: %w", name, err)
	}
	return nil
}

// Unregister stops and removes a publisher.
func (m *Manager) Unregister(name string) error {
	m.mu.Lock()
	e, exists := m.entries[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("publisher %q not registered", name)
	}
	delete(m.entries, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	// Stop outside the lock; Stop may block on worker teardown
	e.pub.Stop()
	return nil
}

// Toggle enables or disables a publisher without destroying it. Enabling
// starts it; disabling stops it but keeps registration and counters.
func (m *Manager) Toggle(name string, enabled bool) error {
	m.mu.Lock()
	e, exists := m.entries[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("publisher %q not registered", name)
	}
	already := e.enabled == enabled
	e.enabled = enabled
	pub := e.pub
	m.mu.Unlock()

	if already {
		return nil
	}
	if enabled {
		return pub.Start()
	}
	pub.Stop()
	return nil
}

// Start starts a registered publisher regardless of its enabled flag
// history, marking it enabled.
func (m *Manager) Start(name string) error {
	m.mu.Lock()
	e, exists := m.entries[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("publisher %q not registered", name)
	}
	e.enabled = true
	pub := e.pub
	m.mu.Unlock()

	return pub.Start()
}

// Stop stops a registered publisher and marks it disabled.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	e, exists := m.entries[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("publisher %q not registered", name)
	}
	e.enabled = false
	pub := e.pub
	m.mu.Unlock()

	pub.Stop()
	return nil
}

// Get returns a registered publisher.
func (m *Manager) Get(name string) (Publisher, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return nil, false
	}
	return e.pub, true
}

// Enabled reports whether a publisher is currently enabled.
func (m *Manager) Enabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	return ok && e.enabled
}

// List returns all publishers in registration order.
func (m *Manager) List() []Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Publisher, 0, len(m.order))
	for _, name := range m.order {
		if e, ok := m.entries[name]; ok {
			out = append(out, e.pub)
		}
	}
	return out
}

// Statuses returns health snapshots for all publishers in registration order.
func (m *Manager) Statuses() []Health {
	m.mu.RLock()
	type item struct {
		pub     Publisher
		enabled bool
	}
	items := make([]item, 0, len(m.order))
	for _, name := range m.order {
		if e, ok := m.entries[name]; ok {
			items = append(items, item{e.pub, e.enabled})
		}
	}
	m.mu.RUnlock()

	out := make([]Health, 0, len(items))
	for _, it := range items {
		h := it.pub.Health()
		h.Enabled = it.enabled
		out = append(out, h)
	}
	return out
}

// PublishAll fans one event out to every enabled publisher. Each delivery
// runs under panic recovery; a misbehaving publisher is logged and the
// rest still receive the event.
func (m *Manager) PublishAll(ev Event) {
	m.mu.RLock()
	pubs := make([]Publisher, 0, len(m.order))
	for _, name := range m.order {
		if e, ok := m.entries[name]; ok && e.enabled {
			pubs = append(pubs, e.pub)
		}
	}
	m.mu.RUnlock()

	for _, pub := range pubs {
		m.publishOne(pub, ev)
	}
}

func (m *Manager) publishOne(pub Publisher, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.DebugLog("engine", "publisher %s panicked on publish of %s: %v",
				pub.Name(), ev.Tag, r)
		}
	}()
	pub.Publish(ev)
}

// StopAll stops every publisher. Used at shutdown after the scheduler
// has been cancelled.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}
