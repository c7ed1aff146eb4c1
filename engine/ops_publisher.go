package engine

import (
	"fmt"

	"emberlink/config"
	"emberlink/publisher"
)

// CreatePublisher validates and persists a new publisher config, then
// instantiates and registers it. A start failure is logged, not fatal:
// the publisher stays registered and can be started later.
func (e *Engine) CreatePublisher(pc config.PublisherConfig) error {
	if pc.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if !config.IsValidKind(pc.Kind) {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, pc.Kind)
	}
	if e.cfg.FindPublisher(pc.Name) != nil {
		return fmt.Errorf("%w: publisher '%s'", ErrAlreadyExists, pc.Name)
	}

	pub, err := publisher.Create(pc, e.publisherDeps())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	e.cfg.Lock()
	e.cfg.AddPublisher(pc)
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	if err := e.pubMgr.Register(pub, pc.Enabled); err != nil {
		e.logFn("Publisher %s registered but not started: %v", pc.Name, err)
	}

	e.emit(EventPublisherCreated, PublisherEvent{Name: pc.Name, Kind: pc.Kind})
	return nil
}

// UpdatePublisher replaces a publisher's config and recreates the
// running instance. Counters reset; that is the documented tradeoff of
// reconfiguration.
func (e *Engine) UpdatePublisher(name string, pc config.PublisherConfig) error {
	existing := e.cfg.FindPublisher(name)
	if existing == nil {
		return fmt.Errorf("%w: publisher '%s'", ErrNotFound, name)
	}
	pc.Name = name
	if pc.Kind == "" {
		pc.Kind = existing.Kind
	}
	if !config.IsValidKind(pc.Kind) {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, pc.Kind)
	}

	pub, err := publisher.Create(pc, e.publisherDeps())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	e.cfg.Lock()
	e.cfg.UpdatePublisher(name, pc)
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	// Swap the running instance
	if err := e.pubMgr.Unregister(name); err != nil {
		e.logFn("Publisher %s: old instance: %v", name, err)
	}
	if err := e.pubMgr.Register(pub, pc.Enabled); err != nil {
		e.logFn("Publisher %s updated but not started: %v", name, err)
	}

	e.emit(EventPublisherUpdated, PublisherEvent{Name: name, Kind: pc.Kind})
	return nil
}

// DeletePublisher stops a publisher and removes it from config.
func (e *Engine) DeletePublisher(name string) error {
	e.cfg.Lock()
	if !e.cfg.RemovePublisher(name) {
		e.cfg.Unlock()
		return fmt.Errorf("%w: publisher '%s'", ErrNotFound, name)
	}
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	if err := e.pubMgr.Unregister(name); err != nil {
		e.logFn("Publisher %s removed from config, runtime: %v", name, err)
	}

	e.emit(EventPublisherDeleted, PublisherEvent{Name: name})
	return nil
}

// TogglePublisher enables or disables a publisher without destroying
// its registration or counters. The enabled flag is persisted.
func (e *Engine) TogglePublisher(name string, enabled bool) error {
	e.cfg.Lock()
	existing := e.cfg.FindPublisher(name)
	if existing == nil {
		e.cfg.Unlock()
		return fmt.Errorf("%w: publisher '%s'", ErrNotFound, name)
	}
	existing.Enabled = enabled
	kind := existing.Kind
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	if err := e.pubMgr.Toggle(name, enabled); err != nil {
		e.logFn("Publisher %s toggle: %v", name, err)
	}

	// A freshly enabled sink gets the full tag set so it converges
	// without waiting for the next change
	if enabled {
		if pub, ok := e.pubMgr.Get(name); ok {
			for _, t := range e.store.List() {
				pub.Publish(toEvent(t))
			}
		}
	}

	e.emit(EventPublisherToggled, PublisherEvent{Name: name, Kind: kind})
	return nil
}

// StartPublisher starts a registered publisher.
func (e *Engine) StartPublisher(name string) error {
	if err := e.pubMgr.Start(name); err != nil {
		return fmt.Errorf("start publisher '%s': %w", name, err)
	}
	e.emit(EventPublisherStarted, PublisherEvent{Name: name})
	return nil
}

// StopPublisher stops a registered publisher without removing it.
func (e *Engine) StopPublisher(name string) error {
	if err := e.pubMgr.Stop(name); err != nil {
		return fmt.Errorf("%w: publisher '%s'", ErrNotFound, name)
	}
	e.emit(EventPublisherStopped, PublisherEvent{Name: name})
	return nil
}

// PublisherStatuses returns health snapshots for all publishers.
func (e *Engine) PublisherStatuses() []publisher.Health {
	return e.pubMgr.Statuses()
}
