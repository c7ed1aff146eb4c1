package engine

import (
	"fmt"
	"time"

	"emberlink/config"
	"emberlink/scheduler"
)

// UpdateNamespace changes the instance namespace. Running publishers
// keep their current topics and keys until they are recreated;
// publishers created afterwards pick up the new namespace.
func (e *Engine) UpdateNamespace(ns string) error {
	if !config.IsValidNamespace(ns) {
		return fmt.Errorf("%w: invalid namespace %q", ErrInvalidInput, ns)
	}

	e.cfg.Lock()
	e.cfg.Namespace = ns
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.emit(EventNamespaceChanged, SystemEvent{Detail: ns})
	return nil
}

// SetTickRate changes the simulation interval and restarts the tick
// loop on the new cadence.
func (e *Engine) SetTickRate(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: tick rate must be positive", ErrInvalidInput)
	}

	e.cfg.Lock()
	e.cfg.TickRate = d
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	if e.sched != nil {
		e.sched.Stop(stopGrace)
	}
	e.sched = scheduler.New(d, e.tick)
	e.sched.Start()

	e.emit(EventTickRateChanged, SystemEvent{Detail: d.String()})
	return nil
}
