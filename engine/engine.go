// Package engine centralizes all business logic: config mutations, the
// simulation loop, publisher orchestration, and callback wiring. The
// REST API, OPC UA server, and protocol sinks are thin consumers.
package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"emberlink/config"
	"emberlink/logging"
	"emberlink/opcsrv"
	"emberlink/publisher"
	"emberlink/scheduler"
	"emberlink/sim"
	"emberlink/tagstore"
)

// stopGrace bounds how long Stop waits for the in-flight tick.
const stopGrace = 5 * time.Second

// LogFunc is the logging callback signature. Engine never writes to a
// terminal directly.
type LogFunc func(format string, args ...interface{})

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	LogFunc    LogFunc
}

// Engine owns the tag store, simulation engine, scheduler, publisher
// manager, and the embedded OPC UA server.
type Engine struct {
	cfg        *config.Config
	configPath string
	logFn      LogFunc

	store   *tagstore.Store
	sim     *sim.Engine
	sched   *scheduler.Scheduler
	pubMgr  *publisher.Manager
	opcSrv  *opcsrv.Server
	metrics *prometheus.Registry

	Events *EventBus

	stopChan chan struct{}
}

// New creates a new Engine. Call Start() to load tags and bring up the
// publishers and tick loop.
func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	return &Engine{
		cfg:        c.AppConfig,
		configPath: c.ConfigPath,
		logFn:      logFn,
		store:      tagstore.New(),
		metrics:    prometheus.NewRegistry(),
		Events:     NewEventBus(),
		stopChan:   make(chan struct{}),
	}
}

// Start loads tags from config, instantiates publishers, brings up the
// OPC UA server if enabled, and starts the tick loop.
func (e *Engine) Start() {
	cfg := e.cfg

	// Seed the store from config
	for _, tc := range cfg.Tags {
		if err := e.store.Create(tagFromConfig(tc)); err != nil {
			e.logFn("Tag %s skipped: %v", tc.Name, err)
		}
	}

	e.sim = sim.New(e.store)
	e.pubMgr = publisher.NewManager()

	// Instantiate configured publishers. A failing start leaves the
	// publisher registered; its own reconnect loop brings it up later.
	for i := range cfg.Publishers {
		pc := cfg.Publishers[i]
		pub, err := publisher.Create(pc, e.publisherDeps())
		if err != nil {
			e.logFn("Publisher %s not created: %v", pc.Name, err)
			continue
		}
		if err := e.pubMgr.Register(pub, pc.Enabled); err != nil {
			e.logFn("Publisher %s: %v", pc.Name, err)
		}
	}

	// Embedded OPC UA server
	if cfg.OPCUA.Enabled {
		e.opcSrv = opcsrv.New(cfg.OPCUA, cfg.Namespace, e.store, func(tag string, value interface{}) error {
			return e.writeTag(tag, value, "opcua")
		})
		if err := e.opcSrv.Start(); err != nil {
			e.logFn("OPC UA server failed to start: %v", err)
		}
	}

	tickRate := cfg.TickRate
	if tickRate <= 0 {
		tickRate = 2 * time.Second
	}
	e.sched = scheduler.New(tickRate, e.tick)
	e.sched.Start()

	e.logFn("Engine started: %d tags, %d publishers, tick rate %v",
		e.store.Len(), len(cfg.Publishers), tickRate)
}

// Stop tears down the tick loop first so no new events flow, then the
// OPC UA server and publishers.
func (e *Engine) Stop() {
	select {
	case <-e.stopChan:
	default:
		close(e.stopChan)
	}

	if e.sched != nil {
		if !e.sched.Stop(stopGrace) {
			e.logFn("Scheduler did not stop cleanly within %v", stopGrace)
		}
	}
	if e.opcSrv != nil {
		e.opcSrv.Stop()
	}
	if e.pubMgr != nil {
		e.pubMgr.StopAll()
	}
}

// tick runs once per scheduler interval: advance the simulation, degrade
// quality on silent tags, and fan changes out.
func (e *Engine) tick() {
	if window := e.cfg.StaleAfter; window > 0 {
		for _, name := range e.store.MarkStale(window) {
			logging.DebugLog("engine", "tag %s marked stale", name)
		}
	}

	for _, ch := range e.sim.Tick() {
		e.fanOut(ch.Name, ch.Value, string(ch.Type), ch.Timestamp)
	}
}

// fanOut delivers one value change to every enabled publisher and the
// OPC UA address space.
func (e *Engine) fanOut(name string, value interface{}, typ string, ts time.Time) {
	e.pubMgr.PublishAll(publisher.Event{
		Tag:       name,
		Value:     value,
		Type:      typ,
		Quality:   string(tagstore.QualityGood),
		Timestamp: ts,
	})
	if e.opcSrv != nil {
		if t, err := e.store.Get(name); err == nil {
			e.opcSrv.Update(t)
		}
	}
}

// toEvent builds a publisher event from a tag snapshot.
func toEvent(t tagstore.Tag) publisher.Event {
	return publisher.Event{
		Tag:       t.Name,
		Value:     t.Value,
		Type:      string(t.Type),
		Quality:   string(t.Quality),
		Timestamp: t.Timestamp,
	}
}

// publisherDeps builds the shared collaborator set handed to publisher
// constructors.
func (e *Engine) publisherDeps() publisher.Deps {
	return publisher.Deps{
		Namespace: e.cfg.Namespace,
		Store:     e.store,
		Write: func(tag string, value interface{}) error {
			return e.writeTag(tag, value, "publisher")
		},
		Metrics: e.metrics,
	}
}

// Store returns the tag store for read-side consumers.
func (e *Engine) Store() *tagstore.Store { return e.store }

// Publishers returns the publisher manager.
func (e *Engine) Publishers() *publisher.Manager { return e.pubMgr }

// Metrics returns the process-wide Prometheus registry.
func (e *Engine) Metrics() *prometheus.Registry { return e.metrics }

// GetConfig returns the live application config.
func (e *Engine) GetConfig() *config.Config { return e.cfg }

// GetConfigPath returns where the config is persisted.
func (e *Engine) GetConfigPath() string { return e.configPath }

// Scheduler returns the tick scheduler, mainly for status reporting.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// OPCServer returns the embedded OPC UA server, nil when disabled.
func (e *Engine) OPCServer() *opcsrv.Server { return e.opcSrv }

// saveConfig is a helper that marshals and persists config. The caller
// must hold the config lock; it is released inside.
func (e *Engine) saveConfig() error {
	return e.cfg.UnlockAndSave(e.configPath)
}

func (e *Engine) emit(t EventType, payload interface{}) {
	e.Events.Emit(Event{Type: t, Payload: payload})
}

// tagFromConfig maps a config tag definition onto the store model.
func tagFromConfig(tc config.TagConfig) tagstore.Tag {
	t := tagstore.Tag{
		Name:     tc.Name,
		Type:     tagstore.DataType(tc.Type),
		Value:    tc.InitialValue,
		Simulate: tc.Simulate,
		SimType:  tagstore.SimType(tc.SimType),
		Sim: tagstore.SimParams{
			Min:        tc.Min,
			Max:        tc.Max,
			Increment:  tc.Increment,
			ResetOnMax: tc.ResetOnMax,
			Period:     tc.Period,
		},
		Meta: tagstore.Metadata{
			Description: tc.Description,
			Units:       tc.Units,
			Category:    tc.Category,
			Writable:    tc.Writable,
		},
	}
	if tc.Alarm != nil {
		t.Alarm = &tagstore.Alarm{
			HighLimit:    tc.Alarm.HighLimit,
			LowLimit:     tc.Alarm.LowLimit,
			HighSeverity: tc.Alarm.HighSeverity,
			LowSeverity:  tc.Alarm.LowSeverity,
			Deadband:     tc.Alarm.Deadband,
		}
	}
	return t
}
