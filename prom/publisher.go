// Package prom exposes tag values and engine throughput as Prometheus
// metrics. The collectors live on the engine's registry, served by the
// web server's /metrics endpoint; the publisher itself performs no
// network I/O.
package prom

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"emberlink/config"
	"emberlink/logging"
	"emberlink/publisher"
)

// DefaultPrefix is the metric name prefix when none is configured.
const DefaultPrefix = "emberlink"

func init() {
	publisher.RegisterKind(config.KindPrometheus, New)
}

// Publisher maintains gauges and counters on a Prometheus registry.
type Publisher struct {
	name     string
	registry *prometheus.Registry

	tagValue   *prometheus.GaugeVec
	tagUpdates *prometheus.CounterVec
	tagErrors  prometheus.Counter
	uptime     prometheus.GaugeFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	stats publisher.Stats
}

// New creates a Prometheus publisher from config.
func New(cfg config.PublisherConfig, deps publisher.Deps) (publisher.Publisher, error) {
	if deps.Metrics == nil {
		return nil, fmt.Errorf("prometheus publisher %q: no metrics registry wired", cfg.Name)
	}
	prefix := DefaultPrefix
	if cfg.Prometheus != nil && cfg.Prometheus.Prefix != "" {
		prefix = cfg.Prometheus.Prefix
	}

	p := &Publisher{
		name:     cfg.Name,
		registry: deps.Metrics,
	}

	p.tagValue = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: prefix + "_tag_value",
		Help: "Current numeric value of a simulated tag. Booleans map to 0/1.",
	}, []string{"tag", "type"})

	p.tagUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "_tag_updates_total",
		Help: "Number of value updates observed per tag.",
	}, []string{"tag"})

	p.tagErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_tag_update_errors_total",
		Help: "Number of tag updates that could not be represented as metrics.",
	})

	p.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: prefix + "_uptime_seconds",
		Help: "Seconds since the metrics publisher started.",
	}, func() float64 {
		p.mu.RLock()
		defer p.mu.RUnlock()
		if !p.running {
			return 0
		}
		return time.Since(p.startTime).Seconds()
	})

	return p, nil
}

// Name returns the publisher's name.
func (p *Publisher) Name() string { return p.name }

// Kind returns "prometheus".
func (p *Publisher) Kind() string { return config.KindPrometheus }

// Start registers the collectors.
func (p *Publisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	for _, c := range p.collectors() {
		if err := p.registry.Register(c); err != nil {
			// Roll back what was registered
			for _, r := range p.collectors() {
				p.registry.Unregister(r)
			}
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	p.startTime = time.Now()
	p.running = true
	p.stats.SetConnected(true)
	logging.DebugLog("prometheus", "%s: collectors registered", p.name)
	return nil
}

// Stop unregisters the collectors.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	for _, c := range p.collectors() {
		p.registry.Unregister(c)
	}
	p.running = false
	p.stats.SetConnected(false)
}

func (p *Publisher) collectors() []prometheus.Collector {
	return []prometheus.Collector{p.tagValue, p.tagUpdates, p.tagErrors, p.uptime}
}

// Publish updates the gauges for one tag change. String tags only
// count updates; there is no meaningful gauge value for them.
func (p *Publisher) Publish(ev publisher.Event) {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()
	if !running {
		return
	}

	p.tagUpdates.WithLabelValues(ev.Tag).Inc()

	switch v := ev.Value.(type) {
	case int64:
		p.tagValue.WithLabelValues(ev.Tag, ev.Type).Set(float64(v))
	case float64:
		p.tagValue.WithLabelValues(ev.Tag, ev.Type).Set(v)
	case bool:
		var f float64
		if v {
			f = 1
		}
		p.tagValue.WithLabelValues(ev.Tag, ev.Type).Set(f)
	case string:
		// counted above, no gauge
	default:
		p.tagErrors.Inc()
		p.stats.CountError(fmt.Errorf("unsupported value type %T for %s", ev.Value, ev.Tag))
		return
	}

	p.stats.CountSent()
}

// Forget drops the per-tag series after a tag is deleted.
func (p *Publisher) Forget(tag string) {
	p.tagValue.DeletePartialMatch(prometheus.Labels{"tag": tag})
	p.tagUpdates.DeleteLabelValues(tag)
}

// Health returns the publisher's runtime state.
func (p *Publisher) Health() publisher.Health {
	return p.stats.Snapshot(p.name, config.KindPrometheus)
}
