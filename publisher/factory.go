package publisher

import (
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"emberlink/config"
	"emberlink/tagstore"
)

// Deps carries the shared collaborators a publisher may need. Individual
// implementations use only what applies to them.
type Deps struct {
	// Namespace prefixes topics, keys, and routing keys.
	Namespace string
	// Store lets snapshot-oriented publishers (modbus register image,
	// sparkplug birth certificates, websocket hello) read the full tag set.
	Store *tagstore.Store
	// Write routes inbound value writes from protocol clients back
	// through the engine so they fan out like any other update.
	Write func(tag string, value interface{}) error
	// Metrics is the process-wide Prometheus registry.
	Metrics *prometheus.Registry
}

// Factory builds a publisher from its configuration.
type Factory func(cfg config.PublisherConfig, deps Deps) (Publisher, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterKind makes a publisher kind available to Create. It is intended
// to be called from package init functions and panics on duplicates.
func RegisterKind(kind string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if f == nil {
		panic("publisher: RegisterKind with nil factory")
	}
	if _, dup := factories[kind]; dup {
		panic("publisher: RegisterKind called twice for kind " + kind)
	}
	factories[kind] = f
}

// Create instantiates a publisher for the config's kind.
func Create(cfg config.PublisherConfig, deps Deps) (Publisher, error) {
	factoriesMu.RLock()
	f, ok := factories[cfg.Kind]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown publisher kind %q (registered: %v)", cfg.Kind, Kinds())
	}
	return f(cfg, deps)
}

// Kinds returns the registered kinds, sorted.
func Kinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
