// Package sim computes new values for simulated tags on each scheduler tick.
package sim

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"emberlink/logging"
	"emberlink/tagstore"
)

// Default bounds used when a tag doesn't configure min/max.
const (
	defaultMin = 0.0
	defaultMax = 100.0
)

// defaultSinePeriod is the number of ticks for one full sine cycle.
const defaultSinePeriod = 20

// Change describes one tag value produced by a tick. The scheduler fans
// these out to the publishers.
type Change struct {
	Name      string
	Value     interface{}
	Type      tagstore.DataType
	Timestamp time.Time
}

// Engine walks the store each tick and advances every simulated tag.
// It keeps hidden per-tag state (the sine phase counter) that is not
// part of the tag model.
type Engine struct {
	store *tagstore.Store

	mu    sync.Mutex
	phase map[string]uint64 // Sine tick counter per tag
	rng   *rand.Rand
}

// New creates a simulation engine over the given store.
func New(store *tagstore.Store) *Engine {
	return &Engine{
		store: store,
		phase: make(map[string]uint64),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Reseed resets the random source. Useful for reproducible runs.
func (e *Engine) Reseed(seed int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rng = rand.New(rand.NewSource(seed))
}

// Forget drops hidden state for a deleted tag.
func (e *Engine) Forget(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.phase, name)
}

// Tick advances every simulated tag once and returns the set of changes.
// Per-tag failures are logged and skipped; one bad tag never stops the
// tick. A tag deleted mid-tick is a benign no-op.
func (e *Engine) Tick() []Change {
	tags := e.store.List()
	changes := make([]Change, 0, len(tags))

	for _, tag := range tags {
		if !tag.Simulate || tag.SimType == tagstore.SimStatic {
			continue
		}

		next, err := e.next(tag)
		if err != nil {
			logging.DebugLog("sim", "tag %s: %v", tag.Name, err)
			continue
		}

		prev, err := e.store.Write(tag.Name, next)
		if err != nil {
			if errors.Is(err, tagstore.ErrNotFound) {
				// Tag deleted between List and Write; drop its state and move on
				e.Forget(tag.Name)
				logging.DebugLog("sim", "tag %s deleted mid-tick, skipping", tag.Name)
				continue
			}
			logging.DebugLog("sim", "tag %s: write failed: %v", tag.Name, err)
			continue
		}

		if fmt.Sprintf("%v", prev) == fmt.Sprintf("%v", next) {
			continue // No change, nothing to publish
		}

		updated, err := e.store.Get(tag.Name)
		if err != nil {
			continue
		}
		changes = append(changes, Change{
			Name:      updated.Name,
			Value:     updated.Value,
			Type:      updated.Type,
			Timestamp: updated.Timestamp,
		})
	}

	return changes
}

// next computes the tag's next value without writing it.
func (e *Engine) next(tag tagstore.Tag) (interface{}, error) {
	switch tag.SimType {
	case tagstore.SimRandom:
		return e.nextRandom(tag)
	case tagstore.SimSine:
		return e.nextSine(tag)
	case tagstore.SimIncrement:
		return e.nextIncrement(tag)
	}
	return nil, fmt.Errorf("unknown simulation type %q", tag.SimType)
}

func bounds(p tagstore.SimParams) (float64, float64) {
	min, max := defaultMin, defaultMax
	if p.Min != nil {
		min = *p.Min
	}
	if p.Max != nil {
		max = *p.Max
	}
	if max < min {
		min, max = max, min
	}
	return min, max
}

func (e *Engine) nextRandom(tag tagstore.Tag) (interface{}, error) {
	min, max := bounds(tag.Sim)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch tag.Type {
	case tagstore.TypeInt:
		lo, hi := int64(min), int64(max)
		// Inclusive on both ends
		return lo + e.rng.Int63n(hi-lo+1), nil
	case tagstore.TypeFloat:
		v := min + e.rng.Float64()*(max-min)
		return round2(v), nil
	case tagstore.TypeBool:
		return e.rng.Intn(2) == 1, nil
	}
	return nil, fmt.Errorf("random simulation not supported for type %s", tag.Type)
}

func (e *Engine) nextSine(tag tagstore.Tag) (interface{}, error) {
	if tag.Type != tagstore.TypeInt && tag.Type != tagstore.TypeFloat {
		return nil, fmt.Errorf("sine simulation not supported for type %s", tag.Type)
	}

	min, max := bounds(tag.Sim)
	mid := (min + max) / 2
	amp := (max - min) / 2

	period := tag.Sim.Period
	if period <= 0 {
		period = defaultSinePeriod
	}

	e.mu.Lock()
	count := e.phase[tag.Name]
	e.phase[tag.Name] = count + 1
	e.mu.Unlock()

	v := mid + amp*math.Sin(2*math.Pi*float64(count)/float64(period))

	if tag.Type == tagstore.TypeInt {
		return int64(math.Round(v)), nil
	}
	return round2(v), nil
}

func (e *Engine) nextIncrement(tag tagstore.Tag) (interface{}, error) {
	step := tag.Sim.Increment
	if step == 0 {
		step = 1
	}

	var prev float64
	switch v := tag.Value.(type) {
	case int64:
		prev = float64(v)
	case float64:
		prev = v
	default:
		return nil, fmt.Errorf("increment simulation not supported for type %s", tag.Type)
	}

	next := prev + step

	if tag.Sim.Max != nil && next >= *tag.Sim.Max {
		if tag.Sim.ResetOnMax {
			// Wrap back to the configured floor
			next = defaultMin
			if tag.Sim.Min != nil {
				next = *tag.Sim.Min
			}
		} else {
			next = *tag.Sim.Max
		}
	}

	if tag.Type == tagstore.TypeInt {
		return int64(next), nil
	}
	return next, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
