// Package tagstore holds the in-memory tag database that the simulation
// engine, publishers, and external interfaces all read from and write to.
package tagstore

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Sentinel errors returned by store operations.
var (
	ErrNotFound     = errors.New("tag not found")
	ErrDuplicateTag = errors.New("duplicate tag")
	ErrInvalidType  = errors.New("invalid data type")
	ErrTypeMismatch = errors.New("value does not match tag type")
)

// DataType identifies the value type of a tag.
type DataType string

const (
	TypeInt    DataType = "int"
	TypeFloat  DataType = "float"
	TypeString DataType = "string"
	TypeBool   DataType = "bool"
)

// ParseDataType validates and normalizes a data type string.
func ParseDataType(s string) (DataType, error) {
	switch DataType(s) {
	case TypeInt, TypeFloat, TypeString, TypeBool:
		return DataType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
}

// Quality describes how trustworthy a tag's current value is.
type Quality string

const (
	QualityGood      Quality = "good"
	QualityUncertain Quality = "uncertain"
	QualityStale     Quality = "stale"
	QualityBad       Quality = "bad"
)

// SimType selects the simulation algorithm for a tag.
type SimType string

const (
	SimRandom    SimType = "random"
	SimSine      SimType = "sine"
	SimIncrement SimType = "increment"
	SimStatic    SimType = "static"
)

// SimParams holds simulation tuning values. Min and Max are pointers so a
// configured zero bound can be told apart from an absent one.
type SimParams struct {
	Min        *float64
	Max        *float64
	Increment  float64
	ResetOnMax bool
	Period     int // Sine period in ticks
}

// Metadata carries descriptive fields that don't affect simulation.
type Metadata struct {
	Description string
	Units       string
	Category    string
	Writable    bool
}

// Alarm holds informational alarm limits. The store does not evaluate them.
type Alarm struct {
	HighLimit    *float64
	LowLimit     *float64
	HighSeverity int
	LowSeverity  int
	Deadband     float64
}

// Tag is one named value with type, quality, and simulation settings.
// Store methods hand out copies; mutating a returned Tag has no effect
// on the store.
type Tag struct {
	Name      string
	Type      DataType
	Value     interface{}
	Quality   Quality
	Timestamp time.Time
	Simulate  bool
	SimType   SimType
	Sim       SimParams
	Meta      Metadata
	Alarm     *Alarm
}

// Store is the concurrent tag database. The zero value is not usable;
// call New.
type Store struct {
	mu    sync.RWMutex
	tags  map[string]*Tag
	order []string // Insertion order for stable listings
}

// New creates an empty tag store.
func New() *Store {
	return &Store{
		tags: make(map[string]*Tag),
	}
}

// Create adds a new tag. The initial value is coerced to the tag's type;
// a nil value gets the type's zero value. Quality starts Good.
func (s *Store) Create(t Tag) error {
	if t.Name == "" {
		return fmt.Errorf("%w: empty tag name", ErrInvalidType)
	}
	dt, err := ParseDataType(string(t.Type))
	if err != nil {
		return err
	}
	t.Type = dt

	if t.Value == nil {
		t.Value = ZeroValue(dt)
	} else {
		v, err := Coerce(t.Value, dt)
		if err != nil {
			return err
		}
		t.Value = v
	}

	switch t.SimType {
	case "":
		t.SimType = SimStatic
	case SimRandom, SimSine, SimIncrement, SimStatic:
	default:
		return fmt.Errorf("%w: unknown simulation type %q", ErrInvalidType, t.SimType)
	}
	t.Quality = QualityGood
	t.Timestamp = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tags[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTag, t.Name)
	}

	s.tags[t.Name] = &t
	s.order = append(s.order, t.Name)
	return nil
}

// Get returns a copy of the named tag.
func (s *Store) Get(name string) (Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tags[name]
	if !ok {
		return Tag{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return *t, nil
}

// List returns copies of all tags in insertion order.
func (s *Store) List() []Tag {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Tag, 0, len(s.order))
	for _, name := range s.order {
		if t, ok := s.tags[name]; ok {
			out = append(out, *t)
		}
	}
	return out
}

// Names returns tag names in insertion order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of tags.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tags)
}

// Write sets a tag's value, coercing it to the tag's type. It returns the
// previous value. Quality is reset to Good and the timestamp advances
// monotonically even under clock retreat.
func (s *Store) Write(name string, value interface{}) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tags[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	v, err := Coerce(value, t.Type)
	if err != nil {
		return nil, err
	}

	prev := t.Value
	t.Value = v
	t.Quality = QualityGood

	ts := time.Now()
	if !ts.After(t.Timestamp) {
		ts = t.Timestamp.Add(time.Nanosecond)
	}
	t.Timestamp = ts

	return prev, nil
}

// UpdateMeta applies a partial metadata update. Nil fields keep their
// current values.
type MetaUpdate struct {
	Description *string
	Units       *string
	Category    *string
	Writable    *bool
	Alarm       *Alarm // Non-nil replaces the whole alarm block
}

// UpdateMeta updates descriptive fields of a tag without touching its value.
func (s *Store) UpdateMeta(name string, u MetaUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tags[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if u.Description != nil {
		t.Meta.Description = *u.Description
	}
	if u.Units != nil {
		t.Meta.Units = *u.Units
	}
	if u.Category != nil {
		t.Meta.Category = *u.Category
	}
	if u.Writable != nil {
		t.Meta.Writable = *u.Writable
	}
	if u.Alarm != nil {
		alarm := *u.Alarm
		t.Alarm = &alarm
	}
	return nil
}

// UpdateSim replaces a tag's simulation settings.
func (s *Store) UpdateSim(name string, simulate bool, simType SimType, params SimParams) error {
	switch simType {
	case SimRandom, SimSine, SimIncrement, SimStatic:
	default:
		return fmt.Errorf("%w: unknown simulation type %q", ErrInvalidType, simType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tags[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	t.Simulate = simulate
	t.SimType = simType
	t.Sim = params
	return nil
}

// Delete removes a tag. The removal is atomic with respect to concurrent
// Write and Get calls: they either see the tag fully present or fully gone.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tags[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	delete(s.tags, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// MarkStale degrades quality to Stale for every tag whose timestamp is
// older than the window. Tags already worse than Stale are left alone.
// Returns the names of tags that were degraded.
func (s *Store) MarkStale(window time.Duration) []string {
	cutoff := time.Now().Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	var marked []string
	for _, name := range s.order {
		t := s.tags[name]
		if t.Quality == QualityBad || t.Quality == QualityStale {
			continue
		}
		if t.Timestamp.Before(cutoff) {
			t.Quality = QualityStale
			marked = append(marked, name)
		}
	}
	return marked
}
