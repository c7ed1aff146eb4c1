package tagstore

// ExportedTag is the round-trippable wire form of a tag definition plus
// its current value. Exporting a store and importing the result into a
// fresh store reproduces the same tag set.
type ExportedTag struct {
	Name           string      `json:"name" yaml:"name"`
	Type           string      `json:"type" yaml:"type"`
	Value          interface{} `json:"value" yaml:"value"`
	Simulate       bool        `json:"simulate" yaml:"simulate"`
	SimulationType string      `json:"simulation_type,omitempty" yaml:"simulation_type,omitempty"`
	Min            *float64    `json:"min,omitempty" yaml:"min,omitempty"`
	Max            *float64    `json:"max,omitempty" yaml:"max,omitempty"`
	Increment      float64     `json:"increment,omitempty" yaml:"increment,omitempty"`
	ResetOnMax     bool        `json:"reset_on_max,omitempty" yaml:"reset_on_max,omitempty"`
	Period         int         `json:"period,omitempty" yaml:"period,omitempty"`
	Description    string      `json:"description,omitempty" yaml:"description,omitempty"`
	Units          string      `json:"units,omitempty" yaml:"units,omitempty"`
	Category       string      `json:"category,omitempty" yaml:"category,omitempty"`
	Writable       bool        `json:"writable,omitempty" yaml:"writable,omitempty"`
}

// Export returns the full tag set in insertion order.
func (s *Store) Export() []ExportedTag {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ExportedTag, 0, len(s.order))
	for _, name := range s.order {
		t, ok := s.tags[name]
		if !ok {
			continue
		}
		out = append(out, ExportedTag{
			Name:           t.Name,
			Type:           string(t.Type),
			Value:          t.Value,
			Simulate:       t.Simulate,
			SimulationType: string(t.SimType),
			Min:            copyFloat(t.Sim.Min),
			Max:            copyFloat(t.Sim.Max),
			Increment:      t.Sim.Increment,
			ResetOnMax:     t.Sim.ResetOnMax,
			Period:         t.Sim.Period,
			Description:    t.Meta.Description,
			Units:          t.Meta.Units,
			Category:       t.Meta.Category,
			Writable:       t.Meta.Writable,
		})
	}
	return out
}

// ImportResult reports the outcome for one tag in an import batch.
type ImportResult struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
	Err  string `json:"error,omitempty"`
}

// Import adds tags from an export dump. Each item succeeds or fails
// independently; an existing tag with the same name is an error for that
// item unless replace is set, in which case it is overwritten in place.
func (s *Store) Import(tags []ExportedTag, replace bool) []ImportResult {
	results := make([]ImportResult, 0, len(tags))
	for _, et := range tags {
		if replace {
			// Delete first so Create re-validates the definition from scratch
			s.Delete(et.Name)
		}
		err := s.Create(et.ToTag())
		r := ImportResult{Name: et.Name, OK: err == nil}
		if err != nil {
			r.Err = err.Error()
		}
		results = append(results, r)
	}
	return results
}

// ToTag converts the wire form back into a Tag for Create.
func (et ExportedTag) ToTag() Tag {
	return Tag{
		Name:     et.Name,
		Type:     DataType(et.Type),
		Value:    et.Value,
		Simulate: et.Simulate,
		SimType:  SimType(et.SimulationType),
		Sim: SimParams{
			Min:        copyFloat(et.Min),
			Max:        copyFloat(et.Max),
			Increment:  et.Increment,
			ResetOnMax: et.ResetOnMax,
			Period:     et.Period,
		},
		Meta: Metadata{
			Description: et.Description,
			Units:       et.Units,
			Category:    et.Category,
			Writable:    et.Writable,
		},
	}
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
