package engine

import (
	"errors"
	"fmt"

	"emberlink/config"
	"emberlink/tagstore"
)

// CreateTag validates, stores, and persists a new tag, then makes it
// visible in the OPC UA address space.
func (e *Engine) CreateTag(req TagCreateRequest) error {
	if req.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	tc := tagConfigFromRequest(req)
	t := tagFromConfig(tc)

	if err := e.store.Create(t); err != nil {
		if errors.Is(err, tagstore.ErrDuplicateTag) {
			return fmt.Errorf("%w: tag '%s'", ErrAlreadyExists, req.Name)
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	e.cfg.Lock()
	e.cfg.AddTag(tc)
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	if e.opcSrv != nil {
		if created, err := e.store.Get(req.Name); err == nil {
			e.opcSrv.AddTag(created)
		}
	}

	e.emit(EventTagCreated, TagEvent{Name: req.Name})
	return nil
}

// UpdateTag applies a partial update to a tag's simulation settings.
func (e *Engine) UpdateTag(name string, req TagUpdateRequest) error {
	current, err := e.store.Get(name)
	if err != nil {
		return fmt.Errorf("%w: tag '%s'", ErrNotFound, name)
	}

	simulate := current.Simulate
	if req.Simulate != nil {
		simulate = *req.Simulate
	}
	simType := current.SimType
	if req.SimType != nil {
		simType = tagstore.SimType(*req.SimType)
	}
	params := current.Sim
	if req.Min != nil {
		params.Min = req.Min
	}
	if req.Max != nil {
		params.Max = req.Max
	}
	if req.Increment != nil {
		params.Increment = *req.Increment
	}
	if req.ResetOnMax != nil {
		params.ResetOnMax = *req.ResetOnMax
	}
	if req.Period != nil {
		params.Period = *req.Period
	}

	if err := e.store.UpdateSim(name, simulate, simType, params); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	e.cfg.Lock()
	if tc := e.cfg.FindTag(name); tc != nil {
		tc.Simulate = simulate
		tc.SimType = string(simType)
		tc.Min = params.Min
		tc.Max = params.Max
		tc.Increment = params.Increment
		tc.ResetOnMax = params.ResetOnMax
		tc.Period = params.Period
	}
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.emit(EventTagUpdated, TagEvent{Name: name})
	return nil
}

// UpdateTagMetadata applies a partial update to a tag's descriptive
// metadata.
func (e *Engine) UpdateTagMetadata(name string, req TagMetadataRequest) error {
	err := e.store.UpdateMeta(name, tagstore.MetaUpdate{
		Description: req.Description,
		Units:       req.Units,
		Category:    req.Category,
		Writable:    req.Writable,
	})
	if err != nil {
		return fmt.Errorf("%w: tag '%s'", ErrNotFound, name)
	}

	e.cfg.Lock()
	if tc := e.cfg.FindTag(name); tc != nil {
		if req.Description != nil {
			tc.Description = *req.Description
		}
		if req.Units != nil {
			tc.Units = *req.Units
		}
		if req.Category != nil {
			tc.Category = *req.Category
		}
		if req.Writable != nil {
			tc.Writable = *req.Writable
		}
	}
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.emit(EventTagUpdated, TagEvent{Name: name})
	return nil
}

// DeleteTag removes a tag from the store, the config, the simulation
// state, the OPC UA address space, and any per-tag metric series.
func (e *Engine) DeleteTag(name string) error {
	if err := e.store.Delete(name); err != nil {
		return fmt.Errorf("%w: tag '%s'", ErrNotFound, name)
	}

	e.sim.Forget(name)
	if e.opcSrv != nil {
		e.opcSrv.RemoveTag(name)
	}
	for _, pub := range e.pubMgr.List() {
		if f, ok := pub.(interface{ Forget(string) }); ok {
			f.Forget(name)
		}
	}

	e.cfg.Lock()
	e.cfg.RemoveTag(name)
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.emit(EventTagDeleted, TagEvent{Name: name})
	return nil
}

// WriteTag writes a value through the store and fans the change out to
// every enabled publisher, exactly like a simulation change.
func (e *Engine) WriteTag(name string, value interface{}) error {
	return e.writeTag(name, value, "api")
}

func (e *Engine) writeTag(name string, value interface{}, source string) error {
	if _, err := e.store.Write(name, value); err != nil {
		switch {
		case errors.Is(err, tagstore.ErrNotFound):
			return fmt.Errorf("%w: tag '%s'", ErrNotFound, name)
		case errors.Is(err, tagstore.ErrTypeMismatch):
			return fmt.Errorf("%w: %v", ErrTypeMismatch, err)
		default:
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	updated, err := e.store.Get(name)
	if err != nil {
		return fmt.Errorf("%w: tag '%s'", ErrNotFound, name)
	}
	e.fanOut(updated.Name, updated.Value, string(updated.Type), updated.Timestamp)

	e.emit(EventTagWritten, TagWriteEvent{Name: name, Value: updated.Value, Source: source})
	return nil
}

// ReadTag returns a snapshot of the named tag.
func (e *Engine) ReadTag(name string) (tagstore.Tag, error) {
	t, err := e.store.Get(name)
	if err != nil {
		return tagstore.Tag{}, fmt.Errorf("%w: tag '%s'", ErrNotFound, name)
	}
	return t, nil
}

// ListTags returns all tags in insertion order.
func (e *Engine) ListTags() []tagstore.Tag {
	return e.store.List()
}

// BulkCreateTags creates a batch of tags. Each item succeeds or fails
// independently; results come back in input order.
func (e *Engine) BulkCreateTags(reqs []TagCreateRequest) []BulkResult {
	results := make([]BulkResult, 0, len(reqs))
	created := 0

	e.cfg.Lock()
	for _, req := range reqs {
		r := BulkResult{Name: req.Name, OK: true}
		if req.Name == "" {
			r.OK = false
			r.Err = "name is required"
			results = append(results, r)
			continue
		}
		tc := tagConfigFromRequest(req)
		if err := e.store.Create(tagFromConfig(tc)); err != nil {
			r.OK = false
			r.Err = err.Error()
			results = append(results, r)
			continue
		}
		e.cfg.AddTag(tc)
		created++
		results = append(results, r)

		if e.opcSrv != nil {
			if t, err := e.store.Get(req.Name); err == nil {
				e.opcSrv.AddTag(t)
			}
		}
	}
	if err := e.saveConfig(); err != nil {
		e.logFn("Bulk create: config save failed: %v", err)
	}

	if created > 0 {
		e.emit(EventTagsImported, ImportEvent{Total: len(reqs), Failed: len(reqs) - created})
	}
	return results
}

// ExportTags returns the round-trippable tag dump.
func (e *Engine) ExportTags() []tagstore.ExportedTag {
	return e.store.Export()
}

// ImportTags loads tags from an export dump. With replace set, existing
// tags with matching names are overwritten.
func (e *Engine) ImportTags(tags []tagstore.ExportedTag, replace bool) []tagstore.ImportResult {
	if replace {
		// A replaced tag starts from scratch, including its sim phase.
		for _, et := range tags {
			e.sim.Forget(et.Name)
		}
	}
	results := e.store.Import(tags, replace)

	// Rebuild the config tag list to mirror the store
	e.cfg.Lock()
	e.cfg.Tags = e.cfg.Tags[:0]
	for _, et := range e.store.Export() {
		e.cfg.AddTag(tagConfigFromExport(et))
	}
	if err := e.saveConfig(); err != nil {
		e.logFn("Import: config save failed: %v", err)
	}

	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
			continue
		}
		if e.opcSrv != nil {
			if t, err := e.store.Get(r.Name); err == nil {
				e.opcSrv.AddTag(t)
			}
		}
	}

	e.emit(EventTagsImported, ImportEvent{Total: len(results), Failed: failed})
	return results
}

// ForcePublishAll pushes the current value of every tag to all enabled
// publishers. Used after a publisher (re)connects so sinks converge
// without waiting for the next change.
func (e *Engine) ForcePublishAll() {
	for _, t := range e.store.List() {
		e.pubMgr.PublishAll(toEvent(t))
	}
	e.emit(EventForcePublished, SystemEvent{Detail: "all tags"})
}

func tagConfigFromRequest(req TagCreateRequest) config.TagConfig {
	return config.TagConfig{
		Name:         req.Name,
		Type:         req.Type,
		InitialValue: req.InitialValue,
		Simulate:     req.Simulate,
		SimType:      req.SimType,
		Min:          req.Min,
		Max:          req.Max,
		Increment:    req.Increment,
		ResetOnMax:   req.ResetOnMax,
		Period:       req.Period,
		Description:  req.Description,
		Units:        req.Units,
		Category:     req.Category,
		Writable:     req.Writable,
	}
}

func tagConfigFromExport(et tagstore.ExportedTag) config.TagConfig {
	return config.TagConfig{
		Name:         et.Name,
		Type:         et.Type,
		InitialValue: et.Value,
		Simulate:     et.Simulate,
		SimType:      et.SimulationType,
		Min:          et.Min,
		Max:          et.Max,
		Increment:    et.Increment,
		ResetOnMax:   et.ResetOnMax,
		Period:       et.Period,
		Description:  et.Description,
		Units:        et.Units,
		Category:     et.Category,
		Writable:     et.Writable,
	}
}
