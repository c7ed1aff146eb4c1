// Package api provides the REST interface for tag and publisher
// management. All responses are JSON.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"emberlink/engine"
	"emberlink/publisher"
	"emberlink/tagstore"
)

// TagResponse is the JSON wire form of a tag.
type TagResponse struct {
	Name           string      `json:"name"`
	Type           string      `json:"type"`
	Value          interface{} `json:"value"`
	Quality        string      `json:"quality"`
	Timestamp      string      `json:"timestamp"`
	Simulate       bool        `json:"simulate"`
	SimulationType string      `json:"simulation_type,omitempty"`
	Min            *float64    `json:"min,omitempty"`
	Max            *float64    `json:"max,omitempty"`
	Increment      float64     `json:"increment,omitempty"`
	ResetOnMax     bool        `json:"reset_on_max,omitempty"`
	Period         int         `json:"period,omitempty"`
	Description    string      `json:"description,omitempty"`
	Units          string      `json:"units,omitempty"`
	Category       string      `json:"category,omitempty"`
	Writable       bool        `json:"writable"`
}

// WriteRequest is the JSON request for writing a tag value.
type WriteRequest struct {
	Value interface{} `json:"value"`
}

// WriteResponse is the JSON response after writing a tag value.
type WriteResponse struct {
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// ToggleRequest is the JSON request for enabling or disabling a publisher.
type ToggleRequest struct {
	Enabled bool `json:"enabled"`
}

// HealthResponse is the JSON structure for overall service health.
type HealthResponse struct {
	Status     string             `json:"status"`
	Namespace  string             `json:"namespace"`
	TagCount   int                `json:"tag_count"`
	TickRate   string             `json:"tick_rate"`
	Scheduler  SchedulerHealth    `json:"scheduler"`
	Publishers []publisher.Health `json:"publishers"`
}

// SchedulerHealth reports the simulation scheduler state.
type SchedulerHealth struct {
	Running      bool   `json:"running"`
	SkippedTicks uint64 `json:"skipped_ticks"`
}

// handlers holds the API handler functions.
type handlers struct {
	engine *engine.Engine
	hub    *eventHub
}

// NewRouter creates the REST API router. The returned cleanup function
// detaches the event stream hub from the engine.
func NewRouter(e *engine.Engine) (chi.Router, func()) {
	r := chi.NewRouter()
	h := &handlers{engine: e, hub: newEventHub()}
	cleanup := h.setupSSE()

	r.Get("/tags", h.handleListTags)
	r.Post("/tags", h.handleCreateTag)
	r.Post("/tags/bulk", h.handleBulkCreate)
	r.Route("/tags/{name}", func(r chi.Router) {
		r.Get("/", h.handleGetTag)
		r.Put("/", h.handleUpdateTag)
		r.Delete("/", h.handleDeleteTag)
		r.Put("/metadata", h.handleUpdateMetadata)
		r.Post("/write", h.handleWriteTag)
	})

	r.Get("/export", h.handleExport)
	r.Post("/import", h.handleImport)

	r.Get("/publishers", h.handleListPublishers)
	r.Post("/publishers", h.handleCreatePublisher)
	r.Route("/publishers/{name}", func(r chi.Router) {
		r.Put("/", h.handleUpdatePublisher)
		r.Delete("/", h.handleDeletePublisher)
		r.Post("/toggle", h.handleTogglePublisher)
		r.Post("/start", h.handleStartPublisher)
		r.Post("/stop", h.handleStopPublisher)
	})

	r.Get("/health", h.handleHealth)
	r.Get("/events", h.handleSSE)
	r.Handle("/metrics", promhttp.HandlerFor(e.Metrics(), promhttp.HandlerOpts{}))

	return r, cleanup
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// statusFor maps engine sentinel errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, engine.ErrTypeMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func urlParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	v, _ = url.PathUnescape(v)
	return v
}

func tagResponse(t tagstore.Tag) TagResponse {
	return TagResponse{
		Name:           t.Name,
		Type:           string(t.Type),
		Value:          t.Value,
		Quality:        string(t.Quality),
		Timestamp:      t.Timestamp.UTC().Format(time.RFC3339Nano),
		Simulate:       t.Simulate,
		SimulationType: string(t.SimType),
		Min:            t.Sim.Min,
		Max:            t.Sim.Max,
		Increment:      t.Sim.Increment,
		ResetOnMax:     t.Sim.ResetOnMax,
		Period:         t.Sim.Period,
		Description:    t.Meta.Description,
		Units:          t.Meta.Units,
		Category:       t.Meta.Category,
		Writable:       t.Meta.Writable,
	}
}

func (h *handlers) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags := h.engine.ListTags()
	response := make([]TagResponse, 0, len(tags))
	for _, t := range tags {
		response = append(response, tagResponse(t))
	}
	h.writeJSON(w, response)
}

func (h *handlers) handleGetTag(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")

	t, err := h.engine.ReadTag(name)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	h.writeJSON(w, tagResponse(t))
}

func (h *handlers) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	var req engine.TagCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := h.engine.CreateTag(req); err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	t, err := h.engine.ReadTag(req.Name)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
	h.writeJSON(w, tagResponse(t))
}

func (h *handlers) handleUpdateTag(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")

	var req engine.TagUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := h.engine.UpdateTag(name, req); err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	t, err := h.engine.ReadTag(name)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, tagResponse(t))
}

func (h *handlers) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")

	var req engine.TagMetadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := h.engine.UpdateTagMetadata(name, req); err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	t, err := h.engine.ReadTag(name)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, tagResponse(t))
}

func (h *handlers) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")

	if err := h.engine.DeleteTag(name); err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleWriteTag(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")

	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	writeErr := h.engine.WriteTag(name, req.Value)

	resp := WriteResponse{
		Tag:       name,
		Value:     req.Value,
		Success:   writeErr == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if writeErr != nil {
		resp.Error = writeErr.Error()
		w.WriteHeader(statusFor(writeErr))
	}
	h.writeJSON(w, resp)
}

func (h *handlers) handleBulkCreate(w http.ResponseWriter, r *http.Request) {
	var reqs []engine.TagCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(reqs) == 0 {
		h.writeError(w, http.StatusBadRequest, "empty tag list")
		return
	}

	results := h.engine.BulkCreateTags(reqs)

	allOK := true
	for _, res := range results {
		if !res.OK {
			allOK = false
			break
		}
	}
	if allOK {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusMultiStatus)
	}
	h.writeJSON(w, results)
}

func (h *handlers) handleExport(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.engine.ExportTags())
}

func (h *handlers) handleImport(w http.ResponseWriter, r *http.Request) {
	var tags []tagstore.ExportedTag
	if err := json.NewDecoder(r.Body).Decode(&tags); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(tags) == 0 {
		h.writeError(w, http.StatusBadRequest, "empty tag list")
		return
	}

	replace := r.URL.Query().Get("replace") == "true"
	results := h.engine.ImportTags(tags, replace)

	allOK := true
	for _, res := range results {
		if !res.OK {
			allOK = false
			break
		}
	}
	if allOK {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusMultiStatus)
	}
	h.writeJSON(w, results)
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := h.engine.GetConfig()
	sched := h.engine.Scheduler()

	resp := HealthResponse{
		Status:    "ok",
		Namespace: cfg.Namespace,
		TagCount:  h.engine.Store().Len(),
		TickRate:  cfg.TickRate.String(),
	}
	if sched != nil {
		resp.Scheduler = SchedulerHealth{
			Running:      sched.Running(),
			SkippedTicks: sched.Skipped(),
		}
	}
	resp.Publishers = h.engine.PublisherStatuses()
	if resp.Publishers == nil {
		resp.Publishers = []publisher.Health{}
	}

	h.writeJSON(w, resp)
}
