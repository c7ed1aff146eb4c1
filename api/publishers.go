package api

import (
	"encoding/json"
	"net/http"

	"emberlink/config"
	"emberlink/publisher"
)

func (h *handlers) handleListPublishers(w http.ResponseWriter, r *http.Request) {
	statuses := h.engine.PublisherStatuses()
	if statuses == nil {
		statuses = []publisher.Health{}
	}
	h.writeJSON(w, statuses)
}

func (h *handlers) handleCreatePublisher(w http.ResponseWriter, r *http.Request) {
	var pc config.PublisherConfig
	if err := json.NewDecoder(r.Body).Decode(&pc); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := h.engine.CreatePublisher(pc); err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
	h.writeJSON(w, map[string]string{"name": pc.Name, "kind": pc.Kind})
}

func (h *handlers) handleUpdatePublisher(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")

	var pc config.PublisherConfig
	if err := json.NewDecoder(r.Body).Decode(&pc); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := h.engine.UpdatePublisher(name, pc); err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	h.writeJSON(w, map[string]string{"name": name})
}

func (h *handlers) handleDeletePublisher(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")

	if err := h.engine.DeletePublisher(name); err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleTogglePublisher(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")

	var req ToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := h.engine.TogglePublisher(name, req.Enabled); err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	h.writeJSON(w, map[string]interface{}{"name": name, "enabled": req.Enabled})
}

func (h *handlers) handleStartPublisher(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")

	if err := h.engine.StartPublisher(name); err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	h.writeJSON(w, map[string]string{"name": name, "state": "started"})
}

func (h *handlers) handleStopPublisher(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")

	if err := h.engine.StopPublisher(name); err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	h.writeJSON(w, map[string]string{"name": name, "state": "stopped"})
}
