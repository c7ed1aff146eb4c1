package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"emberlink/engine"
	"emberlink/logging"
)

// sseEvent is an internal event for the API SSE hub.
type sseEvent struct {
	Type string
	Tag  string // set when event is tag-specific (for filtering)
	Data interface{}
}

// tagUpdate is the JSON payload for tag-written and tag mutation events.
type tagUpdate struct {
	Tag    string      `json:"tag"`
	Value  interface{} `json:"value,omitempty"`
	Source string      `json:"source,omitempty"`
}

// publisherUpdate is the JSON payload for publisher lifecycle events.
type publisherUpdate struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
}

// sseClient represents a connected SSE client.
type sseClient struct {
	id     string
	events chan sseEvent
	done   chan struct{}
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	clients    map[string]*sseClient
	register   chan *sseClient
	unregister chan *sseClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*sseClient),
		register:   make(chan *sseClient),
		unregister: make(chan *sseClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("api-sse", "client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("api-sse", "broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	close(h.done)
}

// handleSSE serves the /events SSE endpoint.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Parse filters from query params
	var typeFilter map[string]bool
	if types := r.URL.Query().Get("types"); types != "" {
		typeFilter = make(map[string]bool)
		for _, t := range strings.Split(types, ",") {
			typeFilter[strings.TrimSpace(t)] = true
		}
	}
	var tagFilter map[string]bool
	if tags := r.URL.Query().Get("tags"); tags != "" {
		tagFilter = make(map[string]bool)
		for _, t := range strings.Split(tags, ",") {
			tagFilter[strings.TrimSpace(t)] = true
		}
	}

	clientID := fmt.Sprintf("api-%d", time.Now().UnixNano())
	client := &sseClient{
		id:     clientID,
		events: make(chan sseEvent, 64),
		done:   make(chan struct{}),
	}

	h.hub.register <- client

	notify := r.Context().Done()

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", clientID)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-notify:
			h.hub.unregister <- client
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[event.Type] {
				continue
			}
			// Tag filter only applies to tag-specific events
			if tagFilter != nil && event.Tag != "" && !tagFilter[event.Tag] {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, string(data))
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// setupSSE subscribes the hub to the engine event bus. Returns a cleanup
// function that unsubscribes and stops the hub.
func (h *handlers) setupSSE() func() {
	subID := h.engine.Events.Subscribe(func(e engine.Event) {
		ev := sseEvent{Type: e.Type.String()}

		switch p := e.Payload.(type) {
		case engine.TagEvent:
			ev.Tag = p.Name
			ev.Data = tagUpdate{Tag: p.Name}
		case engine.TagWriteEvent:
			ev.Tag = p.Name
			ev.Data = tagUpdate{Tag: p.Name, Value: p.Value, Source: p.Source}
		case engine.PublisherEvent:
			ev.Data = publisherUpdate{Name: p.Name, Kind: p.Kind}
		case engine.ImportEvent:
			ev.Data = map[string]int{"total": p.Total, "failed": p.Failed}
		case engine.SystemEvent:
			ev.Data = map[string]string{"detail": p.Detail}
		default:
			ev.Data = struct{}{}
		}

		h.hub.Broadcast(ev)
	})

	return func() {
		h.engine.Events.Unsubscribe(subID)
		h.hub.Stop()
	}
}
