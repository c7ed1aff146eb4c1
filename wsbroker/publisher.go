// Package wsbroker runs a WebSocket server that broadcasts tag updates
// to every connected client. New clients receive a snapshot of current
// tag state before live updates. Clients may send write requests back.
package wsbroker

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"emberlink/config"
	"emberlink/logging"
	"emberlink/publisher"
	"emberlink/tagstore"
)

// DefaultSendBuffer is the per-client outbound queue size. A client
// whose queue is full gets disconnected rather than stalling the rest.
const DefaultSendBuffer = 64

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

func init() {
	publisher.RegisterKind(config.KindWebSocket, New)
}

// Frame is the JSON envelope sent to clients.
type Frame struct {
	Type string      `json:"type"` // "snapshot", "update" or "write_response"
	Data interface{} `json:"data"`
}

// TagMessage is one tag value inside a frame.
type TagMessage struct {
	Namespace string      `json:"namespace"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Quality   string      `json:"quality,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteRequest is the JSON structure clients send to write a tag.
type WriteRequest struct {
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// WriteResponse reports the outcome of a client write.
type WriteResponse struct {
	Tag     string      `json:"tag"`
	Value   interface{} `json:"value"`
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// close shuts the connection down exactly once. The send channel is
// never closed; pumps exit via done instead, so a racing send after a
// drop cannot panic.
func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Publisher is the broadcast server.
type Publisher struct {
	name      string
	cfg       config.WebSocketOptions
	namespace string
	store     *tagstore.Store
	writeFn   func(tag string, value interface{}) error

	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	clients map[*client]struct{}
	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup

	stats publisher.Stats
}

// New creates a WebSocket broadcast publisher from config.
func New(cfg config.PublisherConfig, deps publisher.Deps) (publisher.Publisher, error) {
	if cfg.WebSocket == nil {
		return nil, fmt.Errorf("websocket publisher %q: missing websocket options", cfg.Name)
	}
	if cfg.WebSocket.Listen == "" {
		return nil, fmt.Errorf("websocket publisher %q: missing listen address", cfg.Name)
	}
	ns := deps.Namespace
	if ns == "" {
		ns = "emberlink"
	}
	return &Publisher{
		name:      cfg.Name,
		cfg:       *cfg.WebSocket,
		namespace: ns,
		store:     deps.Store,
		writeFn:   deps.Write,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser dashboards connect from arbitrary origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}, nil
}

// Name returns the publisher's name.
func (p *Publisher) Name() string { return p.name }

// Kind returns "websocket".
func (p *Publisher) Kind() string { return config.KindWebSocket }

// Path returns the URL path clients connect to.
func (p *Publisher) Path() string {
	if p.cfg.Path == "" {
		return "/"
	}
	return p.cfg.Path
}

// ListenAddr returns the bound address once started. Useful when the
// configured port is 0.
func (p *Publisher) ListenAddr() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

func (p *Publisher) sendBuffer() int {
	if p.cfg.SendBuffer > 0 {
		return p.cfg.SendBuffer
	}
	return DefaultSendBuffer
}

// ClientCount returns the number of connected clients.
func (p *Publisher) ClientCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// Start binds the listen address and serves connections.
func (p *Publisher) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}

	listener, err := net.Listen("tcp", p.cfg.Listen)
	if err != nil {
		p.mu.Unlock()
		logging.DebugConnectError("websocket", p.cfg.Listen, err)
		return fmt.Errorf("websocket listen %s: %w", p.cfg.Listen, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(p.Path(), p.handleConnection)

	p.server = &http.Server{Handler: mux}
	p.listener = listener
	p.running = true
	p.mu.Unlock()

	p.stats.SetConnected(true)
	logging.DebugLog("websocket", "%s: listening on ws://%s%s", p.name, p.cfg.Listen, p.Path())

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			p.stats.CountError(err)
			logging.DebugError("websocket", p.name+": serve", err)
		}
	}()

	return nil
}

// Stop closes the server and all client connections.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	server := p.server
	p.server = nil
	p.listener = nil

	clients := make([]*client, 0, len(p.clients))
	for c := range p.clients {
		clients = append(clients, c)
	}
	p.clients = make(map[*client]struct{})
	p.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	if server != nil {
		server.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("websocket", "%s: timeout waiting for connections to close", p.name)
	}

	p.stats.SetConnected(false)
}

// Publish broadcasts one tag update to every connected client. Clients
// that cannot keep up are dropped.
func (p *Publisher) Publish(ev publisher.Event) {
	p.mu.RLock()
	if !p.running {
		p.mu.RUnlock()
		return
	}
	clients := make([]*client, 0, len(p.clients))
	for c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(Frame{Type: "update", Data: p.tagMessage(ev)})
	if err != nil {
		p.stats.CountError(err)
		return
	}

	for _, c := range clients {
		select {
		case <-c.done:
		case c.send <- data:
			p.stats.CountSent()
		default:
			p.stats.CountError(fmt.Errorf("client send buffer full, dropping connection"))
			p.dropClient(c)
		}
	}
}

// Health returns the publisher's runtime state.
func (p *Publisher) Health() publisher.Health {
	return p.stats.Snapshot(p.name, config.KindWebSocket)
}

func (p *Publisher) tagMessage(ev publisher.Event) TagMessage {
	return TagMessage{
		Namespace: p.namespace,
		Tag:       ev.Tag,
		Value:     ev.Value,
		Type:      ev.Type,
		Quality:   ev.Quality,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
	}
}

func (p *Publisher) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.stats.CountError(err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, p.sendBuffer()),
		done: make(chan struct{}),
	}

	// Queue the snapshot before registering so no update can arrive
	// ahead of it.
	if snap := p.snapshotFrame(); snap != nil {
		c.send <- snap
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.clients[c] = struct{}{}
	total := len(p.clients)
	p.mu.Unlock()

	logging.DebugLog("websocket", "%s: client %s connected (%d total)", p.name, conn.RemoteAddr(), total)

	p.wg.Add(2)
	go p.writePump(c)
	go p.readPump(c)
}

// snapshotFrame builds the hello frame with all current tag values.
func (p *Publisher) snapshotFrame() []byte {
	if p.store == nil {
		return nil
	}
	tags := p.store.List()
	msgs := make([]TagMessage, 0, len(tags))
	for _, t := range tags {
		msgs = append(msgs, TagMessage{
			Namespace: p.namespace,
			Tag:       t.Name,
			Value:     t.Value,
			Type:      string(t.Type),
			Quality:   string(t.Quality),
			Timestamp: t.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	data, err := json.Marshal(Frame{Type: "snapshot", Data: msgs})
	if err != nil {
		return nil
	}
	return data
}

func (p *Publisher) dropClient(c *client) {
	p.mu.Lock()
	if _, ok := p.clients[c]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.clients, c)
	p.mu.Unlock()

	c.close()
	logging.DebugLog("websocket", "%s: client %s dropped", p.name, c.conn.RemoteAddr())
}

func (p *Publisher) writePump(c *client) {
	defer p.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.dropClient(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.dropClient(c)
				return
			}
		}
	}
}

// readPump consumes client messages, treating each as a write request.
func (p *Publisher) readPump(c *client) {
	defer p.wg.Done()
	defer p.dropClient(c)

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req WriteRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Tag == "" {
			continue
		}

		resp := WriteResponse{Tag: req.Tag, Value: req.Value, Success: true}
		if p.writeFn == nil {
			resp.Success = false
			resp.Error = "writes not supported"
		} else if err := p.writeFn(req.Tag, req.Value); err != nil {
			resp.Success = false
			resp.Error = err.Error()
		}

		out, _ := json.Marshal(Frame{Type: "write_response", Data: resp})
		select {
		case <-c.done:
			return
		case c.send <- out:
		default:
		}
	}
}
