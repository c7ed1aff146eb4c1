// Package valkey stores tag values in a Valkey/Redis server and
// optionally announces changes over Pub/Sub. Inbound writes arrive on
// a list key processed with BLPOP.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"emberlink/config"
	"emberlink/logging"
	"emberlink/namespace"
	"emberlink/publisher"
)

func init() {
	publisher.RegisterKind(config.KindValkey, New)
}

// TagMessage is the JSON structure stored per tag key.
type TagMessage struct {
	Namespace string      `json:"namespace"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Quality   string      `json:"quality,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// WriteRequest is a write request popped from the write queue.
type WriteRequest struct {
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// WriteResponse is published on the response channel after each write.
type WriteResponse struct {
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher mirrors tag state into a Valkey keyspace.
type Publisher struct {
	name      string
	cfg       config.ValkeyOptions
	namespace string
	keys      *namespace.Builder
	writeFn   func(tag string, value interface{}) error

	client  *redis.Client
	running bool
	mu      sync.RWMutex

	stopChan chan struct{}
	wg       sync.WaitGroup

	stats publisher.Stats
}

// New creates a Valkey publisher from config.
func New(cfg config.PublisherConfig, deps publisher.Deps) (publisher.Publisher, error) {
	if cfg.Valkey == nil {
		return nil, fmt.Errorf("valkey publisher %q: missing valkey options", cfg.Name)
	}
	if cfg.Valkey.Address == "" {
		return nil, fmt.Errorf("valkey publisher %q: missing address", cfg.Name)
	}
	ns := deps.Namespace
	if ns == "" {
		ns = "emberlink"
	}
	return &Publisher{
		name:      cfg.Name,
		cfg:       *cfg.Valkey,
		namespace: ns,
		keys:      namespace.New(ns),
		writeFn:   deps.Write,
		stopChan:  make(chan struct{}),
	}, nil
}

// Name returns the publisher's name.
func (p *Publisher) Name() string { return p.name }

// Kind returns "valkey".
func (p *Publisher) Kind() string { return config.KindValkey }

// Address returns the server address with scheme.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.cfg.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.cfg.Address)
}

// Start connects to the Valkey server and launches the write listener.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.cfg.Address,
		Password:     p.cfg.Password,
		DB:           p.cfg.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// Create client and test connection WITHOUT holding the lock
	client := redis.NewClient(opts)

	logging.DebugConnect("valkey", p.Address())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logging.DebugConnectError("valkey", p.Address(), err)
		client.Close()
		return fmt.Errorf("failed to connect to valkey at %s: %w", p.cfg.Address, err)
	}

	logging.DebugConnectSuccess("valkey", p.Address(), fmt.Sprintf("db %d", p.cfg.Database))

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})
	p.mu.Unlock()

	p.stats.SetConnected(true)

	if p.writeFn != nil {
		p.wg.Add(1)
		go p.writebackListener()
	}

	return nil
}

// Stop disconnects from the server.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// The listener uses a 1s BLPOP timeout, so allow a little longer
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("valkey", "%s: timeout waiting for write listener to stop", p.name)
	}

	if client != nil {
		client.Close()
	}
	p.stats.SetConnected(false)
}

// Publish stores one tag update under {namespace}:tags:{tag} and, when
// enabled, announces it on the changes channel.
func (p *Publisher) Publish(ev publisher.Event) {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return
	}
	client := p.client
	p.mu.RUnlock()

	msg := TagMessage{
		Namespace: p.namespace,
		Tag:       ev.Tag,
		Value:     ev.Value,
		Type:      ev.Type,
		Quality:   ev.Quality,
		Timestamp: ev.Timestamp.UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.stats.CountError(err)
		return
	}

	key := p.keys.ValkeyTagKey(ev.Tag)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, key, data, p.cfg.KeyTTL).Err(); err != nil {
		p.stats.CountError(fmt.Errorf("set %s: %w", key, err))
		logging.DebugLog("valkey", "%s: set %s failed: %v", p.name, key, err)
		return
	}

	if p.cfg.PublishChanges {
		channel := p.keys.ValkeyChangesChannel()
		client.Publish(ctx, channel, data)
	}

	p.stats.CountSent()
}

// Health returns the publisher's runtime state.
func (p *Publisher) Health() publisher.Health {
	return p.stats.Snapshot(p.name, config.KindValkey)
}

// writebackListener pops write requests from {namespace}:writes and
// publishes the outcome on {namespace}:write:responses.
func (p *Publisher) writebackListener() {
	defer p.wg.Done()

	queueKey := p.keys.ValkeyWriteQueue()
	responseChannel := p.keys.ValkeyWriteResponseChannel()

	for {
		select {
		case <-p.stopChan:
			return
		default:
		}

		p.mu.RLock()
		if !p.running || p.client == nil {
			p.mu.RUnlock()
			time.Sleep(100 * time.Millisecond)
			continue
		}
		client := p.client
		p.mu.RUnlock()

		// Block waiting for write requests (with timeout for checking stop)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := client.BLPop(ctx, 1*time.Second, queueKey).Result()
		cancel()

		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				logging.DebugLog("valkey", "%s: write queue error: %v", p.name, err)
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var req WriteRequest
		if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
			logging.DebugLog("valkey", "%s: bad write request: %v", p.name, err)
			continue
		}

		p.processWriteRequest(client, req, responseChannel)
	}
}

func (p *Publisher) processWriteRequest(client *redis.Client, req WriteRequest, responseChannel string) {
	response := WriteResponse{
		Tag:       req.Tag,
		Value:     req.Value,
		Timestamp: time.Now().UTC(),
	}

	if err := p.writeFn(req.Tag, req.Value); err != nil {
		response.Success = false
		response.Error = err.Error()
	} else {
		response.Success = true
	}

	data, _ := json.Marshal(response)
	client.Publish(context.Background(), responseChannel, data)

	logging.DebugLog("valkey", "%s: write %s = %v -> success=%v",
		p.name, req.Tag, req.Value, response.Success)
}
