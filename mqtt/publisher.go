// Package mqtt publishes tag values to an MQTT broker as JSON messages
// and accepts value writes on a write topic.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"emberlink/config"
	"emberlink/logging"
	"emberlink/namespace"
	"emberlink/publisher"
)

// MaxPublishWorkers is the number of goroutines draining the outbound queue.
const MaxPublishWorkers = 5

// MaxQueueSize is the maximum number of pending events per publisher.
// A full queue drops the newest event and counts an error.
const MaxQueueSize = 100

func init() {
	publisher.RegisterKind(config.KindMQTT, New)
}

// Publisher handles one MQTT broker connection.
type Publisher struct {
	name      string
	cfg       config.MQTTOptions
	topicBase string
	topics    *namespace.Builder
	writeFn   func(tag string, value interface{}) error

	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex

	queue    chan publisher.Event
	stopChan chan struct{}
	wg       sync.WaitGroup

	stats publisher.Stats
}

// TagMessage is the JSON structure published per tag update.
type TagMessage struct {
	Namespace string      `json:"namespace"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Quality   string      `json:"quality,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteRequest is the JSON structure for incoming write requests.
type WriteRequest struct {
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// WriteResponse is the JSON structure for write responses.
type WriteResponse struct {
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// New creates an MQTT publisher from config.
func New(cfg config.PublisherConfig, deps publisher.Deps) (publisher.Publisher, error) {
	if cfg.MQTT == nil {
		return nil, fmt.Errorf("mqtt publisher %q: missing mqtt options", cfg.Name)
	}
	topicBase := cfg.MQTT.TopicBase
	if topicBase == "" {
		topicBase = deps.Namespace
	}
	if topicBase == "" {
		topicBase = "emberlink"
	}
	return &Publisher{
		name:      cfg.Name,
		cfg:       *cfg.MQTT,
		topicBase: topicBase,
		topics:    namespace.New(topicBase),
		writeFn:   deps.Write,
		queue:     make(chan publisher.Event, MaxQueueSize),
		stopChan:  make(chan struct{}),
	}, nil
}

// Name returns the publisher's name.
func (p *Publisher) Name() string { return p.name }

// Kind returns "mqtt".
func (p *Publisher) Kind() string { return config.KindMQTT }

// Address returns the broker address string.
func (p *Publisher) Address() string {
	if p.cfg.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.cfg.Broker, p.cfg.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.cfg.Broker, p.cfg.Port)
}

// Start connects to the MQTT broker and launches the send workers.
func (p *Publisher) Start() error {
	// Quick check if already running
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Build options WITHOUT holding the lock
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.stats.SetConnected(false)
		logging.DebugDisconnect("mqtt", p.Address(), err.Error())
	})
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		p.stats.SetConnected(true)
		logging.DebugConnectSuccess("mqtt", p.Address(), "session up")
		p.subscribeWriteTopic()
	})

	// Create client and connect WITHOUT holding the lock
	client := pahomqtt.NewClient(opts)
	logging.DebugConnect("mqtt", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		// The retry loop keeps the abandoned client dialing in the
		// background; kill it so a "failed" publisher cannot come up
		// behind the manager's back.
		client.Disconnect(0)
		return fmt.Errorf("connection timeout to %s", p.Address())
	}
	if token.Error() != nil {
		logging.DebugConnectError("mqtt", p.Address(), token.Error())
		client.Disconnect(0)
		return token.Error()
	}

	// Now acquire lock to update state
	p.mu.Lock()

	// Double-check we're not already running (race condition check)
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}

	p.client = client
	p.running = true
	p.mu.Unlock()

	p.stats.SetConnected(true)

	for i := 0; i < MaxPublishWorkers; i++ {
		p.wg.Add(1)
		go p.sendWorker()
	}

	return nil
}

// Stop disconnects from the broker and drains the workers.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}

	p.running = false
	client := p.client
	p.client = nil

	// Save old channels and create new ones while holding lock
	oldStopChan := p.stopChan
	p.stopChan = make(chan struct{})
	p.queue = make(chan publisher.Event, MaxQueueSize)
	p.mu.Unlock()

	close(oldStopChan)

	// Wait for workers to finish (with timeout)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("mqtt", "%s: timeout waiting for send workers to stop", p.name)
	}

	// Disconnect OUTSIDE the lock to prevent blocking
	client.Disconnect(500)
	p.stats.SetConnected(false)
}

// Publish queues a tag update for delivery. Returns immediately; a full
// queue drops the event and counts an error.
func (p *Publisher) Publish(ev publisher.Event) {
	p.mu.RLock()
	running := p.running
	queue := p.queue
	p.mu.RUnlock()

	if !running {
		return
	}

	select {
	case queue <- ev:
	default:
		p.stats.CountError(fmt.Errorf("publish queue full, dropped %s", ev.Tag))
		logging.DebugLog("mqtt", "%s: queue full, dropped update for %s", p.name, ev.Tag)
	}
}

// Health returns the publisher's runtime state.
func (p *Publisher) Health() publisher.Health {
	return p.stats.Snapshot(p.name, config.KindMQTT)
}

func (p *Publisher) sendWorker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case ev, ok := <-p.queue:
			if !ok {
				return
			}
			p.send(ev)
		}
	}
}

func (p *Publisher) send(ev publisher.Event) {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return
	}

	msg := TagMessage{
		Namespace: p.topicBase,
		Tag:       ev.Tag,
		Value:     ev.Value,
		Type:      ev.Type,
		Quality:   ev.Quality,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		p.stats.CountError(err)
		return
	}

	topic := p.topics.MQTTTagTopic(ev.Tag)
	token := client.Publish(topic, p.cfg.QoS, p.cfg.Retain, payload)

	// Use timeout to prevent blocking
	if !token.WaitTimeout(2 * time.Second) {
		p.stats.CountError(fmt.Errorf("publish timeout on %s", topic))
		return
	}
	if token.Error() != nil {
		p.stats.CountError(token.Error())
		return
	}
	p.stats.CountSent()
}

// subscribeWriteTopic subscribes to the write topic if a write handler
// is wired. Called from the on-connect handler so resubscription happens
// after every reconnect.
func (p *Publisher) subscribeWriteTopic() {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil || p.writeFn == nil {
		return
	}

	topic := p.topics.MQTTWriteTopic()
	token := client.Subscribe(topic, 1, p.handleWriteMessage)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		if token.Error() != nil {
			logging.DebugLog("mqtt", "%s: subscribe error for %s: %v", p.name, topic, token.Error())
		} else {
			logging.DebugLog("mqtt", "%s: subscribe timeout for %s", p.name, topic)
		}
		return
	}
	logging.DebugLog("mqtt", "%s: subscribed to %s", p.name, topic)
}

// handleWriteMessage processes an incoming write request and answers on
// the response topic.
func (p *Publisher) handleWriteMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	logging.DebugLog("mqtt", "%s: write request on %s: %s", p.name, msg.Topic(), msg.Payload())

	var req WriteRequest
	var writeErr error
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		writeErr = fmt.Errorf("invalid JSON: %v", err)
	} else if req.Tag == "" {
		writeErr = fmt.Errorf("missing tag name")
	} else {
		writeErr = p.writeFn(req.Tag, req.Value)
	}

	resp := WriteResponse{
		Tag:       req.Tag,
		Value:     req.Value,
		Success:   writeErr == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if writeErr != nil {
		resp.Error = writeErr.Error()
	}

	payload, _ := json.Marshal(resp)
	responseTopic := p.topics.MQTTWriteResponseTopic()
	token := client.Publish(responseTopic, 1, false, payload)
	token.WaitTimeout(2 * time.Second)
}
