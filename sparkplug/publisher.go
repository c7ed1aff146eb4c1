// Package sparkplug publishes tag values as Sparkplug B messages over
// MQTT. It follows the session model from the Sparkplug spec: NBIRTH
// with a full metric set on connect, NDATA per change, and an NDEATH
// will message carrying the birth/death sequence number.
package sparkplug

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"emberlink/config"
	"emberlink/logging"
	"emberlink/publisher"
	"emberlink/tagstore"
)

const namespacePrefix = "spBv1.0"

func init() {
	publisher.RegisterKind(config.KindSparkplugB, New)
}

// Publisher is one Sparkplug B edge node session.
type Publisher struct {
	name  string
	cfg   config.SparkplugOptions
	store *tagstore.Store

	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex

	// Sequence state. seq wraps at 256 and resets to 0 on each NBIRTH;
	// bdSeq increments once per MQTT session.
	seqMu sync.Mutex
	seq   uint64
	bdSeq uint64

	stats publisher.Stats
}

// New creates a Sparkplug B publisher from config.
func New(cfg config.PublisherConfig, deps publisher.Deps) (publisher.Publisher, error) {
	if cfg.Sparkplug == nil {
		return nil, fmt.Errorf("sparkplug publisher %q: missing sparkplug options", cfg.Name)
	}
	o := *cfg.Sparkplug
	if o.GroupID == "" {
		o.GroupID = deps.Namespace
	}
	if o.GroupID == "" {
		o.GroupID = "emberlink"
	}
	if o.NodeID == "" {
		o.NodeID = "edge-node"
	}
	return &Publisher{
		name:  cfg.Name,
		cfg:   o,
		store: deps.Store,
	}, nil
}

// Name returns the publisher's name.
func (p *Publisher) Name() string { return p.name }

// Kind returns "sparkplug_b".
func (p *Publisher) Kind() string { return config.KindSparkplugB }

// Topic returns the full topic for a Sparkplug message type.
func (p *Publisher) Topic(msgType string) string {
	return fmt.Sprintf("%s/%s/%s/%s", namespacePrefix, p.cfg.GroupID, msgType, p.cfg.NodeID)
}

// nextSeq returns the next message sequence number, wrapping at 256.
func (p *Publisher) nextSeq() uint64 {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	s := p.seq
	p.seq = (p.seq + 1) % 256
	return s
}

// resetSeq restarts the message sequence for a new birth.
func (p *Publisher) resetSeq() {
	p.seqMu.Lock()
	p.seq = 0
	p.seqMu.Unlock()
}

func (p *Publisher) address() string {
	scheme := "tcp"
	if p.cfg.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.cfg.Broker, p.cfg.Port)
}

// Start connects to the broker. The NDEATH will is registered before
// connecting and NBIRTH is sent from the on-connect handler so rebirth
// happens after every reconnect.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	clientID := p.cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("%s-%s", p.cfg.GroupID, p.cfg.NodeID)
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.address())
	if p.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(clientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetBinaryWill(p.Topic("NDEATH"), p.deathPayload(), 0, false)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.stats.SetConnected(false)
		logging.DebugDisconnect("sparkplug", p.address(), err.Error())
	})
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		p.stats.SetConnected(true)
		logging.DebugConnectSuccess("sparkplug", p.address(), "session up")
		p.sendBirth()
	})

	client := pahomqtt.NewClient(opts)
	logging.DebugConnect("sparkplug", p.address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("connection timeout to %s", p.address())
	}
	if token.Error() != nil {
		logging.DebugConnectError("sparkplug", p.address(), token.Error())
		return token.Error()
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	return nil
}

// Stop sends NDEATH and disconnects.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// Graceful death so subscribers don't rely on the will
	token := client.Publish(p.Topic("NDEATH"), 0, false, p.deathPayload())
	token.WaitTimeout(2 * time.Second)

	client.Disconnect(500)
	p.stats.SetConnected(false)

	// Next session is a new birth/death pair
	p.seqMu.Lock()
	p.bdSeq++
	p.seqMu.Unlock()
}

// Publish sends one NDATA message for a tag change.
func (p *Publisher) Publish(ev publisher.Event) {
	p.mu.RLock()
	client := p.client
	running := p.running
	p.mu.RUnlock()
	if !running || client == nil {
		return
	}

	metric, err := MetricForValue(ev.Tag, ev.Value, ev.Timestamp)
	if err != nil {
		p.stats.CountError(err)
		return
	}

	payload := Payload{
		Timestamp: ev.Timestamp,
		Metrics:   []Metric{metric},
		Seq:       p.nextSeq(),
		HasSeq:    true,
	}

	token := client.Publish(p.Topic("NDATA"), 0, false, payload.Encode())
	if !token.WaitTimeout(2 * time.Second) {
		p.stats.CountError(fmt.Errorf("NDATA publish timeout"))
		return
	}
	if token.Error() != nil {
		p.stats.CountError(token.Error())
		return
	}
	p.stats.CountSent()
}

// Health returns the publisher's runtime state.
func (p *Publisher) Health() publisher.Health {
	return p.stats.Snapshot(p.name, config.KindSparkplugB)
}

// sendBirth publishes NBIRTH with bdSeq and the full current metric
// set. Called from the on-connect handler.
func (p *Publisher) sendBirth() {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return
	}

	p.resetSeq()
	now := time.Now()

	metrics := []Metric{{
		Name:      "bdSeq",
		Timestamp: now,
		DataType:  DataTypeInt64,
		Value:     p.currentBdSeq(),
	}}

	if p.store != nil {
		for _, t := range p.store.List() {
			m, err := MetricForValue(t.Name, t.Value, t.Timestamp)
			if err != nil {
				continue
			}
			metrics = append(metrics, m)
		}
	}

	payload := Payload{
		Timestamp: now,
		Metrics:   metrics,
		Seq:       p.nextSeq(),
		HasSeq:    true,
	}

	token := client.Publish(p.Topic("NBIRTH"), 0, false, payload.Encode())
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		p.stats.CountError(fmt.Errorf("NBIRTH publish failed"))
		return
	}
	logging.DebugLog("sparkplug", "%s: NBIRTH sent with %d metrics (bdSeq=%d)",
		p.name, len(metrics), p.currentBdSeq())
}

func (p *Publisher) currentBdSeq() uint64 {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	return p.bdSeq
}

// deathPayload builds the NDEATH body carrying the current bdSeq, so
// the will registered at connect and this session's birth agree.
func (p *Publisher) deathPayload() []byte {
	p.seqMu.Lock()
	bd := p.bdSeq
	p.seqMu.Unlock()

	payload := Payload{
		Timestamp: time.Now(),
		Metrics: []Metric{{
			Name:     "bdSeq",
			DataType: DataTypeInt64,
			Value:    bd,
		}},
	}
	return payload.Encode()
}
