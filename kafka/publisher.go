// Package kafka publishes tag values to a Kafka topic as JSON messages
// keyed by tag name.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"emberlink/config"
	"emberlink/logging"
	"emberlink/namespace"
	"emberlink/publisher"
)

// SASL mechanism names accepted in config.
const (
	SASLPlain       = "PLAIN"
	SASLSCRAMSHA256 = "SCRAM-SHA-256"
	SASLSCRAMSHA512 = "SCRAM-SHA-512"
)

// MaxQueueSize is the maximum number of pending events. A full queue
// drops the newest event and counts an error.
const MaxQueueSize = 256

const writeTimeout = 10 * time.Second

func init() {
	publisher.RegisterKind(config.KindKafka, New)
}

// Publisher delivers tag updates to one Kafka topic.
type Publisher struct {
	name      string
	cfg       config.KafkaOptions
	namespace string
	topic     string

	writer  *kafkago.Writer
	running bool
	mu      sync.RWMutex

	queue    chan publisher.Event
	stopChan chan struct{}
	wg       sync.WaitGroup

	stats publisher.Stats
}

// TagMessage is the JSON structure produced per tag update.
type TagMessage struct {
	Namespace string      `json:"namespace"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Quality   string      `json:"quality,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// New creates a Kafka publisher from config.
func New(cfg config.PublisherConfig, deps publisher.Deps) (publisher.Publisher, error) {
	if cfg.Kafka == nil {
		return nil, fmt.Errorf("kafka publisher %q: missing kafka options", cfg.Name)
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher %q: no brokers configured", cfg.Name)
	}

	ns := deps.Namespace
	if ns == "" {
		ns = "emberlink"
	}
	topic := cfg.Kafka.Topic
	if topic == "" {
		topic = namespace.New(ns).KafkaTagsTopic()
	}

	return &Publisher{
		name:      cfg.Name,
		cfg:       *cfg.Kafka,
		namespace: ns,
		topic:     topic,
		queue:     make(chan publisher.Event, MaxQueueSize),
		stopChan:  make(chan struct{}),
	}, nil
}

// Name returns the publisher's name.
func (p *Publisher) Name() string { return p.name }

// Kind returns "kafka".
func (p *Publisher) Kind() string { return config.KindKafka }

// Topic returns the destination topic.
func (p *Publisher) Topic() string { return p.topic }

// Start verifies broker connectivity and launches the send worker.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	logging.DebugConnect("kafka", p.cfg.Brokers[0])

	// Dial one broker to surface config errors at start instead of on
	// the first produce.
	dialer := p.dialer()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", p.cfg.Brokers[0])
	if err != nil {
		logging.DebugConnectError("kafka", p.cfg.Brokers[0], err)
		return fmt.Errorf("kafka connect %s: %w", p.cfg.Brokers[0], err)
	}
	conn.Close()

	autoCreate := true
	if p.cfg.AutoCreateTopics != nil {
		autoCreate = *p.cfg.AutoCreateTopics
	}
	maxAttempts := p.cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	writer := &kafkago.Writer{
		Addr:      kafkago.TCP(p.cfg.Brokers...),
		Topic:     p.topic,
		Balancer:  &kafkago.LeastBytes{},
		Transport: p.transport(),

		// Synchronous writes for delivery guarantees
		RequiredAcks: kafkago.RequiredAcks(p.cfg.RequiredAcks),
		Async:        false,
		MaxAttempts:  maxAttempts,

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: autoCreate,
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		writer.Close()
		return nil
	}
	p.writer = writer
	p.running = true
	p.mu.Unlock()

	p.stats.SetConnected(true)
	logging.DebugConnectSuccess("kafka", p.cfg.Brokers[0], fmt.Sprintf("topic %s", p.topic))

	p.wg.Add(1)
	go p.sendWorker()

	return nil
}

// Stop closes the writer and drains the send worker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.writer == nil {
		p.mu.Unlock()
		return
	}

	p.running = false
	writer := p.writer
	p.writer = nil

	oldStopChan := p.stopChan
	p.stopChan = make(chan struct{})
	p.queue = make(chan publisher.Event, MaxQueueSize)
	p.mu.Unlock()

	close(oldStopChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("kafka", "%s: timeout waiting for send worker to stop", p.name)
	}

	writer.Close()
	p.stats.SetConnected(false)
	logging.DebugDisconnect("kafka", p.cfg.Brokers[0], "stopped")
}

// Publish queues a tag update for delivery.
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
		logging.DebugLog("kafka", "%s: queue full, dropped update for %s", p.name, ev.Tag)
	}
}

// Health returns the publisher's runtime state.
func (p *Publisher) Health() publisher.Health {
	return p.stats.Snapshot(p.name, config.KindKafka)
}

// sendWorker batches whatever is pending in the queue into a single
// WriteMessages call. One worker keeps per-tag ordering intact.
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
			batch := []publisher.Event{ev}
		drain:
			for len(batch) < 100 {
				select {
				case next := <-p.queue:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			p.send(batch)
		}
	}
}

func (p *Publisher) send(batch []publisher.Event) {
	p.mu.RLock()
	writer := p.writer
	p.mu.RUnlock()
	if writer == nil {
		return
	}

	msgs := make([]kafkago.Message, 0, len(batch))
	for _, ev := range batch {
		payload, err := json.Marshal(TagMessage{
			Namespace: p.namespace,
			Tag:       ev.Tag,
			Value:     ev.Value,
			Type:      ev.Type,
			Quality:   ev.Quality,
			Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
		})
		if err != nil {
			p.stats.CountError(err)
			continue
		}
		msgs = append(msgs, kafkago.Message{
			Key:   []byte(ev.Tag),
			Value: payload,
			Time:  ev.Timestamp,
		})
	}
	if len(msgs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	start := time.Now()
	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		for range msgs {
			p.stats.CountError(err)
		}
		logging.DebugLog("kafka", "%s: produce to %s failed after %v: %v",
			p.name, p.topic, time.Since(start), err)
		return
	}

	for range msgs {
		p.stats.CountSent()
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		logging.DebugLog("kafka", "%s: produced %d msgs to %s in %v", p.name, len(msgs), p.topic, d)
	}
}

func (p *Publisher) dialer() *kafkago.Dialer {
	dialer := &kafkago.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	if p.cfg.UseTLS {
		dialer.TLS = p.tlsConfig()
	}
	if mechanism := p.saslMechanism(); mechanism != nil {
		dialer.SASLMechanism = mechanism
	}
	return dialer
}

func (p *Publisher) transport() *kafkago.Transport {
	transport := &kafkago.Transport{
		DialTimeout: 10 * time.Second,
	}
	if p.cfg.UseTLS {
		transport.TLS = p.tlsConfig()
	}
	if mechanism := p.saslMechanism(); mechanism != nil {
		transport.SASL = mechanism
	}
	return transport
}

func (p *Publisher) tlsConfig() *tls.Config {
	if !p.cfg.UseTLS {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: p.cfg.TLSSkipVerify,
	}
}

func (p *Publisher) saslMechanism() sasl.Mechanism {
	if p.cfg.Username == "" {
		return nil
	}

	switch p.cfg.SASLMechanism {
	case SASLPlain:
		return plain.Mechanism{
			Username: p.cfg.Username,
			Password: p.cfg.Password,
		}
	case SASLSCRAMSHA256:
		mechanism, _ := scram.Mechanism(scram.SHA256, p.cfg.Username, p.cfg.Password)
		return mechanism
	case SASLSCRAMSHA512:
		mechanism, _ := scram.Mechanism(scram.SHA512, p.cfg.Username, p.cfg.Password)
		return mechanism
	default:
		return nil
	}
}
