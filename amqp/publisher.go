// Package amqp publishes tag values to an AMQP 0-9-1 topic exchange.
// Routing keys follow {namespace}.{tag} so consumers can bind with
// wildcard patterns like "plant1.*".
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"emberlink/config"
	"emberlink/logging"
	"emberlink/namespace"
	"emberlink/publisher"
)

const reconnectInterval = 5 * time.Second

func init() {
	publisher.RegisterKind(config.KindAMQP, New)
}

// TagMessage is the JSON message body published per tag update.
type TagMessage struct {
	Namespace string      `json:"namespace"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Quality   string      `json:"quality,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// Publisher delivers tag updates to one exchange on one broker.
type Publisher struct {
	name      string
	cfg       config.AMQPOptions
	namespace string
	keys      *namespace.Builder
	exchange  string

	conn    *amqp091.Connection
	channel *amqp091.Channel
	running bool
	mu      sync.RWMutex

	stopChan chan struct{}
	wg       sync.WaitGroup

	stats publisher.Stats
}

// New creates an AMQP publisher from config.
func New(cfg config.PublisherConfig, deps publisher.Deps) (publisher.Publisher, error) {
	if cfg.AMQP == nil {
		return nil, fmt.Errorf("amqp publisher %q: missing amqp options", cfg.Name)
	}
	if cfg.AMQP.URL == "" {
		return nil, fmt.Errorf("amqp publisher %q: missing url", cfg.Name)
	}
	ns := deps.Namespace
	if ns == "" {
		ns = "emberlink"
	}
	exchange := cfg.AMQP.Exchange
	if exchange == "" {
		exchange = ns
	}
	return &Publisher{
		name:      cfg.Name,
		cfg:       *cfg.AMQP,
		namespace: ns,
		keys:      namespace.New(ns),
		exchange:  exchange,
		stopChan:  make(chan struct{}),
	}, nil
}

// Name returns the publisher's name.
func (p *Publisher) Name() string { return p.name }

// Kind returns "amqp".
func (p *Publisher) Kind() string { return config.KindAMQP }

// Exchange returns the destination exchange name.
func (p *Publisher) Exchange() string { return p.exchange }

// RoutingKey returns the routing key used for a tag. Dots inside tag
// names would split the topic pattern, so they are replaced.
func (p *Publisher) RoutingKey(tag string) string {
	if p.cfg.RoutingKey != "" {
		return p.cfg.RoutingKey
	}
	return p.keys.AMQPRoutingKey(tag)
}

// Start connects to the broker, declares the exchange and launches the
// reconnect watcher.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	conn, channel, err := p.connect()
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		channel.Close()
		conn.Close()
		return nil
	}
	p.conn = conn
	p.channel = channel
	p.running = true
	p.stopChan = make(chan struct{})
	p.mu.Unlock()

	p.stats.SetConnected(true)

	p.wg.Add(1)
	go p.reconnectWatcher()

	return nil
}

// connect dials the broker and declares the topic exchange.
func (p *Publisher) connect() (*amqp091.Connection, *amqp091.Channel, error) {
	logging.DebugConnect("amqp", p.cfg.URL)

	conn, err := amqp091.Dial(p.cfg.URL)
	if err != nil {
		logging.DebugConnectError("amqp", p.cfg.URL, err)
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		p.exchange,
		"topic",
		p.cfg.Durable,
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("amqp exchange declare %q: %w", p.exchange, err)
	}

	logging.DebugConnectSuccess("amqp", p.cfg.URL, fmt.Sprintf("exchange %s", p.exchange))
	return conn, channel, nil
}

// reconnectWatcher redials after the broker drops the connection.
func (p *Publisher) reconnectWatcher() {
	defer p.wg.Done()

	for {
		p.mu.RLock()
		conn := p.conn
		stopChan := p.stopChan
		p.mu.RUnlock()
		if conn == nil {
			return
		}

		closed := conn.NotifyClose(make(chan *amqp091.Error, 1))

		select {
		case <-stopChan:
			return
		case err := <-closed:
			if err == nil {
				// Clean shutdown from our side
				return
			}
			p.stats.SetConnected(false)
			p.stats.CountError(err)
			logging.DebugDisconnect("amqp", p.cfg.URL, err.Error())
		}

		// Redial until it works or we are stopped
		for {
			select {
			case <-stopChan:
				return
			case <-time.After(reconnectInterval):
			}

			conn, channel, err := p.connect()
			if err != nil {
				continue
			}

			p.mu.Lock()
			if !p.running {
				p.mu.Unlock()
				channel.Close()
				conn.Close()
				return
			}
			p.conn = conn
			p.channel = channel
			p.mu.Unlock()

			p.stats.SetConnected(true)
			break
		}
	}
}

// Stop closes the channel and connection.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	channel := p.channel
	conn := p.conn
	p.channel = nil
	p.conn = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("amqp", "%s: timeout waiting for reconnect watcher to stop", p.name)
	}

	if channel != nil {
		channel.Close()
	}
	if conn != nil {
		conn.Close()
	}
	p.stats.SetConnected(false)
}

// Publish sends one tag update to the exchange.
func (p *Publisher) Publish(ev publisher.Event) {
	p.mu.RLock()
	if !p.running || p.channel == nil {
		p.mu.RUnlock()
		return
	}
	channel := p.channel
	p.mu.RUnlock()

	body, err := json.Marshal(TagMessage{
		Namespace: p.namespace,
		Tag:       ev.Tag,
		Value:     ev.Value,
		Type:      ev.Type,
		Quality:   ev.Quality,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		p.stats.CountError(err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = channel.PublishWithContext(ctx,
		p.exchange,
		p.RoutingKey(ev.Tag),
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   ev.Timestamp,
			Body:        body,
		})
	if err != nil {
		p.stats.CountError(err)
		logging.DebugLog("amqp", "%s: publish %s failed: %v", p.name, ev.Tag, err)
		return
	}

	p.stats.CountSent()
}

// Health returns the publisher's runtime state.
func (p *Publisher) Health() publisher.Health {
	return p.stats.Snapshot(p.name, config.KindAMQP)
}
