// Package opcpush writes tag values to remote OPC UA servers. Each
// configured target gets its own connection and reconnect loop so one
// unreachable server never blocks updates to the others.
package opcpush

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"emberlink/config"
	"emberlink/logging"
	"emberlink/publisher"
)

// DefaultReconnectInterval is how often a disconnected target is redialed.
const DefaultReconnectInterval = 30 * time.Second

const writeTimeout = 2 * time.Second

func init() {
	publisher.RegisterKind(config.KindOPCUAClient, New)
}

// target is one remote server connection.
type target struct {
	cfg config.OPCUATarget

	client    *opcua.Client
	connected bool
	mu        sync.RWMutex
}

// swapClient installs a freshly connected client and returns the one it
// replaces, if any.
func (t *target) swapClient(client *opcua.Client) *opcua.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.client
	t.client = client
	t.connected = true
	return old
}

// Publisher pushes values to every configured target.
type Publisher struct {
	name    string
	cfg     config.OPCUAClientOptions
	targets []*target

	running  bool
	mu       sync.RWMutex
	stopChan chan struct{}
	wg       sync.WaitGroup

	stats publisher.Stats
}

// New creates an OPC UA client publisher from config.
func New(cfg config.PublisherConfig, deps publisher.Deps) (publisher.Publisher, error) {
	if cfg.OPCUAClient == nil {
		return nil, fmt.Errorf("opcua client publisher %q: missing opcua options", cfg.Name)
	}
	if len(cfg.OPCUAClient.Servers) == 0 {
		return nil, fmt.Errorf("opcua client publisher %q: no target servers configured", cfg.Name)
	}
	for _, s := range cfg.OPCUAClient.Servers {
		if s.Endpoint == "" {
			return nil, fmt.Errorf("opcua client publisher %q: target %q has no endpoint", cfg.Name, s.Name)
		}
	}

	targets := make([]*target, 0, len(cfg.OPCUAClient.Servers))
	for _, s := range cfg.OPCUAClient.Servers {
		targets = append(targets, &target{cfg: s})
	}

	return &Publisher{
		name:     cfg.Name,
		cfg:      *cfg.OPCUAClient,
		targets:  targets,
		stopChan: make(chan struct{}),
	}, nil
}

// Name returns the publisher's name.
func (p *Publisher) Name() string { return p.name }

// Kind returns "opcua_client".
func (p *Publisher) Kind() string { return config.KindOPCUAClient }

func (p *Publisher) reconnectInterval() time.Duration {
	if p.cfg.ReconnectInterval > 0 {
		return p.cfg.ReconnectInterval
	}
	return DefaultReconnectInterval
}

// NodeID resolves the node id for a tag on one target: explicit map
// entry first, then base path, then a plain ns=2 string id.
func NodeID(t config.OPCUATarget, tag string) string {
	if id, ok := t.NodeMap[tag]; ok {
		return id
	}
	if t.BasePath != "" {
		return t.BasePath + "." + tag
	}
	return "ns=2;s=" + tag
}

// Start connects to every target and launches the reconnect loop.
// Targets that fail to connect stay registered and are retried; Start
// only fails when no target is reachable.
func (p *Publisher) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.mu.Unlock()

	connected := 0
	for _, t := range p.targets {
		if err := p.connectTarget(t); err != nil {
			logging.DebugConnectError("opcua/client", t.cfg.Endpoint, err)
			continue
		}
		connected++
	}

	p.stats.SetConnected(connected > 0)

	p.wg.Add(1)
	go p.reconnectLoop()

	if connected == 0 {
		return fmt.Errorf("opcua client %q: no targets reachable (%d configured, will keep retrying)",
			p.name, len(p.targets))
	}
	return nil
}

func (p *Publisher) connectTarget(t *target) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logging.DebugConnect("opcua/client", t.cfg.Endpoint)

	client, err := opcua.NewClient(t.cfg.Endpoint,
		opcua.SecurityMode(ua.MessageSecurityModeNone),
	)
	if err != nil {
		return fmt.Errorf("opcua client for %s: %w", t.cfg.Endpoint, err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("opcua connect %s: %w", t.cfg.Endpoint, err)
	}

	// A redial can race a half-alive session; close the old secure
	// channel instead of leaking it.
	if old := t.swapClient(client); old != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
		old.Close(closeCtx)
		closeCancel()
	}

	logging.DebugConnectSuccess("opcua/client", t.cfg.Endpoint, t.cfg.Name)
	return nil
}

// reconnectLoop periodically redials disconnected targets.
func (p *Publisher) reconnectLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.reconnectInterval())
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
		}

		anyConnected := false
		for _, t := range p.targets {
			t.mu.RLock()
			connected := t.connected
			t.mu.RUnlock()

			if !connected {
				if err := p.connectTarget(t); err != nil {
					logging.DebugLog("opcua/client", "%s: reconnect %s failed: %v",
						p.name, t.cfg.Endpoint, err)
					continue
				}
			}
			anyConnected = true
		}
		p.stats.SetConnected(anyConnected)
	}
}

// Stop disconnects every target.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("opcua/client", "%s: timeout waiting for reconnect loop", p.name)
	}

	for _, t := range p.targets {
		t.mu.Lock()
		client := t.client
		t.client = nil
		t.connected = false
		t.mu.Unlock()

		if client != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			client.Close(ctx)
			cancel()
		}
	}
	p.stats.SetConnected(false)
}

// Publish writes the value to every connected target. Failures are
// isolated per target; a failed write marks that target disconnected
// for the reconnect loop to pick up.
func (p *Publisher) Publish(ev publisher.Event) {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()
	if !running {
		return
	}

	for _, t := range p.targets {
		t.mu.RLock()
		client := t.client
		connected := t.connected
		t.mu.RUnlock()
		if !connected || client == nil {
			continue
		}

		if err := p.writeValue(client, t, ev); err != nil {
			p.stats.CountError(fmt.Errorf("%s: %w", t.cfg.Endpoint, err))
			logging.DebugLog("opcua/client", "%s: write %s to %s failed: %v",
				p.name, ev.Tag, t.cfg.Endpoint, err)

			// Session errors mean redial; bad node ids don't
			if !strings.Contains(err.Error(), "StatusBad") {
				t.mu.Lock()
				t.connected = false
				t.mu.Unlock()
			}
			continue
		}
		p.stats.CountSent()
	}
}

func (p *Publisher) writeValue(client *opcua.Client, t *target, ev publisher.Event) error {
	id, err := ua.ParseNodeID(NodeID(t.cfg, ev.Tag))
	if err != nil {
		return fmt.Errorf("node id: %w", err)
	}

	variant, err := ua.NewVariant(ev.Value)
	if err != nil {
		return fmt.Errorf("variant: %w", err)
	}

	req := &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      id,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        variant,
			},
		}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	resp, err := client.Write(ctx, req)
	if err != nil {
		return err
	}
	if len(resp.Results) > 0 && resp.Results[0] != ua.StatusOK {
		return fmt.Errorf("StatusBad: %v", resp.Results[0])
	}
	return nil
}

// Health returns the publisher's runtime state.
func (p *Publisher) Health() publisher.Health {
	return p.stats.Snapshot(p.name, config.KindOPCUAClient)
}
