package mqtt

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"emberlink/config"
	"emberlink/publisher"
)

func testConfig() config.PublisherConfig {
	return config.PublisherConfig{
		Name: "test",
		Kind: config.KindMQTT,
		MQTT: &config.MQTTOptions{
			Broker:   "localhost",
			Port:     1883,
			ClientID: "emberlink-test",
		},
	}
}

func TestNew(t *testing.T) {
	t.Run("basic creation", func(t *testing.T) {
		pub, err := New(testConfig(), publisher.Deps{Namespace: "plant1"})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if pub.Name() != "test" {
			t.Errorf("expected name 'test', got %q", pub.Name())
		}
		if pub.Kind() != config.KindMQTT {
			t.Errorf("expected kind mqtt, got %q", pub.Kind())
		}
	})

	t.Run("missing options rejected", func(t *testing.T) {
		_, err := New(config.PublisherConfig{Name: "x", Kind: config.KindMQTT}, publisher.Deps{})
		if err == nil {
			t.Error("expected error for missing mqtt options")
		}
	})

	t.Run("topic base falls back to namespace", func(t *testing.T) {
		pub, _ := New(testConfig(), publisher.Deps{Namespace: "plant1"})
		p := pub.(*Publisher)
		if p.topicBase != "plant1" {
			t.Errorf("expected topic base 'plant1', got %q", p.topicBase)
		}
	})

	t.Run("explicit topic base wins", func(t *testing.T) {
		cfg := testConfig()
		cfg.MQTT.TopicBase = "custom/base"
		pub, _ := New(cfg, publisher.Deps{Namespace: "plant1"})
		p := pub.(*Publisher)
		if p.topicBase != "custom/base" {
			t.Errorf("expected topic base 'custom/base', got %q", p.topicBase)
		}
	})
}

func TestAddress(t *testing.T) {
	t.Run("tcp address", func(t *testing.T) {
		pub, _ := New(testConfig(), publisher.Deps{})
		if addr := pub.(*Publisher).Address(); addr != "tcp://localhost:1883" {
			t.Errorf("expected 'tcp://localhost:1883', got %q", addr)
		}
	})

	t.Run("ssl address", func(t *testing.T) {
		cfg := testConfig()
		cfg.MQTT.Port = 8883
		cfg.MQTT.UseTLS = true
		pub, _ := New(cfg, publisher.Deps{})
		if addr := pub.(*Publisher).Address(); addr != "ssl://localhost:8883" {
			t.Errorf("expected 'ssl://localhost:8883', got %q", addr)
		}
	})
}

func TestPublishWhenStopped(t *testing.T) {
	pub, _ := New(testConfig(), publisher.Deps{})

	// Must not block or count anything while stopped
	pub.Publish(publisher.Event{Tag: "T", Value: 1, Timestamp: time.Now()})

	h := pub.Health()
	if h.Sent != 0 || h.Errors != 0 {
		t.Errorf("stopped publisher should ignore events, got %+v", h)
	}
	if h.Connected {
		t.Error("new publisher should not report connected")
	}
}

func TestStartTimeoutKillsClient(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the connect timeout and a retry interval")
	}

	// Reserve a port with nothing listening on it
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	cfg := testConfig()
	cfg.MQTT.Broker = "127.0.0.1"
	cfg.MQTT.Port = port
	pub, _ := New(cfg, publisher.Deps{Namespace: "plant1"})
	p := pub.(*Publisher)

	if err := p.Start(); err == nil {
		p.Stop()
		t.Fatal("expected Start to fail with no broker listening")
	}
	if p.client != nil {
		t.Error("failed Start should not retain a client")
	}

	// A broker appearing after the failure must find nobody dialing:
	// the abandoned client's retry loop has to be dead, not ticking
	// toward a background connect that would flip Health to connected.
	time.Sleep(time.Second)
	l, err = net.Listen("tcp", p.Address()[len("tcp://"):])
	if err != nil {
		t.Fatalf("relisten: %v", err)
	}
	defer l.Close()

	dialed := make(chan struct{}, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		conn.Close()
		dialed <- struct{}{}
	}()

	select {
	case <-dialed:
		t.Error("abandoned client is still retrying in the background")
	case <-time.After(7 * time.Second):
	}
	if p.Health().Connected {
		t.Error("failed publisher must not report connected")
	}
}

func TestQueueFullDropsNewest(t *testing.T) {
	pub, _ := New(testConfig(), publisher.Deps{})
	p := pub.(*Publisher)

	// Simulate a connected publisher with a tiny queue and no workers
	p.mu.Lock()
	p.running = true
	p.queue = make(chan publisher.Event, 2)
	p.mu.Unlock()

	for i := 0; i < 5; i++ {
		p.Publish(publisher.Event{Tag: "T", Value: i, Timestamp: time.Now()})
	}

	h := p.Health()
	if h.Errors != 3 {
		t.Errorf("expected 3 drops counted as errors, got %d", h.Errors)
	}
	if h.LastError == "" {
		t.Error("expected last error detail for dropped event")
	}
	if len(p.queue) != 2 {
		t.Errorf("expected 2 queued events, got %d", len(p.queue))
	}
}

func TestTagMessagePayload(t *testing.T) {
	msg := TagMessage{
		Namespace: "emberlink",
		Tag:       "Counter",
		Value:     int64(100),
		Type:      "int",
		Quality:   "good",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	for _, field := range []string{"namespace", "tag", "value", "type", "quality", "timestamp"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
	if decoded["tag"] != "Counter" {
		t.Errorf("expected tag 'Counter', got %v", decoded["tag"])
	}
	if decoded["value"].(float64) != 100 {
		t.Errorf("expected value 100, got %v", decoded["value"])
	}
}

func TestWriteResponsePayload(t *testing.T) {
	t.Run("success omits error", func(t *testing.T) {
		resp := WriteResponse{
			Tag: "Status", Value: "Stopped", Success: true,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		data, _ := json.Marshal(resp)

		var decoded map[string]interface{}
		json.Unmarshal(data, &decoded)
		if _, ok := decoded["error"]; ok {
			t.Error("error field should be omitted on success")
		}
	})

	t.Run("failure carries error", func(t *testing.T) {
		resp := WriteResponse{
			Tag: "Status", Success: false, Error: "tag not found",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		data, _ := json.Marshal(resp)

		var decoded WriteResponse
		json.Unmarshal(data, &decoded)
		if decoded.Success || decoded.Error != "tag not found" {
			t.Errorf("unexpected decoded response: %+v", decoded)
		}
	})
}
