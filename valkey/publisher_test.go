package valkey

import (
	"encoding/json"
	"testing"
	"time"

	"emberlink/config"
	"emberlink/publisher"
)

func testConfig() config.PublisherConfig {
	return config.PublisherConfig{
		Name: "test",
		Kind: config.KindValkey,
		Valkey: &config.ValkeyOptions{
			Address: "localhost:6379",
		},
	}
}

func TestKeyLayout(t *testing.T) {
	pub, err := New(testConfig(), publisher.Deps{Namespace: "plant1"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	p := pub.(*Publisher)

	if got, want := p.keys.ValkeyTagKey("Temperature"), "plant1:tags:Temperature"; got != want {
		t.Errorf("tag key = %q, want %q", got, want)
	}
	if got, want := p.keys.ValkeyWriteQueue(), "plant1:writes"; got != want {
		t.Errorf("write queue = %q, want %q", got, want)
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
		if pub.Kind() != config.KindValkey {
			t.Errorf("expected kind valkey, got %q", pub.Kind())
		}
	})

	t.Run("missing options rejected", func(t *testing.T) {
		_, err := New(config.PublisherConfig{Name: "x", Kind: config.KindValkey}, publisher.Deps{})
		if err == nil {
			t.Error("expected error for missing valkey options")
		}
	})

	t.Run("missing address rejected", func(t *testing.T) {
		cfg := testConfig()
		cfg.Valkey.Address = ""
		_, err := New(cfg, publisher.Deps{})
		if err == nil {
			t.Error("expected error for missing address")
		}
	})
}

func TestAddress(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		pub, _ := New(testConfig(), publisher.Deps{})
		if addr := pub.(*Publisher).Address(); addr != "redis://localhost:6379" {
			t.Errorf("expected 'redis://localhost:6379', got %q", addr)
		}
	})

	t.Run("tls", func(t *testing.T) {
		cfg := testConfig()
		cfg.Valkey.UseTLS = true
		pub, _ := New(cfg, publisher.Deps{})
		if addr := pub.(*Publisher).Address(); addr != "rediss://localhost:6379" {
			t.Errorf("expected 'rediss://localhost:6379', got %q", addr)
		}
	})
}

func TestPublishWhenStopped(t *testing.T) {
	pub, _ := New(testConfig(), publisher.Deps{})
	pub.Publish(publisher.Event{Tag: "T", Value: 1, Timestamp: time.Now()})

	h := pub.Health()
	if h.Sent != 0 || h.Errors != 0 {
		t.Errorf("stopped publisher should ignore events, got %+v", h)
	}
}

func TestTagMessagePayload(t *testing.T) {
	now := time.Now().UTC()
	msg := TagMessage{
		Namespace: "plant1",
		Tag:       "Temperature",
		Value:     21.47,
		Type:      "float",
		Quality:   "good",
		Timestamp: now,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded TagMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded.Tag != "Temperature" || decoded.Value.(float64) != 21.47 {
		t.Errorf("unexpected decoded message: %+v", decoded)
	}
	if !decoded.Timestamp.Equal(now) {
		t.Errorf("timestamp mismatch: %v != %v", decoded.Timestamp, now)
	}
}

func TestWriteRequestParsing(t *testing.T) {
	raw := `{"tag":"Status","value":"Stopped"}`
	var req WriteRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if req.Tag != "Status" || req.Value != "Stopped" {
		t.Errorf("unexpected request: %+v", req)
	}
}
