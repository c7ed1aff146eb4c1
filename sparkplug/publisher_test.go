package sparkplug

import (
	"testing"

	"emberlink/config"
	"emberlink/publisher"
)

func testConfig() config.PublisherConfig {
	return config.PublisherConfig{
		Name: "test",
		Kind: config.KindSparkplugB,
		Sparkplug: &config.SparkplugOptions{
			Broker:  "localhost",
			Port:    1883,
			GroupID: "plant1",
			NodeID:  "sim1",
		},
	}
}

func TestNew(t *testing.T) {
	t.Run("basic creation", func(t *testing.T) {
		pub, err := New(testConfig(), publisher.Deps{})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if pub.Kind() != config.KindSparkplugB {
			t.Errorf("expected kind sparkplug_b, got %q", pub.Kind())
		}
	})

	t.Run("missing options rejected", func(t *testing.T) {
		_, err := New(config.PublisherConfig{Name: "x", Kind: config.KindSparkplugB}, publisher.Deps{})
		if err == nil {
			t.Error("expected error for missing sparkplug options")
		}
	})

	t.Run("group id defaults to namespace", func(t *testing.T) {
		cfg := testConfig()
		cfg.Sparkplug.GroupID = ""
		pub, _ := New(cfg, publisher.Deps{Namespace: "plant9"})
		p := pub.(*Publisher)
		if p.cfg.GroupID != "plant9" {
			t.Errorf("expected group 'plant9', got %q", p.cfg.GroupID)
		}
	})
}

func TestTopics(t *testing.T) {
	pub, _ := New(testConfig(), publisher.Deps{})
	p := pub.(*Publisher)

	tests := []struct {
		msgType string
		want    string
	}{
		{"NBIRTH", "spBv1.0/plant1/NBIRTH/sim1"},
		{"NDATA", "spBv1.0/plant1/NDATA/sim1"},
		{"NDEATH", "spBv1.0/plant1/NDEATH/sim1"},
	}
	for _, tt := range tests {
		if got := p.Topic(tt.msgType); got != tt.want {
			t.Errorf("Topic(%s) = %q, want %q", tt.msgType, got, tt.want)
		}
	}
}

func TestSequenceWrapsAt256(t *testing.T) {
	pub, _ := New(testConfig(), publisher.Deps{})
	p := pub.(*Publisher)

	for i := 0; i < 256; i++ {
		if got := p.nextSeq(); got != uint64(i) {
			t.Fatalf("seq %d on call %d", got, i)
		}
	}
	if got := p.nextSeq(); got != 0 {
		t.Errorf("seq should wrap to 0 after 255, got %d", got)
	}
}

func TestResetSeq(t *testing.T) {
	pub, _ := New(testConfig(), publisher.Deps{})
	p := pub.(*Publisher)

	p.nextSeq()
	p.nextSeq()
	p.resetSeq()
	if got := p.nextSeq(); got != 0 {
		t.Errorf("seq after reset should be 0, got %d", got)
	}
}

func TestPublishWhenStopped(t *testing.T) {
	pub, _ := New(testConfig(), publisher.Deps{})
	pub.Publish(publisher.Event{Tag: "T", Value: int64(1)})

	h := pub.Health()
	if h.Sent != 0 || h.Errors != 0 {
		t.Errorf("stopped publisher should ignore events, got %+v", h)
	}
}
