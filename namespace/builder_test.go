package namespace

import "testing"

func TestMQTTTopics(t *testing.T) {
	b := New("plant1")

	if got, want := b.MQTTTagTopic("Temperature"), "plant1/tags/Temperature"; got != want {
		t.Errorf("tag topic = %q, want %q", got, want)
	}
	if got, want := b.MQTTWriteTopic(), "plant1/write"; got != want {
		t.Errorf("write topic = %q, want %q", got, want)
	}
	if got, want := b.MQTTWriteResponseTopic(), "plant1/write/response"; got != want {
		t.Errorf("write response topic = %q, want %q", got, want)
	}
}

func TestValkeyKeys(t *testing.T) {
	b := New("plant1")

	if got, want := b.ValkeyTagKey("Temperature"), "plant1:tags:Temperature"; got != want {
		t.Errorf("tag key = %q, want %q", got, want)
	}
	if got, want := b.ValkeyChangesChannel(), "plant1:changes"; got != want {
		t.Errorf("changes channel = %q, want %q", got, want)
	}
	if got, want := b.ValkeyWriteQueue(), "plant1:writes"; got != want {
		t.Errorf("write queue = %q, want %q", got, want)
	}
	if got, want := b.ValkeyWriteResponseChannel(), "plant1:write:responses"; got != want {
		t.Errorf("write response channel = %q, want %q", got, want)
	}
}

func TestJoinColon(t *testing.T) {
	tests := []struct {
		name     string
		segments []string
		want     string
	}{
		{"simple", []string{"plant1", "tags", "Temperature"}, "plant1:tags:Temperature"},
		{"empty segment dropped", []string{"plant1", "", "Temperature"}, "plant1:Temperature"},
		{"leading colon trimmed", []string{":plant1", "tags"}, "plant1:tags"},
		{"trailing colon trimmed", []string{"plant1:", "tags"}, "plant1:tags"},
		{"tag with inner colon kept", []string{"plant1", "tags", "Zone:1"}, "plant1:tags:Zone:1"},
		{"all empty", []string{"", ":"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := joinColon(tt.segments...); got != tt.want {
				t.Errorf("joinColon(%v) = %q, want %q", tt.segments, got, tt.want)
			}
		})
	}
}

func TestKafkaTopic(t *testing.T) {
	if got, want := New("plant1").KafkaTagsTopic(), "plant1.tags"; got != want {
		t.Errorf("kafka topic = %q, want %q", got, want)
	}
}

func TestAMQPRoutingKey(t *testing.T) {
	b := New("plant1")

	if got, want := b.AMQPRoutingKey("Temperature"), "plant1.Temperature"; got != want {
		t.Errorf("routing key = %q, want %q", got, want)
	}
	// Dots in tag names must not create extra topic segments
	if got, want := b.AMQPRoutingKey("Line4.Temp"), "plant1.Line4_Temp"; got != want {
		t.Errorf("routing key = %q, want %q", got, want)
	}
}
