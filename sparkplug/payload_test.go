package sparkplug

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func TestMetricForValue(t *testing.T) {
	ts := time.Now()
	tests := []struct {
		name     string
		value    interface{}
		dataType uint32
	}{
		{"int", int64(42), DataTypeInt64},
		{"float", 21.5, DataTypeDouble},
		{"bool", true, DataTypeBoolean},
		{"string", "Running", DataTypeString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := MetricForValue("Tag", tt.value, ts)
			if err != nil {
				t.Fatalf("MetricForValue: %v", err)
			}
			if m.DataType != tt.dataType {
				t.Errorf("datatype %d, want %d", m.DataType, tt.dataType)
			}
		})
	}

	t.Run("unsupported type rejected", func(t *testing.T) {
		if _, err := MetricForValue("Tag", []int{1}, ts); err == nil {
			t.Error("expected error for slice value")
		}
	})
}

func TestVarintEncoding(t *testing.T) {
	tests := []struct {
		in   uint64
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x01}},
		{300, []byte{0xAC, 0x02}},
	}
	for _, tt := range tests {
		if got := appendVarint(nil, tt.in); !bytes.Equal(got, tt.want) {
			t.Errorf("varint(%d) = % X, want % X", tt.in, got, tt.want)
		}
	}
}

func TestMetricGoldenBytes(t *testing.T) {
	t.Run("int64 metric", func(t *testing.T) {
		m := Metric{
			Name:     "Counter",
			DataType: DataTypeInt64,
			Value:    int64(7),
		}
		want := []byte{
			0x0A, 0x07, 'C', 'o', 'u', 'n', 't', 'e', 'r', // field 1 string "Counter"
			0x20, 0x04, // field 4 varint datatype=4
			0x58, 0x07, // field 11 varint long_value=7
		}
		if got := m.encode(); !bytes.Equal(got, want) {
			t.Errorf("encode = % X, want % X", got, want)
		}
	})

	t.Run("bool metric", func(t *testing.T) {
		m := Metric{
			Name:     "On",
			DataType: DataTypeBoolean,
			Value:    true,
		}
		want := []byte{
			0x0A, 0x02, 'O', 'n',
			0x20, 0x0B, // datatype=11
			0x70, 0x01, // field 14 varint boolean_value=1
		}
		if got := m.encode(); !bytes.Equal(got, want) {
			t.Errorf("encode = % X, want % X", got, want)
		}
	})

	t.Run("double metric", func(t *testing.T) {
		m := Metric{
			Name:     "T",
			DataType: DataTypeDouble,
			Value:    21.5,
		}
		got := m.encode()
		// field 13 fixed64 tag is (13<<3)|1 = 0x69
		idx := bytes.IndexByte(got, 0x69)
		if idx < 0 || len(got) < idx+9 {
			t.Fatalf("no fixed64 double field in % X", got)
		}
		bits := binary.LittleEndian.Uint64(got[idx+1 : idx+9])
		if v := math.Float64frombits(bits); v != 21.5 {
			t.Errorf("double value %v, want 21.5", v)
		}
	})

	t.Run("string metric", func(t *testing.T) {
		m := Metric{
			Name:     "S",
			DataType: DataTypeString,
			Value:    "Run",
		}
		want := []byte{
			0x0A, 0x01, 'S',
			0x20, 0x0C, // datatype=12
			0x7A, 0x03, 'R', 'u', 'n', // field 15 string
		}
		if got := m.encode(); !bytes.Equal(got, want) {
			t.Errorf("encode = % X, want % X", got, want)
		}
	})
}

func TestPayloadGoldenBytes(t *testing.T) {
	ts := time.UnixMilli(1700000000000)
	p := Payload{
		Timestamp: ts,
		Metrics: []Metric{{
			Name:     "bdSeq",
			DataType: DataTypeInt64,
			Value:    uint64(0),
		}},
		Seq:    0,
		HasSeq: true,
	}

	got := p.Encode()

	// field 1 varint timestamp
	wantPrefix := appendVarintField(nil, 1, uint64(ts.UnixMilli()))
	if !bytes.HasPrefix(got, wantPrefix) {
		t.Errorf("payload prefix % X, want % X", got[:len(wantPrefix)], wantPrefix)
	}

	// field 3 varint seq=0 at the tail (tag 0x18, value 0x00)
	if !bytes.HasSuffix(got, []byte{0x18, 0x00}) {
		t.Errorf("payload % X should end with seq field 18 00", got)
	}

	// field 2 length-delimited metric present
	if !bytes.Contains(got, []byte{0x12}) {
		t.Errorf("payload % X missing metrics field", got)
	}
}

func TestPayloadSeqZeroStillEncoded(t *testing.T) {
	with := Payload{Seq: 0, HasSeq: true}.Encode()
	without := Payload{}.Encode()
	if bytes.Equal(with, without) {
		t.Error("seq=0 must be encoded explicitly when HasSeq is set")
	}
}
