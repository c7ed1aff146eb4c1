package sparkplug

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Sparkplug B metric datatype codes.
const (
	DataTypeInt64   = 4
	DataTypeDouble  = 10
	DataTypeBoolean = 11
	DataTypeString  = 12
)

// Metric is one named value inside a payload.
type Metric struct {
	Name      string
	Timestamp time.Time
	DataType  uint32
	Value     interface{}
}

// Payload is the Sparkplug B message body. It is encoded into the
// standard protobuf wire format by Encode.
//
//	field 1  timestamp (varint, ms since epoch)
//	field 2  metrics (length-delimited, repeated)
//	field 3  seq (varint)
type Payload struct {
	Timestamp time.Time
	Metrics   []Metric
	Seq       uint64
	HasSeq    bool
}

// MetricForValue builds a metric from one of the canonical tag value
// types.
func MetricForValue(name string, value interface{}, ts time.Time) (Metric, error) {
	m := Metric{Name: name, Timestamp: ts}
	switch value.(type) {
	case int64:
		m.DataType = DataTypeInt64
	case float64:
		m.DataType = DataTypeDouble
	case bool:
		m.DataType = DataTypeBoolean
	case string:
		m.DataType = DataTypeString
	default:
		return Metric{}, fmt.Errorf("unsupported metric value type %T", value)
	}
	m.Value = value
	return m, nil
}

// Encode serializes the payload to protobuf bytes.
func (p Payload) Encode() []byte {
	var buf []byte
	if !p.Timestamp.IsZero() {
		buf = appendVarintField(buf, 1, uint64(p.Timestamp.UnixMilli()))
	}
	for _, m := range p.Metrics {
		buf = appendBytesField(buf, 2, m.encode())
	}
	if p.HasSeq {
		buf = appendVarintField(buf, 3, p.Seq)
	}
	return buf
}

// encode serializes one metric.
//
//	field 1  name (string)
//	field 3  timestamp (varint, ms)
//	field 4  datatype (varint)
//	field 11 long_value (varint)
//	field 13 double_value (fixed64)
//	field 14 boolean_value (varint)
//	field 15 string_value (string)
func (m Metric) encode() []byte {
	var buf []byte
	if m.Name != "" {
		buf = appendStringField(buf, 1, m.Name)
	}
	if !m.Timestamp.IsZero() {
		buf = appendVarintField(buf, 3, uint64(m.Timestamp.UnixMilli()))
	}
	buf = appendVarintField(buf, 4, uint64(m.DataType))

	switch v := m.Value.(type) {
	case int64:
		buf = appendVarintField(buf, 11, uint64(v))
	case uint64:
		buf = appendVarintField(buf, 11, v)
	case float64:
		buf = appendTag(buf, 13, wireFixed64)
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	case bool:
		var b uint64
		if v {
			b = 1
		}
		buf = appendVarintField(buf, 14, b)
	case string:
		buf = appendStringField(buf, 15, v)
	}
	return buf
}

const (
	wireVarint  = 0
	wireFixed64 = 1
	wireBytes   = 2
)

func appendTag(buf []byte, field int, wire int) []byte {
	return appendVarint(buf, uint64(field)<<3|uint64(wire))
}

func appendVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func appendVarintField(buf []byte, field int, v uint64) []byte {
	buf = appendTag(buf, field, wireVarint)
	return appendVarint(buf, v)
}

func appendBytesField(buf []byte, field int, data []byte) []byte {
	buf = appendTag(buf, field, wireBytes)
	buf = appendVarint(buf, uint64(len(data)))
	return append(buf, data...)
}

func appendStringField(buf []byte, field int, s string) []byte {
	buf = appendTag(buf, field, wireBytes)
	buf = appendVarint(buf, uint64(len(s)))
	return append(buf, s...)
}
