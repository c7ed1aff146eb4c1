package modbus

import (
	"encoding/binary"
	"io"
	"math"
	"net"
	"runtime"
	"testing"
	"time"

	"emberlink/config"
	"emberlink/publisher"
	"emberlink/tagstore"
)

func testConfig() config.PublisherConfig {
	return config.PublisherConfig{
		Name:   "test",
		Kind:   config.KindModbusTCP,
		Modbus: &config.ModbusOptions{Listen: "127.0.0.1:0"},
	}
}

func TestNew(t *testing.T) {
	t.Run("missing options rejected", func(t *testing.T) {
		_, err := New(config.PublisherConfig{Name: "x", Kind: config.KindModbusTCP}, publisher.Deps{})
		if err == nil {
			t.Error("expected error for missing modbus options")
		}
	})

	t.Run("missing listen rejected", func(t *testing.T) {
		cfg := testConfig()
		cfg.Modbus.Listen = ""
		_, err := New(cfg, publisher.Deps{})
		if err == nil {
			t.Error("expected error for missing listen address")
		}
	})
}

func TestEncodeValue(t *testing.T) {
	t.Run("float spans two registers", func(t *testing.T) {
		regs, err := encodeValue(101.3, tagstore.TypeFloat)
		if err != nil {
			t.Fatalf("encode error: %v", err)
		}
		if len(regs) != 2 {
			t.Fatalf("expected 2 registers, got %d", len(regs))
		}
		bits := uint32(regs[0])<<16 | uint32(regs[1])
		got := math.Float32frombits(bits)
		if math.Abs(float64(got)-101.3) > 0.001 {
			t.Errorf("round trip gave %v, want 101.3", got)
		}
	})

	t.Run("int clamps to int16", func(t *testing.T) {
		tests := []struct {
			in   interface{}
			want uint16
		}{
			{100, 100},
			{-1, 0xFFFF},
			{100000, 0x7FFF},
			{-100000, 0x8000},
		}
		for _, tt := range tests {
			regs, err := encodeValue(tt.in, tagstore.TypeInt)
			if err != nil {
				t.Fatalf("encode %v: %v", tt.in, err)
			}
			if regs[0] != tt.want {
				t.Errorf("encode %v = 0x%04X, want 0x%04X", tt.in, regs[0], tt.want)
			}
		}
	})

	t.Run("bool", func(t *testing.T) {
		regs, _ := encodeValue(true, tagstore.TypeBool)
		if regs[0] != 1 {
			t.Errorf("true should encode as 1, got %d", regs[0])
		}
		regs, _ = encodeValue(false, tagstore.TypeBool)
		if regs[0] != 0 {
			t.Errorf("false should encode as 0, got %d", regs[0])
		}
	})

	t.Run("string packs two chars per register", func(t *testing.T) {
		regs, err := encodeValue("Run", tagstore.TypeString)
		if err != nil {
			t.Fatalf("encode error: %v", err)
		}
		if len(regs) != 32 {
			t.Fatalf("expected 32 registers, got %d", len(regs))
		}
		if regs[0] != uint16('R')<<8|uint16('u') {
			t.Errorf("first register 0x%04X, want 'Ru'", regs[0])
		}
		if regs[1] != uint16('n')<<8 {
			t.Errorf("second register 0x%04X, want 'n\\0'", regs[1])
		}
		if regs[2] != 0 {
			t.Errorf("padding register should be 0, got 0x%04X", regs[2])
		}
	})
}

func startServer(t *testing.T, store *tagstore.Store) *Publisher {
	t.Helper()
	pub, err := New(testConfig(), publisher.Deps{Store: store})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	p := pub.(*Publisher)
	if err := p.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

// readHolding issues one FC 3 request and returns the raw response PDU.
func readHolding(t *testing.T, conn net.Conn, start, count uint16) []byte {
	t.Helper()

	req := make([]byte, 12)
	binary.BigEndian.PutUint16(req[0:2], 1) // transaction id
	binary.BigEndian.PutUint16(req[4:6], 6) // length
	req[6] = 1                              // unit id
	req[7] = 0x03
	binary.BigEndian.PutUint16(req[8:10], start)
	binary.BigEndian.PutUint16(req[10:12], count)

	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	header := make([]byte, 7)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	length := binary.BigEndian.Uint16(header[4:6])
	pdu := make([]byte, length-1)
	if _, err := io.ReadFull(conn, pdu); err != nil {
		t.Fatalf("read pdu: %v", err)
	}
	return pdu
}

func TestRegisterAllocationOrder(t *testing.T) {
	store := tagstore.New()
	store.Create(tagstore.Tag{Name: "Temperature", Type: tagstore.TypeFloat, Value: 21.5})
	store.Create(tagstore.Tag{Name: "Counter", Type: tagstore.TypeInt, Value: 7})
	store.Create(tagstore.Tag{Name: "IsRunning", Type: tagstore.TypeBool, Value: true})
	store.Create(tagstore.Tag{Name: "Status", Type: tagstore.TypeString, Value: "Running"})

	p := startServer(t, store)

	m := p.RegisterMap()
	want := map[string]Allocation{
		"Temperature": {Start: 0, Count: 2, Type: tagstore.TypeFloat},
		"Counter":     {Start: 2, Count: 1, Type: tagstore.TypeInt},
		"IsRunning":   {Start: 3, Count: 1, Type: tagstore.TypeBool},
		"Status":      {Start: 4, Count: 32, Type: tagstore.TypeString},
	}
	for name, alloc := range want {
		got, ok := m[name]
		if !ok {
			t.Fatalf("tag %s not allocated", name)
		}
		if got != alloc {
			t.Errorf("tag %s allocated %+v, want %+v", name, got, alloc)
		}
	}
}

func TestReadRegistersOverTCP(t *testing.T) {
	store := tagstore.New()
	store.Create(tagstore.Tag{Name: "Temperature", Type: tagstore.TypeFloat, Value: 21.5})
	store.Create(tagstore.Tag{Name: "Counter", Type: tagstore.TypeInt, Value: 42})

	p := startServer(t, store)

	conn, err := net.Dial("tcp", p.ListenAddr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	t.Run("float value", func(t *testing.T) {
		pdu := readHolding(t, conn, 0, 2)
		if pdu[0] != 0x03 || pdu[1] != 4 {
			t.Fatalf("unexpected response header: % X", pdu[:2])
		}
		bits := binary.BigEndian.Uint32(pdu[2:6])
		if got := math.Float32frombits(bits); got != 21.5 {
			t.Errorf("read %v, want 21.5", got)
		}
	})

	t.Run("int value", func(t *testing.T) {
		pdu := readHolding(t, conn, 2, 1)
		if got := binary.BigEndian.Uint16(pdu[2:4]); got != 42 {
			t.Errorf("read %d, want 42", got)
		}
	})

	t.Run("publish refreshes image", func(t *testing.T) {
		p.Publish(publisher.Event{Tag: "Counter", Type: "int", Value: int64(43), Timestamp: time.Now()})
		pdu := readHolding(t, conn, 2, 1)
		if got := binary.BigEndian.Uint16(pdu[2:4]); got != 43 {
			t.Errorf("read %d after publish, want 43", got)
		}
	})

	t.Run("illegal address exception", func(t *testing.T) {
		pdu := readHolding(t, conn, 65535, 2)
		if pdu[0] != 0x83 || pdu[1] != excIllegalAddress {
			t.Errorf("expected illegal address exception, got % X", pdu)
		}
	})

	t.Run("zero count exception", func(t *testing.T) {
		pdu := readHolding(t, conn, 0, 0)
		if pdu[0] != 0x83 || pdu[1] != excIllegalValue {
			t.Errorf("expected illegal value exception, got % X", pdu)
		}
	})
}

func TestClosedConnectionsReleaseGoroutines(t *testing.T) {
	store := tagstore.New()
	store.Create(tagstore.Tag{Name: "Counter", Type: tagstore.TypeInt, Value: 7})
	p := startServer(t, store)

	// Let earlier test goroutines settle before taking the baseline
	time.Sleep(50 * time.Millisecond)
	before := runtime.NumGoroutine()

	for i := 0; i < 20; i++ {
		conn, err := net.Dial("tcp", p.ListenAddr())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		readHolding(t, conn, 0, 1)
		conn.Close()
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before+2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("goroutines leaked per connection: before=%d after=%d", before, runtime.NumGoroutine())
}

func TestUnsupportedFunctionCode(t *testing.T) {
	p := startServer(t, tagstore.New())

	conn, err := net.Dial("tcp", p.ListenAddr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// FC 6 write single register
	req := make([]byte, 12)
	binary.BigEndian.PutUint16(req[0:2], 9)
	binary.BigEndian.PutUint16(req[4:6], 6)
	req[6] = 1
	req[7] = 0x06
	binary.BigEndian.PutUint16(req[8:10], 0)
	binary.BigEndian.PutUint16(req[10:12], 123)

	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	header := make([]byte, 7)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	pdu := make([]byte, binary.BigEndian.Uint16(header[4:6])-1)
	if _, err := io.ReadFull(conn, pdu); err != nil {
		t.Fatalf("read pdu: %v", err)
	}

	if pdu[0] != 0x86 || pdu[1] != excIllegalFunction {
		t.Errorf("expected illegal function exception, got % X", pdu)
	}

	if h := p.Health(); h.Errors == 0 {
		t.Error("unsupported function should count an error")
	}
}

func TestPublishUnknownTypeCountsError(t *testing.T) {
	p := startServer(t, tagstore.New())
	p.Publish(publisher.Event{Tag: "X", Type: "blob", Value: 1, Timestamp: time.Now()})
	if h := p.Health(); h.Errors != 1 {
		t.Errorf("expected 1 error, got %d", h.Errors)
	}
}
