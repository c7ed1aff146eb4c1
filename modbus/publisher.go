// Package modbus runs a Modbus TCP server exposing tag values as
// holding registers. This is a polling sink: Publish refreshes an
// in-memory register image and external masters read it with function
// codes 3 and 4.
//
// Register allocation per tag type:
//
//	float  2 registers (IEEE 754 big-endian float32)
//	int    1 register  (signed 16-bit, clamped)
//	bool   1 register  (0 or 1)
//	string 32 registers (two characters per register, zero padded)
package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"emberlink/config"
	"emberlink/logging"
	"emberlink/publisher"
	"emberlink/tagstore"
)

const (
	fcReadHolding = 0x03
	fcReadInput   = 0x04

	excIllegalFunction = 0x01
	excIllegalAddress  = 0x02
	excIllegalValue    = 0x03

	mbapHeaderLen = 7
	maxReadCount  = 125 // Per the Modbus spec for FC 3/4

	imageSize = 65536
)

func init() {
	publisher.RegisterKind(config.KindModbusTCP, New)
}

// Allocation records where one tag lives in the register image.
type Allocation struct {
	Start uint16
	Count uint16
	Type  tagstore.DataType
}

// Publisher is the Modbus TCP register server.
type Publisher struct {
	name  string
	cfg   config.ModbusOptions
	store *tagstore.Store

	listener net.Listener
	running  bool
	mu       sync.RWMutex
	wg       sync.WaitGroup
	stopChan chan struct{}

	// Register image served to masters. allocations is append-only;
	// tags keep their addresses for the life of the publisher.
	imageMu     sync.RWMutex
	image       []uint16
	allocations map[string]Allocation
	nextFree    uint16

	stats publisher.Stats
}

// New creates a Modbus TCP publisher from config.
func New(cfg config.PublisherConfig, deps publisher.Deps) (publisher.Publisher, error) {
	if cfg.Modbus == nil {
		return nil, fmt.Errorf("modbus publisher %q: missing modbus options", cfg.Name)
	}
	if cfg.Modbus.Listen == "" {
		return nil, fmt.Errorf("modbus publisher %q: missing listen address", cfg.Name)
	}
	return &Publisher{
		name:        cfg.Name,
		cfg:         *cfg.Modbus,
		store:       deps.Store,
		stopChan:    make(chan struct{}),
		image:       make([]uint16, imageSize),
		allocations: make(map[string]Allocation),
	}, nil
}

// Name returns the publisher's name.
func (p *Publisher) Name() string { return p.name }

// Kind returns "modbus_tcp".
func (p *Publisher) Kind() string { return config.KindModbusTCP }

// ListenAddr returns the bound address once started.
func (p *Publisher) ListenAddr() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// RegisterMap returns a copy of the current tag to register allocation.
func (p *Publisher) RegisterMap() map[string]Allocation {
	p.imageMu.RLock()
	defer p.imageMu.RUnlock()
	out := make(map[string]Allocation, len(p.allocations))
	for k, v := range p.allocations {
		out[k] = v
	}
	return out
}

// Start seeds the register image from the store and begins accepting
// connections.
func (p *Publisher) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}

	ln, err := net.Listen("tcp", p.cfg.Listen)
	if err != nil {
		p.mu.Unlock()
		logging.DebugConnectError("modbus", p.cfg.Listen, err)
		return fmt.Errorf("modbus listen %s: %w", p.cfg.Listen, err)
	}
	p.listener = ln
	p.running = true
	p.stopChan = make(chan struct{})
	p.mu.Unlock()

	// Allocate in store order so register addresses are predictable
	if p.store != nil {
		for _, t := range p.store.List() {
			p.updateImage(t.Name, string(t.Type), t.Value)
		}
	}

	p.stats.SetConnected(true)
	logging.DebugLog("modbus", "%s: listening on %s (%d registers allocated)",
		p.name, p.cfg.Listen, p.allocatedCount())

	p.wg.Add(1)
	go p.acceptLoop()
	return nil
}

func (p *Publisher) allocatedCount() uint16 {
	p.imageMu.RLock()
	defer p.imageMu.RUnlock()
	return p.nextFree
}

// Stop closes the listener and waits for connection handlers.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.listener.Close()
	p.listener = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("modbus", "%s: timeout waiting for connections to close", p.name)
	}

	p.stats.SetConnected(false)
}

// Publish refreshes the register image for one tag.
func (p *Publisher) Publish(ev publisher.Event) {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()
	if !running {
		return
	}

	if err := p.updateImage(ev.Tag, ev.Type, ev.Value); err != nil {
		p.stats.CountError(err)
		return
	}
	p.stats.CountSent()
}

// Health returns the publisher's runtime state.
func (p *Publisher) Health() publisher.Health {
	return p.stats.Snapshot(p.name, config.KindModbusTCP)
}

// registerCount returns how many registers a tag type occupies.
func registerCount(dt tagstore.DataType) uint16 {
	switch dt {
	case tagstore.TypeFloat:
		return 2
	case tagstore.TypeString:
		return 32
	default:
		return 1
	}
}

// updateImage allocates registers for the tag if needed and writes the
// encoded value.
func (p *Publisher) updateImage(tag, typeName string, value interface{}) error {
	dt, err := tagstore.ParseDataType(typeName)
	if err != nil {
		return fmt.Errorf("tag %s: %w", tag, err)
	}

	p.imageMu.Lock()
	defer p.imageMu.Unlock()

	alloc, ok := p.allocations[tag]
	if !ok {
		count := registerCount(dt)
		if int(p.nextFree)+int(count) > imageSize {
			return fmt.Errorf("tag %s: register image full", tag)
		}
		alloc = Allocation{Start: p.nextFree, Count: count, Type: dt}
		p.allocations[tag] = alloc
		p.nextFree += count
		logging.DebugLog("modbus", "%s: allocated registers %d-%d for %s (%s)",
			p.name, alloc.Start, alloc.Start+count-1, tag, dt)
	}

	regs, err := encodeValue(value, alloc.Type)
	if err != nil {
		return fmt.Errorf("tag %s: %w", tag, err)
	}
	copy(p.image[alloc.Start:], regs)
	return nil
}

// encodeValue converts a tag value into big-endian 16-bit registers.
func encodeValue(value interface{}, dt tagstore.DataType) ([]uint16, error) {
	v, err := tagstore.Coerce(value, dt)
	if err != nil {
		return nil, err
	}

	switch dt {
	case tagstore.TypeFloat:
		bits := math.Float32bits(float32(v.(float64)))
		return []uint16{uint16(bits >> 16), uint16(bits & 0xFFFF)}, nil

	case tagstore.TypeInt:
		n := v.(int64)
		if n > math.MaxInt16 {
			n = math.MaxInt16
		} else if n < math.MinInt16 {
			n = math.MinInt16
		}
		return []uint16{uint16(int16(n))}, nil

	case tagstore.TypeBool:
		if v.(bool) {
			return []uint16{1}, nil
		}
		return []uint16{0}, nil

	case tagstore.TypeString:
		s := v.(string)
		if len(s) > 64 {
			s = s[:64]
		}
		regs := make([]uint16, 32)
		for i := 0; i < len(s); i += 2 {
			hi := uint16(s[i]) << 8
			var lo uint16
			if i+1 < len(s) {
				lo = uint16(s[i+1])
			}
			regs[i/2] = hi | lo
		}
		return regs, nil
	}
	return nil, fmt.Errorf("unsupported type %s", dt)
}

func (p *Publisher) acceptLoop() {
	defer p.wg.Done()

	for {
		p.mu.RLock()
		ln := p.listener
		p.mu.RUnlock()
		if ln == nil {
			return
		}

		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-p.stopChan:
				return
			default:
				logging.DebugLog("modbus", "%s: accept error: %v", p.name, err)
				continue
			}
		}

		logging.DebugLog("modbus", "%s: master connected: %s", p.name, conn.RemoteAddr())

		p.wg.Add(1)
		go p.handleConn(conn)
	}
}

// handleConn serves MBAP request/response frames on one connection.
func (p *Publisher) handleConn(conn net.Conn) {
	defer p.wg.Done()
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-p.stopChan:
			conn.Close()
		case <-done:
		}
	}()

	header := make([]byte, mbapHeaderLen)
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		txnID := binary.BigEndian.Uint16(header[0:2])
		protoID := binary.BigEndian.Uint16(header[2:4])
		length := binary.BigEndian.Uint16(header[4:6])
		unitID := header[6]

		// length counts the unit id byte plus the PDU
		if protoID != 0 || length < 2 || length > 260 {
			logging.DebugLog("modbus", "%s: bad MBAP header from %s (proto=%d len=%d)",
				p.name, conn.RemoteAddr(), protoID, length)
			return
		}

		pdu := make([]byte, length-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}
		logging.DebugRX("modbus", append(header[:7:7], pdu...))

		if p.cfg.UnitID != 0 && unitID != p.cfg.UnitID {
			// Request addressed to a different unit, ignore it
			continue
		}

		resp := p.handleRequest(pdu)
		frame := make([]byte, mbapHeaderLen+len(resp))
		binary.BigEndian.PutUint16(frame[0:2], txnID)
		binary.BigEndian.PutUint16(frame[2:4], 0)
		binary.BigEndian.PutUint16(frame[4:6], uint16(len(resp)+1))
		frame[6] = unitID
		copy(frame[mbapHeaderLen:], resp)

		logging.DebugTX("modbus", frame)
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Write(frame); err != nil {
			return
		}
	}
}

// handleRequest processes one PDU and returns the response PDU.
func (p *Publisher) handleRequest(pdu []byte) []byte {
	if len(pdu) == 0 {
		return nil
	}
	fc := pdu[0]

	switch fc {
	case fcReadHolding, fcReadInput:
		if len(pdu) != 5 {
			p.stats.CountError(fmt.Errorf("malformed read request (%d bytes)", len(pdu)))
			return exception(fc, excIllegalValue)
		}
		start := binary.BigEndian.Uint16(pdu[1:3])
		count := binary.BigEndian.Uint16(pdu[3:5])
		return p.readRegisters(fc, start, count)

	default:
		p.stats.CountError(fmt.Errorf("unsupported function code 0x%02X", fc))
		return exception(fc, excIllegalFunction)
	}
}

// readRegisters serves FC 3/4 from the register image. Both function
// codes read the same image.
func (p *Publisher) readRegisters(fc byte, start, count uint16) []byte {
	if count == 0 || count > maxReadCount {
		return exception(fc, excIllegalValue)
	}
	if int(start)+int(count) > imageSize {
		return exception(fc, excIllegalAddress)
	}

	resp := make([]byte, 2+count*2)
	resp[0] = fc
	resp[1] = byte(count * 2)

	p.imageMu.RLock()
	for i := uint16(0); i < count; i++ {
		binary.BigEndian.PutUint16(resp[2+i*2:], p.image[start+i])
	}
	p.imageMu.RUnlock()

	return resp
}

func exception(fc, code byte) []byte {
	return []byte{fc | 0x80, code}
}
