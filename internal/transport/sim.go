// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/ventd/pkg/fanproto"
)

// rpmPerPercent is the simulated fan's speed gain.
const rpmPerPercent = 20

// Sim is an in-memory fan board. It answers commands the way real firmware
// does and keeps its port state across connections, so it can be unplugged
// and replugged. Every Sim method is safe for concurrent use.
type Sim struct {
	name string

	mu       sync.Mutex
	info     fanproto.BoardInfo
	firmware fanproto.FirmwareInfo
	ports    []fanproto.PortStatus
	conns    map[*simConn]struct{}

	unplugged bool
	delay     time.Duration
	silent    bool
	corrupt   bool
	staleNext bool
	reject    map[fanproto.Op]uint8

	writes   []fanproto.Command
	opens    int
	inflight int
	overlap  bool
}

// NewSim returns a simulated board that identifies as info.
func NewSim(name string, info fanproto.BoardInfo) *Sim {
	return &Sim{
		name:     name,
		info:     info,
		firmware: fanproto.FirmwareInfo{Version: "1.0.0", Build: "sim"},
		ports:    make([]fanproto.PortStatus, info.FanCount),
		conns:    make(map[*simConn]struct{}),
		reject:   make(map[fanproto.Op]uint8),
	}
}

// Open connects to the board. It fails while the board is unplugged.
func (s *Sim) Open(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unplugged {
		return nil, transportErr("open "+s.name, errors.New("no such device"))
	}
	c := &simConn{
		sim:     s,
		replies: make(chan simFrame, 32),
		closed:  make(chan struct{}),
	}
	s.conns[c] = struct{}{}
	s.opens++
	s.inflight = 0
	return c, nil
}

// Unplug drops every live connection and refuses new ones.
func (s *Sim) Unplug() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unplugged = true
	for c := range s.conns {
		c.shut()
		delete(s.conns, c)
	}
}

// Plug makes the board reachable again.
func (s *Sim) Plug() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unplugged = false
}

// PowerCycle clears the board's port state, as a firmware reset would.
func (s *Sim) PowerCycle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.ports {
		s.ports[i] = fanproto.PortStatus{}
	}
}

// SetDelay delays every reply by d.
func (s *Sim) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// SetSilent makes the board swallow commands without replying.
func (s *Sim) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// SetCorrupt makes the board damage the CRC of every reply.
func (s *Sim) SetCorrupt(corrupt bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt = corrupt
}

// SendStaleNext precedes the next reply with a reply carrying an old
// sequence number.
func (s *Sim) SendStaleNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleNext = true
}

// Reject makes the board answer op with an error code. Code 0 clears it.
func (s *Sim) Reject(op fanproto.Op, code uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code == 0 {
		delete(s.reject, op)
		return
	}
	s.reject[op] = code
}

// SetIdentity changes the hardware identity reported by the board.
func (s *Sim) SetIdentity(info fanproto.BoardInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
	if int(info.FanCount) != len(s.ports) {
		s.ports = make([]fanproto.PortStatus, info.FanCount)
	}
}

// Writes returns every command received so far.
func (s *Sim) Writes() []fanproto.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fanproto.Command(nil), s.writes...)
}

// WriteCount returns the number of commands received so far.
func (s *Sim) WriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

// ClearWrites forgets the command log.
func (s *Sim) ClearWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = nil
}

// Opens returns how many connections have been established.
func (s *Sim) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Overlapped reports whether a command ever arrived while the reply to the
// previous one was still unread.
func (s *Sim) Overlapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlap
}

// Port returns the board's current state of one port.
func (s *Sim) Port(port int) fanproto.PortStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports[port]
}

// String implements fmt.Stringer.
func (s *Sim) String() string {
	return "sim:" + s.name
}

type simFrame struct {
	wire  []byte
	stale bool
}

// handle applies cmd and returns the reply frames to emit.
func (s *Sim) handle(cmd fanproto.Command) ([]simFrame, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writes = append(s.writes, cmd)
	if s.inflight > 0 {
		s.overlap = true
	}
	if s.silent {
		return nil, 0
	}

	var out []simFrame
	if s.staleNext {
		s.staleNext = false
		stale, _ := fanproto.EncodeResponse(fanproto.Response{Seq: cmd.Seq - 1, Op: fanproto.OpSetAllDuty, Port: fanproto.PortAll})
		out = append(out, simFrame{wire: stale, stale: true})
	}

	wire := s.reply(cmd)
	if s.corrupt {
		// Drop the last CRC byte.
		wire = append(wire[:len(wire)-2], fanproto.EndByte)
	}
	out = append(out, simFrame{wire: wire})
	s.inflight++
	return out, s.delay
}

func (s *Sim) reply(cmd fanproto.Command) []byte {
	reject := func(code uint8) []byte {
		wire, _ := fanproto.EncodeError(cmd.Seq, &fanproto.BoardError{Op: cmd.Op, Port: cmd.Port, Code: code})
		return wire
	}

	if code, ok := s.reject[cmd.Op]; ok {
		return reject(code)
	}
	if cmd.Op.PerPort() && int(cmd.Port) >= len(s.ports) {
		return reject(fanproto.CodeInvalidPort)
	}

	resp := fanproto.Response{Seq: cmd.Seq, Op: cmd.Op, Port: cmd.Port}
	switch cmd.Op {
	case fanproto.OpReadAllStatus:
		resp.Status = append([]fanproto.PortStatus(nil), s.ports...)
	case fanproto.OpReadStatus:
		resp.Status = []fanproto.PortStatus{s.ports[cmd.Port]}
	case fanproto.OpSetDuty:
		s.ports[cmd.Port] = fanproto.PortStatus{Speed: cmd.Value * rpmPerPercent, Duty: cmd.Value}
		resp.Status = []fanproto.PortStatus{s.ports[cmd.Port]}
	case fanproto.OpSetAllDuty:
		for i := range s.ports {
			s.ports[i] = fanproto.PortStatus{Speed: cmd.Value * rpmPerPercent, Duty: cmd.Value}
		}
	case fanproto.OpSetTargetSpeed:
		s.ports[cmd.Port] = fanproto.PortStatus{Speed: cmd.Value, Duty: min(fanproto.MaxDuty, cmd.Value/rpmPerPercent)}
		resp.Status = []fanproto.PortStatus{s.ports[cmd.Port]}
	case fanproto.OpHardwareInfo:
		info := s.info
		resp.Board = &info
	case fanproto.OpFirmwareInfo:
		fw := s.firmware
		resp.Firmware = &fw
	}

	wire, err := fanproto.EncodeResponse(resp)
	if err != nil {
		return reject(fanproto.CodeInvalidCommand)
	}
	return wire
}

func (s *Sim) delivered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		s.inflight--
	}
}

func (s *Sim) forget(c *simConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

type simConn struct {
	sim     *Sim
	replies chan simFrame
	closed  chan struct{}
	once    sync.Once
}

func (c *simConn) shut() {
	c.once.Do(func() { close(c.closed) })
}

func (c *simConn) WriteFrame(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return transportErr("write "+c.sim.name, errors.New("device disconnected"))
	default:
	}

	cmd, err := fanproto.ParseCommand(frame)
	if err != nil {
		var ce *fanproto.CodecError
		if errors.As(err, &ce) {
			return nil
		}
		return err
	}

	out, delay := c.sim.handle(cmd)
	deliver := func() {
		for _, f := range out {
			select {
			case c.replies <- f:
			case <-c.closed:
				return
			}
		}
	}
	if delay > 0 {
		time.AfterFunc(delay, deliver)
	} else {
		deliver()
	}
	return nil
}

func (c *simConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.replies:
		if !f.stale {
			c.sim.delivered()
		}
		return f.wire, nil
	case <-c.closed:
		return nil, transportErr("read "+c.sim.name, errors.New("device disconnected"))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *simConn) Close() error {
	c.shut()
	c.sim.forget(c)
	return nil
}

func (c *simConn) String() string {
	return fmt.Sprintf("sim:%s", c.sim.name)
}
