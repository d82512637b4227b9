// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package supervisor owns the connection lifecycle of one controller:
// connecting, heartbeating, detecting link loss, reconnecting with backoff
// and restoring the commanded port state after a reconnect.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Thermoquad/ventd/internal/board"
	"github.com/Thermoquad/ventd/internal/fault"
	"github.com/Thermoquad/ventd/internal/logfields"
	"github.com/Thermoquad/ventd/internal/metrics"
	"github.com/Thermoquad/ventd/internal/session"
	"github.com/Thermoquad/ventd/internal/transport"
	"github.com/Thermoquad/ventd/pkg/fanproto"
)

// DefaultHeartbeat is the liveness probe interval while connected.
const DefaultHeartbeat = 10 * time.Second

// Config describes one supervised controller.
type Config struct {
	ID        string
	Board     board.Descriptor
	Open      transport.Opener
	Backoff   Backoff
	Heartbeat time.Duration // 0 disables heartbeating
	Timeout   time.Duration // per-command reply deadline
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Metrics   metrics.Recorder

	// OnTransition, when set, is called after every state change.
	OnTransition func(from, to State)
}

// Status is a snapshot of a controller's connection.
type Status struct {
	ID             string
	Board          string
	State          State
	Since          time.Time
	LastError      error
	Attempt        int // current retry attempt, 0 when not retrying
	Reconnects     int // link losses since start
	LastDisconnect time.Time
	Transport      string
	Firmware       string
}

// Supervisor drives one controller through its connection states. Only the
// supervisor changes its state.
type Supervisor struct {
	cfg   Config
	clock clockwork.Clock
	log   *slog.Logger
	rec   metrics.Recorder

	// gate admits commands (read lock) and excludes them while the desired
	// state is replayed or the safe state applied (write lock).
	gate sync.RWMutex

	mu             sync.Mutex
	state          State
	since          time.Time
	sess           *session.Session
	desired        []PortState
	telemetry      []fanproto.PortStatus
	lastErr        error
	attempt        int
	reconnects     int
	lastDisconnect time.Time
	firmware       string
	closed         bool
	started        bool
	cancel         context.CancelFunc

	kick chan struct{}
	lost chan error
	done chan struct{}
}

// New builds a supervisor in the Disconnected state. It does nothing until
// Run is called.
func New(cfg Config) (*Supervisor, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: empty controller id", fault.ErrValidation)
	}
	if cfg.Open == nil {
		return nil, fmt.Errorf("%w: controller %s has no transport", fault.ErrValidation, cfg.ID)
	}
	if cfg.Board.FanCount < 1 || cfg.Board.FanCount > board.MaxFans {
		return nil, fmt.Errorf("%w: controller %s fan count %d", fault.ErrValidation, cfg.ID, cfg.Board.FanCount)
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if err := cfg.Backoff.Validate(); err != nil {
		return nil, fmt.Errorf("%w: controller %s backoff: %v", fault.ErrValidation, cfg.ID, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Board.Timeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Supervisor{
		cfg:       cfg,
		clock:     cfg.Clock,
		log:       cfg.Logger.With(logfields.Controller(cfg.ID)),
		rec:       metrics.OrNoop(cfg.Metrics),
		state:     Disconnected,
		since:     cfg.Clock.Now(),
		desired:   make([]PortState, cfg.Board.FanCount),
		telemetry: make([]fanproto.PortStatus, cfg.Board.FanCount),
		kick:      make(chan struct{}, 1),
		lost:      make(chan error, 1),
		done:      make(chan struct{}),
	}
	s.rec.SetConnectionState(cfg.ID, Disconnected.String())
	return s, nil
}

// ID returns the controller id.
func (s *Supervisor) ID() string { return s.cfg.ID }

// Board returns the controller's board descriptor.
func (s *Supervisor) Board() board.Descriptor { return s.cfg.Board }

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the connection.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:             s.cfg.ID,
		Board:          s.cfg.Board.String(),
		State:          s.state,
		Since:          s.since,
		LastError:      s.lastErr,
		Attempt:        s.attempt,
		Reconnects:     s.reconnects,
		LastDisconnect: s.lastDisconnect,
		Firmware:       s.firmware,
	}
	if s.sess != nil {
		st.Transport = s.sess.Transport()
	}
	return st
}

// Desired returns a copy of the desired state vector.
func (s *Supervisor) Desired() []PortState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PortState(nil), s.desired...)
}

// Telemetry returns the last observed status of every port.
func (s *Supervisor) Telemetry() []fanproto.PortStatus {
	s.mu.Lock()
	sess := s.sess
	cached := append([]fanproto.PortStatus(nil), s.telemetry...)
	s.mu.Unlock()
	if sess != nil {
		return sess.Telemetry()
	}
	return cached
}

// Run drives the state machine until ctx is canceled or Shutdown is called.
// It must be called exactly once.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	defer close(s.done)

	s.connect(ctx)
	for ctx.Err() == nil {
		switch s.State() {
		case Connected:
			s.monitor(ctx)
		case Reconnecting:
			s.retry(ctx)
		case Connecting:
			s.connect(ctx)
		default:
			select {
			case <-s.kick:
				s.connect(ctx)
			case <-ctx.Done():
			}
		}
	}
}

// Reconnect forces a fresh connection attempt, skipping any pending backoff
// wait. A connected controller drops its link and reconnects.
func (s *Supervisor) Reconnect() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("controller %s: %w", s.cfg.ID, fault.ErrClosed)
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return nil
}

// Send forwards cmd to the board if the controller is connected. Successful
// writes update the desired state vector before Send returns; link-level
// failures hand the controller to the reconnect loop. Board rejections are
// returned unchanged and do not affect the connection.
func (s *Supervisor) Send(ctx context.Context, cmd fanproto.Command) (fanproto.Response, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	s.mu.Lock()
	state, sess, closed := s.state, s.sess, s.closed
	s.mu.Unlock()

	if closed {
		return fanproto.Response{}, fmt.Errorf("controller %s: %w", s.cfg.ID, fault.ErrUnavailable)
	}
	if state != Connected || sess == nil {
		return fanproto.Response{}, fmt.Errorf("controller %s is %s: %w", s.cfg.ID, state, fault.ErrUnavailable)
	}

	resp, err := sess.Send(ctx, cmd)
	if err != nil {
		if fault.Transient(err) {
			s.linkLost(sess, err)
		}
		return resp, err
	}
	s.applyDesired(cmd)
	return resp, nil
}

func (s *Supervisor) applyDesired(cmd fanproto.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cmd.Op.PerPort() && int(cmd.Port) >= len(s.desired) {
		return
	}
	switch cmd.Op {
	case fanproto.OpSetDuty:
		s.desired[cmd.Port] = PortState{Mode: ModeDuty, Value: cmd.Value}
	case fanproto.OpSetTargetSpeed:
		s.desired[cmd.Port] = PortState{Mode: ModeSpeed, Value: cmd.Value}
	case fanproto.OpSetAllDuty:
		for i := range s.desired {
			s.desired[i] = PortState{Mode: ModeDuty, Value: cmd.Value}
		}
	}
}

func (s *Supervisor) linkLost(sess *session.Session, err error) {
	s.mu.Lock()
	current := s.sess == sess && s.state == Connected
	s.mu.Unlock()
	if !current {
		return
	}
	select {
	case s.lost <- err:
	default:
	}
}

// Shutdown stops the supervisor. It waits for in-flight commands, applies
// safe to the board when connected, closes the transport and leaves the
// controller Disconnected. A nil or empty safe skips the safe state.
func (s *Supervisor) Shutdown(ctx context.Context, safe []PortState) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started, cancel := s.started, s.cancel
	s.mu.Unlock()

	if started {
		cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	s.mu.Lock()
	sess, state := s.sess, s.state
	s.mu.Unlock()

	var err error
	if state == Connected && sess != nil && len(safe) > 0 {
		s.log.Info("Applying safe state")
		err = s.applyStates(ctx, sess, safe)
		if err != nil {
			s.log.Warn("Safe state not fully applied", logfields.Error(err))
		}
	}
	s.dropSession()
	if state != Disconnected {
		s.transition(Disconnected)
	}
	return err
}

// connect makes a first attempt from Disconnected, Failed or a forced
// reconnect.
func (s *Supervisor) connect(ctx context.Context) {
	select {
	case <-s.kick:
	default:
	}
	if ctx.Err() != nil {
		return
	}

	if s.State() != Connecting {
		s.transition(Connecting)
	}
	s.setAttempt(0)

	err := s.establish(ctx)
	switch {
	case err == nil:
	case ctx.Err() != nil:
	case errors.Is(err, fault.ErrConfigMismatch):
		s.log.Error("Board does not match configuration", logfields.Error(err))
		s.transition(Disconnected)
	default:
		s.log.Warn("Connection attempt failed", logfields.Error(err))
		s.fallBack()
	}
}

// fallBack moves to Reconnecting from whichever of Connecting or Connected
// a failed establish left the controller in.
func (s *Supervisor) fallBack() {
	if s.State() == Connected {
		s.dropSession()
	}
	s.transition(Reconnecting)
}

// retry runs the backoff loop while Reconnecting.
func (s *Supervisor) retry(ctx context.Context) {
	for ctx.Err() == nil {
		attempt := s.nextAttempt()
		if s.cfg.Backoff.Exhausted(attempt) {
			s.log.Error("Reconnect attempts exhausted", logfields.Attempt(attempt-1))
			s.setAttempt(0)
			s.transition(Failed)
			return
		}

		delay := s.cfg.Backoff.Delay(attempt)
		s.log.Info("Reconnecting", logfields.Attempt(attempt), logfields.Delay(delay))

		timer := s.clock.NewTimer(delay)
		select {
		case <-timer.Chan():
		case <-s.kick:
			timer.Stop()
			s.transition(Connecting)
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}

		s.rec.IncReconnectAttempt(s.cfg.ID)
		err := s.establish(ctx)
		switch {
		case err == nil:
			return
		case ctx.Err() != nil:
			return
		case errors.Is(err, fault.ErrConfigMismatch):
			s.log.Error("Board does not match configuration", logfields.Error(err))
			s.setAttempt(0)
			s.transition(Disconnected)
			return
		}
		s.log.Warn("Reconnect attempt failed", logfields.Attempt(attempt), logfields.Error(err))
		if s.State() == Connected {
			// Replay failed after the handshake.
			s.fallBack()
		}
	}
}

// monitor heartbeats a connected board until the link is lost, a reconnect
// is forced or ctx ends.
func (s *Supervisor) monitor(ctx context.Context) {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()

	var tick <-chan time.Time
	if s.cfg.Heartbeat > 0 {
		ticker := s.clock.NewTicker(s.cfg.Heartbeat)
		defer ticker.Stop()
		tick = ticker.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			s.log.Info("Reconnect requested")
			s.dropSession()
			s.transition(Connecting)
			return
		case err := <-s.lost:
			s.lose(err)
			return
		case <-tick:
			// One command may hold the wire for a full timeout before the
			// heartbeat gets its own.
			hbCtx, cancel := context.WithTimeout(ctx, 2*s.cfg.Timeout)
			err := sess.IsAlive(hbCtx)
			cancel()
			if err == nil || ctx.Err() != nil {
				continue
			}
			if fault.Transient(err) || errors.Is(err, context.DeadlineExceeded) {
				s.log.Warn("Heartbeat failed", logfields.Error(err))
				s.lose(err)
				return
			}
			s.log.Warn("Heartbeat rejected by board", logfields.Error(err))
		}
	}
}

func (s *Supervisor) lose(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.reconnects++
	s.lastDisconnect = s.clock.Now()
	s.mu.Unlock()

	s.dropSession()
	s.setAttempt(0)
	s.transition(Reconnecting)
}

// establish opens the transport, checks the board identity, replays the
// desired state and enters Connected.
func (s *Supervisor) establish(ctx context.Context) error {
	tr, err := s.cfg.Open(ctx)
	if err != nil {
		s.setErr(err)
		return err
	}

	sess := session.New(tr, session.Options{
		Name:     s.cfg.ID,
		FanCount: s.cfg.Board.FanCount,
		Timeout:  s.cfg.Timeout,
		Logger:   s.log,
		Metrics:  s.rec,
	})

	firmware, err := s.handshake(ctx, sess)
	if err != nil {
		sess.Close()
		s.setErr(err)
		return err
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	// This attempt satisfies any reconnect requested while it ran.
	select {
	case <-s.lost:
	default:
	}
	select {
	case <-s.kick:
	default:
	}

	s.mu.Lock()
	s.sess = sess
	s.firmware = firmware
	s.lastErr = nil
	s.attempt = 0
	desired := append([]PortState(nil), s.desired...)
	s.mu.Unlock()

	s.log.Info("Board connected", logfields.Transport(tr.String()), slog.String("firmware", firmware))
	s.transition(Connected)

	if err := s.applyStates(ctx, sess, desired); err != nil && fault.Transient(err) {
		s.setErr(err)
		return err
	}
	return nil
}

func (s *Supervisor) handshake(ctx context.Context, sess *session.Session) (string, error) {
	resp, err := sess.Send(ctx, fanproto.Command{Op: fanproto.OpHardwareInfo, Port: fanproto.PortAll})
	if err != nil {
		return "", fmt.Errorf("handshake: %w", err)
	}
	if resp.Board == nil {
		return "", fmt.Errorf("handshake: %w", &fanproto.CodecError{Reason: "hardware info reply without identity"})
	}
	if err := s.cfg.Board.Matches(*resp.Board); err != nil {
		return "", err
	}

	firmware := ""
	if resp, err := sess.Send(ctx, fanproto.Command{Op: fanproto.OpFirmwareInfo, Port: fanproto.PortAll}); err == nil && resp.Firmware != nil {
		firmware = resp.Firmware.Version
	} else if err != nil && fault.Transient(err) {
		return "", fmt.Errorf("handshake: %w", err)
	}

	status, err := sess.Send(ctx, fanproto.Command{Op: fanproto.OpReadAllStatus, Port: fanproto.PortAll})
	if err != nil {
		return "", fmt.Errorf("handshake: %w", err)
	}
	if len(status.Status) != s.cfg.Board.FanCount {
		return "", fmt.Errorf("%w: board reports status for %d ports, configured for %d",
			fault.ErrConfigMismatch, len(status.Status), s.cfg.Board.FanCount)
	}
	return firmware, nil
}

// applyStates writes states port by port. Ports left unset are skipped.
// Board rejections are logged and skipped; a link failure aborts.
func (s *Supervisor) applyStates(ctx context.Context, sess *session.Session, states []PortState) error {
	var firstErr error
	for port, st := range states {
		if port >= s.cfg.Board.FanCount {
			break
		}
		cmd := fanproto.Command{Port: uint8(port), Value: st.Value}
		switch st.Mode {
		case ModeDuty:
			cmd.Op = fanproto.OpSetDuty
		case ModeSpeed:
			cmd.Op = fanproto.OpSetTargetSpeed
		default:
			continue
		}
		if _, err := sess.Send(ctx, cmd); err != nil {
			if fault.Transient(err) || ctx.Err() != nil {
				return err
			}
			s.log.Warn("Board rejected restored port state", logfields.Port(port), logfields.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Supervisor) dropSession() {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	if sess != nil {
		s.telemetry = sess.Telemetry()
	}
	s.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

func (s *Supervisor) transition(to State) {
	s.mu.Lock()
	from := s.state
	if !CanTransition(from, to) {
		s.mu.Unlock()
		s.log.Error("Illegal state transition rejected", logfields.From(from.String()), logfields.State(to.String()))
		return
	}
	s.state = to
	s.since = s.clock.Now()
	s.mu.Unlock()

	s.log.Debug("State transition", logfields.From(from.String()), logfields.State(to.String()))
	s.rec.SetConnectionState(s.cfg.ID, to.String())
	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(from, to)
	}
}

func (s *Supervisor) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Supervisor) setAttempt(n int) {
	s.mu.Lock()
	s.attempt = n
	s.mu.Unlock()
}

func (s *Supervisor) nextAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt++
	return s.attempt
}
