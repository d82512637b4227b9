// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package session runs request/response exchanges with one board over one
// transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Thermoquad/ventd/internal/fault"
	"github.com/Thermoquad/ventd/internal/logfields"
	"github.com/Thermoquad/ventd/internal/metrics"
	"github.com/Thermoquad/ventd/internal/transport"
	"github.com/Thermoquad/ventd/pkg/fanproto"
)

// DefaultTimeout is the per-command reply deadline.
const DefaultTimeout = time.Second

// Options configures a Session.
type Options struct {
	Name     string
	FanCount int
	Timeout  time.Duration
	Logger   *slog.Logger
	Metrics  metrics.Recorder
}

// Session owns the wire of one board. At most one command is outstanding at
// a time; callers queue in arrival order.
type Session struct {
	name    string
	tr      transport.Transport
	timeout time.Duration
	log     *slog.Logger
	metrics metrics.Recorder

	// wire is a one-slot semaphore. Blocked senders on a channel are served
	// in FIFO order.
	wire chan struct{}
	seq  uint8

	mu        sync.RWMutex
	telemetry []fanproto.PortStatus
	lastReply time.Time
}

// New wraps tr. The session takes ownership of the transport.
func New(tr transport.Transport, opts Options) *Session {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		name:      opts.Name,
		tr:        tr,
		timeout:   opts.Timeout,
		log:       opts.Logger,
		metrics:   metrics.OrNoop(opts.Metrics),
		wire:      make(chan struct{}, 1),
		telemetry: make([]fanproto.PortStatus, opts.FanCount),
	}
}

// Send transmits cmd and waits for its reply. The timeout runs from the
// moment the command gets the wire, not from when Send was called. A timed
// out command is not retried.
func (s *Session) Send(ctx context.Context, cmd fanproto.Command) (fanproto.Response, error) {
	select {
	case s.wire <- struct{}{}:
	case <-ctx.Done():
		return fanproto.Response{}, ctx.Err()
	}
	defer func() { <-s.wire }()

	start := time.Now()
	resp, err := s.exchange(ctx, cmd)
	s.metrics.ObserveCommand(s.name, cmd.Op.String(), time.Since(start), fault.Category(err))
	return resp, err
}

func (s *Session) exchange(ctx context.Context, cmd fanproto.Command) (fanproto.Response, error) {
	s.seq++
	cmd.Seq = s.seq

	wire, err := fanproto.Encode(cmd)
	if err != nil {
		return fanproto.Response{}, fmt.Errorf("%w: %v", fault.ErrValidation, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.tr.WriteFrame(callCtx, wire); err != nil {
		return fanproto.Response{}, s.classify(ctx, callCtx, cmd, err)
	}

	for {
		frame, err := s.tr.ReadFrame(callCtx)
		if err != nil {
			return fanproto.Response{}, s.classify(ctx, callCtx, cmd, err)
		}

		resp, err := fanproto.Decode(frame)
		var be *fanproto.BoardError
		switch {
		case err == nil, errors.As(err, &be):
		default:
			return fanproto.Response{}, fmt.Errorf("%s %s: %w", s.name, cmd.Op, err)
		}

		if resp.Seq != cmd.Seq {
			s.log.Debug("Discarding stale reply",
				logfields.Controller(s.name), logfields.Op(cmd.Op.String()),
				logfields.Seq(resp.Seq), slog.Int("want_seq", int(cmd.Seq)))
			continue
		}
		if be != nil {
			return resp, err
		}
		if resp.Op != cmd.Op {
			return fanproto.Response{}, fmt.Errorf("%s %s: %w", s.name, cmd.Op,
				&fanproto.CodecError{Reason: fmt.Sprintf("reply is for %s", resp.Op)})
		}

		s.record(cmd, resp)
		return resp, nil
	}
}

func (s *Session) classify(parent, call context.Context, cmd fanproto.Command, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if call.Err() != nil {
		return fmt.Errorf("%s %s: %w after %s", s.name, cmd.Op, fault.ErrTimeout, s.timeout)
	}
	if !errors.Is(err, fault.ErrTransport) {
		err = fmt.Errorf("%w: %v", fault.ErrTransport, err)
	}
	return fmt.Errorf("%s %s: %w", s.name, cmd.Op, err)
}

func (s *Session) record(cmd fanproto.Command, resp fanproto.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReply = time.Now()

	switch {
	case cmd.Op == fanproto.OpReadAllStatus:
		for i, st := range resp.Status {
			if i < len(s.telemetry) {
				s.telemetry[i] = st
				s.metrics.SetPortStatus(s.name, i, st.Speed, st.Duty)
			}
		}
	case len(resp.Status) == 1 && int(cmd.Port) < len(s.telemetry):
		s.telemetry[cmd.Port] = resp.Status[0]
		s.metrics.SetPortStatus(s.name, int(cmd.Port), resp.Status[0].Speed, resp.Status[0].Duty)
	case cmd.Op == fanproto.OpSetAllDuty:
		for i := range s.telemetry {
			s.telemetry[i].Duty = cmd.Value
		}
	}
}

// IsAlive performs a lightweight status round trip.
func (s *Session) IsAlive(ctx context.Context) error {
	_, err := s.Send(ctx, fanproto.Command{Op: fanproto.OpReadAllStatus, Port: fanproto.PortAll})
	return err
}

// Telemetry returns the last observed status of every port.
func (s *Session) Telemetry() []fanproto.PortStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]fanproto.PortStatus(nil), s.telemetry...)
}

// LastReply returns when the board last answered.
func (s *Session) LastReply() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReply
}

// Transport returns the underlying transport description.
func (s *Session) Transport() string {
	return s.tr.String()
}

// Close closes the transport.
func (s *Session) Close() error {
	return s.tr.Close()
}
