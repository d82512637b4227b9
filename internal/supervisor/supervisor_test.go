// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/ventd/internal/board"
	"github.com/Thermoquad/ventd/internal/fault"
	"github.com/Thermoquad/ventd/internal/transport"
	"github.com/Thermoquad/ventd/pkg/fanproto"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

type transitionLog struct {
	mu    sync.Mutex
	steps []string
}

func (l *transitionLog) record(from, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, from.String()+">"+to.String())
}

func (l *transitionLog) contains(step string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.steps {
		if s == step {
			return true
		}
	}
	return false
}

type fixture struct {
	sup *Supervisor
	sim *transport.Sim
	log *transitionLog
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	desc := board.Standard()
	sim := transport.NewSim("sup", desc.Identity())
	log := &transitionLog{}

	cfg := Config{
		ID:           "c1",
		Board:        desc,
		Open:         sim.Open,
		Backoff:      Backoff{Initial: 10 * time.Millisecond, Multiplier: 2, Max: 40 * time.Millisecond},
		Heartbeat:    20 * time.Millisecond,
		Timeout:      50 * time.Millisecond,
		OnTransition: log.record,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sup, err := New(cfg)
	require.NoError(t, err)
	return &fixture{sup: sup, sim: sim, log: log}
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go f.sup.Run(ctx)
	t.Cleanup(func() {
		cancel()
		_ = f.sup.Shutdown(context.Background(), nil)
	})
}

func (f *fixture) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.sup.State() == want }, waitFor, tick,
		"state is %s, want %s", f.sup.State(), want)
}

func setDuty(port uint8, duty int) fanproto.Command {
	return fanproto.Command{Op: fanproto.OpSetDuty, Port: port, Value: duty}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Board: board.Standard()})
	assert.ErrorIs(t, err, fault.ErrValidation)

	_, err = New(Config{ID: "x", Board: board.Standard()})
	assert.ErrorIs(t, err, fault.ErrValidation)

	sim := transport.NewSim("x", board.Standard().Identity())
	_, err = New(Config{ID: "x", Board: board.Standard(), Open: sim.Open, Backoff: Backoff{Initial: time.Second, Multiplier: 0.1, Max: time.Second}})
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestSupervisor_ConnectsAndAcceptsCommands(t *testing.T) {
	f := newFixture(t, nil)
	f.run(t)
	f.waitState(t, Connected)

	resp, err := f.sup.Send(context.Background(), setDuty(3, 55))
	require.NoError(t, err)
	assert.Equal(t, 55, resp.Status[0].Duty)
	assert.Equal(t, PortState{Mode: ModeDuty, Value: 55}, f.sup.Desired()[3])
	assert.Equal(t, "1.0.0", f.sup.Status().Firmware)
	assert.True(t, f.log.contains("disconnected>connecting"))
	assert.True(t, f.log.contains("connecting>connected"))
}

func TestSupervisor_UnavailableWhenNotConnected(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.sup.Send(context.Background(), setDuty(0, 10))
	assert.ErrorIs(t, err, fault.ErrUnavailable)
	assert.Zero(t, f.sim.WriteCount())
	assert.Equal(t, Disconnected, f.sup.State())
}

func TestSupervisor_ReadsDoNotChangeDesiredState(t *testing.T) {
	f := newFixture(t, nil)
	f.run(t)
	f.waitState(t, Connected)

	_, err := f.sup.Send(context.Background(), fanproto.Command{Op: fanproto.OpReadStatus, Port: 1})
	require.NoError(t, err)
	_, err = f.sup.Send(context.Background(), fanproto.Command{Op: fanproto.OpReadAllStatus, Port: fanproto.PortAll})
	require.NoError(t, err)

	for _, st := range f.sup.Desired() {
		assert.Equal(t, ModeUnset, st.Mode)
	}
}

func TestSupervisor_HeartbeatDetectsLossAndReplays(t *testing.T) {
	f := newFixture(t, nil)
	f.run(t)
	f.waitState(t, Connected)

	ctx := context.Background()
	_, err := f.sup.Send(ctx, setDuty(2, 40))
	require.NoError(t, err)
	_, err = f.sup.Send(ctx, fanproto.Command{Op: fanproto.OpSetTargetSpeed, Port: 5, Value: 1500})
	require.NoError(t, err)

	f.sim.Unplug()
	f.waitState(t, Reconnecting)
	assert.True(t, f.log.contains("connected>reconnecting"))

	f.sim.PowerCycle()
	f.sim.ClearWrites()
	f.sim.Plug()
	f.waitState(t, Connected)
	assert.True(t, f.log.contains("reconnecting>connected"))

	require.Eventually(t, func() bool {
		return f.sim.Port(2).Duty == 40 && f.sim.Port(5).Speed == 1500
	}, waitFor, tick, "desired state not restored")

	st := f.sup.Status()
	assert.Equal(t, 1, st.Reconnects)
	assert.False(t, st.LastDisconnect.IsZero())
}

func TestSupervisor_ReplayPrecedesExternalCommands(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Heartbeat = 10 * time.Millisecond })
	f.run(t)
	f.waitState(t, Connected)

	ctx := context.Background()
	for port := 0; port < board.StandardFans; port++ {
		_, err := f.sup.Send(ctx, setDuty(uint8(port), 10+port))
		require.NoError(t, err)
	}

	f.sim.Unplug()
	f.waitState(t, Reconnecting)
	f.sim.PowerCycle()
	f.sim.SetDelay(3 * time.Millisecond)
	f.sim.ClearWrites()
	f.sim.Plug()

	require.Eventually(t, func() bool { return f.sup.State() == Connected }, waitFor, time.Millisecond)
	_, err := f.sup.Send(ctx, setDuty(0, 99))
	require.NoError(t, err)

	restored := map[uint8]bool{}
	for _, w := range f.sim.Writes() {
		if w.Op == fanproto.OpSetDuty && w.Value == 99 {
			assert.Len(t, restored, board.StandardFans, "external command ran before replay finished")
			break
		}
		if w.Op == fanproto.OpSetDuty {
			restored[w.Port] = true
		}
	}
	for port := 1; port < board.StandardFans; port++ {
		assert.Equal(t, 10+port, f.sim.Port(port).Duty)
	}
}

func TestSupervisor_TransportErrorOnCommandTriggersReconnect(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Heartbeat = 0 })
	f.run(t)
	f.waitState(t, Connected)

	f.sim.SetSilent(true)
	_, err := f.sup.Send(context.Background(), setDuty(1, 20))
	assert.ErrorIs(t, err, fault.ErrTimeout)
	require.Eventually(t, func() bool { return f.sup.State() != Connected }, waitFor, tick)

	f.sim.SetSilent(false)
	f.waitState(t, Connected)
}

func TestSupervisor_BoardErrorKeepsConnection(t *testing.T) {
	f := newFixture(t, nil)
	f.run(t)
	f.waitState(t, Connected)

	f.sim.Reject(fanproto.OpSetDuty, fanproto.CodeOutOfRange)
	_, err := f.sup.Send(context.Background(), setDuty(1, 20))
	assert.True(t, fault.IsBoard(err))
	assert.False(t, fault.Transient(err))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Connected, f.sup.State())
	assert.Equal(t, ModeUnset, f.sup.Desired()[1].Mode)
	assert.False(t, f.log.contains("connected>reconnecting"))
}

func TestSupervisor_ConfigMismatch(t *testing.T) {
	f := newFixture(t, nil)
	info := board.Standard().Identity()
	info.FanCount = 4
	f.sim.SetIdentity(info)

	f.run(t)
	f.waitState(t, Disconnected)
	require.Eventually(t, func() bool { return f.log.contains("connecting>disconnected") }, waitFor, tick)
	assert.ErrorIs(t, f.sup.Status().LastError, fault.ErrConfigMismatch)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, f.sim.Opens(), "a mismatched board is not retried")
}

func TestSupervisor_FailsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Backoff.MaxAttempts = 2 })
	f.sim.Unplug()
	f.run(t)
	f.waitState(t, Failed)
	assert.True(t, f.log.contains("reconnecting>failed"))
	assert.ErrorIs(t, f.sup.Status().LastError, fault.ErrTransport)

	f.sim.Plug()
	require.NoError(t, f.sup.Reconnect())
	f.waitState(t, Connected)
	assert.True(t, f.log.contains("failed>connecting"))
}

func TestSupervisor_ReconnectSkipsBackoff(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Backoff = Backoff{Initial: time.Hour, Multiplier: 2, Max: time.Hour}
	})
	f.sim.Unplug()
	f.run(t)
	f.waitState(t, Reconnecting)

	f.sim.Plug()
	require.NoError(t, f.sup.Reconnect())
	f.waitState(t, Connected)
}

func TestSupervisor_ReconnectWhileConnected(t *testing.T) {
	f := newFixture(t, nil)
	f.run(t)
	f.waitState(t, Connected)

	require.NoError(t, f.sup.Reconnect())
	require.Eventually(t, func() bool { return f.sim.Opens() == 2 }, waitFor, tick)
	f.waitState(t, Connected)
	assert.True(t, f.log.contains("connected>connecting"))
}

func TestSupervisor_ShutdownAppliesSafeState(t *testing.T) {
	f := newFixture(t, nil)
	f.run(t)
	f.waitState(t, Connected)

	_, err := f.sup.Send(context.Background(), setDuty(4, 30))
	require.NoError(t, err)

	safe := make([]PortState, board.StandardFans)
	for i := range safe {
		safe[i] = PortState{Mode: ModeDuty, Value: 100}
	}
	require.NoError(t, f.sup.Shutdown(context.Background(), safe))

	writes := f.sim.Writes()
	last := writes[len(writes)-1]
	assert.Equal(t, fanproto.OpSetDuty, last.Op)
	assert.Equal(t, uint8(board.StandardFans-1), last.Port)
	assert.Equal(t, 100, last.Value)
	for port := 0; port < board.StandardFans; port++ {
		assert.Equal(t, 100, f.sim.Port(port).Duty)
	}

	assert.Equal(t, Disconnected, f.sup.State())
	_, err = f.sup.Send(context.Background(), setDuty(0, 10))
	assert.ErrorIs(t, err, fault.ErrUnavailable)
	assert.ErrorIs(t, f.sup.Reconnect(), fault.ErrClosed)
}

func TestSupervisor_ShutdownWaitsForInFlightCommand(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Timeout = time.Second })
	f.run(t)
	f.waitState(t, Connected)

	f.sim.SetDelay(80 * time.Millisecond)
	result := make(chan error, 1)
	go func() {
		_, err := f.sup.Send(context.Background(), setDuty(0, 25))
		result <- err
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, f.sup.Shutdown(context.Background(), nil))
	assert.NoError(t, <-result)
	assert.Equal(t, 25, f.sim.Port(0).Duty)
}

func TestSupervisor_BackoffFollowsClock(t *testing.T) {
	fc := clockwork.NewFakeClock()
	var opens atomic.Int32

	f := newFixture(t, func(c *Config) {
		c.Clock = fc
		c.Backoff = Backoff{Initial: time.Second, Multiplier: 2, Max: 4 * time.Second}
	})
	f.sim.Unplug()
	inner := f.sup.cfg.Open
	f.sup.cfg.Open = func(ctx context.Context) (transport.Transport, error) {
		opens.Add(1)
		return inner(ctx)
	}
	f.run(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	assert.Equal(t, int32(1), opens.Load())

	fc.Advance(999 * time.Millisecond)
	assert.Never(t, func() bool { return opens.Load() > 1 }, 30*time.Millisecond, tick)
	fc.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return opens.Load() == 2 }, waitFor, tick)

	// Second retry waits twice as long.
	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(1999 * time.Millisecond)
	assert.Never(t, func() bool { return opens.Load() > 2 }, 30*time.Millisecond, tick)
	fc.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return opens.Load() == 3 }, waitFor, tick)
	require.Eventually(t, func() bool { return f.sup.Status().Attempt == 3 }, waitFor, tick)
}

func TestSupervisor_ReplayWritesPortByPort(t *testing.T) {
	f := newFixture(t, nil)
	f.run(t)
	f.waitState(t, Connected)

	_, err := f.sup.Send(context.Background(), fanproto.Command{Op: fanproto.OpSetAllDuty, Port: fanproto.PortAll, Value: 40})
	require.NoError(t, err)

	f.sim.Unplug()
	f.waitState(t, Reconnecting)
	f.sim.PowerCycle()
	f.sim.ClearWrites()
	f.sim.Plug()
	f.waitState(t, Connected)

	require.Eventually(t, func() bool {
		for port := 0; port < board.StandardFans; port++ {
			if f.sim.Port(port).Duty != 40 {
				return false
			}
		}
		return true
	}, waitFor, tick, "desired state not restored")

	replayed := map[uint8]bool{}
	for _, w := range f.sim.Writes() {
		assert.NotEqual(t, fanproto.OpSetAllDuty, w.Op)
		if w.Op == fanproto.OpSetDuty {
			assert.Equal(t, 40, w.Value)
			replayed[w.Port] = true
		}
	}
	assert.Len(t, replayed, board.StandardFans)
}

func TestSupervisor_ReconnectDuringAttemptIsAbsorbed(t *testing.T) {
	var opens atomic.Int32
	f := newFixture(t, nil)
	inner := f.sup.cfg.Open
	f.sup.cfg.Open = func(ctx context.Context) (transport.Transport, error) {
		if opens.Add(1) == 1 {
			assert.NoError(t, f.sup.Reconnect())
		}
		return inner(ctx)
	}
	f.run(t)
	f.waitState(t, Connected)

	assert.Never(t, func() bool { return opens.Load() > 1 }, 100*time.Millisecond, tick)
	assert.Equal(t, Connected, f.sup.State())
	assert.False(t, f.log.contains("connected>connecting"))
}

func TestSupervisor_HeartbeatDetectsLossWithinOneInterval(t *testing.T) {
	fc := clockwork.NewFakeClock()
	const timeout = 100 * time.Millisecond

	f := newFixture(t, func(c *Config) {
		c.Clock = fc
		c.Heartbeat = time.Second
		c.Timeout = timeout
	})
	f.run(t)
	f.waitState(t, Connected)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	// The heartbeat ticker is the only waiter while connected.
	require.NoError(t, fc.BlockUntilContext(ctx, 1))

	f.sim.Unplug()
	assert.Never(t, func() bool { return f.sup.State() != Connected }, 50*time.Millisecond, tick,
		"loss noticed before the heartbeat ran")

	fc.Advance(time.Second)
	require.Eventually(t, func() bool { return f.sup.State() == Reconnecting },
		2*timeout+200*time.Millisecond, tick, "loss not noticed within one heartbeat")
	assert.True(t, f.log.contains("connected>reconnecting"))
}

func TestSupervisor_RetryDelayCappedAtMax(t *testing.T) {
	fc := clockwork.NewFakeClock()
	var opens atomic.Int32

	f := newFixture(t, func(c *Config) {
		c.Clock = fc
		c.Backoff = Backoff{Initial: time.Second, Multiplier: 2, Max: 2 * time.Second}
	})
	f.sim.Unplug()
	inner := f.sup.cfg.Open
	f.sup.cfg.Open = func(ctx context.Context) (transport.Transport, error) {
		opens.Add(1)
		return inner(ctx)
	}
	f.run(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	delays := []time.Duration{time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}
	for i, delay := range delays {
		want := int32(i + 2)
		require.NoError(t, fc.BlockUntilContext(ctx, 1))
		fc.Advance(delay - time.Millisecond)
		assert.Never(t, func() bool { return opens.Load() >= want }, 30*time.Millisecond, tick,
			"retry %d fired early", i+1)
		fc.Advance(time.Millisecond)
		require.Eventually(t, func() bool { return opens.Load() == want }, waitFor, tick,
			"retry %d did not fire after %s", i+1, delay)
	}
}
