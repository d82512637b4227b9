// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package dispatch is the caller-facing command surface of the daemon. It
// validates arguments before any I/O, resolves addresses through the
// registry and forwards commands to the owning supervisor.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Thermoquad/ventd/internal/airflow"
	"github.com/Thermoquad/ventd/internal/fault"
	"github.com/Thermoquad/ventd/internal/logfields"
	"github.com/Thermoquad/ventd/internal/registry"
	"github.com/Thermoquad/ventd/internal/supervisor"
	"github.com/Thermoquad/ventd/internal/thermal"
	"github.com/Thermoquad/ventd/pkg/fanproto"
)

// Dispatcher routes commands to controllers.
type Dispatcher struct {
	reg *registry.Registry
	log *slog.Logger
}

// New returns a dispatcher over reg.
func New(reg *registry.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{reg: reg, log: logger}
}

// SetDuty sets one port to duty percent and returns the port's reported
// status.
func (d *Dispatcher) SetDuty(ctx context.Context, addr registry.Address, duty int) (fanproto.PortStatus, error) {
	if err := checkDuty(duty); err != nil {
		return fanproto.PortStatus{}, fmt.Errorf("set duty %s: %w", addr, err)
	}
	return d.portCommand(ctx, "set duty", addr, fanproto.OpSetDuty, duty)
}

// SetTargetSpeed asks one port's firmware to regulate to speed.
func (d *Dispatcher) SetTargetSpeed(ctx context.Context, addr registry.Address, speed int) (fanproto.PortStatus, error) {
	if err := checkSpeed(speed); err != nil {
		return fanproto.PortStatus{}, fmt.Errorf("set target speed %s: %w", addr, err)
	}
	return d.portCommand(ctx, "set target speed", addr, fanproto.OpSetTargetSpeed, speed)
}

// ReadStatus returns the speed and duty of one port.
func (d *Dispatcher) ReadStatus(ctx context.Context, addr registry.Address) (fanproto.PortStatus, error) {
	return d.portCommand(ctx, "read status", addr, fanproto.OpReadStatus, 0)
}

func (d *Dispatcher) portCommand(ctx context.Context, what string, addr registry.Address, op fanproto.Op, value int) (fanproto.PortStatus, error) {
	sup, err := d.reg.ResolvePort(addr)
	if err != nil {
		return fanproto.PortStatus{}, fmt.Errorf("%s %s: %w", what, addr, err)
	}
	resp, err := sup.Send(ctx, fanproto.Command{Op: op, Port: uint8(addr.Port), Value: value})
	if err != nil {
		return fanproto.PortStatus{}, fmt.Errorf("%s %s: %w", what, addr, err)
	}
	if len(resp.Status) != 1 {
		return fanproto.PortStatus{}, fmt.Errorf("%s %s: %w", what, addr,
			&fanproto.CodecError{Reason: fmt.Sprintf("reply carries %d port records", len(resp.Status))})
	}
	return resp.Status[0], nil
}

// ReadAllStatus returns the status of every port of controller id.
func (d *Dispatcher) ReadAllStatus(ctx context.Context, id string) ([]fanproto.PortStatus, error) {
	sup, err := d.reg.Resolve(id)
	if err != nil {
		return nil, fmt.Errorf("read all status: %w", err)
	}
	resp, err := sup.Send(ctx, fanproto.Command{Op: fanproto.OpReadAllStatus, Port: fanproto.PortAll})
	if err != nil {
		return nil, fmt.Errorf("read all status %s: %w", id, err)
	}
	return resp.Status, nil
}

// SetAllDuty sets every port of controller id to duty percent in one
// command.
func (d *Dispatcher) SetAllDuty(ctx context.Context, id string, duty int) error {
	if err := checkDuty(duty); err != nil {
		return fmt.Errorf("set all duty %s: %w", id, err)
	}
	sup, err := d.reg.Resolve(id)
	if err != nil {
		return fmt.Errorf("set all duty: %w", err)
	}
	if _, err := sup.Send(ctx, fanproto.Command{Op: fanproto.OpSetAllDuty, Port: fanproto.PortAll, Value: duty}); err != nil {
		return fmt.Errorf("set all duty %s: %w", id, err)
	}
	return nil
}

// ApplyProfile writes profile p to controller id. A uniform duty profile
// goes out as one set-all command; otherwise ports are written in order and
// the first link failure stops the write.
func (d *Dispatcher) ApplyProfile(ctx context.Context, id string, p Profile) error {
	sup, err := d.reg.Resolve(id)
	if err != nil {
		return fmt.Errorf("apply profile %q: %w", p.Name, err)
	}
	states, err := p.States(sup.Board().FanCount)
	if err != nil {
		return fmt.Errorf("apply profile %q to %s: %w", p.Name, id, err)
	}
	for port, st := range states {
		if err := checkValue(st.Mode, st.Value); err != nil {
			return fmt.Errorf("apply profile %q port %d: %w", p.Name, port, err)
		}
	}

	log := d.log.With(logfields.Controller(id), slog.String("profile", p.Name))

	if p.Mode == supervisor.ModeDuty && allEqual(states) {
		if _, err := sup.Send(ctx, fanproto.Command{Op: fanproto.OpSetAllDuty, Port: fanproto.PortAll, Value: states[0].Value}); err != nil {
			return fmt.Errorf("apply profile %q to %s: %w", p.Name, id, err)
		}
		log.Info("Profile applied")
		return nil
	}

	op := fanproto.OpSetDuty
	if p.Mode == supervisor.ModeSpeed {
		op = fanproto.OpSetTargetSpeed
	}
	var errs []error
	for port, st := range states {
		_, err := sup.Send(ctx, fanproto.Command{Op: op, Port: uint8(port), Value: st.Value})
		if err == nil {
			continue
		}
		errs = append(errs, fmt.Errorf("port %d: %w", port, err))
		if !fault.IsBoard(err) {
			break
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("apply profile %q to %s: %w", p.Name, id, errors.Join(errs...))
	}
	log.Info("Profile applied")
	return nil
}

func allEqual(states []supervisor.PortState) bool {
	for _, st := range states[1:] {
		if st != states[0] {
			return false
		}
	}
	return true
}

// SetZoneDuty sets every member of zone z to duty percent. All members are
// resolved before any command is sent. Controllers are written in parallel,
// ports of one controller in member order.
func (d *Dispatcher) SetZoneDuty(ctx context.Context, z Zone, duty int) error {
	if err := checkDuty(duty); err != nil {
		return fmt.Errorf("set zone %q duty: %w", z.Name, err)
	}

	type target struct {
		sup   *supervisor.Supervisor
		ports []int
	}
	var order []string
	targets := make(map[string]*target)
	for _, addr := range z.Members {
		sup, err := d.reg.ResolvePort(addr)
		if err != nil {
			return fmt.Errorf("set zone %q duty: %s: %w", z.Name, addr, err)
		}
		t, ok := targets[addr.Controller]
		if !ok {
			t = &target{sup: sup}
			targets[addr.Controller] = t
			order = append(order, addr.Controller)
		}
		t.ports = append(t.ports, addr.Port)
	}

	errs := make([][]error, len(order))
	var wg sync.WaitGroup
	for i, id := range order {
		wg.Add(1)
		go func(i int, t *target) {
			defer wg.Done()
			for _, port := range t.ports {
				_, err := t.sup.Send(ctx, fanproto.Command{Op: fanproto.OpSetDuty, Port: uint8(port), Value: duty})
				if err != nil {
					errs[i] = append(errs[i], fmt.Errorf("%s: %w", registry.Address{Controller: t.sup.ID(), Port: port}, err))
				}
			}
		}(i, targets[id])
	}
	wg.Wait()

	var all []error
	for _, e := range errs {
		all = append(all, e...)
	}
	if len(all) > 0 {
		return fmt.Errorf("set zone %q duty: %w", z.Name, errors.Join(all...))
	}
	d.log.Debug("Zone duty set", logfields.Zone(z.Name), logfields.Duty(duty))
	return nil
}

// ApplyCurve sets addr to the duty curve c yields at temp and returns that
// duty.
func (d *Dispatcher) ApplyCurve(ctx context.Context, addr registry.Address, c thermal.Curve, temp float64) (int, error) {
	duty := c.Interpolate(temp)
	if _, err := d.SetDuty(ctx, addr, duty); err != nil {
		return duty, fmt.Errorf("curve %q: %w", c.Name(), err)
	}
	return duty, nil
}

// Airflow estimates the airflow of addr from its last reported duty.
func (d *Dispatcher) Airflow(addr registry.Address, cal airflow.Calibration) (float64, error) {
	sup, err := d.reg.ResolvePort(addr)
	if err != nil {
		return 0, fmt.Errorf("airflow %s: %w", addr, err)
	}
	return airflow.Estimate(cal, sup.Telemetry()[addr.Port].Duty), nil
}

// Reconnect forces controller id to reconnect now.
func (d *Dispatcher) Reconnect(id string) error {
	sup, err := d.reg.Resolve(id)
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	return sup.Reconnect()
}

// ConnectionStatus reports the connection of controller id.
func (d *Dispatcher) ConnectionStatus(id string) (supervisor.Status, error) {
	sup, err := d.reg.Resolve(id)
	if err != nil {
		return supervisor.Status{}, fmt.Errorf("connection status: %w", err)
	}
	return sup.Status(), nil
}

// Controllers lists every registered controller.
func (d *Dispatcher) Controllers() []registry.Summary {
	return d.reg.List()
}
