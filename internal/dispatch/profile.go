// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dispatch

import (
	"fmt"
	"strings"

	"github.com/Thermoquad/ventd/internal/board"
	"github.com/Thermoquad/ventd/internal/fault"
	"github.com/Thermoquad/ventd/internal/registry"
	"github.com/Thermoquad/ventd/internal/supervisor"
	"github.com/Thermoquad/ventd/pkg/fanproto"
)

// SafeProfile names the profile applied at shutdown unless configured
// otherwise.
const SafeProfile = "100% PWM"

// Profile is a named preset of per-port values sharing one mode.
type Profile struct {
	Name   string
	Mode   supervisor.Mode
	Values []int
}

// ParseMode parses a profile mode: "pwm" or "duty" for duty, "rpm" or
// "speed" for target speed.
func ParseMode(s string) (supervisor.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pwm", "duty":
		return supervisor.ModeDuty, nil
	case "rpm", "speed":
		return supervisor.ModeSpeed, nil
	}
	return supervisor.ModeUnset, fmt.Errorf("%w: unknown profile mode %q", fault.ErrValidation, s)
}

// NewProfile validates a profile. Values holds one entry per port and may
// cover more ports than a given board has.
func NewProfile(name string, mode supervisor.Mode, values []int) (Profile, error) {
	if name == "" {
		return Profile{}, fmt.Errorf("%w: profile without a name", fault.ErrValidation)
	}
	if len(values) == 0 || len(values) > board.MaxFans {
		return Profile{}, fmt.Errorf("%w: profile %q has %d values, want 1..%d", fault.ErrValidation, name, len(values), board.MaxFans)
	}
	for port, v := range values {
		if err := checkValue(mode, v); err != nil {
			return Profile{}, fmt.Errorf("profile %q port %d: %w", name, port, err)
		}
	}
	return Profile{Name: name, Mode: mode, Values: append([]int(nil), values...)}, nil
}

func checkValue(mode supervisor.Mode, v int) error {
	switch mode {
	case supervisor.ModeDuty:
		return checkDuty(v)
	case supervisor.ModeSpeed:
		return checkSpeed(v)
	}
	return fmt.Errorf("%w: mode %s", fault.ErrValidation, mode)
}

func checkDuty(duty int) error {
	if duty < 0 || duty > fanproto.MaxDuty {
		return fmt.Errorf("%w: duty %d outside 0..%d", fault.ErrValidation, duty, fanproto.MaxDuty)
	}
	return nil
}

func checkSpeed(speed int) error {
	if speed < fanproto.MinTargetSpeed || speed > fanproto.MaxTargetSpeed {
		return fmt.Errorf("%w: target speed %d outside %d..%d", fault.ErrValidation, speed, fanproto.MinTargetSpeed, fanproto.MaxTargetSpeed)
	}
	return nil
}

// States expands the profile for a board with fanCount ports.
func (p Profile) States(fanCount int) ([]supervisor.PortState, error) {
	if len(p.Values) < fanCount {
		return nil, fmt.Errorf("%w: profile %q covers %d ports, board has %d", fault.ErrValidation, p.Name, len(p.Values), fanCount)
	}
	out := make([]supervisor.PortState, fanCount)
	for i := range out {
		out[i] = supervisor.PortState{Mode: p.Mode, Value: p.Values[i]}
	}
	return out, nil
}

// SafeFunc adapts the profile to a registry shutdown hook. Boards the
// profile does not cover are left as they are.
func (p Profile) SafeFunc() registry.SafeFunc {
	return func(desc board.Descriptor) []supervisor.PortState {
		states, err := p.States(desc.FanCount)
		if err != nil {
			return nil
		}
		return states
	}
}

func repeat(n, v int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// DefaultProfiles returns the built-in presets.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		"50% PWM":   {Name: "50% PWM", Mode: supervisor.ModeDuty, Values: repeat(board.MaxFans, 50)},
		SafeProfile: {Name: SafeProfile, Mode: supervisor.ModeDuty, Values: repeat(board.MaxFans, 100)},
		"1000 RPM":  {Name: "1000 RPM", Mode: supervisor.ModeSpeed, Values: repeat(board.MaxFans, 1000)},
	}
}

// Zone is a named group of ports, possibly spanning controllers.
type Zone struct {
	Name    string
	Members []registry.Address
}

// NewZone parses "controller:port" members. Duplicates are rejected.
func NewZone(name string, members []string) (Zone, error) {
	if name == "" {
		return Zone{}, fmt.Errorf("%w: zone without a name", fault.ErrValidation)
	}
	if len(members) == 0 {
		return Zone{}, fmt.Errorf("%w: zone %q has no members", fault.ErrValidation, name)
	}
	z := Zone{Name: name}
	seen := make(map[registry.Address]bool, len(members))
	for _, m := range members {
		addr, err := registry.ParseAddress(m)
		if err != nil {
			return Zone{}, fmt.Errorf("zone %q: %w", name, err)
		}
		if seen[addr] {
			return Zone{}, fmt.Errorf("%w: zone %q lists %s twice", fault.ErrValidation, name, addr)
		}
		seen[addr] = true
		z.Members = append(z.Members, addr)
	}
	return z, nil
}
