// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"fmt"
	"sort"

	"github.com/Thermoquad/ventd/internal/airflow"
	"github.com/Thermoquad/ventd/internal/autocontrol"
	"github.com/Thermoquad/ventd/internal/dispatch"
	"github.com/Thermoquad/ventd/internal/fault"
	"github.com/Thermoquad/ventd/internal/registry"
	"github.com/Thermoquad/ventd/internal/thermal"
)

// Tables are the validated lookup tables the core consumes per call. The
// built-in profiles and curves are included unless a configured entry of
// the same name replaces them.
type Tables struct {
	Profiles    map[string]dispatch.Profile
	Curves      map[string]thermal.Curve
	Calibration map[string]airflow.Table
	Zones       map[string]dispatch.Zone
	Aliases     map[string]map[int]string
	Rules       []autocontrol.Rule
}

// Tables compiles the configured tables.
func (c *Config) Tables() (*Tables, error) {
	t := &Tables{
		Profiles:    dispatch.DefaultProfiles(),
		Curves:      thermal.Defaults(),
		Calibration: make(map[string]airflow.Table, len(c.Calibration)),
		Zones:       make(map[string]dispatch.Zone, len(c.Zones)),
		Aliases:     make(map[string]map[int]string, len(c.Aliases)),
	}

	for _, name := range sortedKeys(c.Profiles) {
		pc := c.Profiles[name]
		mode, err := dispatch.ParseMode(pc.Mode)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		p, err := dispatch.NewProfile(name, mode, pc.Values)
		if err != nil {
			return nil, err
		}
		t.Profiles[name] = p
	}

	for _, name := range sortedKeys(c.Curves) {
		curve, err := thermal.NewCurve(name, c.Curves[name])
		if err != nil {
			return nil, err
		}
		t.Curves[name] = curve
	}

	for _, id := range sortedKeys(c.Calibration) {
		table, err := airflow.NewTable(c.Calibration[id])
		if err != nil {
			return nil, fmt.Errorf("calibration %q: %w", id, err)
		}
		t.Calibration[id] = table
	}

	for _, name := range sortedKeys(c.Zones) {
		z, err := dispatch.NewZone(name, c.Zones[name])
		if err != nil {
			return nil, err
		}
		t.Zones[name] = z
	}

	for id, aliases := range c.Aliases {
		for port := range aliases {
			if port < 0 {
				return nil, fmt.Errorf("%w: alias for negative port %d of %q", fault.ErrValidation, port, id)
			}
		}
		t.Aliases[id] = aliases
	}

	for i, tc := range c.Thermal {
		curve, ok := t.Curves[tc.Curve]
		if !ok {
			return nil, fmt.Errorf("%w: thermal[%d] uses undefined curve %q", fault.ErrValidation, i, tc.Curve)
		}
		if len(tc.Targets) == 0 {
			return nil, fmt.Errorf("%w: thermal[%d] has no targets", fault.ErrValidation, i)
		}
		rule := autocontrol.Rule{
			Name:     tc.Name,
			Curve:    curve,
			Sensor:   tc.Sensor,
			Interval: tc.Interval,
		}
		if rule.Name == "" {
			rule.Name = fmt.Sprintf("%s/%s", tc.Curve, tc.Sensor)
		}
		for _, target := range tc.Targets {
			addr, err := registry.ParseAddress(target)
			if err != nil {
				return nil, fmt.Errorf("thermal[%d]: %w", i, err)
			}
			rule.Targets = append(rule.Targets, addr)
		}
		t.Rules = append(t.Rules, rule)
	}
	return t, nil
}

// SafeProfile returns the shutdown profile, or false when the safe state is
// disabled.
func (c *Config) SafeProfile(t *Tables) (dispatch.Profile, bool) {
	if !c.Shutdown.Enabled {
		return dispatch.Profile{}, false
	}
	p, ok := t.Profiles[c.Shutdown.Profile]
	return p, ok
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
