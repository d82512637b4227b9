// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package autocontrol

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// SensorHottest selects the highest reading of all sensors.
const SensorHottest = "max"

// ErrNoSensor is returned when a rule's sensor has no reading.
var ErrNoSensor = errors.New("sensor not found")

// Sensors reads temperatures in degrees Celsius, keyed by sensor name.
type Sensors interface {
	Read(ctx context.Context) (map[string]float64, error)
}

// HostSensors reads the host's hardware temperature sensors.
type HostSensors struct{}

// Read implements Sensors.
func (HostSensors) Read(ctx context.Context) (map[string]float64, error) {
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	// Some sensors failing still yields the readable ones.
	if err != nil && len(temps) == 0 {
		return nil, fmt.Errorf("read host sensors: %w", err)
	}
	out := make(map[string]float64, len(temps))
	for _, t := range temps {
		out[t.SensorKey] = t.Temperature
	}
	return out, nil
}

// SensorsFunc adapts a function to Sensors.
type SensorsFunc func(ctx context.Context) (map[string]float64, error)

// Read implements Sensors.
func (f SensorsFunc) Read(ctx context.Context) (map[string]float64, error) { return f(ctx) }

// pick returns the reading named sensor. SensorHottest or an empty name
// selects the highest reading; otherwise a unique case-insensitive prefix
// match is accepted when no exact key exists.
func pick(readings map[string]float64, sensor string) (float64, string, error) {
	if sensor == "" || sensor == SensorHottest {
		var (
			best  float64
			name  string
			found bool
		)
		for k, v := range readings {
			if !found || v > best || (v == best && k < name) {
				best, name, found = v, k, true
			}
		}
		if !found {
			return 0, "", fmt.Errorf("%w: no readings", ErrNoSensor)
		}
		return best, name, nil
	}

	if v, ok := readings[sensor]; ok {
		return v, sensor, nil
	}
	var match string
	for k := range readings {
		if strings.HasPrefix(strings.ToLower(k), strings.ToLower(sensor)) {
			if match != "" {
				return 0, "", fmt.Errorf("%w: %q is ambiguous", ErrNoSensor, sensor)
			}
			match = k
		}
	}
	if match == "" {
		return 0, "", fmt.Errorf("%w: %q", ErrNoSensor, sensor)
	}
	return readings[match], match, nil
}
