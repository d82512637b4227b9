// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package airflow estimates a port's airflow from its duty. The estimate is
// for display only and never feeds back into control.
package airflow

import (
	"fmt"
	"math"
	"sort"

	"github.com/Thermoquad/ventd/internal/fault"
)

// MaxFlow bounds a calibration value.
const MaxFlow = 500.0

// Calibration is the measured airflow of one port at full duty.
type Calibration struct {
	FlowAt100 float64
}

// NewCalibration validates flowAt100.
func NewCalibration(flowAt100 float64) (Calibration, error) {
	if math.IsNaN(flowAt100) || flowAt100 <= 0 || flowAt100 > MaxFlow {
		return Calibration{}, fmt.Errorf("%w: flow %g outside (0, %g]", fault.ErrValidation, flowAt100, MaxFlow)
	}
	return Calibration{FlowAt100: flowAt100}, nil
}

// Estimate returns the airflow at duty percent.
func Estimate(cal Calibration, duty int) float64 {
	return cal.FlowAt100 * float64(duty) / 100
}

// Table maps port indexes of one controller to their calibration.
type Table map[int]Calibration

// NewTable validates every entry of flows.
func NewTable(flows map[int]float64) (Table, error) {
	t := make(Table, len(flows))
	for port, flow := range flows {
		if port < 0 {
			return nil, fmt.Errorf("%w: calibration for negative port %d", fault.ErrValidation, port)
		}
		cal, err := NewCalibration(flow)
		if err != nil {
			return nil, fmt.Errorf("port %d: %w", port, err)
		}
		t[port] = cal
	}
	return t, nil
}

// Lookup returns the calibration of port.
func (t Table) Lookup(port int) (Calibration, bool) {
	cal, ok := t[port]
	return cal, ok
}

// Ports returns the calibrated ports in ascending order.
func (t Table) Ports() []int {
	ports := make([]int, 0, len(t))
	for p := range t {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}
