// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package thermal maps temperatures to fan duty through piecewise linear
// curves.
package thermal

import (
	"fmt"
	"math"
	"sort"

	"github.com/Thermoquad/ventd/internal/fault"
	"github.com/Thermoquad/ventd/pkg/fanproto"
)

// Temperature domain accepted for curve points, in degrees Celsius.
const (
	MinTemp = -50.0
	MaxTemp = 150.0
)

const halfTolerance = 1e-9

// Point is one (temperature, duty) pair.
type Point struct {
	Temp float64 `yaml:"temp"`
	Duty int     `yaml:"duty"`
}

// Curve is a validated thermal curve. Its points are sorted by temperature.
// Curves must come from NewCurve or MustCurve; the zero Curve answers every
// temperature with full duty.
type Curve struct {
	name   string
	points []Point
}

// NewCurve validates points and returns them as a sorted curve.
func NewCurve(name string, points []Point) (Curve, error) {
	if len(points) < 2 {
		return Curve{}, fmt.Errorf("%w: curve %q needs at least 2 points, got %d", fault.ErrValidation, name, len(points))
	}

	sorted := append([]Point(nil), points...)
	for _, p := range sorted {
		if math.IsNaN(p.Temp) || p.Temp < MinTemp || p.Temp > MaxTemp {
			return Curve{}, fmt.Errorf("%w: curve %q temperature %g outside %g..%g", fault.ErrValidation, name, p.Temp, MinTemp, MaxTemp)
		}
		if p.Duty < 0 || p.Duty > fanproto.MaxDuty {
			return Curve{}, fmt.Errorf("%w: curve %q duty %d outside 0..%d", fault.ErrValidation, name, p.Duty, fanproto.MaxDuty)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Temp < sorted[j].Temp })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Temp == sorted[i-1].Temp {
			return Curve{}, fmt.Errorf("%w: curve %q has two points at %g", fault.ErrValidation, name, sorted[i].Temp)
		}
	}
	return Curve{name: name, points: sorted}, nil
}

// MustCurve is NewCurve for static curve tables. It panics on error.
func MustCurve(name string, points ...Point) Curve {
	c, err := NewCurve(name, points)
	if err != nil {
		panic(err)
	}
	return c
}

// Name returns the curve name.
func (c Curve) Name() string { return c.name }

// Points returns a copy of the sorted points.
func (c Curve) Points() []Point { return append([]Point(nil), c.points...) }

// Interpolate returns the duty for temp. Temperatures outside the curve
// clamp to the end points. Between points the duty is linear and rounded to
// the nearest integer, halves rounding down.
func (c Curve) Interpolate(temp float64) int {
	if len(c.points) == 0 {
		return fanproto.MaxDuty
	}
	first, last := c.points[0], c.points[len(c.points)-1]
	if temp <= first.Temp || math.IsNaN(temp) {
		return first.Duty
	}
	if temp >= last.Temp {
		return last.Duty
	}

	// First point strictly above temp; the one before brackets it from below.
	i := sort.Search(len(c.points), func(i int) bool { return c.points[i].Temp > temp })
	lo, hi := c.points[i-1], c.points[i]
	duty := float64(lo.Duty) + float64(hi.Duty-lo.Duty)*(temp-lo.Temp)/(hi.Temp-lo.Temp)
	// halfTolerance absorbs float error that would push an exact half up.
	return int(math.Ceil(duty - 0.5 - halfTolerance))
}

// Defaults returns the built-in curves.
func Defaults() map[string]Curve {
	return map[string]Curve{
		"Balanced":   MustCurve("Balanced", Point{30, 25}, Point{50, 50}, Point{70, 80}, Point{85, 100}),
		"Silent":     MustCurve("Silent", Point{40, 20}, Point{60, 40}, Point{80, 70}, Point{90, 100}),
		"Aggressive": MustCurve("Aggressive", Point{30, 40}, Point{50, 70}, Point{65, 90}, Point{75, 100}),
	}
}
