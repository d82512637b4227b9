// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package airflow

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/ventd/internal/fault"
)

func TestEstimate(t *testing.T) {
	assert.Equal(t, 30.0, Estimate(Calibration{FlowAt100: 60}, 50))
	assert.Equal(t, 45.0, Estimate(Calibration{FlowAt100: 45}, 100))
	assert.Equal(t, 33.75, Estimate(Calibration{FlowAt100: 45}, 75))
	assert.Zero(t, Estimate(Calibration{FlowAt100: 45}, 0))
}

func TestNewCalibration(t *testing.T) {
	cal, err := NewCalibration(500)
	require.NoError(t, err)
	assert.Equal(t, 500.0, cal.FlowAt100)

	for _, bad := range []float64{0, -1, 500.1, math.NaN()} {
		_, err := NewCalibration(bad)
		assert.ErrorIs(t, err, fault.ErrValidation, "%g", bad)
	}
}

func TestTable(t *testing.T) {
	table, err := NewTable(map[int]float64{3: 60, 0: 45})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, table.Ports())

	cal, ok := table.Lookup(3)
	require.True(t, ok)
	assert.Equal(t, 30.0, Estimate(cal, 50))

	_, ok = table.Lookup(1)
	assert.False(t, ok)

	_, err = NewTable(map[int]float64{1: 600})
	assert.ErrorIs(t, err, fault.ErrValidation)
	_, err = NewTable(map[int]float64{-1: 60})
	assert.ErrorIs(t, err, fault.ErrValidation)
}
