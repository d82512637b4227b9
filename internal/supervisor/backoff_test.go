// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for n, d := range want {
		assert.Equal(t, d, b.Delay(n), "attempt %d", n)
	}
}

func TestBackoff_NonDecreasingAndCapped(t *testing.T) {
	b := Backoff{Initial: 150 * time.Millisecond, Multiplier: 1.7, Max: 5 * time.Second}
	prev := time.Duration(0)
	for n := 1; n < 200; n++ {
		d := b.Delay(n)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, b.Max)
		prev = d
	}
	assert.Equal(t, b.Max, b.Delay(1000))
}

func TestBackoff_Exhausted(t *testing.T) {
	assert.False(t, DefaultBackoff().Exhausted(1_000_000))

	b := Backoff{Initial: time.Second, Multiplier: 2, Max: time.Minute, MaxAttempts: 3}
	assert.False(t, b.Exhausted(3))
	assert.True(t, b.Exhausted(4))
}

func TestBackoff_Validate(t *testing.T) {
	assert.NoError(t, DefaultBackoff().Validate())
	assert.Error(t, Backoff{Initial: 0, Multiplier: 2, Max: time.Second}.Validate())
	assert.Error(t, Backoff{Initial: time.Second, Multiplier: 0.5, Max: time.Second}.Validate())
	assert.Error(t, Backoff{Initial: time.Minute, Multiplier: 2, Max: time.Second}.Validate())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(Disconnected, Connecting))
	assert.True(t, CanTransition(Connected, Reconnecting))
	assert.True(t, CanTransition(Reconnecting, Connected))
	assert.True(t, CanTransition(Reconnecting, Failed))
	assert.True(t, CanTransition(Failed, Connecting))
	assert.True(t, CanTransition(Connected, Disconnected))

	assert.False(t, CanTransition(Disconnected, Connected))
	assert.False(t, CanTransition(Failed, Connected))
	assert.False(t, CanTransition(Disconnected, Disconnected))
	assert.False(t, CanTransition(Connecting, Failed))
}
