// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package logfields

import (
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestHelperKeys(t *testing.T) {
	cases := []struct {
		attr slog.Attr
		key  string
	}{
		{Controller("c1"), KeyController},
		{Port(3), KeyPort},
		{Op("SET_DUTY"), KeyOp},
		{State("connected"), KeyState},
		{Attempt(2), KeyAttempt},
		{Delay(time.Second), KeyDelay},
		{Curve("cpu"), KeyCurve},
		{DurationMS(1500 * time.Microsecond), KeyDurationMS},
	}
	for _, c := range cases {
		if c.attr.Key != c.key {
			t.Errorf("attr key = %q, want %q", c.attr.Key, c.key)
		}
	}
}

func TestDurationMS(t *testing.T) {
	if got := DurationMS(1500 * time.Microsecond).Value.Float64(); got != 1.5 {
		t.Errorf("DurationMS = %v, want 1.5", got)
	}
}

func TestError(t *testing.T) {
	if got := Error(nil).Value.String(); got != "" {
		t.Errorf("Error(nil) = %q", got)
	}
	if got := Error(errors.New("boom")).Value.String(); got != "boom" {
		t.Errorf("Error = %q", got)
	}
}
