// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package supervisor

import (
	"fmt"
	"time"
)

// Backoff is the reconnection delay policy. It is immutable after
// construction.
type Backoff struct {
	Initial     time.Duration // delay before the first retry
	Multiplier  float64       // growth factor per failed attempt
	Max         time.Duration // cap for growth
	MaxAttempts int           // retries before giving up; 0 means unlimited
}

// DefaultBackoff returns 1s initial, doubling, capped at 30s, unlimited.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Multiplier: 2, Max: 30 * time.Second}
}

// Delay returns the wait before retry attempt n (1-based). Delays never
// decrease with n and never exceed Max.
func (b Backoff) Delay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := float64(b.Initial)
	for i := 1; i < n; i++ {
		d *= b.Multiplier
		if d >= float64(b.Max) {
			return b.Max
		}
	}
	if d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt n exceeds the retry budget.
func (b Backoff) Exhausted(n int) bool {
	return b.MaxAttempts > 0 && n > b.MaxAttempts
}

// Validate ensures the policy can be applied.
func (b Backoff) Validate() error {
	if b.Initial <= 0 {
		return fmt.Errorf("initial delay must be >0")
	}
	if b.Max < b.Initial {
		return fmt.Errorf("max delay %s is below initial delay %s", b.Max, b.Initial)
	}
	if b.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >=1, got %g", b.Multiplier)
	}
	if b.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must be >=0")
	}
	return nil
}
