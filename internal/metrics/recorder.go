// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package metrics defines observability hooks for the daemon core.
package metrics

import "time"

// Recorder receives observations from sessions, supervisors and the thermal
// control loop. Implementations must be safe for concurrent use.
type Recorder interface {
	ObserveCommand(controller, op string, d time.Duration, result string)
	SetConnectionState(controller, state string)
	IncReconnectAttempt(controller string)
	SetPortStatus(controller string, port, speed, duty int)
	IncThermalUpdate(rule, result string)
	IncConfigReload(result string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not
// configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveCommand(string, string, time.Duration, string) {}
func (NoopRecorder) SetConnectionState(string, string)                     {}
func (NoopRecorder) IncReconnectAttempt(string)                            {}
func (NoopRecorder) SetPortStatus(string, int, int, int)                   {}
func (NoopRecorder) IncThermalUpdate(string, string)                       {}
func (NoopRecorder) IncConfigReload(string)                                {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
