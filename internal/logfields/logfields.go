// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package logfields holds the canonical structured log keys.
package logfields

import (
	"log/slog"
	"time"
)

const (
	KeyController = "controller"
	KeyPort       = "port"
	KeyOp         = "op"
	KeyState      = "state"
	KeyFrom       = "from"
	KeyAttempt    = "attempt"
	KeyDelay      = "delay"
	KeyTransport  = "transport"
	KeySeq        = "seq"
	KeyDuty       = "duty"
	KeyTemp       = "temp_c"
	KeyCurve      = "curve"
	KeySensor     = "sensor"
	KeyZone       = "zone"
	KeyPath       = "path"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

func Controller(id string) slog.Attr  { return slog.String(KeyController, id) }
func Port(p int) slog.Attr            { return slog.Int(KeyPort, p) }
func Op(op string) slog.Attr          { return slog.String(KeyOp, op) }
func State(s string) slog.Attr        { return slog.String(KeyState, s) }
func From(s string) slog.Attr         { return slog.String(KeyFrom, s) }
func Attempt(n int) slog.Attr         { return slog.Int(KeyAttempt, n) }
func Delay(d time.Duration) slog.Attr { return slog.Duration(KeyDelay, d) }
func Transport(t string) slog.Attr    { return slog.String(KeyTransport, t) }
func Seq(n uint8) slog.Attr           { return slog.Int(KeySeq, int(n)) }
func Duty(d int) slog.Attr            { return slog.Int(KeyDuty, d) }
func Temp(c float64) slog.Attr        { return slog.Float64(KeyTemp, c) }
func Curve(name string) slog.Attr     { return slog.String(KeyCurve, name) }
func Sensor(name string) slog.Attr    { return slog.String(KeySensor, name) }
func Zone(name string) slog.Attr      { return slog.String(KeyZone, name) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func DurationMS(d time.Duration) slog.Attr {
	return slog.Float64(KeyDurationMS, float64(d.Microseconds())/1000)
}
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
