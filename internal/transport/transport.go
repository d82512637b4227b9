// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport moves framed bytes between the host and a board.
//
// A Transport carries whole frames. Implementations exist for a local serial
// device, a websocket serial bridge and an in-memory simulated board.
package transport

import (
	"context"
	"fmt"

	"github.com/Thermoquad/ventd/internal/fault"
)

// Transport is a bidirectional frame channel to one board. It is used by a
// single session at a time and need not be safe for concurrent reads.
type Transport interface {
	// WriteFrame writes one complete wire frame.
	WriteFrame(ctx context.Context, frame []byte) error
	// ReadFrame blocks until a complete wire frame arrives or ctx is done.
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
	String() string
}

// Opener establishes a fresh transport. Supervisors call it on every
// connection attempt.
type Opener func(ctx context.Context) (Transport, error)

func transportErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, fault.ErrTransport, err)
}
