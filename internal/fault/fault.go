// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package fault defines the error taxonomy shared by the daemon core.
//
// Callers match with errors.Is against the sentinels below. Board rejections
// travel as *fanproto.BoardError and malformed frames as
// *fanproto.CodecError.
package fault

import (
	"context"
	"errors"

	"github.com/Thermoquad/ventd/pkg/fanproto"
)

var (
	// ErrValidation marks bad input detected before any I/O.
	ErrValidation = errors.New("invalid argument")
	// ErrTimeout marks a command whose reply did not arrive in time.
	ErrTimeout = errors.New("device timeout")
	// ErrTransport marks an I/O failure on the link.
	ErrTransport = errors.New("transport error")
	// ErrUnknownController marks a lookup of an unregistered controller.
	ErrUnknownController = errors.New("unknown controller")
	// ErrUnavailable marks a command to a controller that is not connected.
	ErrUnavailable = errors.New("controller unavailable")
	// ErrConfigMismatch marks a board whose identity contradicts its descriptor.
	ErrConfigMismatch = errors.New("board configuration mismatch")
	// ErrDuplicateController marks a registration with an id already in use.
	ErrDuplicateController = errors.New("duplicate controller")
	// ErrClosed marks use of a component after shutdown.
	ErrClosed = errors.New("closed")
)

// Transient reports whether err is a link-level failure that a reconnect
// may cure: timeouts, transport failures and malformed frames.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var ce *fanproto.CodecError
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport) || errors.As(err, &ce)
}

// IsBoard reports whether err is a logical rejection from the board.
func IsBoard(err error) bool {
	var be *fanproto.BoardError
	return errors.As(err, &be)
}

// Category returns a stable label for err, used in metrics and status.
func Category(err error) string {
	var ce *fanproto.CodecError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation), errors.Is(err, fanproto.ErrOutOfRange):
		return "validation"
	case errors.Is(err, ErrUnknownController):
		return "unknown_controller"
	case errors.Is(err, ErrDuplicateController):
		return "duplicate_controller"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrConfigMismatch):
		return "config_mismatch"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &ce):
		return "codec"
	case errors.Is(err, ErrTransport):
		return "transport"
	case IsBoard(err):
		return "board"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "internal"
	}
}
