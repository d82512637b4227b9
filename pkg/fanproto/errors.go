// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package fanproto

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned by the encoder for values the board cannot accept.
var ErrOutOfRange = errors.New("value out of range")

// CodecError reports a frame that could not be decoded: bad CRC, bad length,
// broken stuffing or an unknown message type.
type CodecError struct {
	Reason string
}

func (e *CodecError) Error() string {
	return "malformed frame: " + e.Reason
}

func codecErrorf(format string, args ...any) *CodecError {
	return &CodecError{Reason: fmt.Sprintf(format, args...)}
}

// BoardError is a well-formed rejection sent by the board. It is a logical
// error and says nothing about the health of the link.
type BoardError struct {
	Op   Op
	Port uint8
	Code uint8
}

func (e *BoardError) Error() string {
	if e.Port == PortAll {
		return fmt.Sprintf("board rejected %s: %s", e.Op, codeName(e.Code))
	}
	return fmt.Sprintf("board rejected %s on port %d: %s", e.Op, e.Port, codeName(e.Code))
}

func codeName(code uint8) string {
	switch code {
	case CodeInvalidCommand:
		return "invalid command"
	case CodeInvalidPort:
		return "invalid port"
	case CodeOutOfRange:
		return "value out of range"
	case CodeBusy:
		return "busy"
	default:
		return fmt.Sprintf("code 0x%02X", code)
	}
}
