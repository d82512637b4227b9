// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Thermoquad/ventd/pkg/fanproto"
)

func TestTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", fmt.Errorf("send: %w", ErrTimeout), true},
		{"transport", fmt.Errorf("write: %w", ErrTransport), true},
		{"codec", fmt.Errorf("read: %w", &fanproto.CodecError{Reason: "crc"}), true},
		{"board", &fanproto.BoardError{Op: fanproto.OpSetDuty, Code: fanproto.CodeInvalidPort}, false},
		{"validation", ErrValidation, false},
		{"mismatch", ErrConfigMismatch, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Transient(tc.err))
		})
	}
}

func TestCategory(t *testing.T) {
	cases := map[string]error{
		"ok":                   nil,
		"validation":           fmt.Errorf("duty: %w", ErrValidation),
		"unknown_controller":   ErrUnknownController,
		"duplicate_controller": ErrDuplicateController,
		"unavailable":          ErrUnavailable,
		"config_mismatch":      ErrConfigMismatch,
		"timeout":              ErrTimeout,
		"codec":                &fanproto.CodecError{Reason: "length"},
		"transport":            ErrTransport,
		"board":                &fanproto.BoardError{Code: fanproto.CodeBusy},
		"canceled":             context.Canceled,
		"internal":             errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, Category(err), "error %v", err)
	}
	assert.Equal(t, "validation", Category(fmt.Errorf("encode: %w", fanproto.ErrOutOfRange)))
}
