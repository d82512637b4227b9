// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package board describes the fan-controller hardware variants the daemon
// can drive.
package board

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Thermoquad/ventd/internal/fault"
	"github.com/Thermoquad/ventd/pkg/fanproto"
)

// Kind is the hardware variant tag.
type Kind int

const (
	KindStandard Kind = iota
	KindCustom
)

// Limits shared by every board kind.
const (
	MaxFans           = 16
	StandardFans      = 10
	StandardVendorID  = 0x2E8A
	StandardProductID = 0x000A
	DefaultBaud       = 115200
	DefaultTimeout    = time.Second
)

// Descriptor identifies a board's variant and capabilities. It is immutable
// once bound to a controller.
type Descriptor struct {
	Kind      Kind
	FanCount  int
	VendorID  uint16
	ProductID uint16
	HasUSBID  bool
	Baud      int
	Timeout   time.Duration
}

// Standard returns the descriptor of the standard ten-port board.
func Standard() Descriptor {
	return Descriptor{
		Kind:      KindStandard,
		FanCount:  StandardFans,
		VendorID:  StandardVendorID,
		ProductID: StandardProductID,
		HasUSBID:  true,
		Baud:      DefaultBaud,
		Timeout:   DefaultTimeout,
	}
}

// Custom returns the descriptor of a custom board with n ports.
func Custom(n int) (Descriptor, error) {
	if n < 1 || n > MaxFans {
		return Descriptor{}, fmt.Errorf("%w: custom board fan count %d outside 1..%d", fault.ErrValidation, n, MaxFans)
	}
	return Descriptor{
		Kind:     KindCustom,
		FanCount: n,
		Baud:     DefaultBaud,
		Timeout:  DefaultTimeout,
	}, nil
}

// Parse parses a board kind string: "standard" or "custom:N".
func Parse(s string) (Descriptor, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch {
	case s == "" || s == "standard":
		return Standard(), nil
	case strings.HasPrefix(s, "custom:"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "custom:"))
		if err != nil {
			return Descriptor{}, fmt.Errorf("%w: invalid custom board %q", fault.ErrValidation, s)
		}
		return Custom(n)
	default:
		return Descriptor{}, fmt.Errorf("%w: unknown board kind %q", fault.ErrValidation, s)
	}
}

// String returns the kind string accepted by Parse.
func (d Descriptor) String() string {
	if d.Kind == KindCustom {
		return "custom:" + strconv.Itoa(d.FanCount)
	}
	return "standard"
}

// ValidPort reports whether port addresses a fan on this board.
func (d Descriptor) ValidPort(port int) bool {
	return port >= 0 && port < d.FanCount
}

// CheckPort returns a validation error for ports outside 0..FanCount-1.
func (d Descriptor) CheckPort(port int) error {
	if !d.ValidPort(port) {
		return fmt.Errorf("%w: port %d outside 0..%d", fault.ErrValidation, port, d.FanCount-1)
	}
	return nil
}

// Matches checks a board's reported identity against the descriptor. Custom
// boards without a USB id only need a matching fan count.
func (d Descriptor) Matches(info fanproto.BoardInfo) error {
	if int(info.FanCount) != d.FanCount {
		return fmt.Errorf("%w: board reports %d fans, configured for %d", fault.ErrConfigMismatch, info.FanCount, d.FanCount)
	}
	if d.HasUSBID && (info.VendorID != d.VendorID || info.ProductID != d.ProductID) {
		return fmt.Errorf("%w: board reports %04X:%04X, configured for %04X:%04X",
			fault.ErrConfigMismatch, info.VendorID, info.ProductID, d.VendorID, d.ProductID)
	}
	return nil
}

// Identity returns the BoardInfo a board matching d reports.
func (d Descriptor) Identity() fanproto.BoardInfo {
	model := "OpenFAN"
	if d.Kind == KindCustom {
		model = "OpenFAN custom"
	}
	return fanproto.BoardInfo{
		Model:     model,
		VendorID:  d.VendorID,
		ProductID: d.ProductID,
		FanCount:  uint8(d.FanCount),
	}
}
