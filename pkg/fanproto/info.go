// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package fanproto

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// BoardInfo is the hardware identity a board reports.
type BoardInfo struct {
	Model     string `cbor:"0,keyasint"`
	VendorID  uint16 `cbor:"1,keyasint"`
	ProductID uint16 `cbor:"2,keyasint"`
	FanCount  uint8  `cbor:"3,keyasint"`
	Revision  string `cbor:"4,keyasint,omitempty"`
}

func (b BoardInfo) String() string {
	return fmt.Sprintf("%s (%04X:%04X, %d fans)", b.Model, b.VendorID, b.ProductID, b.FanCount)
}

// FirmwareInfo is the firmware identity a board reports.
type FirmwareInfo struct {
	Version string `cbor:"0,keyasint"`
	Build   string `cbor:"1,keyasint,omitempty"`
}

var infoDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

func marshalInfo(v any) ([]byte, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode CBOR payload: %w", err)
	}
	if len(data) > MaxPayloadSize {
		return nil, fmt.Errorf("CBOR payload too large: %d bytes (max %d)", len(data), MaxPayloadSize)
	}
	return data, nil
}

func unmarshalInfo(data []byte, v any) error {
	if len(data) == 0 {
		return codecErrorf("empty CBOR payload")
	}
	if err := infoDecMode.Unmarshal(data, v); err != nil {
		return codecErrorf("failed to decode CBOR: %v", err)
	}
	return nil
}
