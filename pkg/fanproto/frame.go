// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package fanproto

import "fmt"

// Frame is one unstuffed protocol frame.
type Frame struct {
	Seq     uint8
	Type    uint8
	Port    uint8
	Payload []byte
}

// EncodeFrame creates a complete wire-formatted frame, including framing,
// CRC trailer and byte stuffing.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d bytes (max %d)", len(f.Payload), MaxPayloadSize)
	}

	body := make([]byte, 0, HeaderSize+len(f.Payload)+CRCSize)
	body = append(body, uint8(len(f.Payload)), f.Seq, f.Type, f.Port)
	body = append(body, f.Payload...)

	crc := CalculateCRC(body)
	body = append(body, byte(crc>>8), byte(crc&0xFF))

	stuffed := stuffBytes(body)

	wire := make([]byte, 0, len(stuffed)+2)
	wire = append(wire, StartByte)
	wire = append(wire, stuffed...)
	wire = append(wire, EndByte)
	return wire, nil
}

// DecodeFrame decodes exactly one frame from wire. Leading noise before the
// first START byte is ignored; anything after the END byte is an error.
func DecodeFrame(wire []byte) (Frame, error) {
	d := NewDecoder()
	for i, b := range wire {
		f, err := d.DecodeByte(b)
		if err != nil {
			return Frame{}, err
		}
		if f != nil {
			if i != len(wire)-1 {
				return Frame{}, codecErrorf("%d trailing bytes after frame", len(wire)-1-i)
			}
			return *f, nil
		}
	}
	return Frame{}, codecErrorf("incomplete frame")
}

// stuffBytes escapes START, END and ESC as ESC followed by byte^EscXor.
func stuffBytes(data []byte) []byte {
	result := make([]byte, 0, len(data)*2)
	for _, b := range data {
		if b == StartByte || b == EndByte || b == EscByte {
			result = append(result, EscByte, b^EscXor)
		} else {
			result = append(result, b)
		}
	}
	return result
}

// UnstuffBytes is the inverse of the stuffing applied by EncodeFrame.
func UnstuffBytes(data []byte) ([]byte, error) {
	result := make([]byte, 0, len(data))
	escapeNext := false

	for _, b := range data {
		if escapeNext {
			result = append(result, b^EscXor)
			escapeNext = false
		} else if b == EscByte {
			escapeNext = true
		} else {
			result = append(result, b)
		}
	}

	if escapeNext {
		return nil, codecErrorf("incomplete escape sequence at end of data")
	}
	return result, nil
}
