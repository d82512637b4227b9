// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package fanproto

type decoderState int

const (
	stateIdle decoderState = iota
	stateLength
	stateSeq
	stateType
	statePort
	statePayload
	stateCRC1
	stateCRC2
	stateEnd
)

// Decoder is a byte-at-a-time frame decoder state machine.
type Decoder struct {
	state      decoderState
	body       []byte
	escapeNext bool
	frame      *Frame
	length     int
	crc        uint16
	raw        []byte
}

// NewDecoder creates a new frame decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state: stateIdle,
		body:  make([]byte, 0, MaxFrameSize),
		raw:   make([]byte, 0, MaxFrameSize*2),
	}
}

// Reset returns the decoder to idle
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.body = d.body[:0]
	d.escapeNext = false
	d.frame = nil
	d.length = 0
	d.crc = 0
	d.raw = d.raw[:0]
}

// RawBytes returns the wire bytes accumulated since the last frame boundary.
func (d *Decoder) RawBytes() []byte {
	return d.raw
}

// DecodeByte feeds one wire byte through the state machine. It returns a
// frame once END closes a frame with a valid CRC, nil while a frame is
// incomplete, and a *CodecError when the frame is malformed.
func (d *Decoder) DecodeByte(b byte) (*Frame, error) {
	d.raw = append(d.raw, b)

	if b == EscByte && !d.escapeNext {
		if d.state == stateIdle {
			return nil, nil
		}
		d.escapeNext = true
		return nil, nil
	}

	escaped := d.escapeNext
	if escaped {
		b ^= EscXor
		d.escapeNext = false
	}

	if !escaped && b == StartByte {
		d.Reset()
		d.raw = append(d.raw, StartByte)
		d.state = stateLength
		return nil, nil
	}

	if !escaped && b == EndByte {
		state := d.state
		if state == stateIdle {
			d.Reset()
			return nil, nil
		}
		if state != stateEnd {
			d.Reset()
			return nil, codecErrorf("unexpected END byte after %d body bytes", len(d.body))
		}

		frame := d.frame
		calculated := CalculateCRC(d.body)
		received := d.crc
		d.Reset()
		if received != calculated {
			return nil, codecErrorf("CRC mismatch: expected 0x%04X, got 0x%04X", calculated, received)
		}
		return frame, nil
	}

	switch d.state {
	case stateIdle:
		d.raw = d.raw[:0]
		return nil, nil

	case stateLength:
		if int(b) > MaxPayloadSize {
			d.Reset()
			return nil, codecErrorf("invalid length: %d (max %d)", b, MaxPayloadSize)
		}
		d.length = int(b)
		d.frame = &Frame{Payload: make([]byte, 0, b)}
		d.body = append(d.body, b)
		d.state = stateSeq

	case stateSeq:
		d.frame.Seq = b
		d.body = append(d.body, b)
		d.state = stateType

	case stateType:
		d.frame.Type = b
		d.body = append(d.body, b)
		d.state = statePort

	case statePort:
		d.frame.Port = b
		d.body = append(d.body, b)
		if d.length == 0 {
			d.state = stateCRC1
		} else {
			d.state = statePayload
		}

	case statePayload:
		d.frame.Payload = append(d.frame.Payload, b)
		d.body = append(d.body, b)
		if len(d.frame.Payload) >= d.length {
			d.state = stateCRC1
		}

	case stateCRC1:
		d.crc = uint16(b) << 8
		d.state = stateCRC2

	case stateCRC2:
		d.crc |= uint16(b)
		d.state = stateEnd

	case stateEnd:
		// Only END is valid after the trailer.
		length := d.length
		d.Reset()
		return nil, codecErrorf("frame longer than declared length %d", length)
	}
	return nil, nil
}
