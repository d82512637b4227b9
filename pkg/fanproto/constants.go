// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package fanproto implements the framed binary protocol spoken by serial
// fan-controller boards.
//
// A frame on the wire is
//
//	START | stuffed(len | seq | type | port | payload[len] | crc16) | END
//
// where the CRC-16-CCITT trailer is big-endian and covers len..payload.
// START, END and ESC inside the frame body are escaped as ESC, b^0x20.
package fanproto

// Protocol framing bytes
const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20
)

// Frame size limits
const (
	HeaderSize     = 4 // len, seq, type, port
	CRCSize        = 2
	MaxPayloadSize = 96
	MaxFrameSize   = HeaderSize + MaxPayloadSize + CRCSize
)

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// PortAll addresses every port of a board.
const PortAll = 0xFF

// Command opcodes (host -> board). Replies carry op|ReplyFlag.
const (
	OpReadAllStatus  Op = 0x00
	OpReadStatus     Op = 0x01
	OpSetDuty        Op = 0x02
	OpSetAllDuty     Op = 0x03
	OpSetTargetSpeed Op = 0x04
	OpHardwareInfo   Op = 0x05
	OpFirmwareInfo   Op = 0x06
)

// ReplyFlag is set on the type byte of every successful reply.
const ReplyFlag = 0x80

// MsgError is the type byte of a board rejection.
const MsgError = 0xE0

// Board error codes carried in an error reply.
const (
	CodeInvalidCommand uint8 = 0x01
	CodeInvalidPort    uint8 = 0x02
	CodeOutOfRange     uint8 = 0x03
	CodeBusy           uint8 = 0x04
)

// Value limits enforced by the encoder.
const (
	MaxDuty        = 100
	MinTargetSpeed = 500
	MaxTargetSpeed = 9000
)

// StatusSize is the size of one port status record: speed u16be, duty u8.
const StatusSize = 3
