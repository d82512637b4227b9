// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package fanproto

import (
	"encoding/binary"
	"fmt"
)

// Op identifies a board command.
type Op uint8

func (o Op) String() string {
	switch o {
	case OpReadAllStatus:
		return "READ_ALL_STATUS"
	case OpReadStatus:
		return "READ_STATUS"
	case OpSetDuty:
		return "SET_DUTY"
	case OpSetAllDuty:
		return "SET_ALL_DUTY"
	case OpSetTargetSpeed:
		return "SET_TARGET_SPEED"
	case OpHardwareInfo:
		return "HARDWARE_INFO"
	case OpFirmwareInfo:
		return "FIRMWARE_INFO"
	default:
		return fmt.Sprintf("OP_0x%02X", uint8(o))
	}
}

// Known reports whether o is a command opcode this package can encode.
func (o Op) Known() bool {
	return o <= OpFirmwareInfo
}

// PerPort reports whether the command addresses a single port.
func (o Op) PerPort() bool {
	switch o {
	case OpReadStatus, OpSetDuty, OpSetTargetSpeed:
		return true
	}
	return false
}

// Command is a request from the host to a board. Value carries the duty
// percentage for OpSetDuty and OpSetAllDuty and the target speed for
// OpSetTargetSpeed; it is ignored otherwise.
type Command struct {
	Seq   uint8
	Op    Op
	Port  uint8
	Value int
}

func (c Command) String() string {
	switch c.Op {
	case OpSetDuty, OpSetTargetSpeed:
		return fmt.Sprintf("%s port=%d value=%d", c.Op, c.Port, c.Value)
	case OpSetAllDuty:
		return fmt.Sprintf("%s value=%d", c.Op, c.Value)
	case OpReadStatus:
		return fmt.Sprintf("%s port=%d", c.Op, c.Port)
	default:
		return c.Op.String()
	}
}

// ScaleDuty converts a duty percentage to the 0..255 wire representation.
func ScaleDuty(pct int) uint8 {
	return uint8(pct * 255 / MaxDuty)
}

// UnscaleDuty converts a wire duty byte back to a percentage. It recovers
// every percentage produced by ScaleDuty exactly.
func UnscaleDuty(raw uint8) int {
	return (int(raw)*MaxDuty + 127) / 255
}

// Encode validates cmd and produces its wire bytes.
func Encode(cmd Command) ([]byte, error) {
	if !cmd.Op.Known() {
		return nil, fmt.Errorf("unknown opcode 0x%02X", uint8(cmd.Op))
	}
	if cmd.Op.PerPort() && cmd.Port == PortAll {
		return nil, fmt.Errorf("%s needs a single port", cmd.Op)
	}

	port := cmd.Port
	var payload []byte

	switch cmd.Op {
	case OpSetDuty, OpSetAllDuty:
		if cmd.Value < 0 || cmd.Value > MaxDuty {
			return nil, fmt.Errorf("duty %d: %w (0..%d)", cmd.Value, ErrOutOfRange, MaxDuty)
		}
		payload = []byte{ScaleDuty(cmd.Value)}
	case OpSetTargetSpeed:
		if cmd.Value < MinTargetSpeed || cmd.Value > MaxTargetSpeed {
			return nil, fmt.Errorf("target speed %d: %w (%d..%d)", cmd.Value, ErrOutOfRange, MinTargetSpeed, MaxTargetSpeed)
		}
		payload = binary.BigEndian.AppendUint16(nil, uint16(cmd.Value))
	}

	if !cmd.Op.PerPort() {
		port = PortAll
	}

	return EncodeFrame(Frame{Seq: cmd.Seq, Type: uint8(cmd.Op), Port: port, Payload: payload})
}

// ParseCommand decodes a command frame. It is the board-side inverse of
// Encode and is used by simulated boards.
func ParseCommand(wire []byte) (Command, error) {
	f, err := DecodeFrame(wire)
	if err != nil {
		return Command{}, err
	}

	op := Op(f.Type)
	cmd := Command{Seq: f.Seq, Op: op, Port: f.Port}
	if !op.Known() {
		return cmd, codecErrorf("unknown command type 0x%02X", f.Type)
	}

	switch op {
	case OpSetDuty, OpSetAllDuty:
		if len(f.Payload) != 1 {
			return cmd, codecErrorf("%s payload length %d, want 1", op, len(f.Payload))
		}
		cmd.Value = UnscaleDuty(f.Payload[0])
	case OpSetTargetSpeed:
		if len(f.Payload) != 2 {
			return cmd, codecErrorf("%s payload length %d, want 2", op, len(f.Payload))
		}
		cmd.Value = int(binary.BigEndian.Uint16(f.Payload))
	default:
		if len(f.Payload) != 0 {
			return cmd, codecErrorf("%s payload length %d, want 0", op, len(f.Payload))
		}
	}
	return cmd, nil
}
