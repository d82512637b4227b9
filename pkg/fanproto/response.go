// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package fanproto

import (
	"encoding/binary"
	"fmt"
)

// PortStatus is the observed state of one fan port.
type PortStatus struct {
	Speed int // rotations per minute
	Duty  int // percent
}

// Response is a decoded successful reply. Status holds one entry for
// single-port replies and one entry per port for OpReadAllStatus; Board and
// Firmware are set for the identity queries.
type Response struct {
	Seq      uint8
	Op       Op
	Port     uint8
	Status   []PortStatus
	Board    *BoardInfo
	Firmware *FirmwareInfo
}

// Decode parses one reply frame. A board rejection is returned as a
// *BoardError; anything malformed as a *CodecError. Decode has no side
// effects.
func Decode(wire []byte) (Response, error) {
	f, err := DecodeFrame(wire)
	if err != nil {
		return Response{}, err
	}
	return decodeReply(f)
}

func decodeReply(f Frame) (Response, error) {
	if f.Type == MsgError {
		if len(f.Payload) != 2 {
			return Response{}, codecErrorf("error reply payload length %d, want 2", len(f.Payload))
		}
		return Response{Seq: f.Seq, Port: f.Port, Op: Op(f.Payload[0])}, &BoardError{
			Op:   Op(f.Payload[0]),
			Port: f.Port,
			Code: f.Payload[1],
		}
	}

	if f.Type&ReplyFlag == 0 {
		return Response{}, codecErrorf("type 0x%02X is not a reply", f.Type)
	}
	op := Op(f.Type &^ ReplyFlag)
	if !op.Known() {
		return Response{}, codecErrorf("unknown reply type 0x%02X", f.Type)
	}

	resp := Response{Seq: f.Seq, Op: op, Port: f.Port}

	switch op {
	case OpReadAllStatus:
		if len(f.Payload) == 0 || len(f.Payload)%StatusSize != 0 {
			return Response{}, codecErrorf("%s payload length %d is not a multiple of %d", op, len(f.Payload), StatusSize)
		}
		resp.Status = decodeStatus(f.Payload)
	case OpReadStatus, OpSetDuty, OpSetTargetSpeed:
		if len(f.Payload) != StatusSize {
			return Response{}, codecErrorf("%s payload length %d, want %d", op, len(f.Payload), StatusSize)
		}
		resp.Status = decodeStatus(f.Payload)
	case OpSetAllDuty:
		if len(f.Payload) != 0 {
			return Response{}, codecErrorf("%s payload length %d, want 0", op, len(f.Payload))
		}
	case OpHardwareInfo:
		var info BoardInfo
		if err := unmarshalInfo(f.Payload, &info); err != nil {
			return Response{}, err
		}
		resp.Board = &info
	case OpFirmwareInfo:
		var info FirmwareInfo
		if err := unmarshalInfo(f.Payload, &info); err != nil {
			return Response{}, err
		}
		resp.Firmware = &info
	}
	return resp, nil
}

func decodeStatus(payload []byte) []PortStatus {
	out := make([]PortStatus, 0, len(payload)/StatusSize)
	for i := 0; i+StatusSize <= len(payload); i += StatusSize {
		out = append(out, PortStatus{
			Speed: int(binary.BigEndian.Uint16(payload[i:])),
			Duty:  UnscaleDuty(payload[i+2]),
		})
	}
	return out
}

func encodeStatus(status []PortStatus) []byte {
	out := make([]byte, 0, len(status)*StatusSize)
	for _, s := range status {
		out = binary.BigEndian.AppendUint16(out, uint16(s.Speed))
		out = append(out, ScaleDuty(s.Duty))
	}
	return out
}

// EncodeResponse produces the wire bytes of a successful reply. It is the
// board-side counterpart of Decode.
func EncodeResponse(resp Response) ([]byte, error) {
	if !resp.Op.Known() {
		return nil, fmt.Errorf("unknown opcode 0x%02X", uint8(resp.Op))
	}

	var payload []byte
	switch resp.Op {
	case OpHardwareInfo:
		if resp.Board == nil {
			return nil, fmt.Errorf("%s reply without board info", resp.Op)
		}
		data, err := marshalInfo(resp.Board)
		if err != nil {
			return nil, err
		}
		payload = data
	case OpFirmwareInfo:
		if resp.Firmware == nil {
			return nil, fmt.Errorf("%s reply without firmware info", resp.Op)
		}
		data, err := marshalInfo(resp.Firmware)
		if err != nil {
			return nil, err
		}
		payload = data
	case OpSetAllDuty:
	default:
		payload = encodeStatus(resp.Status)
	}

	return EncodeFrame(Frame{Seq: resp.Seq, Type: uint8(resp.Op) | ReplyFlag, Port: resp.Port, Payload: payload})
}

// EncodeError produces the wire bytes of a board rejection.
func EncodeError(seq uint8, e *BoardError) ([]byte, error) {
	return EncodeFrame(Frame{Seq: seq, Type: MsgError, Port: e.Port, Payload: []byte{uint8(e.Op), e.Code}})
}
