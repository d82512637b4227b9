// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package fanproto

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// FormatType returns the human-readable name of a frame type byte
func FormatType(t uint8) string {
	if t == MsgError {
		return "ERROR"
	}
	if t&ReplyFlag != 0 {
		return Op(t&^ReplyFlag).String() + "_REPLY"
	}
	return Op(t).String()
}

// FormatFrame formats a frame for a human reader
func FormatFrame(f Frame) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (0x%02X) seq=%d port=%s len=%d\n", FormatType(f.Type), f.Type, f.Seq, formatPort(f.Port), len(f.Payload))
	sb.WriteString(formatPayload(f))
	return sb.String()
}

func formatPort(port uint8) string {
	if port == PortAll {
		return "all"
	}
	return fmt.Sprintf("%d", port)
}

func formatPayload(f Frame) string {
	p := f.Payload
	switch {
	case f.Type == MsgError && len(p) == 2:
		return fmt.Sprintf("  Rejected: %s, %s\n", Op(p[0]), codeName(p[1]))

	case (f.Type == uint8(OpSetDuty) || f.Type == uint8(OpSetAllDuty)) && len(p) == 1:
		return fmt.Sprintf("  Duty: %d%% (raw %d)\n", UnscaleDuty(p[0]), p[0])

	case f.Type == uint8(OpSetTargetSpeed) && len(p) == 2:
		return fmt.Sprintf("  Target: %d rpm\n", binary.BigEndian.Uint16(p))

	case f.Type == uint8(OpHardwareInfo)|ReplyFlag:
		var info BoardInfo
		if err := unmarshalInfo(p, &info); err == nil {
			return fmt.Sprintf("  Board: %s\n", info)
		}

	case f.Type == uint8(OpFirmwareInfo)|ReplyFlag:
		var info FirmwareInfo
		if err := unmarshalInfo(p, &info); err == nil {
			return fmt.Sprintf("  Firmware: %s %s\n", info.Version, info.Build)
		}

	case f.Type&ReplyFlag != 0 && len(p) > 0 && len(p)%StatusSize == 0:
		var sb strings.Builder
		first := int(f.Port)
		if f.Port == PortAll {
			first = 0
		}
		for i, s := range decodeStatus(p) {
			fmt.Fprintf(&sb, "  Port %d: %d rpm, %d%%\n", first+i, s.Speed, s.Duty)
		}
		return sb.String()
	}

	if len(p) == 0 {
		return ""
	}
	return "  Payload: " + FormatHex(p) + "\n"
}

// FormatHex renders bytes as space-separated hex pairs
func FormatHex(data []byte) string {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}
