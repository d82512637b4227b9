// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package fanproto

import (
	"errors"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

func randomCommand(rng *rand.Rand) Command {
	cmd := Command{Seq: uint8(rng.Intn(256)), Op: Op(rng.Intn(int(OpFirmwareInfo) + 1))}
	switch cmd.Op {
	case OpSetDuty, OpSetAllDuty:
		cmd.Value = rng.Intn(MaxDuty + 1)
	case OpSetTargetSpeed:
		cmd.Value = MinTargetSpeed + rng.Intn(MaxTargetSpeed-MinTargetSpeed+1)
	}
	if cmd.Op.PerPort() {
		cmd.Port = uint8(rng.Intn(16))
	} else {
		cmd.Port = PortAll
	}
	return cmd
}

// ============================================================
// Codec Fuzz Tests
// ============================================================

func TestFuzz_CommandRoundTrip(t *testing.T) {
	rng := newFuzzRng(t)
	for i := 0; i < getFuzzRounds(); i++ {
		cmd := randomCommand(rng)
		wire, err := Encode(cmd)
		if err != nil {
			t.Fatalf("round %d: Encode(%v) error: %v", i, cmd, err)
		}
		got, err := ParseCommand(wire)
		if err != nil {
			t.Fatalf("round %d: ParseCommand(%v) error: %v", i, cmd, err)
		}
		if got != cmd {
			t.Fatalf("round %d: got %+v, want %+v", i, got, cmd)
		}
	}
}

// Random bytes must never panic the decoder, and any error must be a codec
// or board error.
func TestFuzz_DecodeRandomBytes(t *testing.T) {
	rng := newFuzzRng(t)
	for i := 0; i < getFuzzRounds(); i++ {
		n := rng.Intn(2 * MaxFrameSize)
		buf := make([]byte, n)
		rng.Read(buf)
		if n > 0 && rng.Intn(2) == 0 {
			buf[0] = StartByte
			buf[n-1] = EndByte
		}

		_, err := Decode(buf)
		if err == nil {
			continue
		}
		var ce *CodecError
		var be *BoardError
		if !errors.As(err, &ce) && !errors.As(err, &be) {
			t.Fatalf("round %d: unexpected error type %T: %v", i, err, err)
		}
	}
}

// A single flipped bit inside the body of a valid reply is always caught.
func TestFuzz_SingleBitCorruption(t *testing.T) {
	rng := newFuzzRng(t)
	for i := 0; i < getFuzzRounds(); i++ {
		status := []PortStatus{{Speed: rng.Intn(9001), Duty: rng.Intn(101)}}
		f := Frame{Seq: uint8(rng.Intn(256)), Type: uint8(OpReadStatus) | ReplyFlag, Port: uint8(rng.Intn(10)), Payload: encodeStatus(status)}

		body := []byte{uint8(len(f.Payload)), f.Seq, f.Type, f.Port}
		body = append(body, f.Payload...)
		crc := CalculateCRC(body)
		body = append(body, byte(crc>>8), byte(crc))

		pos := rng.Intn(len(body))
		body[pos] ^= 1 << uint(rng.Intn(8))

		wire := append([]byte{StartByte}, stuffBytes(body)...)
		wire = append(wire, EndByte)

		if _, err := Decode(wire); err == nil {
			t.Fatalf("round %d: corruption at byte %d not detected", i, pos)
		}
	}
}
