// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/ventd/internal/logfields"
	"github.com/Thermoquad/ventd/pkg/fanproto"
)

var sniffHex bool

var sniffCmd = &cobra.Command{
	Use:   "sniff",
	Short: "Display frames on the wire in human-readable format",
	Long: `Continuously decode and display protocol frames as they arrive, without
sending anything. On a serial port the raw byte stream is decoded, so line
noise and CRC failures are reported as well.

Supports both serial and WebSocket connections.`,
	RunE: runSniff,
}

func init() {
	rootCmd.AddCommand(sniffCmd)
	sniffCmd.Flags().BoolVar(&sniffHex, "hex", false, "Also print the raw bytes of each frame")
}

// sniffStats counts what the sniffer saw, for the summary printed on exit.
type sniffStats struct {
	start  time.Time
	frames uint64
	errors uint64
}

func (s *sniffStats) write(w io.Writer) {
	elapsed := time.Since(s.start)
	fmt.Fprintf(w, "\n--- Sniff statistics ---\n")
	fmt.Fprintf(w, "Duration: %v\n", elapsed.Round(time.Second))
	fmt.Fprintf(w, "Frames: %d, decode errors: %d\n", s.frames, s.errors)
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Fprintf(w, "Rate: %.1f frames/sec\n", float64(s.frames)/secs)
	}
	if total := s.frames + s.errors; total > 0 {
		fmt.Fprintf(w, "Success rate: %.1f%%\n", float64(s.frames)/float64(total)*100)
	}
}

// rawReader is implemented by transports that expose the undecoded stream.
type rawReader interface {
	ReadRaw(p []byte) (int, error)
}

func runSniff(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr, err := OpenTransport(ctx)
	if err != nil {
		return err
	}
	defer tr.Close()

	fmt.Printf("ventd - Frame Log\n")
	fmt.Printf("Connection: %s\n", tr)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	if raw, ok := tr.(rawReader); ok {
		return sniffBytes(ctx, raw, os.Stdout)
	}
	stats := &sniffStats{start: time.Now()}
	defer stats.write(os.Stdout)
	for {
		wire, err := tr.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Info("Connection closed", logfields.Error(err))
			return nil
		}
		if printFrame(os.Stdout, wire) {
			stats.frames++
		} else {
			stats.errors++
		}
	}
}

// sniffBytes decodes a raw stream byte by byte until ctx ends.
func sniffBytes(ctx context.Context, r rawReader, w io.Writer) error {
	decoder := fanproto.NewDecoder()
	stats := &sniffStats{start: time.Now()}
	defer stats.write(w)
	buf := make([]byte, 128)
	for ctx.Err() == nil {
		n, err := r.ReadRaw(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			slog.Warn("Read error", logfields.Error(err))
			continue
		}
		for i := 0; i < n; i++ {
			frame, err := decoder.DecodeByte(buf[i])
			if err != nil {
				fmt.Fprintf(w, "[ERROR] %v\n", err)
				stats.errors++
				continue
			}
			if frame != nil {
				writeFrame(w, *frame)
				stats.frames++
			}
		}
	}
	return nil
}

// printFrame reports whether wire decoded.
func printFrame(w io.Writer, wire []byte) bool {
	frame, err := fanproto.DecodeFrame(wire)
	if err != nil {
		fmt.Fprintf(w, "[ERROR] %v\n", err)
		return false
	}
	writeFrame(w, frame)
	return true
}

func writeFrame(w io.Writer, f fanproto.Frame) {
	fmt.Fprintf(w, "[%s] %s", time.Now().Format("15:04:05.000"), fanproto.FormatFrame(f))
	if sniffHex {
		if wire, err := fanproto.EncodeFrame(f); err == nil {
			fmt.Fprintf(w, "  Raw: %s\n", fanproto.FormatHex(wire))
		}
	}
}
