// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/ventd/internal/board"
	"github.com/Thermoquad/ventd/internal/fault"
	"github.com/Thermoquad/ventd/internal/session"
	"github.com/Thermoquad/ventd/pkg/fanproto"
)

var (
	probeTimeout time.Duration
	probeSet     []string
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Query one board's identity and fan status",
	Long: `Open one board, print its hardware and firmware identity and the status of
every port. --set writes duty values first, as PORT=DUTY pairs.

Examples:
  ventd probe --port /dev/ttyACM0
  ventd probe --url ws://bridge.local/serial --set 0=40 --set 1=40

Exit codes:
  0 - Board answered
  1 - Board rejected a command or did not match --board
  2 - Connection error`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", board.DefaultTimeout, "Reply timeout per command")
	probeCmd.Flags().StringArrayVar(&probeSet, "set", nil, "Set a port's duty before reading (PORT=DUTY)")
}

type dutyWrite struct {
	port, duty int
}

func parseSet(desc board.Descriptor, items []string) ([]dutyWrite, error) {
	out := make([]dutyWrite, 0, len(items))
	for _, item := range items {
		p, d, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("--set %q is not PORT=DUTY", item)
		}
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("--set %q: bad port", item)
		}
		duty, err := strconv.Atoi(d)
		if err != nil || duty < 0 || duty > fanproto.MaxDuty {
			return nil, fmt.Errorf("--set %q: duty must be 0..%d", item, fanproto.MaxDuty)
		}
		if err := desc.CheckPort(port); err != nil {
			return nil, err
		}
		out = append(out, dutyWrite{port, duty})
	}
	return out, nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	desc, err := flagBoard()
	if err != nil {
		return err
	}
	writes, err := parseSet(desc, probeSet)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	tr, err := OpenTransport(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		return &ExitError{Code: 2}
	}
	sess := session.New(tr, session.Options{Name: "probe", FanCount: desc.FanCount, Timeout: probeTimeout})
	defer sess.Close()

	fmt.Printf("ventd - Board Probe\n")
	fmt.Printf("Connection: %s\n\n", sess.Transport())

	hw, err := sess.Send(ctx, fanproto.Command{Op: fanproto.OpHardwareInfo, Port: fanproto.PortAll})
	if err != nil {
		return probeFailed("hardware info", err)
	}
	if hw.Board != nil {
		fmt.Printf("Hardware: %s\n", hw.Board)
		if hw.Board.Revision != "" {
			fmt.Printf("Revision: %s\n", hw.Board.Revision)
		}
		if err := desc.Matches(*hw.Board); err != nil {
			fmt.Printf("MISMATCH: %v\n", err)
			return &ExitError{Code: 1}
		}
	}

	if fw, err := sess.Send(ctx, fanproto.Command{Op: fanproto.OpFirmwareInfo, Port: fanproto.PortAll}); err != nil {
		fmt.Printf("Firmware: unavailable (%v)\n", err)
	} else if fw.Firmware != nil {
		fmt.Printf("Firmware: %s", fw.Firmware.Version)
		if fw.Firmware.Build != "" {
			fmt.Printf(" (%s)", fw.Firmware.Build)
		}
		fmt.Println()
	}

	for _, w := range writes {
		_, err := sess.Send(ctx, fanproto.Command{Op: fanproto.OpSetDuty, Port: uint8(w.port), Value: w.duty})
		if err != nil {
			return probeFailed(fmt.Sprintf("set port %d", w.port), err)
		}
		fmt.Printf("Set port %d to %d%%\n", w.port, w.duty)
	}

	status, err := sess.Send(ctx, fanproto.Command{Op: fanproto.OpReadAllStatus, Port: fanproto.PortAll})
	if err != nil {
		return probeFailed("read status", err)
	}

	fmt.Println()
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tSPEED (RPM)\tDUTY (%)")
	for i, st := range status.Status {
		fmt.Fprintf(tw, "%d\t%d\t%d\n", i, st.Speed, st.Duty)
	}
	return tw.Flush()
}

func probeFailed(what string, err error) error {
	if fault.IsBoard(err) {
		fmt.Printf("REJECTED (%s): %v\n", what, err)
		return &ExitError{Code: 1}
	}
	return fmt.Errorf("%s: %w", what, err)
}
