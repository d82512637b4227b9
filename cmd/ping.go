// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/ventd/internal/fault"
	"github.com/Thermoquad/ventd/internal/session"
)

var (
	pingTimeout time.Duration
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure round trips to one board",
	Long: `Send the heartbeat query (read all status) repeatedly and report the
round-trip time of each reply.

This is useful for verifying:
  - The serial device or websocket bridge is reachable
  - HTTP Basic authentication works
  - The board answers within the reply timeout

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", session.DefaultTimeout, "Timeout for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	if pingCount < 1 {
		return fmt.Errorf("--count must be at least 1")
	}
	desc, err := flagBoard()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	tr, err := OpenTransport(openCtx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		return &ExitError{Code: 2}
	}
	sess := session.New(tr, session.Options{Name: "ping", FanCount: desc.FanCount, Timeout: pingTimeout})
	defer sess.Close()

	fmt.Printf("ventd - Ping\n")
	fmt.Printf("Connection: %s\n", sess.Transport())
	fmt.Printf("Timeout: %s per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	var (
		ok             int
		minRTT, maxRTT time.Duration
		total          time.Duration
	)
	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)
		start := time.Now()
		err := sess.IsAlive(ctx)
		rtt := time.Since(start)
		if err != nil {
			fmt.Printf("FAILED (%s): %v\n", fault.Category(err), err)
		} else {
			fmt.Printf("reply, rtt=%v\n", rtt.Round(time.Microsecond))
			ok++
			total += rtt
			if minRTT == 0 || rtt < minRTT {
				minRTT = rtt
			}
			if rtt > maxRTT {
				maxRTT = rtt
			}
		}

		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	failed := pingCount - ok
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d replies received, %.0f%% loss\n",
		pingCount, ok, float64(failed)/float64(pingCount)*100)
	if ok > 0 {
		fmt.Printf("rtt min/avg/max = %v/%v/%v\n",
			minRTT.Round(time.Microsecond), (total / time.Duration(ok)).Round(time.Microsecond), maxRTT.Round(time.Microsecond))
	}

	if failed > 0 {
		return &ExitError{Code: 1}
	}
	return nil
}
