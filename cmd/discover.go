// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/ventd/internal/transport"
)

var discoverAll bool

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List serial devices that look like fan controllers",
	Long: `Enumerate serial devices and report those whose USB vendor and product
id match the board selected with --board.

Examples:
  ventd discover
  ventd discover --all

Exit codes:
  0 - At least one board found
  1 - No board found
  2 - Enumeration error`,
	RunE: runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.Flags().BoolVar(&discoverAll, "all", false, "List every serial device, marking matches")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	desc, err := flagBoard()
	if err != nil {
		return err
	}
	if !desc.HasUSBID {
		return fmt.Errorf("a %s board has no USB id to discover", desc)
	}

	ports, err := transport.ListPorts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Enumeration error: %v\n", err)
		return &ExitError{Code: 2}
	}

	fmt.Printf("ventd - Board Discovery\n")
	fmt.Printf("Looking for: %s [%04X:%04X]\n\n", desc, desc.VendorID, desc.ProductID)

	found := 0
	for _, c := range ports {
		match := c.Matches(desc)
		if match {
			found++
		}
		switch {
		case match:
			fmt.Printf("  * %s\n", c)
		case discoverAll:
			fmt.Printf("    %s\n", c)
		}
	}

	fmt.Printf("\n--- Discovery summary ---\n")
	fmt.Printf("Serial devices: %d\n", len(ports))
	fmt.Printf("Boards found: %d\n", found)

	if found == 0 {
		fmt.Printf("No boards discovered. Check the USB cable and board power.\n")
		return &ExitError{Code: 1}
	}
	return nil
}
