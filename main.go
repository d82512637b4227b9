// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// ventd - Fan Controller Daemon
//
// Keeps USB fan-controller boards connected, replays their fan state after
// a reconnect and drives them from thermal curves.

package main

import (
	"os"

	"github.com/Thermoquad/ventd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
