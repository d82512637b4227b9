// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/Thermoquad/ventd/internal/board"
	"github.com/Thermoquad/ventd/internal/config"
	"github.com/Thermoquad/ventd/internal/transport"
)

// EnvPassword holds the websocket bridge password.
const EnvPassword = "VENTD_WS_PASSWORD"

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv(EnvPassword); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Not a terminal; read a plain line.
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %v", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// flagBoard returns the board named by --board with --baud applied.
func flagBoard() (board.Descriptor, error) {
	desc, err := board.Parse(boardKind)
	if err != nil {
		return board.Descriptor{}, err
	}
	if baudRate > 0 {
		desc.Baud = baudRate
	}
	return desc, nil
}

// flagPassword prompts only when a websocket username is given.
func flagPassword() (string, error) {
	if wsURL == "" || wsUsername == "" {
		return "", nil
	}
	return GetPassword()
}

// configPassword prompts once when any configured bridge needs a login.
func configPassword(cfg *config.Config) (string, error) {
	for _, cc := range cfg.Controllers {
		if cc.URL != "" && cc.Username != "" {
			return GetPassword()
		}
	}
	return "", nil
}

// flagController turns the connection flags into a controller declaration,
// or false when no connection flag is set.
func flagController() (config.ControllerConfig, bool) {
	if portName == "" && wsURL == "" {
		return config.ControllerConfig{}, false
	}
	return config.ControllerConfig{
		ID:       "cli",
		Board:    boardKind,
		Device:   portName,
		URL:      wsURL,
		Username: wsUsername,
		Baud:     baudRate,
	}, true
}

// OpenTransport opens a serial, websocket or discovered USB transport based
// on flags.
func OpenTransport(ctx context.Context) (transport.Transport, error) {
	desc, err := flagBoard()
	if err != nil {
		return nil, err
	}

	if wsURL != "" {
		password, err := flagPassword()
		if err != nil {
			return nil, err
		}
		ws, err := transport.OpenWebSocket(ctx, transport.WebSocketConfig{
			URL:           wsURL,
			Username:      wsUsername,
			Password:      password,
			SkipSSLVerify: wsNoSSLVerify,
		})
		if err != nil {
			return nil, err
		}
		return ws, nil
	}

	if portName != "" {
		s, err := transport.OpenSerial(portName, desc.Baud)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	if !desc.HasUSBID {
		return nil, fmt.Errorf("either --port or --url must be specified for a %s board", desc)
	}
	return transport.DiscoverOpener(desc, "")(ctx)
}
