// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/ventd/internal/config"
	"github.com/Thermoquad/ventd/internal/daemon"
)

var (
	serveSim    bool
	serveListen string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fan control daemon",
	Long: `Connect to every configured controller and keep them connected until
interrupted. On SIGINT or SIGTERM every port is driven to the shutdown
profile before exit.

--port or --url adds a controller named "cli" next to the configured ones.
--sim replaces every controller with a simulated board, which is useful to
try a configuration without hardware.

Examples:
  ventd serve --config /etc/ventd.yaml
  ventd serve --port /dev/ttyACM0 --metrics-listen :9464
  ventd serve --sim --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveSim, "sim", false, "Use simulated boards")
	serveCmd.Flags().StringVar(&serveListen, "metrics-listen", "", "Address for /metrics, /healthz and /status (overrides config)")
}

func loadConfig(sim bool) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cc, ok := flagController(); ok {
		cfg.Controllers = append(cfg.Controllers, cc)
	}
	if sim {
		cfg.UseSim()
	}
	if serveListen != "" {
		cfg.MetricsListen = serveListen
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(serveSim)
	if err != nil {
		return err
	}

	opts := daemon.Options{
		Config:        cfg,
		ConfigPath:    configPath,
		SkipSSLVerify: wsNoSSLVerify,
		Logger:        slog.Default(),
	}
	// An explicit --log-level pins the level across reloads.
	if logLevel == "" {
		level.Set(cfg.Level())
		opts.Level = level
	}
	if opts.Password, err = configPassword(cfg); err != nil {
		return err
	}

	d, err := daemon.New(opts)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}
