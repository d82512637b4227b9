// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the daemon's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/ventd/internal/board"
	"github.com/Thermoquad/ventd/internal/dispatch"
	"github.com/Thermoquad/ventd/internal/fault"
	"github.com/Thermoquad/ventd/internal/supervisor"
	"github.com/Thermoquad/ventd/internal/thermal"
)

// Environment overrides.
const (
	EnvLogLevel      = "VENTD_LOG_LEVEL"
	EnvMetricsListen = "VENTD_METRICS_LISTEN"
	EnvSim           = "VENTD_SIM"
)

// Config is the daemon configuration file.
type Config struct {
	LogLevel          string                     `yaml:"log_level"`
	MetricsListen     string                     `yaml:"metrics_listen"`
	CallTimeout       time.Duration              `yaml:"call_timeout"`
	HeartbeatInterval time.Duration              `yaml:"heartbeat_interval"`
	Reconnect         ReconnectConfig            `yaml:"reconnect"`
	Shutdown          ShutdownConfig             `yaml:"shutdown"`
	Controllers       []ControllerConfig         `yaml:"controllers"`
	Profiles          map[string]ProfileConfig   `yaml:"profiles,omitempty"`
	Curves            map[string][]thermal.Point `yaml:"curves,omitempty"`
	Calibration       map[string]map[int]float64 `yaml:"calibration,omitempty"`
	Zones             map[string][]string        `yaml:"zones,omitempty"`
	Aliases           map[string]map[int]string  `yaml:"aliases,omitempty"`
	Thermal           []ThermalConfig            `yaml:"thermal,omitempty"`
}

// ReconnectConfig is the reconnect backoff policy.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"` // 0 = unlimited
}

// ShutdownConfig selects the state ports are left in when the daemon exits.
type ShutdownConfig struct {
	Enabled bool   `yaml:"enabled"`
	Profile string `yaml:"profile"`
}

// ControllerConfig declares one board. At most one of Device, URL and Sim
// may be set; with none the board is found by its USB id.
type ControllerConfig struct {
	ID           string `yaml:"id"`
	Board        string `yaml:"board"`
	Device       string `yaml:"device,omitempty"`
	SerialNumber string `yaml:"serial_number,omitempty"`
	URL          string `yaml:"url,omitempty"`
	Username     string `yaml:"username,omitempty"`
	Baud         int    `yaml:"baud,omitempty"`
	Sim          bool   `yaml:"sim,omitempty"`
}

// ProfileConfig is a named preset.
type ProfileConfig struct {
	Mode   string `yaml:"mode"`
	Values []int  `yaml:"values"`
}

// ThermalConfig binds a curve and a sensor to ports.
type ThermalConfig struct {
	Name     string        `yaml:"name,omitempty"`
	Curve    string        `yaml:"curve"`
	Sensor   string        `yaml:"sensor"`
	Targets  []string      `yaml:"targets"`
	Interval time.Duration `yaml:"interval,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{Shutdown: ShutdownConfig{Enabled: true}}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = board.DefaultTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = supervisor.DefaultHeartbeat
	}
	def := supervisor.DefaultBackoff()
	if c.Reconnect.InitialDelay == 0 {
		c.Reconnect.InitialDelay = def.Initial
	}
	if c.Reconnect.Multiplier == 0 {
		c.Reconnect.Multiplier = def.Multiplier
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = def.Max
	}
	if c.Shutdown.Profile == "" {
		c.Shutdown.Profile = dispatch.SafeProfile
	}
	for i := range c.Controllers {
		if c.Controllers[i].Board == "" {
			c.Controllers[i].Board = "standard"
		}
	}
}

// Load reads path, applies defaults and environment overrides and validates
// the result. A .env file next to the working directory is loaded first;
// variables already set in the environment win. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Ignoring unreadable .env file", slog.String("error", err.Error()))
	}

	cfg := &Config{Shutdown: ShutdownConfig{Enabled: true}}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a configuration document without touching the environment.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Shutdown: ShutdownConfig{Enabled: true}}
	if err := decode(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", fault.ErrValidation, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvMetricsListen); v != "" {
		c.MetricsListen = v
	}
	if v := os.Getenv(EnvSim); v != "" {
		sim, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", fault.ErrValidation, EnvSim, v)
		}
		if sim {
			c.UseSim()
		}
	}
	return nil
}

// UseSim binds every controller to a simulated board, adding one standard
// controller when none is declared.
func (c *Config) UseSim() {
	if len(c.Controllers) == 0 {
		c.Controllers = []ControllerConfig{{ID: "sim0", Board: "standard"}}
	}
	for i := range c.Controllers {
		c.Controllers[i].Sim = true
		c.Controllers[i].Device = ""
		c.Controllers[i].URL = ""
	}
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Backoff returns the reconnect policy.
func (c *Config) Backoff() supervisor.Backoff {
	return supervisor.Backoff{
		Initial:     c.Reconnect.InitialDelay,
		Multiplier:  c.Reconnect.Multiplier,
		Max:         c.Reconnect.MaxDelay,
		MaxAttempts: c.Reconnect.MaxAttempts,
	}
}

// Validate checks the whole configuration, including the tables.
func (c *Config) Validate() error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("%w: log_level %q", fault.ErrValidation, c.LogLevel)
	}
	if c.CallTimeout < 0 || c.HeartbeatInterval < 0 {
		return fmt.Errorf("%w: negative timeout or heartbeat interval", fault.ErrValidation)
	}
	if err := c.Backoff().Validate(); err != nil {
		return fmt.Errorf("%w: reconnect: %v", fault.ErrValidation, err)
	}

	seen := make(map[string]bool, len(c.Controllers))
	for i, cc := range c.Controllers {
		where := fmt.Sprintf("controllers[%d]", i)
		if cc.ID != "" {
			if seen[cc.ID] {
				return fmt.Errorf("%w: %s: duplicate id %q", fault.ErrDuplicateController, where, cc.ID)
			}
			seen[cc.ID] = true
			where = fmt.Sprintf("controller %q", cc.ID)
		}
		if _, err := board.Parse(cc.Board); err != nil {
			return fmt.Errorf("%s: %w", where, err)
		}
		sources := 0
		for _, set := range []bool{cc.Device != "", cc.URL != "", cc.Sim} {
			if set {
				sources++
			}
		}
		if sources > 1 {
			return fmt.Errorf("%w: %s sets more than one of device, url and sim", fault.ErrValidation, where)
		}
		if cc.URL != "" && !strings.HasPrefix(cc.URL, "ws://") && !strings.HasPrefix(cc.URL, "wss://") {
			return fmt.Errorf("%w: %s url %q is not ws:// or wss://", fault.ErrValidation, where, cc.URL)
		}
		if cc.Baud < 0 {
			return fmt.Errorf("%w: %s baud %d", fault.ErrValidation, where, cc.Baud)
		}
	}

	tables, err := c.Tables()
	if err != nil {
		return err
	}
	if c.Shutdown.Enabled {
		if _, ok := tables.Profiles[c.Shutdown.Profile]; !ok {
			return fmt.Errorf("%w: shutdown profile %q is not defined", fault.ErrValidation, c.Shutdown.Profile)
		}
	}
	return nil
}
