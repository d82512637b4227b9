// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/ventd/internal/dispatch"
	"github.com/Thermoquad/ventd/internal/fault"
	"github.com/Thermoquad/ventd/internal/registry"
	"github.com/Thermoquad/ventd/internal/supervisor"
)

const fullConfig = `
log_level: debug
metrics_listen: "127.0.0.1:9464"
call_timeout: 750ms
heartbeat_interval: 5s
reconnect:
  initial_delay: 500ms
  multiplier: 1.5
  max_delay: 20s
  max_attempts: 8
shutdown:
  profile: "Quiet"
controllers:
  - id: case
    board: standard
    device: /dev/ttyACM0
  - id: rack
    board: custom:4
    url: ws://bridge.local/serial
    username: admin
  - id: bench
    sim: true
profiles:
  Quiet:
    mode: pwm
    values: [30, 30, 30, 30, 30, 30, 30, 30, 30, 30, 30, 30, 30, 30, 30, 30]
curves:
  Gentle:
    - {temp: 50, duty: 40}
    - {temp: 30, duty: 20}
calibration:
  case:
    0: 60
    3: 45.5
zones:
  intake: ["case:0", "case:1", "rack:2"]
aliases:
  case:
    0: CPU Intake
thermal:
  - curve: Gentle
    sensor: coretemp_package_id_0
    targets: ["case:0", "rack:1"]
    interval: 2s
`

func TestParse_Full(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.Equal(t, "127.0.0.1:9464", cfg.MetricsListen)
	assert.Equal(t, 750*time.Millisecond, cfg.CallTimeout)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, supervisor.Backoff{Initial: 500 * time.Millisecond, Multiplier: 1.5, Max: 20 * time.Second, MaxAttempts: 8}, cfg.Backoff())
	assert.True(t, cfg.Shutdown.Enabled)

	require.Len(t, cfg.Controllers, 3)
	assert.Equal(t, "/dev/ttyACM0", cfg.Controllers[0].Device)
	assert.Equal(t, "custom:4", cfg.Controllers[1].Board)
	assert.Equal(t, "standard", cfg.Controllers[2].Board)
	assert.True(t, cfg.Controllers[2].Sim)

	tables, err := cfg.Tables()
	require.NoError(t, err)
	assert.Contains(t, tables.Profiles, "Quiet")
	assert.Contains(t, tables.Profiles, dispatch.SafeProfile)
	assert.Contains(t, tables.Curves, "Balanced")
	assert.Equal(t, 30, tables.Curves["Gentle"].Interpolate(40))

	cal, ok := tables.Calibration["case"].Lookup(3)
	require.True(t, ok)
	assert.Equal(t, 45.5, cal.FlowAt100)

	assert.Equal(t, []registry.Address{{Controller: "case", Port: 0}, {Controller: "case", Port: 1}, {Controller: "rack", Port: 2}},
		tables.Zones["intake"].Members)
	assert.Equal(t, "CPU Intake", tables.Aliases["case"][0])

	require.Len(t, tables.Rules, 1)
	rule := tables.Rules[0]
	assert.Equal(t, "Gentle/coretemp_package_id_0", rule.Name)
	assert.Equal(t, 2*time.Second, rule.Interval)
	assert.Equal(t, registry.Address{Controller: "rack", Port: 1}, rule.Targets[1])

	safe, ok := cfg.SafeProfile(tables)
	require.True(t, ok)
	assert.Equal(t, "Quiet", safe.Name)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, slog.LevelInfo, cfg.Level())
	assert.Equal(t, supervisor.DefaultBackoff(), cfg.Backoff())
	assert.Equal(t, dispatch.SafeProfile, cfg.Shutdown.Profile)

	tables, err := cfg.Tables()
	require.NoError(t, err)
	safe, ok := cfg.SafeProfile(tables)
	require.True(t, ok)
	assert.Equal(t, 100, safe.Values[0])
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Controllers)
	assert.True(t, cfg.Shutdown.Enabled)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"unknown key", "colour: blue\n", fault.ErrValidation},
		{"bad log level", "log_level: loud\n", fault.ErrValidation},
		{"bad board", "controllers: [{id: a, board: custom:17}]\n", fault.ErrValidation},
		{"unknown board", "controllers: [{id: a, board: giant}]\n", fault.ErrValidation},
		{"duplicate id", "controllers: [{id: a}, {id: a}]\n", fault.ErrDuplicateController},
		{"two sources", "controllers: [{id: a, device: /dev/x, sim: true}]\n", fault.ErrValidation},
		{"http url", "controllers: [{id: a, url: http://x}]\n", fault.ErrValidation},
		{"bad backoff", "reconnect: {initial_delay: 10s, max_delay: 1s}\n", fault.ErrValidation},
		{"bad profile mode", "profiles: {p: {mode: volts, values: [1]}}\n", fault.ErrValidation},
		{"profile out of range", "profiles: {p: {mode: rpm, values: [100]}}\n", fault.ErrValidation},
		{"short curve", "curves: {c: [{temp: 30, duty: 20}]}\n", fault.ErrValidation},
		{"calibration too high", "calibration: {a: {0: 501}}\n", fault.ErrValidation},
		{"zone bad member", "zones: {z: [\"a\"]}\n", fault.ErrValidation},
		{"thermal unknown curve", "thermal: [{curve: Nope, targets: [\"a:0\"]}]\n", fault.ErrValidation},
		{"thermal no targets", "thermal: [{curve: Balanced}]\n", fault.ErrValidation},
		{"missing safe profile", "shutdown: {profile: Nope}\n", fault.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParse_DisabledShutdownIgnoresProfile(t *testing.T) {
	cfg, err := Parse([]byte("shutdown: {enabled: false, profile: Nope}\n"))
	require.NoError(t, err)
	tables, err := cfg.Tables()
	require.NoError(t, err)
	_, ok := cfg.SafeProfile(tables)
	assert.False(t, ok)
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "ventd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "log_level: info\ncontrollers: [{id: case, device: /dev/ttyACM0}]\n")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvMetricsListen, ":9000")
	t.Setenv(EnvSim, "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, cfg.Level())
	assert.Equal(t, ":9000", cfg.MetricsListen)
	require.Len(t, cfg.Controllers, 1)
	assert.True(t, cfg.Controllers[0].Sim)
	assert.Empty(t, cfg.Controllers[0].Device)
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "controllers: [{id: case, device: $VENTD_TEST_DEVICE}]\n")
	t.Setenv("VENTD_TEST_DEVICE", "/dev/ttyUSB3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB3", cfg.Controllers[0].Device)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeConfig(t, t.TempDir(), "log_level: info\n")
	t.Setenv(EnvSim, "maybe")
	_, err = Load(path)
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestLoad_SimWithoutControllers(t *testing.T) {
	t.Setenv(EnvSim, "1")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Len(t, cfg.Controllers, 1)
	assert.Equal(t, "sim0", cfg.Controllers[0].ID)
	assert.True(t, cfg.Controllers[0].Sim)
}

func TestWatcher_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "log_level: info\n")

	var (
		mu     sync.Mutex
		levels []slog.Level
	)
	w, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		levels = append(levels, cfg.Level())
		mu.Unlock()
	}, WatchOptions{Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })

	// An invalid file is skipped.
	writeConfig(t, dir, "log_level: loud\n")
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "log_level: error\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(levels) > 0 && levels[len(levels)-1] == slog.LevelError
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, l := range levels {
		assert.Equal(t, slog.LevelError, l)
	}
}
