// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/ventd/internal/autocontrol"
	"github.com/Thermoquad/ventd/internal/config"
	"github.com/Thermoquad/ventd/internal/fault"
	"github.com/Thermoquad/ventd/internal/registry"
	"github.com/Thermoquad/ventd/internal/supervisor"
)

const simConfig = `
metrics_listen: "127.0.0.1:0"
controllers:
  - id: case
    sim: true
  - id: rack
    board: custom:4
    sim: true
aliases:
  case:
    0: CPU Intake
`

type temps struct {
	mu sync.Mutex
	c  float64
}

func (t *temps) sensors() autocontrol.Sensors {
	return autocontrol.SensorsFunc(func(context.Context) (map[string]float64, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		return map[string]float64{"cpu": t.c}, nil
	})
}

func newDaemon(t *testing.T, yaml string) *Daemon {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	d, err := New(Options{Config: cfg, Sensors: (&temps{c: 40}).sensors()})
	require.NoError(t, err)
	return d
}

func startDaemon(t *testing.T, d *Daemon) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	var once sync.Once
	var runErr error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("daemon did not stop")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func waitConnected(t *testing.T, d *Daemon, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.Eventually(t, func() bool {
			st, err := d.Dispatcher().ConnectionStatus(id)
			return err == nil && st.State == supervisor.Connected
		}, 2*time.Second, 5*time.Millisecond, id)
	}
}

func TestDaemon_AppliesSafeProfileOnExit(t *testing.T) {
	d := newDaemon(t, simConfig)
	stop := startDaemon(t, d)
	waitConnected(t, d, "case", "rack")

	_, err := d.Dispatcher().SetDuty(context.Background(), registry.Address{Controller: "case", Port: 2}, 35)
	require.NoError(t, err)

	require.NoError(t, stop())

	sim, ok := d.Sim("case")
	require.True(t, ok)
	for port := 0; port < 10; port++ {
		assert.Equal(t, 100, sim.Port(port).Duty, "port %d", port)
	}
	rack, _ := d.Sim("rack")
	for port := 0; port < 4; port++ {
		assert.Equal(t, 100, rack.Port(port).Duty, "port %d", port)
	}

	_, err = d.Dispatcher().SetDuty(context.Background(), registry.Address{Controller: "case", Port: 0}, 50)
	assert.Error(t, err)
}

func TestDaemon_ShutdownDisabledLeavesPorts(t *testing.T) {
	d := newDaemon(t, simConfig+"shutdown: {enabled: false}\n")
	stop := startDaemon(t, d)
	waitConnected(t, d, "case")

	_, err := d.Dispatcher().SetDuty(context.Background(), registry.Address{Controller: "case", Port: 1}, 35)
	require.NoError(t, err)
	require.NoError(t, stop())

	sim, _ := d.Sim("case")
	assert.Equal(t, 35, sim.Port(1).Duty)
}

func TestDaemon_ThermalRulesDrivePorts(t *testing.T) {
	yaml := simConfig + `
thermal:
  - curve: Balanced
    sensor: cpu
    targets: ["case:0", "rack:3"]
    interval: 20ms
`
	d := newDaemon(t, yaml)
	startDaemon(t, d)
	waitConnected(t, d, "case", "rack")

	case0, _ := d.Sim("case")
	rack, _ := d.Sim("rack")
	// Balanced at 40 C gives 37.5, which rounds down.
	require.Eventually(t, func() bool {
		return case0.Port(0).Duty == 37 && rack.Port(3).Duty == 37
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDaemon_StatusHandler(t *testing.T) {
	d := newDaemon(t, simConfig)
	startDaemon(t, d)
	waitConnected(t, d, "case", "rack")

	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, HealthHealthy, report.Status)
	require.Len(t, report.Controllers, 2)
	assert.Equal(t, "case", report.Controllers[0].ID)
	assert.Equal(t, "connected", report.Controllers[0].State)
	assert.Equal(t, "1.0.0", report.Controllers[0].Firmware)
	require.Len(t, report.Controllers[0].Ports, 10)
	assert.Equal(t, "CPU Intake", report.Controllers[0].Ports[0].Alias)
	assert.Equal(t, "Fan #2", report.Controllers[0].Ports[1].Alias)
	assert.Equal(t, "custom:4", report.Controllers[1].Board)

	rec = httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ventd_connection_state"))
}

func TestDaemon_HealthDegradesWhenControllerIsLost(t *testing.T) {
	d := newDaemon(t, simConfig)
	startDaemon(t, d)
	waitConnected(t, d, "case", "rack")

	rack, _ := d.Sim("rack")
	rack.Unplug()
	require.NoError(t, d.Dispatcher().Reconnect("rack"))

	require.Eventually(t, func() bool { return d.Status().Status == HealthDegraded }, 2*time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDaemon_ReloadReplacesRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ventd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(simConfig), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	sensors := &temps{c: 40}
	d, err := New(Options{Config: cfg, ConfigPath: path, Sensors: sensors.sensors()})
	require.NoError(t, err)
	startDaemon(t, d)
	waitConnected(t, d, "case")

	updated := simConfig + `
thermal:
  - curve: Aggressive
    sensor: cpu
    targets: ["case:5"]
    interval: 20ms
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	sim, _ := d.Sim("case")
	// Aggressive at 40 C is halfway between (30,40) and (50,70).
	require.Eventually(t, func() bool { return sim.Port(5).Duty == 55 }, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, d.Tables().Rules, 1)
}

func TestNew_Rejects(t *testing.T) {
	cfg, err := config.Parse([]byte("controllers: [{id: bare, board: custom:2}]\n"))
	require.NoError(t, err)
	_, err = New(Options{Config: cfg})
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestNew_DefaultsWithoutConfig(t *testing.T) {
	d, err := New(Options{})
	require.NoError(t, err)
	assert.Empty(t, d.Registry().List())
	assert.Equal(t, HealthHealthy, d.Status().Status)
}
