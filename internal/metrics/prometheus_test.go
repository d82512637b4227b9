// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder_ConnectionStateIsExclusive(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.SetConnectionState("c1", "connecting")
	pr.SetConnectionState("c1", "connected")

	assert.Equal(t, 1.0, testutil.ToFloat64(pr.connState.WithLabelValues("c1", "connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(pr.connState.WithLabelValues("c1", "connecting")))
}

func TestPrometheusRecorder_Commands(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.ObserveCommand("c1", "SET_DUTY", 3*time.Millisecond, "ok")
	pr.ObserveCommand("c1", "SET_DUTY", time.Second, "timeout")
	pr.IncReconnectAttempt("c1")
	pr.SetPortStatus("c1", 2, 1200, 60)

	assert.Equal(t, 1.0, testutil.ToFloat64(pr.commandResults.WithLabelValues("c1", "SET_DUTY", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pr.reconnects.WithLabelValues("c1")))
	assert.Equal(t, 1200.0, testutil.ToFloat64(pr.portSpeed.WithLabelValues("c1", "2")))
	assert.Equal(t, 60.0, testutil.ToFloat64(pr.portDuty.WithLabelValues("c1", "2")))
}

func TestHTTPHandler(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.IncConfigReload("ok")

	srv := httptest.NewServer(HTTPHandler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "ventd_config_reloads_total"))
}

func TestOrNoop(t *testing.T) {
	_, ok := OrNoop(nil).(NoopRecorder)
	assert.True(t, ok)
}
