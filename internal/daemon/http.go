// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package daemon

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Thermoquad/ventd/internal/logfields"
	"github.com/Thermoquad/ventd/internal/metrics"
	"github.com/Thermoquad/ventd/internal/registry"
	"github.com/Thermoquad/ventd/internal/supervisor"
)

// HealthStatus summarises controller connectivity.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// PortReport is the last observed state of one port.
type PortReport struct {
	Port  int    `json:"port"`
	Alias string `json:"alias"`
	Speed int    `json:"speed"`
	Duty  int    `json:"duty"`
	Mode  string `json:"mode"`
	Value int    `json:"value"`
}

// ControllerReport is one controller in the status document.
type ControllerReport struct {
	ID         string       `json:"id"`
	Board      string       `json:"board"`
	State      string       `json:"state"`
	Transport  string       `json:"transport,omitempty"`
	Firmware   string       `json:"firmware,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
	Attempt    int          `json:"attempt,omitempty"`
	Reconnects int          `json:"reconnects"`
	Since      time.Time    `json:"since"`
	Ports      []PortReport `json:"ports"`
}

// StatusReport is served at /status.
type StatusReport struct {
	Status      HealthStatus       `json:"status"`
	Timestamp   time.Time          `json:"timestamp"`
	Controllers []ControllerReport `json:"controllers"`
}

// Handler serves /metrics, /healthz and /status.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPHandler(d.promReg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		report := d.Status()
		code := http.StatusOK
		if report.Status == HealthUnhealthy {
			code = http.StatusServiceUnavailable
		}
		d.writeJSON(w, code, map[string]any{"status": report.Status, "timestamp": report.Timestamp})
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		d.writeJSON(w, http.StatusOK, d.Status())
	})
	return mux
}

// Status reports every controller. The daemon is healthy when all are
// connected and unhealthy when none is.
func (d *Daemon) Status() StatusReport {
	report := StatusReport{Timestamp: time.Now().UTC()}
	connected := 0
	for _, sum := range d.reg.List() {
		sup, err := d.reg.Resolve(sum.ID)
		if err != nil {
			continue
		}
		st := sup.Status()
		cr := ControllerReport{
			ID:         sum.ID,
			Board:      sum.Board,
			State:      st.State.String(),
			Transport:  st.Transport,
			Firmware:   st.Firmware,
			Attempt:    st.Attempt,
			Reconnects: st.Reconnects,
			Since:      st.Since,
		}
		if st.LastError != nil {
			cr.LastError = st.LastError.Error()
		}
		desired := sup.Desired()
		for port, tel := range sup.Telemetry() {
			pr := PortReport{
				Port:  port,
				Alias: d.reg.Alias(registry.Address{Controller: sum.ID, Port: port}),
				Speed: tel.Speed,
				Duty:  tel.Duty,
				Mode:  supervisor.ModeUnset.String(),
			}
			if port < len(desired) {
				pr.Mode = desired[port].Mode.String()
				pr.Value = desired[port].Value
			}
			cr.Ports = append(cr.Ports, pr)
		}
		if st.State == supervisor.Connected {
			connected++
		}
		report.Controllers = append(report.Controllers, cr)
	}

	switch {
	case connected == len(report.Controllers):
		report.Status = HealthHealthy
	case connected == 0:
		report.Status = HealthUnhealthy
	default:
		report.Status = HealthDegraded
	}
	return report
}

func (d *Daemon) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		d.log.Warn("Failed to write response", logfields.Error(err))
	}
}
