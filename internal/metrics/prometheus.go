// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package metrics

import (
	"net/http"
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ventd"

// States lists every connection state label, so exactly one is set to 1.
var States = []string{"disconnected", "connecting", "connected", "reconnecting", "failed"}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	commandDuration *prom.HistogramVec
	commandResults  *prom.CounterVec
	connState       *prom.GaugeVec
	reconnects      *prom.CounterVec
	portSpeed       *prom.GaugeVec
	portDuty        *prom.GaugeVec
	thermalUpdates  *prom.CounterVec
	configReloads   *prom.CounterVec
}

// NewPrometheusRecorder constructs the collectors and registers them with reg.
func NewPrometheusRecorder(reg prom.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		commandDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Round-trip time of board commands",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"controller", "op"}),
		commandResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "command_results_total",
			Help:      "Board command outcomes by error category",
		}, []string{"controller", "op", "result"}),
		connState: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state per controller (1 for the active state)",
		}, []string{"controller", "state"}),
		reconnects: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Connection attempts made after a link loss",
		}, []string{"controller"}),
		portSpeed: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "fan_speed_rpm",
			Help:      "Last observed fan speed",
		}, []string{"controller", "port"}),
		portDuty: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "fan_duty_percent",
			Help:      "Last observed fan duty cycle",
		}, []string{"controller", "port"}),
		thermalUpdates: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "thermal_updates_total",
			Help:      "Automatic thermal control evaluations by outcome",
		}, []string{"rule", "result"}),
		configReloads: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reloads by outcome",
		}, []string{"result"}),
	}
	reg.MustRegister(pr.commandDuration, pr.commandResults, pr.connState, pr.reconnects,
		pr.portSpeed, pr.portDuty, pr.thermalUpdates, pr.configReloads)
	return pr
}

func (p *PrometheusRecorder) ObserveCommand(controller, op string, d time.Duration, result string) {
	p.commandDuration.WithLabelValues(controller, op).Observe(d.Seconds())
	p.commandResults.WithLabelValues(controller, op, result).Inc()
}

func (p *PrometheusRecorder) SetConnectionState(controller, state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		p.connState.WithLabelValues(controller, s).Set(v)
	}
}

func (p *PrometheusRecorder) IncReconnectAttempt(controller string) {
	p.reconnects.WithLabelValues(controller).Inc()
}

func (p *PrometheusRecorder) SetPortStatus(controller string, port, speed, duty int) {
	label := strconv.Itoa(port)
	p.portSpeed.WithLabelValues(controller, label).Set(float64(speed))
	p.portDuty.WithLabelValues(controller, label).Set(float64(duty))
}

func (p *PrometheusRecorder) IncThermalUpdate(rule, result string) {
	p.thermalUpdates.WithLabelValues(rule, result).Inc()
}

func (p *PrometheusRecorder) IncConfigReload(result string) {
	p.configReloads.WithLabelValues(result).Inc()
}

// HTTPHandler returns an http.Handler that serves the metrics in g.
func HTTPHandler(g prom.Gatherer) http.Handler {
	if g == nil {
		g = prom.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
