// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package autocontrol drives fan duty from host temperatures. Each rule
// reads one sensor on an interval, runs the reading through a thermal curve
// and writes the resulting duty to its target ports when it changed.
package autocontrol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"github.com/Thermoquad/ventd/internal/fault"
	"github.com/Thermoquad/ventd/internal/logfields"
	"github.com/Thermoquad/ventd/internal/metrics"
	"github.com/Thermoquad/ventd/internal/registry"
	"github.com/Thermoquad/ventd/internal/thermal"
	"github.com/Thermoquad/ventd/pkg/fanproto"
)

// DefaultInterval is the evaluation period of rules that do not set one.
const DefaultInterval = 5 * time.Second

const jobTag = "thermal"

// Rule binds a curve and a sensor to a set of ports.
type Rule struct {
	Name     string
	Curve    thermal.Curve
	Sensor   string
	Targets  []registry.Address
	Interval time.Duration
}

// Applier writes a duty to one port.
type Applier interface {
	SetDuty(ctx context.Context, addr registry.Address, duty int) (fanproto.PortStatus, error)
}

// Options configures a Loop.
type Options struct {
	Sensors Sensors
	Applier Applier
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics metrics.Recorder
}

// Loop schedules rule evaluations.
type Loop struct {
	sched   gocron.Scheduler
	sensors Sensors
	apply   Applier
	log     *slog.Logger
	rec     metrics.Recorder

	mu   sync.Mutex
	last map[registry.Address]int
}

// NewLoop creates a stopped loop.
func NewLoop(opts Options) (*Loop, error) {
	if opts.Applier == nil {
		return nil, fmt.Errorf("%w: thermal loop needs an applier", fault.ErrValidation)
	}
	if opts.Sensors == nil {
		opts.Sensors = HostSensors{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	schedOpts := []gocron.SchedulerOption{}
	if opts.Clock != nil {
		schedOpts = append(schedOpts, gocron.WithClock(opts.Clock))
	}
	s, err := gocron.NewScheduler(schedOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create thermal scheduler: %w", err)
	}

	return &Loop{
		sched:   s,
		sensors: opts.Sensors,
		apply:   opts.Applier,
		log:     opts.Logger,
		rec:     metrics.OrNoop(opts.Metrics),
		last:    make(map[registry.Address]int),
	}, nil
}

// Add schedules rule. The first evaluation runs as soon as the loop starts.
func (l *Loop) Add(rule Rule) error {
	if rule.Name == "" {
		rule.Name = rule.Curve.Name()
	}
	if len(rule.Targets) == 0 {
		return fmt.Errorf("%w: thermal rule %q has no targets", fault.ErrValidation, rule.Name)
	}
	if rule.Interval <= 0 {
		rule.Interval = DefaultInterval
	}

	_, err := l.sched.NewJob(
		gocron.DurationJob(rule.Interval),
		gocron.NewTask(l.run, rule),
		gocron.WithName(rule.Name),
		gocron.WithTags(jobTag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule thermal rule %q: %w", rule.Name, err)
	}
	l.log.Info("Thermal rule scheduled", slog.String("rule", rule.Name), logfields.Curve(rule.Curve.Name()),
		logfields.Sensor(rule.Sensor), logfields.Delay(rule.Interval))
	return nil
}

// Replace drops every scheduled rule and schedules rules instead.
func (l *Loop) Replace(rules []Rule) error {
	l.sched.RemoveByTags(jobTag)
	l.mu.Lock()
	clear(l.last)
	l.mu.Unlock()

	var errs []error
	for _, r := range rules {
		if err := l.Add(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start begins evaluating rules.
func (l *Loop) Start() {
	l.log.Info("Starting thermal control")
	l.sched.Start()
}

// Stop waits for running evaluations and stops the loop.
func (l *Loop) Stop() error {
	l.log.Info("Stopping thermal control")
	return l.sched.Shutdown()
}

func (l *Loop) run(ctx context.Context, rule Rule) {
	_ = l.Evaluate(ctx, rule)
}

// Evaluate reads rule's sensor once and writes the curve's duty to every
// target whose last written duty differs.
func (l *Loop) Evaluate(ctx context.Context, rule Rule) error {
	readings, err := l.sensors.Read(ctx)
	if err != nil {
		l.rec.IncThermalUpdate(rule.Name, "sensor_error")
		l.log.Warn("Thermal sensor read failed", slog.String("rule", rule.Name), logfields.Error(err))
		return err
	}
	temp, sensor, err := pick(readings, rule.Sensor)
	if err != nil {
		l.rec.IncThermalUpdate(rule.Name, "sensor_error")
		l.log.Warn("Thermal sensor missing", slog.String("rule", rule.Name), logfields.Error(err))
		return err
	}

	duty := rule.Curve.Interpolate(temp)
	log := l.log.With(slog.String("rule", rule.Name), logfields.Sensor(sensor), logfields.Temp(temp), logfields.Duty(duty))

	var errs []error
	for _, addr := range rule.Targets {
		if l.lastDuty(addr) == duty {
			l.rec.IncThermalUpdate(rule.Name, "unchanged")
			continue
		}
		if _, err := l.apply.SetDuty(ctx, addr, duty); err != nil {
			l.forget(addr)
			l.rec.IncThermalUpdate(rule.Name, fault.Category(err))
			log.Warn("Thermal duty not applied", logfields.Controller(addr.Controller), logfields.Port(addr.Port), logfields.Error(err))
			errs = append(errs, err)
			continue
		}
		l.remember(addr, duty)
		l.rec.IncThermalUpdate(rule.Name, "ok")
		log.Debug("Thermal duty applied", logfields.Controller(addr.Controller), logfields.Port(addr.Port))
	}
	return errors.Join(errs...)
}

func (l *Loop) lastDuty(addr registry.Address) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d, ok := l.last[addr]; ok {
		return d
	}
	return -1
}

func (l *Loop) remember(addr registry.Address, duty int) {
	l.mu.Lock()
	l.last[addr] = duty
	l.mu.Unlock()
}

func (l *Loop) forget(addr registry.Address) {
	l.mu.Lock()
	delete(l.last, addr)
	l.mu.Unlock()
}
