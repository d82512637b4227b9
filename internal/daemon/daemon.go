// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package daemon assembles the controller registry, the command dispatcher
// and the thermal loop from a configuration and runs them until shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	prom "github.com/prometheus/client_golang/prometheus"
	promcollect "github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Thermoquad/ventd/internal/autocontrol"
	"github.com/Thermoquad/ventd/internal/board"
	"github.com/Thermoquad/ventd/internal/config"
	"github.com/Thermoquad/ventd/internal/dispatch"
	"github.com/Thermoquad/ventd/internal/fault"
	"github.com/Thermoquad/ventd/internal/logfields"
	"github.com/Thermoquad/ventd/internal/metrics"
	"github.com/Thermoquad/ventd/internal/registry"
	"github.com/Thermoquad/ventd/internal/transport"
)

// ShutdownTimeout bounds how long the safe state may take on exit.
const ShutdownTimeout = 10 * time.Second

// Options configures a Daemon.
type Options struct {
	Config *config.Config
	// ConfigPath is watched for changes when set.
	ConfigPath string

	// Credentials for websocket bridges.
	Password      string
	SkipSSLVerify bool

	// Level is adjusted when a reloaded configuration changes log_level.
	Level   *slog.LevelVar
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Sensors autocontrol.Sensors
}

// Daemon owns every running component.
type Daemon struct {
	opts Options
	log  *slog.Logger

	promReg *prom.Registry
	rec     *metrics.PrometheusRecorder
	reg     *registry.Registry
	disp    *dispatch.Dispatcher
	loop    *autocontrol.Loop
	watcher *config.Watcher
	sims    map[string]*transport.Sim

	mu     sync.RWMutex
	cfg    *config.Config
	tables *config.Tables
}

// New validates the configuration and registers every controller. The
// supervisors start connecting immediately; nothing else runs until Run.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := opts.Config
	tables, err := cfg.Tables()
	if err != nil {
		return nil, err
	}

	promReg := prom.NewRegistry()
	promReg.MustRegister(promcollect.NewGoCollector(), promcollect.NewProcessCollector(promcollect.ProcessCollectorOpts{}))
	rec := metrics.NewPrometheusRecorder(promReg)

	d := &Daemon{
		opts:    opts,
		log:     opts.Logger,
		promReg: promReg,
		rec:     rec,
		reg:     registry.New(registry.Options{Clock: opts.Clock, Logger: opts.Logger, Metrics: rec}),
		sims:    make(map[string]*transport.Sim),
		cfg:     cfg,
		tables:  tables,
	}
	d.disp = dispatch.New(d.reg, opts.Logger)

	for _, cc := range cfg.Controllers {
		if err := d.register(cfg, tables, cc); err != nil {
			_ = d.reg.Close(context.Background(), nil)
			return nil, err
		}
	}

	d.loop, err = autocontrol.NewLoop(autocontrol.Options{
		Sensors: opts.Sensors,
		Applier: d.disp,
		Clock:   opts.Clock,
		Logger:  opts.Logger,
		Metrics: rec,
	})
	if err != nil {
		_ = d.reg.Close(context.Background(), nil)
		return nil, err
	}
	if err := d.loop.Replace(tables.Rules); err != nil {
		_ = d.reg.Close(context.Background(), nil)
		return nil, err
	}

	if opts.ConfigPath != "" {
		d.watcher, err = config.NewWatcher(opts.ConfigPath, d.reload, config.WatchOptions{Logger: opts.Logger, Metrics: rec})
		if err != nil {
			_ = d.reg.Close(context.Background(), nil)
			return nil, err
		}
	}
	return d, nil
}

func (d *Daemon) register(cfg *config.Config, tables *config.Tables, cc config.ControllerConfig) error {
	desc, err := board.Parse(cc.Board)
	if err != nil {
		return err
	}
	if cc.Baud > 0 {
		desc.Baud = cc.Baud
	}

	var (
		open transport.Opener
		sim  *transport.Sim
	)
	switch {
	case cc.Sim:
		name := cc.ID
		if name == "" {
			name = "sim"
		}
		sim = transport.NewSim(name, desc.Identity())
		open = sim.Open
	case cc.Device != "":
		open = transport.SerialOpener(cc.Device, desc.Baud)
	case cc.URL != "":
		open = transport.WebSocketOpener(transport.WebSocketConfig{
			URL:           cc.URL,
			Username:      cc.Username,
			Password:      d.opts.Password,
			SkipSSLVerify: d.opts.SkipSSLVerify,
		})
	case desc.HasUSBID:
		open = transport.DiscoverOpener(desc, cc.SerialNumber)
	default:
		return fmt.Errorf("%w: controller %q: %s board needs a device, url or sim", fault.ErrValidation, cc.ID, desc)
	}

	id, err := d.reg.Register(registry.Spec{
		ID:        cc.ID,
		Board:     desc,
		Open:      open,
		Backoff:   cfg.Backoff(),
		Heartbeat: cfg.HeartbeatInterval,
		Timeout:   cfg.CallTimeout,
		Aliases:   tables.Aliases[cc.ID],
	})
	if err != nil {
		return err
	}
	if sim != nil {
		d.sims[id] = sim
	}
	return nil
}

// Dispatcher is the command surface for front ends.
func (d *Daemon) Dispatcher() *dispatch.Dispatcher { return d.disp }

// Registry returns the controller registry.
func (d *Daemon) Registry() *registry.Registry { return d.reg }

// Tables returns the tables of the configuration currently in effect.
func (d *Daemon) Tables() *config.Tables {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tables
}

// Sim returns the simulated board behind controller id, if it is one.
func (d *Daemon) Sim(id string) (*transport.Sim, bool) {
	s, ok := d.sims[id]
	return s, ok
}

// Gatherer exposes the daemon's metrics.
func (d *Daemon) Gatherer() prom.Gatherer { return d.promReg }

// Run starts the thermal loop, the config watcher and the metrics server and
// blocks until ctx is done or the metrics server fails. Every controller is
// then driven to the shutdown profile, including when Run panics.
func (d *Daemon) Run(ctx context.Context) (err error) {
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if cerr := d.reg.Close(sctx, d.safeFunc()); cerr != nil {
			d.log.Error("Safe state not applied everywhere", logfields.Error(cerr))
			err = errors.Join(err, cerr)
		}
		d.log.Info("Daemon stopped")
	}()

	d.log.Info("Starting daemon", slog.Int("controllers", len(d.reg.List())))

	serverErr := make(chan error, 1)
	var server *http.Server
	if listen := d.currentConfig().MetricsListen; listen != "" {
		ln, lerr := net.Listen("tcp", listen)
		if lerr != nil {
			return fmt.Errorf("failed to listen on %s: %w", listen, lerr)
		}
		server = &http.Server{Handler: d.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if serr := server.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
				serverErr <- serr
			}
		}()
		d.log.Info("Serving metrics", slog.String("listen", ln.Addr().String()))
	}

	d.loop.Start()
	if d.watcher != nil {
		if werr := d.watcher.Start(ctx); werr != nil {
			d.log.Error("Failed to start config watcher", logfields.Error(werr))
		}
	}

	select {
	case <-ctx.Done():
	case err = <-serverErr:
		d.log.Error("Metrics server failed", logfields.Error(err))
	}
	d.log.Info("Stopping daemon")

	if d.watcher != nil {
		if werr := d.watcher.Stop(); werr != nil {
			d.log.Warn("Failed to stop config watcher", logfields.Error(werr))
		}
	}
	if lerr := d.loop.Stop(); lerr != nil {
		d.log.Warn("Failed to stop thermal loop", logfields.Error(lerr))
	}
	if server != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := server.Shutdown(sctx); serr != nil {
			d.log.Warn("Failed to stop metrics server", logfields.Error(serr))
		}
		cancel()
	}
	return err
}

func (d *Daemon) currentConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

func (d *Daemon) safeFunc() registry.SafeFunc {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.cfg.SafeProfile(d.tables)
	if !ok {
		return nil
	}
	return p.SafeFunc()
}

// reload applies a changed configuration. Tables, thermal rules, the safe
// profile and the log level take effect at once; controller changes need a
// restart.
func (d *Daemon) reload(cfg *config.Config) {
	tables, err := cfg.Tables()
	if err != nil {
		d.log.Error("Rejected reloaded configuration", logfields.Error(err))
		return
	}
	if err := d.loop.Replace(tables.Rules); err != nil {
		d.log.Error("Failed to replace thermal rules", logfields.Error(err))
		return
	}

	d.mu.Lock()
	old := d.cfg
	d.cfg = cfg
	d.tables = tables
	d.mu.Unlock()

	if d.opts.Level != nil {
		d.opts.Level.Set(cfg.Level())
	}
	if !sameControllers(old.Controllers, cfg.Controllers) {
		d.log.Warn("Controller changes take effect after a restart")
	}
	d.log.Info("Applied configuration", slog.Int("rules", len(tables.Rules)), slog.Int("profiles", len(tables.Profiles)))
}

func sameControllers(a, b []config.ControllerConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
