// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package registry keeps the set of attached controllers, keyed by id, and
// owns the goroutine that runs each controller's supervisor.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Thermoquad/ventd/internal/board"
	"github.com/Thermoquad/ventd/internal/fault"
	"github.com/Thermoquad/ventd/internal/logfields"
	"github.com/Thermoquad/ventd/internal/metrics"
	"github.com/Thermoquad/ventd/internal/supervisor"
	"github.com/Thermoquad/ventd/internal/transport"
)

// Spec describes a controller to register. An empty ID is replaced by a
// generated one.
type Spec struct {
	ID        string
	Board     board.Descriptor
	Open      transport.Opener
	Backoff   supervisor.Backoff
	Heartbeat time.Duration
	Timeout   time.Duration
	Aliases   map[int]string
}

// Options are shared by every registered controller.
type Options struct {
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics metrics.Recorder
}

// Address names one port of one controller.
type Address struct {
	Controller string
	Port       int
}

// ParseAddress parses "controller:port".
func ParseAddress(s string) (Address, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return Address{}, fmt.Errorf("%w: address %q is not controller:port", fault.ErrValidation, s)
	}
	port, err := strconv.Atoi(s[i+1:])
	if err != nil || port < 0 {
		return Address{}, fmt.Errorf("%w: address %q has a bad port", fault.ErrValidation, s)
	}
	return Address{Controller: s[:i], Port: port}, nil
}

func (a Address) String() string {
	return a.Controller + ":" + strconv.Itoa(a.Port)
}

// Summary describes one registered controller.
type Summary struct {
	ID       string
	Board    string
	FanCount int
	State    supervisor.State
	Aliases  map[int]string
}

// SafeFunc returns the state to leave a controller's ports in at shutdown.
// A nil result leaves the ports as they are.
type SafeFunc func(board.Descriptor) []supervisor.PortState

type entry struct {
	sup     *supervisor.Supervisor
	aliases map[int]string
	cancel  context.CancelFunc
}

// Registry maps controller ids to their supervisors.
type Registry struct {
	opts Options
	log  *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	wg sync.WaitGroup
}

// New returns an empty registry.
func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		opts:    opts,
		log:     opts.Logger,
		entries: make(map[string]*entry),
	}
}

// Register builds a supervisor for spec, starts it and returns the
// controller id. Duplicate ids fail with fault.ErrDuplicateController.
func (r *Registry) Register(spec Spec) (string, error) {
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.RLock()
	_, exists := r.entries[id]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return "", fmt.Errorf("register %s: %w", id, fault.ErrClosed)
	}
	if exists {
		return "", fmt.Errorf("register %s: %w", id, fault.ErrDuplicateController)
	}

	sup, err := supervisor.New(supervisor.Config{
		ID:        id,
		Board:     spec.Board,
		Open:      spec.Open,
		Backoff:   spec.Backoff,
		Heartbeat: spec.Heartbeat,
		Timeout:   spec.Timeout,
		Clock:     r.opts.Clock,
		Logger:    r.log,
		Metrics:   r.opts.Metrics,
	})
	if err != nil {
		return "", fmt.Errorf("register %s: %w", id, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{sup: sup, aliases: copyAliases(spec.Aliases), cancel: cancel}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return "", fmt.Errorf("register %s: %w", id, fault.ErrClosed)
	}
	if _, ok := r.entries[id]; ok {
		r.mu.Unlock()
		cancel()
		return "", fmt.Errorf("register %s: %w", id, fault.ErrDuplicateController)
	}
	r.entries[id] = e
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		sup.Run(ctx)
	}()

	r.log.Info("Controller registered", logfields.Controller(id), slog.String("board", spec.Board.String()))
	return id, nil
}

// Resolve returns the supervisor of controller id.
func (r *Registry) Resolve(id string) (*supervisor.Supervisor, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("controller %q: %w", id, fault.ErrUnknownController)
	}
	return e.sup, nil
}

// ResolvePort returns the supervisor owning addr after checking the port
// against the controller's board.
func (r *Registry) ResolvePort(addr Address) (*supervisor.Supervisor, error) {
	sup, err := r.Resolve(addr.Controller)
	if err != nil {
		return nil, err
	}
	if err := sup.Board().CheckPort(addr.Port); err != nil {
		return nil, fmt.Errorf("controller %q: %w", addr.Controller, err)
	}
	return sup, nil
}

// Alias returns the display name of a port. Ports without an alias are
// named "Fan #N", counting from one.
func (r *Registry) Alias(addr Address) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[addr.Controller]; ok {
		if name := e.aliases[addr.Port]; name != "" {
			return name
		}
	}
	return "Fan #" + strconv.Itoa(addr.Port+1)
}

// List returns every controller sorted by id.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.entries))
	for id, e := range r.entries {
		desc := e.sup.Board()
		out = append(out, Summary{
			ID:       id,
			Board:    desc.String(),
			FanCount: desc.FanCount,
			State:    e.sup.State(),
			Aliases:  copyAliases(e.aliases),
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Deregister removes controller id, applying safe to it first.
func (r *Registry) Deregister(ctx context.Context, id string, safe SafeFunc) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("controller %q: %w", id, fault.ErrUnknownController)
	}

	err := r.shutdown(ctx, e, safe)
	r.log.Info("Controller deregistered", logfields.Controller(id))
	return err
}

// Close stops admitting registrations and shuts every controller down in
// parallel, applying safe to each. It waits for every supervisor goroutine.
func (r *Registry) Close(ctx context.Context, safe SafeFunc) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			if err := r.shutdown(ctx, e, safe); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("controller %s: %w", e.sup.ID(), err))
				mu.Unlock()
			}
		}(e)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func (r *Registry) shutdown(ctx context.Context, e *entry, safe SafeFunc) error {
	var states []supervisor.PortState
	if safe != nil {
		states = safe(e.sup.Board())
	}
	err := e.sup.Shutdown(ctx, states)
	e.cancel()
	return err
}

func copyAliases(in map[int]string) map[int]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[int]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
