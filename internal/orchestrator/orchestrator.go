// Package orchestrator reconciles the whole fleet: it turns a validated
// catalog into a set of running Supervisors, starts and stops them in
// dependency-respecting tiers, serializes operator commands per server,
// and throttles crash-recovery snapshots to the state store.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mcp-tower/tower/internal/clock"
	"github.com/mcp-tower/tower/internal/config"
	"github.com/mcp-tower/tower/internal/hub"
	"github.com/mcp-tower/tower/internal/runner"
	"github.com/mcp-tower/tower/internal/statestore"
	"github.com/mcp-tower/tower/internal/supervisor"
)

// ErrUnknownServer is returned by single-server operations naming a
// server absent from the catalog.
var ErrUnknownServer = fmt.Errorf("orchestrator: unknown server")

// ErrAlreadyRunning is returned by Start when the named server is
// already running; it changes nothing.
var ErrAlreadyRunning = fmt.Errorf("orchestrator: server already running")

// ErrAlreadyStopped is returned by Stop when the named server is
// already stopped; it changes nothing.
var ErrAlreadyStopped = fmt.Errorf("orchestrator: server already stopped")

// ErrCriticalStartFailed aborts StartAll when a server marked Critical
// is in error once its tier settles. A Critical server still not
// running or in error after BootTimeout does not abort StartAll.
type ErrCriticalStartFailed struct {
	Server string
}

func (e *ErrCriticalStartFailed) Error() string {
	return fmt.Sprintf("orchestrator: critical server %q failed to start", e.Server)
}

// Orchestrator owns one Supervisor per catalog server plus the
// dependency-tiered lifecycle operations over the whole set.
type Orchestrator struct {
	catalog *config.Catalog
	clk     clock.Clock
	events  *hub.Hub
	store   *statestore.Store

	tiers [][]string

	mu          sync.Mutex // serializes Start/Stop/Restart per call (FIFO interlock)
	supervisors map[string]*supervisor.Supervisor
	cancelFns   map[string]context.CancelFunc

	persistStop chan struct{}
	persistDone chan struct{}
}

// Bootstrap validates the dependency graph and constructs one
// Supervisor per server, wired to events and a real process runner. It
// does not start anything; call StartAll for that.
func Bootstrap(catalog *config.Catalog, clk clock.Clock, events *hub.Hub, store *statestore.Store) (*Orchestrator, error) {
	graph := newDependencyGraph(catalog.Servers)
	if err := graph.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		catalog:     catalog,
		clk:         clk,
		events:      events,
		store:       store,
		tiers:       layers(catalog.Servers),
		supervisors: make(map[string]*supervisor.Supervisor, len(catalog.Servers)),
		cancelFns:   make(map[string]context.CancelFunc, len(catalog.Servers)),
	}

	for name, desc := range catalog.Servers {
		sup := supervisor.New(desc, catalog.Orchestrator, clk, events, runner.Start)
		o.supervisors[name] = sup
	}

	// Boot reconciliation: a prior snapshot's pid is advisory only — it
	// names a process that may no longer exist, or may now belong to an
	// unrelated program after pid reuse. It is never reattached to. The
	// snapshot's lastError and restartCount do carry forward, though, so
	// an operator can still see why a server was last in trouble until
	// it next reaches running.
	if o.store != nil {
		snap, err := o.store.Load()
		switch {
		case err != nil && err != statestore.ErrNotFound:
			events.Publish(hub.Event{Type: hub.EventFleetStarting, Payload: map[string]any{
				"warning": fmt.Sprintf("could not load prior snapshot: %v", err),
			}})
		case err == nil:
			for name, persisted := range snap.Servers {
				sup, ok := o.supervisors[name]
				if !ok {
					continue
				}
				sup.SeedRecoveredState(persisted.LastError, persisted.RestartCount)
			}
		}
	}

	return o, nil
}

// Run starts every Supervisor's actor loop. It must be called once
// before StartAll/StopAll/Start/Stop.
func (o *Orchestrator) Run(ctx context.Context) {
	for name, sup := range o.supervisors {
		supCtx, cancel := context.WithCancel(ctx)
		o.cancelFns[name] = cancel
		go sup.Run(supCtx)
	}
	if o.catalog.Orchestrator.PersistInterval > 0 && o.store != nil {
		o.persistStop = make(chan struct{})
		o.persistDone = make(chan struct{})
		go o.persistLoop()
	}
}

func (o *Orchestrator) persistLoop() {
	defer close(o.persistDone)
	ticker := o.clk.NewTicker(o.catalog.Orchestrator.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			o.persistSnapshot()
		case <-o.persistStop:
			o.persistSnapshot()
			return
		}
	}
}

func (o *Orchestrator) persistSnapshot() {
	if o.store == nil {
		return
	}
	snap := statestore.NewEmptySnapshot()
	for name, sup := range o.supervisors {
		s := sup.Snapshot()
		var pid *int
		if s.PID != 0 {
			p := s.PID
			pid = &p
		}
		var startedAt *time.Time
		if !s.StartedAt.IsZero() {
			t := s.StartedAt
			startedAt = &t
		}
		snap.Servers[name] = statestore.PersistedServer{
			State:        string(s.State),
			PID:          pid,
			StartedAt:    startedAt,
			RestartCount: s.RestartCount,
			LastError:    s.LastError,
		}
	}
	_ = o.store.Save(snap) // best effort; a failed persist never blocks the fleet
}

// StartAll starts every autoStart server tier by tier, waiting for each
// tier to settle (every member reaching running or error) before moving
// to the next. If a Critical server in a tier ends in error, StartAll
// stops everything already started and returns ErrCriticalStartFailed.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	o.events.Publish(hub.Event{Type: hub.EventFleetStarting})

	var started []string
	for _, tier := range o.tiers {
		for _, name := range tier {
			desc := o.catalog.Servers[name]
			if !desc.Metadata.AutoStartOrDefault() {
				continue
			}
			o.supervisors[name].Start()
			started = append(started, name)
		}

		for _, name := range tier {
			desc := o.catalog.Servers[name]
			if !desc.Metadata.AutoStartOrDefault() {
				continue
			}
			settled := o.waitSettled(ctx, name, o.catalog.Orchestrator.BootTimeout)
			if !settled {
				continue
			}
			snap := o.supervisors[name].Snapshot()
			if snap.State == supervisor.StateError && desc.Metadata.Critical {
				o.stopStarted(ctx, started)
				return &ErrCriticalStartFailed{Server: name}
			}
		}
	}

	o.events.Publish(hub.Event{Type: hub.EventFleetReady})
	return nil
}

func (o *Orchestrator) stopStarted(ctx context.Context, names []string) {
	o.events.Publish(hub.Event{Type: hub.EventFleetAborted})
	for i := len(names) - 1; i >= 0; i-- {
		if sup, ok := o.supervisors[names[i]]; ok {
			sup.Stop()
		}
	}
}

// waitSettled polls until the named server reaches running or error,
// or timeout elapses (returns false on timeout).
func (o *Orchestrator) waitSettled(ctx context.Context, name string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		state := o.supervisors[name].Snapshot().State
		if state == supervisor.StateRunning || state == supervisor.StateError {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(25 * time.Millisecond):
		}
	}
	return false
}

// StopAll stops every server tier by tier in descending layer order, so
// dependents always stop before the servers they depend on.
func (o *Orchestrator) StopAll(ctx context.Context) {
	for i := len(o.tiers) - 1; i >= 0; i-- {
		var wg sync.WaitGroup
		for _, name := range o.tiers[i] {
			name := name
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.supervisors[name].Stop()
			}()
		}
		wg.Wait()
	}
	if o.persistStop != nil {
		close(o.persistStop)
		<-o.persistDone
	}
	for _, cancel := range o.cancelFns {
		cancel()
	}
	for _, sup := range o.supervisors {
		sup.Shutdown()
	}
}

// Start issues an operator start command for one server. It is a no-op
// conflict, not a retry, against a server already running.
func (o *Orchestrator) Start(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	sup, ok := o.supervisors[name]
	if !ok {
		return ErrUnknownServer
	}
	if sup.Snapshot().State == supervisor.StateRunning {
		return ErrAlreadyRunning
	}
	sup.Start()
	return nil
}

// Stop issues an operator stop command for one server. It is a no-op
// conflict, not a retry, against a server already stopped.
func (o *Orchestrator) Stop(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	sup, ok := o.supervisors[name]
	if !ok {
		return ErrUnknownServer
	}
	if sup.Snapshot().State == supervisor.StateStopped {
		return ErrAlreadyStopped
	}
	sup.Stop()
	return nil
}

// Restart issues an operator restart command for one server.
func (o *Orchestrator) Restart(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	sup, ok := o.supervisors[name]
	if !ok {
		return ErrUnknownServer
	}
	sup.Restart()
	return nil
}

// Status returns a snapshot of every server's runtime state.
func (o *Orchestrator) Status() map[string]supervisor.Snapshot {
	out := make(map[string]supervisor.Snapshot, len(o.supervisors))
	for name, sup := range o.supervisors {
		out[name] = sup.Snapshot()
	}
	return out
}

// HealthCheckIntervalMillis reports the fleet-wide effective health
// check interval in milliseconds, as configured by
// mcp.orchestrator.healthCheckIntervalMs (spec §9 open question).
func (o *Orchestrator) HealthCheckIntervalMillis() int64 {
	return o.catalog.Orchestrator.HealthCheckInterval.Milliseconds()
}

// ServerSnapshot returns one server's runtime state.
func (o *Orchestrator) ServerSnapshot(name string) (supervisor.Snapshot, error) {
	sup, ok := o.supervisors[name]
	if !ok {
		return supervisor.Snapshot{}, ErrUnknownServer
	}
	return sup.Snapshot(), nil
}
