// Package supervisor implements the per-server finite state machine: one
// Supervisor owns exactly one ServerDescriptor's lifecycle, from first
// start through any number of crash/restart cycles to final shutdown.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mcp-tower/tower/internal/clock"
	"github.com/mcp-tower/tower/internal/config"
	"github.com/mcp-tower/tower/internal/hub"
	"github.com/mcp-tower/tower/internal/metrics"
	"github.com/mcp-tower/tower/internal/runner"
)

// State is one position in the per-server FSM (spec §3 ServerRuntime).
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateError      State = "error"
	StateRestarting State = "restarting"
)

// StartFunc forks a descriptor into a live process. Production code
// passes runner.Start; tests substitute a fake to avoid forking real
// processes when only FSM transitions are under test.
type StartFunc func(ctx context.Context, desc config.ServerDescriptor) (*runner.Handle, error)

// Snapshot is a point-in-time, lock-free copy of a Supervisor's runtime
// state, safe to read after the call returns.
type Snapshot struct {
	Name         string
	State        State
	PID          int
	StartedAt    time.Time
	RestartCount int
	LastError    string
}

type command int

const (
	cmdStart command = iota
	cmdStop
	cmdRestart
	cmdShutdown
)

// Supervisor runs its own goroutine (Run) that owns all mutable state;
// every external call communicates over a channel so no lock is ever
// held across a blocking I/O call.
type Supervisor struct {
	desc   config.ServerDescriptor
	tuning config.Tuning
	clk    clock.Clock
	events *hub.Hub
	start  StartFunc

	cmdCh  chan command
	doneCh chan struct{}

	metrics *metrics.Registry

	mu           sync.RWMutex
	state        State
	pid          int
	started      time.Time
	restartCount int
	lastError    string

	consecutiveUnhealthy int
}

// New constructs a Supervisor in the stopped state. Run must be called
// in its own goroutine before any command is sent.
func New(desc config.ServerDescriptor, tuning config.Tuning, clk clock.Clock, events *hub.Hub, start StartFunc) *Supervisor {
	return &Supervisor{
		desc:   desc,
		tuning: tuning,
		clk:    clk,
		events: events,
		start:  start,
		cmdCh:  make(chan command, 4),
		doneCh: make(chan struct{}),
		state:  StateStopped,
	}
}

// Start requests a transition into starting/running, resetting restart
// count as an operator-initiated start always does (spec §9 decision).
func (s *Supervisor) Start() { s.cmdCh <- cmdStart }

// Stop requests a graceful stop.
func (s *Supervisor) Stop() { s.cmdCh <- cmdStop }

// Restart requests a stop followed immediately by a start.
func (s *Supervisor) Restart() { s.cmdCh <- cmdRestart }

// Shutdown stops the Supervisor's Run loop permanently, stopping the
// child first if one is live. It blocks until Run has returned.
func (s *Supervisor) Shutdown() {
	s.cmdCh <- cmdShutdown
	<-s.doneCh
}

// WithMetrics attaches a Prometheus registry this Supervisor should
// report into. Optional; a Supervisor with none attached works the
// same, just unobserved.
func (s *Supervisor) WithMetrics(m *metrics.Registry) *Supervisor {
	s.metrics = m
	return s
}

// SeedRecoveredState carries a prior boot's lastError and restartCount
// forward across process restart, so an operator inspecting the fleet
// immediately after boot still sees why a server was last in trouble.
// The persisted pid/state themselves are never reattached to — only
// these two informational fields survive. lastError is cleared the next
// time this Supervisor reaches running. Must be called before Run.
func (s *Supervisor) SeedRecoveredState(lastError string, restartCount int) {
	s.mu.Lock()
	s.lastError = lastError
	s.restartCount = restartCount
	s.mu.Unlock()
}

// Snapshot returns the current runtime state.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Name:         s.desc.Name,
		State:        s.state,
		PID:          s.pid,
		StartedAt:    s.started,
		RestartCount: s.restartCount,
		LastError:    s.lastError,
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.publish(hub.EventServerStateChanged, map[string]any{"state": string(state)})
	if s.metrics != nil {
		s.metrics.ObserveState(s.desc.Name, string(state))
	}
}

func (s *Supervisor) publish(t hub.EventType, payload any) {
	if s.events == nil {
		return
	}
	s.events.Publish(hub.Event{Type: t, Server: s.desc.Name, Payload: payload})
}

// Run is the Supervisor's actor loop. It exits once a cmdShutdown is
// processed, having first stopped any live child.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.doneCh)

	var handle *runner.Handle
	var exitCh chan runner.ExitInfo
	var resetTimer clock.Timer
	var resetTimerCh <-chan time.Time
	var restartTimer clock.Timer
	var restartTimerCh <-chan time.Time
	health := s.clk.NewTicker(s.healthInterval())
	defer health.Stop()

	stopHandle := func(grace time.Duration) {
		if handle == nil {
			return
		}
		h := handle
		done := make(chan struct{})
		go func() {
			h.Stop(grace)
			close(done)
		}()
		<-done
	}

	doStart := func() {
		s.setState(StateStarting)
		h, err := s.start(ctx, s.desc)
		if err != nil {
			s.mu.Lock()
			s.lastError = err.Error()
			s.mu.Unlock()
			s.setState(StateError)
			s.publish(hub.EventServerCrashed, map[string]any{"reason": err.Error()})
			return
		}
		handle = h
		s.mu.Lock()
		s.pid = h.PID()
		s.started = s.clk.Now()
		s.lastError = ""
		s.mu.Unlock()
		s.setState(StateRunning)

		ch := make(chan runner.ExitInfo, 1)
		exitCh = ch
		go func() {
			ch <- h.Wait()
		}()

		go s.pumpLines(h)

		if s.tuning.RestartCountResetAfter > 0 {
			resetTimer = s.clk.NewTimer(s.tuning.RestartCountResetAfter)
			resetTimerCh = resetTimer.C()
		}
	}

	scheduleRestart := func() {
		s.mu.Lock()
		attempt := s.restartCount
		if s.tuning.MaxRestarts >= 0 && attempt >= s.tuning.MaxRestarts {
			s.mu.Unlock()
			s.setState(StateError)
			return
		}
		s.restartCount++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.ServerRestarts.WithLabelValues(s.desc.Name).Inc()
		}

		s.setState(StateRestarting)
		delay := backoffDuration(s.tuning.BackoffInitial, s.tuning.BackoffMax, attempt)
		restartTimer = s.clk.NewTimer(delay)
		restartTimerCh = restartTimer.C()
	}

	for {
		select {
		case cmd := <-s.cmdCh:
			switch cmd {
			case cmdStart:
				s.mu.Lock()
				s.restartCount = 0
				s.mu.Unlock()
				// A pending restart timer must not also fire: otherwise an
				// operator-initiated start racing a scheduled crash-restart
				// would start the child twice, orphaning the first.
				restartTimerCh = nil
				if handle == nil {
					doStart()
				}

			case cmdStop:
				restartTimerCh = nil
				s.setState(StateStopping)
				stopHandle(s.tuning.PerServerShutdownGrace)
				handle = nil
				s.mu.Lock()
				s.pid = 0
				s.mu.Unlock()
				s.setState(StateStopped)

			case cmdRestart:
				restartTimerCh = nil
				s.setState(StateStopping)
				stopHandle(s.tuning.PerServerShutdownGrace)
				handle = nil
				s.mu.Lock()
				s.restartCount = 0
				s.mu.Unlock()
				doStart()

			case cmdShutdown:
				stopHandle(s.tuning.PerServerShutdownGrace)
				return
			}

		case exit := <-exitCh:
			exitCh = nil
			handle = nil
			s.mu.Lock()
			s.pid = 0
			if exit.Signal != "" {
				s.lastError = fmt.Sprintf("terminated by signal %s", exit.Signal)
			} else if exit.Code != 0 {
				s.lastError = fmt.Sprintf("exited with code %d", exit.Code)
			}
			currentState := s.state
			s.mu.Unlock()

			if currentState == StateStopping || currentState == StateStopped {
				continue
			}
			s.publish(hub.EventServerCrashed, map[string]any{"code": exit.Code, "signal": exit.Signal})
			scheduleRestart()

		case <-resetTimerCh:
			resetTimerCh = nil
			s.mu.Lock()
			s.restartCount = 0
			s.mu.Unlock()

		case <-restartTimerCh:
			restartTimerCh = nil
			doStart()

		case <-health.C():
			if handle == nil {
				continue
			}
			if s.runHealthCheck(handle.PID()) {
				s.publish(hub.EventServerCrashed, map[string]any{"reason": "unhealthy threshold exceeded"})
				stopHandle(s.tuning.PerServerShutdownGrace)
				handle = nil
				exitCh = nil
				s.mu.Lock()
				s.pid = 0
				s.mu.Unlock()
				scheduleRestart()
			}
		}
	}
}

func (s *Supervisor) healthInterval() time.Duration {
	if s.tuning.HealthCheckInterval <= 0 {
		return 30 * time.Second
	}
	return s.tuning.HealthCheckInterval
}

// runHealthCheck probes the running child and returns true once
// consecutive failures have reached the configured unhealthy threshold,
// signaling the caller should treat this like a crash.
func (s *Supervisor) runHealthCheck(pid int) bool {
	err := probe(s.desc.HealthCheck, pid, 5*time.Second)
	healthy := err == nil
	s.publish(hub.EventServerHealth, map[string]any{"healthy": healthy})
	if s.metrics != nil {
		v := 0.0
		if healthy {
			v = 1.0
		}
		s.metrics.ServerHealth.WithLabelValues(s.desc.Name).Set(v)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if healthy {
		s.consecutiveUnhealthy = 0
		return false
	}
	s.lastError = err.Error()
	s.consecutiveUnhealthy++
	threshold := s.tuning.UnhealthyThreshold
	if threshold <= 0 {
		threshold = 3
	}
	return s.consecutiveUnhealthy >= threshold
}

func (s *Supervisor) pumpLines(h *runner.Handle) {
	for line := range h.Lines() {
		s.publish(hub.EventServerLog, map[string]any{
			"stream":       string(line.Stream),
			"text":         line.Text,
			"continuation": line.Continuation,
		})
	}
}
