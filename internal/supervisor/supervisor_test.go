package supervisor

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcp-tower/tower/internal/clock"
	"github.com/mcp-tower/tower/internal/config"
	"github.com/mcp-tower/tower/internal/hub"
	"github.com/mcp-tower/tower/internal/runner"
)

func testTuning() config.Tuning {
	return config.Tuning{
		MaxRestarts:            3,
		HealthCheckInterval:    time.Hour, // effectively disabled for FSM-only tests
		UnhealthyThreshold:     3,
		BackoffInitial:         10 * time.Millisecond,
		BackoffMax:             50 * time.Millisecond,
		RestartCountResetAfter: time.Hour,
		PerServerShutdownGrace: 2 * time.Second,
	}
}

func waitForState(t *testing.T, s *Supervisor, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Snapshot().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never became %s, got %s", want, s.Snapshot().State)
}

func TestStartTransitionsToRunning(t *testing.T) {
	desc := config.ServerDescriptor{Name: "alpha"}
	h := hub.New(clock.Real{}, 0)
	go h.Run()
	defer h.Stop()

	startFn := func(ctx context.Context, d config.ServerDescriptor) (*runner.Handle, error) {
		return runner.Start(ctx, config.ServerDescriptor{Command: "sh", Args: []string{"-c", "sleep 5"}})
	}

	sup := New(desc, testTuning(), clock.Real{}, h, startFn)
	go sup.Run(context.Background())
	defer sup.Shutdown()

	sup.Start()
	waitForState(t, sup, StateRunning, 2*time.Second)

	snap := sup.Snapshot()
	if snap.PID == 0 {
		t.Fatal("expected non-zero pid once running")
	}
}

func TestStartFailureEntersErrorState(t *testing.T) {
	desc := config.ServerDescriptor{Name: "alpha"}
	h := hub.New(clock.Real{}, 0)
	go h.Run()
	defer h.Stop()

	startFn := func(ctx context.Context, d config.ServerDescriptor) (*runner.Handle, error) {
		return nil, &runner.StartError{Reason: "boom"}
	}

	sup := New(desc, testTuning(), clock.Real{}, h, startFn)
	go sup.Run(context.Background())
	defer sup.Shutdown()

	sup.Start()
	waitForState(t, sup, StateError, 2*time.Second)

	if sup.Snapshot().LastError == "" {
		t.Fatal("expected lastError to be set")
	}
}

func TestStopTransitionsToStopped(t *testing.T) {
	desc := config.ServerDescriptor{Name: "alpha"}
	h := hub.New(clock.Real{}, 0)
	go h.Run()
	defer h.Stop()

	startFn := func(ctx context.Context, d config.ServerDescriptor) (*runner.Handle, error) {
		return runner.Start(ctx, config.ServerDescriptor{Command: "sh", Args: []string{"-c", "sleep 5"}})
	}

	sup := New(desc, testTuning(), clock.Real{}, h, startFn)
	go sup.Run(context.Background())
	defer sup.Shutdown()

	sup.Start()
	waitForState(t, sup, StateRunning, 2*time.Second)

	sup.Stop()
	waitForState(t, sup, StateStopped, 5*time.Second)
}

func TestCrashTriggersRestartUpToMaxThenError(t *testing.T) {
	desc := config.ServerDescriptor{Name: "alpha"}
	h := hub.New(clock.Real{}, 0)
	go h.Run()
	defer h.Stop()

	var attempts int32
	startFn := func(ctx context.Context, d config.ServerDescriptor) (*runner.Handle, error) {
		atomic.AddInt32(&attempts, 1)
		return runner.Start(ctx, config.ServerDescriptor{Command: "sh", Args: []string{"-c", "exit 1"}})
	}

	tuning := testTuning()
	tuning.MaxRestarts = 2
	sup := New(desc, tuning, clock.Real{}, h, startFn)
	go sup.Run(context.Background())
	defer sup.Shutdown()

	sup.Start()
	waitForState(t, sup, StateError, 5*time.Second)

	if got := atomic.LoadInt32(&attempts); got < 2 {
		t.Fatalf("expected at least 2 start attempts, got %d", got)
	}
	if sup.Snapshot().RestartCount < tuning.MaxRestarts {
		t.Fatalf("restart count = %d, want >= %d", sup.Snapshot().RestartCount, tuning.MaxRestarts)
	}
}

func TestOperatorStartResetsRestartCount(t *testing.T) {
	desc := config.ServerDescriptor{Name: "alpha"}
	h := hub.New(clock.Real{}, 0)
	go h.Run()
	defer h.Stop()

	calls := 0
	startFn := func(ctx context.Context, d config.ServerDescriptor) (*runner.Handle, error) {
		calls++
		if calls == 1 {
			return nil, &runner.StartError{Reason: fmt.Sprintf("attempt %d", calls)}
		}
		return runner.Start(ctx, config.ServerDescriptor{Command: "sh", Args: []string{"-c", "sleep 5"}})
	}

	tuning := testTuning()
	tuning.MaxRestarts = 0
	sup := New(desc, tuning, clock.Real{}, h, startFn)
	go sup.Run(context.Background())
	defer sup.Shutdown()

	sup.Start()
	waitForState(t, sup, StateError, 2*time.Second)

	sup.Start() // operator retry resets restartCount and tries again
	waitForState(t, sup, StateRunning, 2*time.Second)

	if sup.Snapshot().RestartCount != 0 {
		t.Fatalf("restart count = %d, want 0 after operator start", sup.Snapshot().RestartCount)
	}
}
