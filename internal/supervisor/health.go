package supervisor

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mcp-tower/tower/internal/config"
)

// probe runs a single health check according to kind. A HealthCheckKind
// of "" always succeeds (no check configured); "tcp" dials address;
// "process" confirms the pid is still alive via signal 0.
func probe(check config.HealthCheckConfig, pid int, timeout time.Duration) error {
	switch check.Kind {
	case config.HealthCheckNone:
		return nil
	case config.HealthCheckTCP:
		conn, err := net.DialTimeout("tcp", check.Address, timeout)
		if err != nil {
			return fmt.Errorf("tcp probe to %s failed: %w", check.Address, err)
		}
		return conn.Close()
	case config.HealthCheckProcess:
		return probeProcessAlive(pid)
	default:
		return fmt.Errorf("unknown health check kind %q", check.Kind)
	}
}

func probeProcessAlive(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("no pid to probe")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	// On unix FindProcess always succeeds; Signal(0) is the actual
	// liveness check and does not deliver a real signal.
	if err := proc.Signal(syscallSignal0()); err != nil {
		return fmt.Errorf("process %d not alive: %w", pid, err)
	}
	return nil
}
