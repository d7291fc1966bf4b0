// Package config loads the tower's JSONC configuration document into a
// typed, validated server catalog plus orchestrator tuning knobs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/mcp-tower/tower/internal/jsonc"
)

var nameRE = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// HealthCheckKind selects how a Supervisor probes a running server.
type HealthCheckKind string

const (
	HealthCheckNone    HealthCheckKind = ""
	HealthCheckTCP     HealthCheckKind = "tcp"
	HealthCheckProcess HealthCheckKind = "process"
)

// HealthCheckConfig describes the optional per-server health probe.
type HealthCheckConfig struct {
	Kind HealthCheckKind `json:"kind"`
	// Address is host:port, used only when Kind == HealthCheckTCP.
	Address string `json:"address"`
}

// Metadata holds the scheduling-relevant facts about a server.
type Metadata struct {
	Layer        int      `json:"layer"`
	Dependencies []string `json:"dependencies"`
	Critical     bool     `json:"critical"`
	AutoStart    *bool    `json:"autoStart"`
}

// AutoStartOrDefault returns Metadata.AutoStart, defaulting to true when
// the field was omitted from the document.
func (m Metadata) AutoStartOrDefault() bool {
	if m.AutoStart == nil {
		return true
	}
	return *m.AutoStart
}

// ServerDescriptor is the immutable, config-derived definition of one
// supervised server (spec §3 ServerDescriptor).
type ServerDescriptor struct {
	Name        string            `json:"-"`
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env"`
	Metadata    Metadata          `json:"metadata"`
	HealthCheck HealthCheckConfig `json:"healthCheck"`
}

// Catalog is the full, validated set of server descriptors plus tuning.
type Catalog struct {
	Servers      map[string]ServerDescriptor
	Orchestrator Tuning
}

// Tuning holds the mcp.orchestrator block (spec §6), all fields optional
// in the document and defaulted here.
type Tuning struct {
	MaxRestarts             int           `json:"-"`
	HealthCheckInterval     time.Duration `json:"-"`
	UnhealthyThreshold      int           `json:"-"`
	BackoffInitial          time.Duration `json:"-"`
	BackoffMax              time.Duration `json:"-"`
	RestartCountResetAfter  time.Duration `json:"-"`
	BootTimeout             time.Duration `json:"-"`
	ShutdownTimeout         time.Duration `json:"-"`
	PerServerShutdownGrace  time.Duration `json:"-"`
	PersistInterval         time.Duration `json:"-"`
	HeartbeatInterval       time.Duration `json:"-"`
	HeartbeatTimeoutMissed  int           `json:"-"`
}

type rawDocument struct {
	MCP struct {
		Servers      map[string]json.RawMessage `json:"servers"`
		Orchestrator rawOrchestratorTuning      `json:"orchestrator"`
	} `json:"mcp"`
}

type rawServer struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env"`
	Metadata    Metadata          `json:"metadata"`
	HealthCheck HealthCheckConfig `json:"healthCheck"`
}

type rawOrchestratorTuning struct {
	MaxRestarts             *int `json:"maxRestarts"`
	HealthCheckIntervalMS   *int `json:"healthCheckIntervalMs"`
	UnhealthyThreshold      *int `json:"unhealthyThreshold"`
	BackoffInitialMS        *int `json:"backoffInitialMs"`
	BackoffMaxMS            *int `json:"backoffMaxMs"`
	RestartCountResetAfterS *int `json:"restartCountResetAfterSeconds"`
	BootTimeoutS            *int `json:"bootTimeoutSeconds"`
	ShutdownTimeoutS        *int `json:"shutdownTimeoutSeconds"`
	PersistIntervalMS       *int `json:"persistIntervalMs"`
	HeartbeatIntervalS      *int `json:"heartbeatIntervalSeconds"`
	HeartbeatTimeoutMissed  *int `json:"heartbeatTimeoutMissedCount"`
}

const (
	defaultMaxRestarts            = 3
	defaultHealthCheckIntervalSec = 30
	defaultUnhealthyThreshold     = 3
	defaultBackoffInitialMS       = 500
	defaultBackoffMaxSec          = 30
	defaultRestartResetSec        = 60
	defaultBootTimeoutSec         = 60
	defaultShutdownTimeoutSec     = 30
	defaultShutdownGraceSec       = 10
	defaultPersistIntervalMS      = 500
	defaultHeartbeatIntervalSec   = 30
	defaultHeartbeatTimeoutMissed = 2
)

// Load reads path, strips JSONC comments/trailing commas, and decodes it
// into a validated Catalog.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a JSONC document already held in memory.
func Parse(data []byte) (*Catalog, error) {
	var doc rawDocument
	if err := jsonc.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	servers := make(map[string]ServerDescriptor, len(doc.MCP.Servers))
	for name, rawMsg := range doc.MCP.Servers {
		if !nameRE.MatchString(name) {
			return nil, &jsonc.ConfigError{Reason: fmt.Sprintf("server name %q must match [a-zA-Z0-9_-]+", name)}
		}
		// Descriptors are strict: an unknown field is a config error.
		var raw rawServer
		if err := jsonc.UnmarshalStrict(rawMsg, &raw); err != nil {
			return nil, err
		}
		servers[name] = ServerDescriptor{
			Name:        name,
			Command:     raw.Command,
			Args:        raw.Args,
			Env:         raw.Env,
			Metadata:    raw.Metadata,
			HealthCheck: raw.HealthCheck,
		}
	}

	if err := validateDescriptors(servers); err != nil {
		return nil, err
	}

	tuning := resolveTuning(doc.MCP.Orchestrator)

	return &Catalog{Servers: servers, Orchestrator: tuning}, nil
}

func resolveTuning(raw rawOrchestratorTuning) Tuning {
	t := Tuning{
		MaxRestarts:            defaultMaxRestarts,
		HealthCheckInterval:    defaultHealthCheckIntervalSec * time.Second,
		UnhealthyThreshold:     defaultUnhealthyThreshold,
		BackoffInitial:         defaultBackoffInitialMS * time.Millisecond,
		BackoffMax:             defaultBackoffMaxSec * time.Second,
		RestartCountResetAfter: defaultRestartResetSec * time.Second,
		BootTimeout:            defaultBootTimeoutSec * time.Second,
		ShutdownTimeout:        defaultShutdownTimeoutSec * time.Second,
		PerServerShutdownGrace: defaultShutdownGraceSec * time.Second,
		PersistInterval:        defaultPersistIntervalMS * time.Millisecond,
		HeartbeatInterval:      defaultHeartbeatIntervalSec * time.Second,
		HeartbeatTimeoutMissed: defaultHeartbeatTimeoutMissed,
	}

	if raw.MaxRestarts != nil {
		t.MaxRestarts = *raw.MaxRestarts
	}
	if raw.HealthCheckIntervalMS != nil {
		t.HealthCheckInterval = time.Duration(*raw.HealthCheckIntervalMS) * time.Millisecond
	}
	if raw.UnhealthyThreshold != nil {
		t.UnhealthyThreshold = *raw.UnhealthyThreshold
	}
	if raw.BackoffInitialMS != nil {
		t.BackoffInitial = time.Duration(*raw.BackoffInitialMS) * time.Millisecond
	}
	if raw.BackoffMaxMS != nil {
		t.BackoffMax = time.Duration(*raw.BackoffMaxMS) * time.Millisecond
	}
	if raw.RestartCountResetAfterS != nil {
		t.RestartCountResetAfter = time.Duration(*raw.RestartCountResetAfterS) * time.Second
	}
	if raw.BootTimeoutS != nil {
		t.BootTimeout = time.Duration(*raw.BootTimeoutS) * time.Second
	}
	if raw.ShutdownTimeoutS != nil {
		t.ShutdownTimeout = time.Duration(*raw.ShutdownTimeoutS) * time.Second
	}
	if raw.PersistIntervalMS != nil {
		t.PersistInterval = time.Duration(*raw.PersistIntervalMS) * time.Millisecond
	}
	if raw.HeartbeatIntervalS != nil {
		t.HeartbeatInterval = time.Duration(*raw.HeartbeatIntervalS) * time.Second
	}
	if raw.HeartbeatTimeoutMissed != nil {
		t.HeartbeatTimeoutMissed = *raw.HeartbeatTimeoutMissed
	}

	return t
}

func validateDescriptors(servers map[string]ServerDescriptor) error {
	for name, desc := range servers {
		for _, dep := range desc.Metadata.Dependencies {
			depDesc, ok := servers[dep]
			if !ok {
				return &jsonc.ConfigError{Reason: fmt.Sprintf("server %q depends on unknown server %q", name, dep)}
			}
			if depDesc.Metadata.Layer >= desc.Metadata.Layer {
				return &jsonc.ConfigError{Reason: fmt.Sprintf(
					"server %q (layer %d) must have a strictly higher layer than its dependency %q (layer %d)",
					name, desc.Metadata.Layer, dep, depDesc.Metadata.Layer)}
			}
		}
	}
	return nil
}
