package config

import "testing"

func TestParseMinimalCatalog(t *testing.T) {
	doc := []byte(`{
		// tower config
		"mcp": {
			"servers": {
				"alpha": {"command": "sleep", "args": ["3600"], "metadata": {"layer": 0}},
				"beta": {
					"command": "sleep",
					"args": ["3600"],
					"metadata": {"layer": 1, "dependencies": ["alpha"]},
				},
			},
		},
	}`)

	cat, err := Parse(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cat.Servers) != 2 {
		t.Fatalf("got %d servers", len(cat.Servers))
	}
	if !cat.Servers["alpha"].Metadata.AutoStartOrDefault() {
		t.Fatal("autoStart should default to true")
	}
	if cat.Orchestrator.MaxRestarts != defaultMaxRestarts {
		t.Fatalf("maxRestarts default = %d", cat.Orchestrator.MaxRestarts)
	}
}

func TestParseRejectsUnknownDependency(t *testing.T) {
	doc := []byte(`{"mcp": {"servers": {
		"beta": {"command": "x", "metadata": {"layer": 1, "dependencies": ["ghost"]}}
	}}}`)
	if _, err := Parse(doc); err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestParseRejectsLayerViolation(t *testing.T) {
	doc := []byte(`{"mcp": {"servers": {
		"alpha": {"command": "x", "metadata": {"layer": 1}},
		"beta": {"command": "x", "metadata": {"layer": 1, "dependencies": ["alpha"]}}
	}}}`)
	if _, err := Parse(doc); err == nil {
		t.Fatal("expected error for non-increasing layer")
	}
}

func TestParseInvalidServerName(t *testing.T) {
	doc := []byte(`{"mcp": {"servers": {
		"bad name!": {"command": "x", "metadata": {"layer": 0}}
	}}}`)
	if _, err := Parse(doc); err == nil {
		t.Fatal("expected error for invalid server name")
	}
}

func TestResolveTuningOverrides(t *testing.T) {
	doc := []byte(`{
		"mcp": {
			"servers": {},
			"orchestrator": {"maxRestarts": 7, "healthCheckIntervalMs": 5000}
		}
	}`)
	cat, err := Parse(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cat.Orchestrator.MaxRestarts != 7 {
		t.Fatalf("maxRestarts = %d", cat.Orchestrator.MaxRestarts)
	}
	if cat.Orchestrator.HealthCheckInterval.Milliseconds() != 5000 {
		t.Fatalf("healthCheckInterval = %v", cat.Orchestrator.HealthCheckInterval)
	}
}
