package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestObserveStateExposedOnMetricsEndpoint(t *testing.T) {
	r := New()
	r.ObserveState("alpha", "running")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `mcp_tower_server_state{server="alpha",state="running"} 1`) {
		t.Fatalf("metrics output missing running state gauge:\n%s", body)
	}
	if !strings.Contains(body, `mcp_tower_server_state{server="alpha",state="stopped"} 0`) {
		t.Fatalf("metrics output missing zeroed stopped state gauge:\n%s", body)
	}
}
