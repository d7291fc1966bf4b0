// Package httpapi is the tower's command/query surface: a small REST API
// over the Orchestrator plus the /metrics scrape endpoint, wrapped in
// CORS and rate-limit middleware.
package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/mcp-tower/tower/internal/metrics"
	"github.com/mcp-tower/tower/internal/orchestrator"
	"github.com/mcp-tower/tower/internal/ratelimit"
	"github.com/mcp-tower/tower/internal/supervisor"
)

// CORSConfig lists the origins allowed to call this API from a browser.
type CORSConfig struct {
	AllowedOrigins []string
}

// API wires the Orchestrator to an http.Handler.
type API struct {
	orch    *orchestrator.Orchestrator
	metrics *metrics.Registry
	limiter *ratelimit.Limiter
	cors    CORSConfig
	log     *zap.Logger
}

// New constructs the API. limiter and metricsReg may be nil to disable
// rate limiting or metrics exposure respectively.
func New(orch *orchestrator.Orchestrator, metricsReg *metrics.Registry, limiter *ratelimit.Limiter, cors CORSConfig, log *zap.Logger) *API {
	return &API{orch: orch, metrics: metricsReg, limiter: limiter, cors: cors, log: log}
}

// Handler builds the routed, middleware-wrapped http.Handler.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.HandleFunc("GET /api/servers", a.handleListServers)
	mux.HandleFunc("GET /api/servers/{name}", a.handleGetServer)
	mux.HandleFunc("POST /api/servers/{name}/start", a.handleStart)
	mux.HandleFunc("POST /api/servers/{name}/stop", a.handleStop)
	mux.HandleFunc("POST /api/servers/{name}/restart", a.handleRestart)
	mux.HandleFunc("GET /api/stats/rate-limit", a.handleRateLimitStats)

	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}

	var handler http.Handler = mux
	if a.limiter != nil {
		handler = a.limiter.Middleware(handler)
	}
	handler = a.withCORS(handler)
	return handler
}

func (a *API) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && a.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) originAllowed(origin string) bool {
	for _, o := range a.cors.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type serverStatusResponse struct {
	Name                       string `json:"name"`
	State                      string `json:"state"`
	PID                        int    `json:"pid,omitempty"`
	RestartCount               int    `json:"restartCount"`
	LastError                  string `json:"lastError,omitempty"`
	EffectiveHealthCheckMillis int64  `json:"effectiveHealthCheckIntervalMs"`
}

func (a *API) toResponse(s supervisor.Snapshot) serverStatusResponse {
	return serverStatusResponse{
		Name:                       s.Name,
		State:                      string(s.State),
		PID:                        s.PID,
		RestartCount:               s.RestartCount,
		LastError:                  s.LastError,
		EffectiveHealthCheckMillis: a.orch.HealthCheckIntervalMillis(),
	}
}

type serverListStats struct {
	Running int `json:"running"`
	Stopped int `json:"stopped"`
	Error   int `json:"error"`
	Total   int `json:"total"`
}

type serverListResponse struct {
	Servers []serverStatusResponse `json:"servers"`
	Stats   serverListStats        `json:"stats"`
}

func (a *API) handleListServers(w http.ResponseWriter, r *http.Request) {
	status := a.orch.Status()
	out := serverListResponse{Servers: make([]serverStatusResponse, 0, len(status))}
	for _, s := range status {
		out.Servers = append(out.Servers, a.toResponse(s))
		out.Stats.Total++
		switch s.State {
		case supervisor.StateRunning:
			out.Stats.Running++
		case supervisor.StateStopped:
			out.Stats.Stopped++
		case supervisor.StateError:
			out.Stats.Error++
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetServer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	snap, err := a.orch.ServerSnapshot(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody(err))
		return
	}
	writeJSON(w, http.StatusOK, a.toResponse(snap))
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	a.dispatch(w, r, a.orch.Start)
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	a.dispatch(w, r, a.orch.Stop)
}

func (a *API) handleRestart(w http.ResponseWriter, r *http.Request) {
	a.dispatch(w, r, a.orch.Restart)
}

func (a *API) dispatch(w http.ResponseWriter, r *http.Request, op func(string) error) {
	name := r.PathValue("name")
	if err := op(name); err != nil {
		switch err {
		case orchestrator.ErrUnknownServer:
			writeJSON(w, http.StatusNotFound, errorBody(err))
		case orchestrator.ErrAlreadyRunning, orchestrator.ErrAlreadyStopped:
			writeJSON(w, http.StatusConflict, errorBody(err))
		default:
			writeJSON(w, http.StatusInternalServerError, errorBody(err))
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (a *API) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	if a.limiter == nil {
		writeJSON(w, http.StatusOK, ratelimit.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, a.limiter.Stats())
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
