// Command tower is the control tower's process entrypoint: it owns the
// orchestrator, event hub, WebSocket gateway and HTTP API for one fleet
// of supervised MCP servers.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mcp-tower/tower/internal/clock"
	"github.com/mcp-tower/tower/internal/config"
	"github.com/mcp-tower/tower/internal/hub"
	"github.com/mcp-tower/tower/internal/metrics"
	"github.com/mcp-tower/tower/internal/notify"
	"github.com/mcp-tower/tower/internal/orchestrator"
	"github.com/mcp-tower/tower/internal/ratelimit"
	"github.com/mcp-tower/tower/internal/statestore"
	"github.com/mcp-tower/tower/internal/httpapi"
	"github.com/mcp-tower/tower/internal/wsgateway"
)

const (
	exitOK          = 0
	exitConfigError = 1
	exitFleetAbort  = 2
	exitInterrupted = 130
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitConfigError)
	}

	switch os.Args[1] {
	case "start":
		os.Exit(runStart(os.Args[2:]))
	case "stop":
		os.Exit(runStop(os.Args[2:]))
	case "status":
		os.Exit(runStatus(os.Args[2:]))
	case "health":
		os.Exit(runHealth(os.Args[2:]))
	default:
		printUsage()
		os.Exit(exitConfigError)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: tower <start|stop|status|health> [flags]")
}

func defaultPidFile() string {
	if v := os.Getenv("MCP_TOWER_PID_FILE"); v != "" {
		return v
	}
	return filepath.Join(os.TempDir(), "mcp-tower.pid")
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "mcp-tower.jsonc", "path to the JSONC server catalog")
	dev := fs.Bool("dev", false, "enable development logging (console, debug level)")
	auditPath := fs.String("audit-db", "", "path to the supplementary SQLite audit log (disabled if empty)")
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}

	log := buildLogger(*dev)
	defer log.Sync()

	runtimeEnv := config.LoadRuntimeEnv()

	catalog, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", zap.Error(err))
		return exitConfigError
	}

	clk := clock.Real{}
	metricsReg := metrics.New()

	eventHub := hub.New(clk, catalog.Orchestrator.HeartbeatInterval).WithMetrics(metricsReg)
	go eventHub.Run()
	defer eventHub.Stop()

	statePath := os.Getenv("MCP_TOWER_STATE_FILE")
	if statePath == "" {
		statePath = filepath.Join(os.TempDir(), "mcp-tower-state.json")
	}
	store := statestore.NewStore(statePath)

	var auditLog *statestore.AuditLog
	if *auditPath != "" {
		auditLog, err = statestore.OpenAuditLog(*auditPath)
		if err != nil {
			log.Warn("audit log unavailable, continuing without it", zap.Error(err))
		} else {
			defer auditLog.Close()
		}
	}

	orch, err := orchestrator.Bootstrap(catalog, clk, eventHub, store)
	if err != nil {
		log.Error("failed to bootstrap orchestrator", zap.Error(err))
		return exitConfigError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.Run(ctx)

	if token := os.Getenv("MCP_TOWER_DISCORD_TOKEN"); token != "" {
		if channelID := os.Getenv("MCP_TOWER_DISCORD_CHANNEL"); channelID != "" {
			if notifier, err := notify.NewDiscordNotifier(token, channelID, log); err != nil {
				log.Warn("discord notifier disabled", zap.Error(err))
			} else {
				notifier.Watch(eventHub)
				defer notifier.Close()
			}
		}
	}

	if err := writePidFile(); err != nil {
		log.Warn("could not write pid file", zap.Error(err))
	}
	defer os.Remove(defaultPidFile())

	if err := orch.StartAll(ctx); err != nil {
		log.Error("fleet start aborted", zap.Error(err))
		orch.StopAll(context.Background())
		return exitFleetAbort
	}
	log.Info("fleet started")

	limiter := ratelimit.New(ratelimit.Config{
		Window:      time.Duration(runtimeEnv.RateLimitWindowMS) * time.Millisecond,
		MaxRequests: runtimeEnv.RateLimitMaxRequests,
		SkipPaths:   []string{"/api/health", "/metrics"},
	}, clk).WithMetrics(metricsReg)
	limiter.StartCompaction(time.Minute)
	defer limiter.Stop()

	api := httpapi.New(orch, metricsReg, limiter, httpapi.CORSConfig{AllowedOrigins: runtimeEnv.CORSOrigins}, log)
	gateway := wsgateway.New(eventHub, log, catalog.Orchestrator.HeartbeatInterval, catalog.Orchestrator.HeartbeatTimeoutMissed)

	mux := http.NewServeMux()
	mux.Handle("/", api.Handler())
	mux.Handle("/ws", gateway)

	addr := runtimeEnv.APIHost + ":" + strconv.Itoa(runtimeEnv.APIPort)
	server := &http.Server{Addr: addr, Handler: mux}

	serverErrCh := make(chan error, 1)
	go func() {
		log.Info("http api listening", zap.String("addr", addr))
		serverErrCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	interrupted := false
	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))
		interrupted = true
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("http api failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), catalog.Orchestrator.ShutdownTimeout)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	orch.StopAll(context.Background())
	log.Info("fleet stopped")
	if interrupted {
		return exitInterrupted
	}
	return exitOK
}

func writePidFile() error {
	return os.WriteFile(defaultPidFile(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func runStop(args []string) int {
	data, err := os.ReadFile(defaultPidFile())
	if err != nil {
		fmt.Fprintf(os.Stderr, "tower stop: no running instance found: %v\n", err)
		return exitConfigError
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		fmt.Fprintf(os.Stderr, "tower stop: invalid pid file: %v\n", err)
		return exitConfigError
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tower stop: %v\n", err)
		return exitConfigError
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "tower stop: %v\n", err)
		return exitConfigError
	}
	return exitOK
}

func apiBaseURL() string {
	if v := os.Getenv("MCP_TOWER_API_URL"); v != "" {
		return v
	}
	runtimeEnv := config.LoadRuntimeEnv()
	return fmt.Sprintf("http://%s:%d", runtimeEnv.APIHost, runtimeEnv.APIPort)
}

func runStatus(args []string) int {
	resp, err := http.Get(apiBaseURL() + "/api/servers")
	if err != nil {
		fmt.Fprintf(os.Stderr, "tower status: %v\n", err)
		return exitConfigError
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Println(string(body))
	if resp.StatusCode != http.StatusOK {
		return exitConfigError
	}
	return exitOK
}

func runHealth(args []string) int {
	resp, err := http.Get(apiBaseURL() + "/api/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "tower health: %v\n", err)
		return exitConfigError
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return exitConfigError
	}
	return exitOK
}

func buildLogger(dev bool) *zap.Logger {
	if dev {
		log, _ := zap.NewDevelopment()
		return log
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}
