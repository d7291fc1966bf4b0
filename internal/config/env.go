package config

import (
	"os"
	"strconv"
	"strings"
)

// RuntimeEnv holds the process-environment-derived settings from spec §6,
// applied on top of whatever the JSONC document configures.
type RuntimeEnv struct {
	DashboardPort        int
	APIPort              int
	APIHost              string
	LogLevel             string
	LogToFile            bool
	RateLimitWindowMS    int
	RateLimitMaxRequests int
	CORSOrigins          []string
}

// LoadRuntimeEnv reads recognized environment variables, read once at
// process startup and never re-read afterward.
func LoadRuntimeEnv() RuntimeEnv {
	e := RuntimeEnv{
		DashboardPort:        envInt("DASHBOARD_PORT", 3000),
		APIPort:              envInt("API_PORT", 8080),
		APIHost:              envString("API_HOST", "0.0.0.0"),
		LogLevel:             envString("LOG_LEVEL", "info"),
		LogToFile:            envString("LOG_TO_FILE", "true") != "false",
		RateLimitWindowMS:    envInt("RATE_LIMIT_WINDOW_MS", 60000),
		RateLimitMaxRequests: envInt("RATE_LIMIT_MAX_REQUESTS", 100),
	}
	if raw := os.Getenv("CORS_ORIGINS"); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				e.CORSOrigins = append(e.CORSOrigins, origin)
			}
		}
	}
	return e
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
