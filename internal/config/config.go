// Package config resolves runtime configuration from environment variables,
// the recognized set from spec §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

const (
	defaultRedisHost          = "localhost"
	defaultRedisPort          = "6379"
	defaultPolygonBaseURL     = "https://api.polygon.io"
	defaultShutdownGraceDelay = 5 * time.Second
)

// Runtime carries every environment-resolved setting a node needs at
// startup.
type Runtime struct {
	NodeID             string
	RedisAddr          string
	PolygonAPIKey      string
	PolygonBaseURL     string
	ShutdownGraceDelay time.Duration
	SeedPath           string
}

// FromEnv resolves a Runtime from the process environment. seedPath, if
// non-empty, is tried by the Truth Service before its default seed paths.
func FromEnv(seedPath string) (Runtime, error) {
	host := envOr("REDIS_HOST", defaultRedisHost)
	port := envOr("REDIS_PORT", defaultRedisPort)

	grace := defaultShutdownGraceDelay
	if raw := strings.TrimSpace(os.Getenv("SHUTDOWN_GRACE_DELAY")); raw != "" {
		d, err := parseGraceDelay(raw)
		if err != nil {
			return Runtime{}, fmt.Errorf("invalid SHUTDOWN_GRACE_DELAY %q: %w", raw, err)
		}
		grace = d
	}

	return Runtime{
		NodeID:             strings.TrimSpace(os.Getenv("NODE_ID")),
		RedisAddr:          fmt.Sprintf("%s:%s", host, port),
		PolygonAPIKey:      strings.TrimSpace(os.Getenv("POLYGON_API_KEY")),
		PolygonBaseURL:     envOr("POLYGON_BASE_URL", defaultPolygonBaseURL),
		ShutdownGraceDelay: grace,
		SeedPath:           seedPath,
	}, nil
}

// parseGraceDelay accepts either a bare integer (seconds) or a duration
// string ("5s", "500ms", "1d"), matching how operators tend to set this
// variable. str2duration additionally understands day/week units that
// time.ParseDuration rejects.
func parseGraceDelay(raw string) (time.Duration, error) {
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return str2duration.ParseDuration(raw)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
