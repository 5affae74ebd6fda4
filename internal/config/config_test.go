package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("NODE_ID", "")
	t.Setenv("REDIS_HOST", "")
	t.Setenv("REDIS_PORT", "")
	t.Setenv("POLYGON_API_KEY", "")
	t.Setenv("POLYGON_BASE_URL", "")
	t.Setenv("SHUTDOWN_GRACE_DELAY", "")

	rt, err := FromEnv("")
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if rt.RedisAddr != "localhost:6379" {
		t.Fatalf("RedisAddr = %q, want localhost:6379", rt.RedisAddr)
	}
	if rt.PolygonBaseURL != defaultPolygonBaseURL {
		t.Fatalf("PolygonBaseURL = %q, want default", rt.PolygonBaseURL)
	}
	if rt.ShutdownGraceDelay != defaultShutdownGraceDelay {
		t.Fatalf("ShutdownGraceDelay = %v, want %v", rt.ShutdownGraceDelay, defaultShutdownGraceDelay)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("NODE_ID", "node-7")
	t.Setenv("REDIS_HOST", "bus.internal")
	t.Setenv("REDIS_PORT", "7000")
	t.Setenv("POLYGON_API_KEY", "secret")
	t.Setenv("POLYGON_BASE_URL", "https://polygon.example.com")
	t.Setenv("SHUTDOWN_GRACE_DELAY", "10")

	rt, err := FromEnv("/tmp/seed.json")
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if rt.NodeID != "node-7" {
		t.Fatalf("NodeID = %q, want node-7", rt.NodeID)
	}
	if rt.RedisAddr != "bus.internal:7000" {
		t.Fatalf("RedisAddr = %q, want bus.internal:7000", rt.RedisAddr)
	}
	if rt.ShutdownGraceDelay != 10*time.Second {
		t.Fatalf("ShutdownGraceDelay = %v, want 10s", rt.ShutdownGraceDelay)
	}
	if rt.SeedPath != "/tmp/seed.json" {
		t.Fatalf("SeedPath = %q, want /tmp/seed.json", rt.SeedPath)
	}
}

func TestFromEnvInvalidGraceDelay(t *testing.T) {
	t.Setenv("SHUTDOWN_GRACE_DELAY", "not-a-duration")
	if _, err := FromEnv(""); err == nil {
		t.Fatal("expected error for invalid SHUTDOWN_GRACE_DELAY")
	}
}
