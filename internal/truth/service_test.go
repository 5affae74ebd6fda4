package truth

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chainfeed/internal/bus"

	"github.com/alicebob/miniredis/v2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBus(t *testing.T) *bus.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := bus.New(context.Background(), bus.Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeSeed(t *testing.T, doc Document) string {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal seed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "canonical_truth.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return path
}

func TestServiceStartLoadsSeed(t *testing.T) {
	seedPath := writeSeed(t, Document{Version: "v1.0.0"})
	svc := New(newTestBus(t), testLogger(), seedPath)

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := svc.Get().Version; got != "v1.0.0" {
		t.Fatalf("Get().Version = %q, want v1.0.0", got)
	}
}

func TestServiceStartFatalWhenSeedMissing(t *testing.T) {
	svc := New(newTestBus(t), testLogger(), filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err := svc.Start(); err == nil {
		t.Fatal("expected error when no seed document is found")
	}
}

func TestServiceSyncWithBusPublishesLocalWhenBusEmpty(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)
	seedPath := writeSeed(t, Document{Version: "v1.0.0"})
	svc := New(b, testLogger(), seedPath)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.SyncWithBus(ctx); err != nil {
		t.Fatalf("SyncWithBus: %v", err)
	}

	raw, err := b.Get(ctx, schemaKey)
	if err != nil {
		t.Fatalf("bus Get: %v", err)
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("unmarshal bus copy: %v", err)
	}
	if doc.Version != "v1.0.0" {
		t.Fatalf("bus copy version = %q, want v1.0.0", doc.Version)
	}
}

func TestServiceSyncWithBusAdoptsNewerRemote(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)

	remote := Document{Version: "v2.0.0"}
	data, _ := json.Marshal(remote)
	if err := b.Set(ctx, schemaKey, string(data), -1); err != nil {
		t.Fatalf("seed bus copy: %v", err)
	}

	seedPath := writeSeed(t, Document{Version: "v1.0.0"})
	svc := New(b, testLogger(), seedPath)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.SyncWithBus(ctx); err != nil {
		t.Fatalf("SyncWithBus: %v", err)
	}
	if got := svc.Get().Version; got != "v2.0.0" {
		t.Fatalf("Get().Version = %q, want v2.0.0 (adopted from bus)", got)
	}
}

func TestServicePublishUpdateBumpsVersionAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)
	seedPath := writeSeed(t, Document{Version: "v1.0.0"})
	svc := New(b, testLogger(), seedPath)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sub := b.Subscribe(ctx, updateChannel)
	defer sub.Close()
	time.Sleep(50 * time.Millisecond)

	err := svc.PublishUpdate(ctx, func(d *Document) {
		d.Chainfeed.DefaultSymbols = []string{"SPX"}
	})
	if err != nil {
		t.Fatalf("PublishUpdate: %v", err)
	}

	got := svc.Get()
	if got.Version != "v1.0.1" {
		t.Fatalf("Version = %q, want v1.0.1", got.Version)
	}
	if len(got.Chainfeed.DefaultSymbols) != 1 || got.Chainfeed.DefaultSymbols[0] != "SPX" {
		t.Fatalf("DefaultSymbols = %v, want [SPX]", got.Chainfeed.DefaultSymbols)
	}

	select {
	case msg := <-sub.Channel():
		var doc Document
		if err := json.Unmarshal([]byte(msg.Payload), &doc); err != nil {
			t.Fatalf("unmarshal broadcast: %v", err)
		}
		if doc.Version != "v1.0.1" {
			t.Fatalf("broadcast version = %q, want v1.0.1", doc.Version)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for truth:update:schema broadcast")
	}
}

func TestServiceSubscribeIgnoresMalformedAndStaleUpdates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBus(t)
	seedPath := writeSeed(t, Document{Version: "v1.5.0"})
	svc := New(b, testLogger(), seedPath)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		svc.Subscribe(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	if err := b.Publish(ctx, updateChannel, "not-json"); err != nil {
		t.Fatalf("publish malformed: %v", err)
	}
	stale, _ := json.Marshal(Document{Version: "v1.0.0"})
	if err := b.Publish(ctx, updateChannel, string(stale)); err != nil {
		t.Fatalf("publish stale: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if got := svc.Get().Version; got != "v1.5.0" {
		t.Fatalf("Get().Version = %q, want v1.5.0 unchanged (malformed/stale updates ignored)", got)
	}

	fresh, _ := json.Marshal(Document{Version: "v1.6.0"})
	if err := b.Publish(ctx, updateChannel, string(fresh)); err != nil {
		t.Fatalf("publish fresh: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := svc.Get().Version; got != "v1.6.0" {
		t.Fatalf("Get().Version = %q, want v1.6.0 after valid update", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not return after context cancellation")
	}
}
