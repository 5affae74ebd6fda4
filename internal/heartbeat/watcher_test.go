package heartbeat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"chainfeed/internal/mesh"
	"chainfeed/internal/node"
)

func TestWatcherMarksStaleEntryOffline(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)
	reg := mesh.New(b)

	stale := mesh.HeartbeatPayload{NodeID: "node-b", Group: "default", Timestamp: time.Now().Add(-time.Hour), Status: mesh.StatusOnline}
	data, _ := json.Marshal(stale)
	if err := b.Set(ctx, "heartbeat:default", string(data)); err != nil {
		t.Fatalf("seed stale heartbeat key: %v", err)
	}

	w := NewWatcher(b, reg, node.Identity{ID: "node-a"}, time.Second, 5*time.Second)
	if err := w.scanAndReconcile(ctx); err != nil {
		t.Fatalf("scanAndReconcile: %v", err)
	}

	entries, err := reg.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	entry, ok := entries[mesh.EntryKey("node-b", "default")]
	if !ok {
		t.Fatal("expected node-b:default entry to be retained for one cycle")
	}
	if entry.Status != mesh.StatusOffline {
		t.Fatalf("status = %q, want offline", entry.Status)
	}
}

func TestWatcherMarksFreshEntryOnline(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)
	reg := mesh.New(b)

	fresh := mesh.HeartbeatPayload{NodeID: "node-b", Group: "default", Timestamp: time.Now(), Status: mesh.StatusOnline}
	data, _ := json.Marshal(fresh)
	if err := b.Set(ctx, "heartbeat:default", string(data)); err != nil {
		t.Fatalf("seed fresh heartbeat key: %v", err)
	}

	w := NewWatcher(b, reg, node.Identity{ID: "node-a"}, time.Second, 5*time.Second)
	if err := w.scanAndReconcile(ctx); err != nil {
		t.Fatalf("scanAndReconcile: %v", err)
	}

	entries, err := reg.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if entries[mesh.EntryKey("node-b", "default")].Status != mesh.StatusOnline {
		t.Fatalf("status = %q, want online", entries[mesh.EntryKey("node-b", "default")].Status)
	}
}

func TestWatcherNeverRemovesOwnEntries(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)
	reg := mesh.New(b)

	self := mesh.HeartbeatPayload{NodeID: "node-a", Group: "default", Timestamp: time.Now().Add(-time.Hour), Status: mesh.StatusOnline}
	if err := reg.ReconcileEntries(ctx, map[string]mesh.HeartbeatPayload{mesh.EntryKey("node-a", "default"): self}, nil); err != nil {
		t.Fatalf("seed own entry: %v", err)
	}

	// No heartbeat:* key observed this cycle (e.g. emitter paused) — watcher
	// must still not delete its own node's entries.
	w := NewWatcher(b, reg, node.Identity{ID: "node-a"}, time.Second, 5*time.Second)
	if err := w.scanAndReconcile(ctx); err != nil {
		t.Fatalf("scanAndReconcile: %v", err)
	}

	entries, err := reg.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if _, ok := entries[mesh.EntryKey("node-a", "default")]; !ok {
		t.Fatal("watcher must never remove its own node's mesh entries")
	}
}

func TestWatcherDeletesUnobservedForeignEntries(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)
	reg := mesh.New(b)

	other := mesh.HeartbeatPayload{NodeID: "node-c", Group: "default", Timestamp: time.Now(), Status: mesh.StatusOnline}
	if err := reg.ReconcileEntries(ctx, map[string]mesh.HeartbeatPayload{mesh.EntryKey("node-c", "default"): other}, nil); err != nil {
		t.Fatalf("seed foreign entry: %v", err)
	}

	w := NewWatcher(b, reg, node.Identity{ID: "node-a"}, time.Second, 5*time.Second)
	if err := w.scanAndReconcile(ctx); err != nil {
		t.Fatalf("scanAndReconcile: %v", err)
	}

	entries, err := reg.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if _, ok := entries[mesh.EntryKey("node-c", "default")]; ok {
		t.Fatal("expected unobserved foreign entry to be pruned")
	}
}
