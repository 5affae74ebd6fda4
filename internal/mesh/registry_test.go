package mesh

import (
	"context"
	"testing"
	"time"

	"chainfeed/internal/bus"

	"github.com/alicebob/miniredis/v2"
)

func newTestRegistry(t *testing.T) (*Registry, *bus.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := bus.New(context.Background(), bus.Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return New(c), c
}

func TestRegistryReconcileUpsertsAndDeletes(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	now := time.Now().UTC()
	err := reg.ReconcileEntries(ctx, map[string]HeartbeatPayload{
		EntryKey("node-a", "default"): {NodeID: "node-a", Group: "default", Timestamp: now, Status: StatusOnline},
		EntryKey("node-b", "default"): {NodeID: "node-b", Group: "default", Timestamp: now, Status: StatusOnline},
	}, nil)
	if err != nil {
		t.Fatalf("ReconcileEntries: %v", err)
	}

	entries, err := reg.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}

	if err := reg.ReconcileEntries(ctx, nil, []string{EntryKey("node-b", "default")}); err != nil {
		t.Fatalf("ReconcileEntries delete: %v", err)
	}
	entries, err = reg.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if _, ok := entries[EntryKey("node-b", "default")]; ok {
		t.Fatal("node-b:default entry should have been deleted")
	}
	if _, ok := entries[EntryKey("node-a", "default")]; !ok {
		t.Fatal("node-a:default entry should remain")
	}
}

func TestRegistryListEntriesSkipsMalformed(t *testing.T) {
	ctx := context.Background()
	reg, b := newTestRegistry(t)

	if err := b.HSet(ctx, StateKey, "node-a:default", `{"node_id":"node-a"`); err != nil {
		t.Fatalf("seed malformed entry: %v", err)
	}
	entries, err := reg.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("len(entries) = %d, want 0 (malformed entry skipped)", len(entries))
	}
}

func TestEntryKeyComposition(t *testing.T) {
	if got := EntryKey("node-a", "default"); got != "node-a:default" {
		t.Fatalf("EntryKey = %q, want %q", got, "node-a:default")
	}
}
