package heartbeat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"chainfeed/internal/bus"
	"chainfeed/internal/mesh"
	"chainfeed/internal/node"

	"github.com/alicebob/miniredis/v2"
)

func newTestBus(t *testing.T) *bus.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := bus.New(context.Background(), bus.Config{Addr: mr.Addr(), HeartbeatTTL: 5 * time.Second})
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEmitterCycleWritesAllThreeEffectsAtomically(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)
	reg := mesh.New(b)
	identity := node.Identity{ID: "node-a"}

	sub := b.Subscribe(ctx, "mesh:update")
	defer sub.Close()
	time.Sleep(50 * time.Millisecond)

	e := NewEmitter(b, reg, identity, time.Second, func() []GroupSpec {
		return []GroupSpec{{Name: "default", Symbols: []string{"SPX"}}}
	}, func() string { return "v1.0.0" })

	if err := e.emitCycle(ctx, mesh.StatusOnline); err != nil {
		t.Fatalf("emitCycle: %v", err)
	}

	v, err := b.Get(ctx, "heartbeat:default")
	if err != nil {
		t.Fatalf("Get heartbeat:default: %v", err)
	}
	var hb mesh.HeartbeatPayload
	if err := json.Unmarshal([]byte(v), &hb); err != nil {
		t.Fatalf("unmarshal heartbeat key: %v", err)
	}
	if hb.NodeID != "node-a" || hb.Status != mesh.StatusOnline {
		t.Fatalf("heartbeat payload = %+v, want node-a/online", hb)
	}

	entries, err := reg.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	entry, ok := entries[mesh.EntryKey("node-a", "default")]
	if !ok {
		t.Fatal("expected mesh:state entry for node-a:default")
	}
	if entry.Status != mesh.StatusOnline {
		t.Fatalf("mesh entry status = %q, want online", entry.Status)
	}

	select {
	case msg := <-sub.Channel():
		var published mesh.HeartbeatPayload
		if err := json.Unmarshal([]byte(msg.Payload), &published); err != nil {
			t.Fatalf("unmarshal mesh:update payload: %v", err)
		}
		if published.NodeID != "node-a" {
			t.Fatalf("published payload node_id = %q, want node-a", published.NodeID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mesh:update publish")
	}
}

func TestEmitterFinalEmitsShuttingDownAndNotice(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)
	reg := mesh.New(b)
	identity := node.Identity{ID: "node-a"}

	e := NewEmitter(b, reg, identity, time.Second, func() []GroupSpec {
		return []GroupSpec{{Name: "default"}}
	}, func() string { return "v1.0.0" })

	e.emitFinal()

	entries, err := reg.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	entry := entries[mesh.EntryKey("node-a", "default")]
	if entry.Status != mesh.StatusShuttingDown {
		t.Fatalf("status = %q, want shutting_down", entry.Status)
	}

	if _, err := b.Get(ctx, shutdownNoticeKey); err != nil {
		t.Fatalf("expected shutdown notice key to be written: %v", err)
	}
}

func TestEmitterRunStopsOnContextCancel(t *testing.T) {
	b := newTestBus(t)
	reg := mesh.New(b)
	identity := node.Identity{ID: "node-a"}
	e := NewEmitter(b, reg, identity, 10*time.Millisecond, func() []GroupSpec {
		return []GroupSpec{{Name: "default"}}
	}, func() string { return "v1.0.0" })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
