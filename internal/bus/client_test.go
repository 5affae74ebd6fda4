package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), Config{Addr: mr.Addr(), HeartbeatTTL: 5 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestClientSetGetRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	if err := c.Set(ctx, "meta:version", "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get(ctx, "meta:version")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "1" {
		t.Fatalf("Get = %q, want %q", got, "1")
	}
}

func TestClientSetAppliesTTLPolicyByPrefix(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	if err := c.Set(ctx, "heartbeat:node-a", "alive"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	ttl := mr.TTL("heartbeat:node-a")
	if ttl != 5*time.Second {
		t.Fatalf("ttl = %v, want 5s (from HeartbeatTTL override)", ttl)
	}

	if err := c.Set(ctx, "meta:epoch", "7"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ttl := mr.TTL("meta:epoch"); ttl != 0 {
		t.Fatalf("meta: key ttl = %v, want persistent (0)", ttl)
	}
}

func TestClientHashOperations(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	if err := c.HSet(ctx, "mesh:registry", "node-a", `{"status":"up"}`); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if err := c.HSet(ctx, "mesh:registry", "node-b", `{"status":"up"}`); err != nil {
		t.Fatalf("HSet: %v", err)
	}

	all, err := c.HGetAll(ctx, "mesh:registry")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("HGetAll len = %d, want 2", len(all))
	}

	if err := c.HDel(ctx, "mesh:registry", "node-b"); err != nil {
		t.Fatalf("HDel: %v", err)
	}
	all, err = c.HGetAll(ctx, "mesh:registry")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if _, ok := all["node-b"]; ok {
		t.Fatalf("node-b still present after HDel")
	}
}

func TestClientKeysPatternMatch(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for _, k := range []string{"feed:polygon:spot", "feed:polygon:rss", "mesh:node-a"} {
		if err := c.Set(ctx, k, "x"); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}

	keys, err := c.Keys(ctx, "feed:*")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("Keys = %v, want 2 matches", keys)
	}
}

func TestClientPipelineIsAtomic(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	ops := []Op{
		{Kind: OpSet, Key: "heartbeat:node-a", Value: "ts-1", TTL: 10 * time.Second},
		{Kind: OpHSet, Key: "mesh:registry", Field: "node-a", Value: `{"status":"up"}`},
		{Kind: OpPublish, Channel: "heartbeat:events", Value: "node-a"},
	}
	if err := c.Pipeline(ctx, ops); err != nil {
		t.Fatalf("Pipeline: %v", err)
	}

	v, err := c.Get(ctx, "heartbeat:node-a")
	if err != nil || v != "ts-1" {
		t.Fatalf("Get heartbeat:node-a = %q, %v", v, err)
	}
	all, err := c.HGetAll(ctx, "mesh:registry")
	if err != nil || all["node-a"] != `{"status":"up"}` {
		t.Fatalf("HGetAll mesh:registry = %v, %v", all, err)
	}
}

func TestClientPipelineResolvesTTLFromPolicyWhenUnset(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	ops := []Op{
		{Kind: OpSet, Key: "heartbeat:default", Value: "payload"},
	}
	if err := c.Pipeline(ctx, ops); err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	if ttl := mr.TTL("heartbeat:default"); ttl != 5*time.Second {
		t.Fatalf("ttl = %v, want 5s (from HeartbeatTTL override via policy)", ttl)
	}
}

func TestClientPublishSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := c.Subscribe(ctx, "truth:updates")
	defer sub.Close()

	// miniredis delivers subscriptions synchronously once subscribed; give the
	// subscribe goroutine a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)

	if err := c.Publish(ctx, "truth:updates", "v2"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Payload != "v2" {
			t.Fatalf("payload = %q, want %q", msg.Payload, "v2")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for published message")
	}
}

func TestTTLPolicyResolveLongestPrefix(t *testing.T) {
	p := NewTTLPolicy(0)
	cases := map[string]time.Duration{
		"meta:version":       Persistent,
		"mesh:registry":      600 * time.Second,
		"heartbeat:node-a":   15 * time.Second,
		"chainfeed:raw:spot": 20 * time.Second,
		"unknown:key":        defaultTTL,
	}
	for key, want := range cases {
		if got := p.Resolve(key); got != want {
			t.Errorf("Resolve(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestTTLPolicyHeartbeatOverride(t *testing.T) {
	p := NewTTLPolicy(42 * time.Second)
	if got := p.Resolve("heartbeat:node-a"); got != 42*time.Second {
		t.Fatalf("Resolve(heartbeat) = %v, want 42s override", got)
	}
}

func TestTTLPolicyWithRule(t *testing.T) {
	p := NewTTLPolicy(0)
	p.WithRule("custom:", 3*time.Minute)
	if got := p.Resolve("custom:thing"); got != 3*time.Minute {
		t.Fatalf("Resolve(custom:) = %v, want 3m", got)
	}
}
