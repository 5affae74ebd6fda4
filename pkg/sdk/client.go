// Package sdk is the thin read-only client chainfeedctl and other external
// tools use to inspect a running node's published bus state, adapted from
// the teacher's daemon-facing SDK client into a direct bus client (ChainFeed
// has no control-plane RPC surface; every state transition is observable
// through the bus itself).
package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"chainfeed/internal/bus"
	"chainfeed/internal/ingest"
	"chainfeed/internal/mesh"
	"chainfeed/internal/truth"
)

const envRedisAddr = "CHAINFEED_REDIS_ADDR"

// DefaultRedisAddr resolves the bus address a CLI invocation should dial,
// honoring CHAINFEED_REDIS_ADDR before falling back to localhost.
func DefaultRedisAddr() string {
	if v := strings.TrimSpace(os.Getenv(envRedisAddr)); v != "" {
		return v
	}
	return "localhost:6379"
}

// Client is a read-mostly view over one node's bus state.
type Client struct {
	bus *bus.Client
}

// Dial connects to the bus at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	b, err := bus.New(ctx, bus.Config{Addr: addr})
	if err != nil {
		return nil, err
	}
	return &Client{bus: b}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.bus.Close()
}

// StartupStatus is the decoded form of truth:system:startup_status.
type StartupStatus struct {
	Phase     string            `json:"phase"`
	Status    map[string]string `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
}

// Status reads the node's most recently published startup status record.
func (c *Client) Status(ctx context.Context) (StartupStatus, error) {
	raw, err := c.bus.Get(ctx, "truth:system:startup_status")
	if err != nil {
		return StartupStatus{}, fmt.Errorf("read startup status: %w", err)
	}
	var out StartupStatus
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return StartupStatus{}, fmt.Errorf("decode startup status: %w", err)
	}
	return out, nil
}

// TruthShow reads the canonical truth document as published on the bus.
func (c *Client) TruthShow(ctx context.Context) (truth.Document, error) {
	raw, err := c.bus.Get(ctx, "truth:integration:schema")
	if err != nil {
		return truth.Document{}, fmt.Errorf("read truth document: %w", err)
	}
	var doc truth.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return truth.Document{}, fmt.Errorf("decode truth document: %w", err)
	}
	return doc, nil
}

// MeshList lists every known mesh registry entry.
func (c *Client) MeshList(ctx context.Context) (map[string]mesh.HeartbeatPayload, error) {
	reg := mesh.New(c.bus)
	return reg.ListEntries(ctx)
}

// Expirations reads symbol's raw chain feed and reports which contracts
// expire within withinDays.
func (c *Client) Expirations(ctx context.Context, symbol string, withinDays int) ([]ingest.OptionContract, error) {
	raw, err := c.bus.Get(ctx, fmt.Sprintf("truth:chain:raw:%s", symbol))
	if err != nil {
		return nil, fmt.Errorf("read chain feed: %w", err)
	}
	var feed ingest.ChainFeed
	if err := json.Unmarshal([]byte(raw), &feed); err != nil {
		return nil, fmt.Errorf("decode chain feed: %w", err)
	}
	return ingest.ExpiringContracts(feed, withinDays), nil
}
