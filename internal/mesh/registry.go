// Package mesh holds the node<->group membership map stored in the bus
// (spec component C4) and the reconciliation helpers the Heartbeat Watcher
// (internal/heartbeat) uses to keep it converged.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chainfeed/internal/bus"
	"chainfeed/internal/check"
)

// StateKey is the single persistent hash holding mesh membership, spec §4.4.
const StateKey = "mesh:state"

// Status values a HeartbeatPayload's Status field may take.
const (
	StatusOnline        = "online"
	StatusOffline       = "offline"
	StatusShuttingDown  = "shutting_down"
)

// HeartbeatPayload is the value stored per "{node_id}:{group}" field of
// mesh:state, and the payload broadcast on mesh:update (spec §3).
type HeartbeatPayload struct {
	NodeID    string    `json:"node_id"`
	Group     string    `json:"group"`
	Symbols   []string  `json:"symbols,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Version   string    `json:"version,omitempty"`
}

// EntryKey composes the "{node_id}:{group}" field name used throughout the
// mesh registry.
func EntryKey(nodeID, group string) string {
	return fmt.Sprintf("%s:%s", nodeID, group)
}

// Registry is the read/reconcile surface over mesh:state. Only the emitter of
// a node may write its own entries (via the Heartbeat Pair's atomic
// pipeline); only the watcher may delete entries belonging to other nodes
// (spec §4.4) — this type itself enforces neither rule, it is the shared
// mechanism both roles call through.
type Registry struct {
	bus *bus.Client
}

// New constructs a Registry bound to client.
func New(client *bus.Client) *Registry {
	check.Assert(client != nil, "mesh.New: client must not be nil")
	return &Registry{bus: client}
}

// ListEntries returns every mesh:state field decoded as a HeartbeatPayload.
// Malformed entries are skipped rather than returned as an error; no count
// of skipped entries is kept or reported.
func (r *Registry) ListEntries(ctx context.Context) (map[string]HeartbeatPayload, error) {
	raw, err := r.bus.HGetAll(ctx, StateKey)
	if err != nil {
		return nil, fmt.Errorf("mesh: list entries: %w", err)
	}
	out := make(map[string]HeartbeatPayload, len(raw))
	for field, payload := range raw {
		var hb HeartbeatPayload
		if err := json.Unmarshal([]byte(payload), &hb); err != nil {
			continue
		}
		out[field] = hb
	}
	return out, nil
}

// ReconcileEntries applies upserts and deletes as one atomic pipeline, used
// by the Heartbeat Watcher after each scan cycle (spec §4.3). A nil or empty
// upserts/deletes argument is a no-op for that half of the reconciliation.
func (r *Registry) ReconcileEntries(ctx context.Context, upserts map[string]HeartbeatPayload, deletes []string) error {
	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}
	ops := make([]bus.Op, 0, len(upserts)+len(deletes))
	for field, hb := range upserts {
		data, err := json.Marshal(hb)
		if err != nil {
			return fmt.Errorf("mesh: marshal entry %s: %w", field, err)
		}
		ops = append(ops, bus.Op{Kind: bus.OpHSet, Key: StateKey, Field: field, Value: string(data)})
	}
	for _, field := range deletes {
		ops = append(ops, bus.Op{Kind: bus.OpHDel, Key: StateKey, Field: field})
	}
	if err := r.bus.Pipeline(ctx, ops); err != nil {
		return fmt.Errorf("mesh: reconcile entries: %w", err)
	}
	return nil
}
