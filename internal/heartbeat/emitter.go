// Package heartbeat implements the Emitter/Watcher pair (spec component C3):
// periodic self-announce and peer liveness reconciliation over the mesh
// registry.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"chainfeed/internal/bus"
	"chainfeed/internal/check"
	"chainfeed/internal/mesh"
	"chainfeed/internal/node"
)

// shutdownNoticeKey is written once, non-TTL, when the emitter stops.
const shutdownNoticeKey = "truth:system:shutdown_notice"

const meshUpdateChannel = "mesh:update"

// maxConsecutiveFailuresBeforeWarn mirrors the teacher's
// maxHeartbeatBumpFailures threshold for escalating a repeated-failure log.
const maxConsecutiveFailuresBeforeWarn = 10

// GroupSpec is one group this node participates in, and the symbol set it
// announces in its heartbeat payload.
type GroupSpec struct {
	Name    string
	Symbols []string
}

// Emitter periodically publishes this node's liveness for every configured
// group, as one atomic pipeline write (spec §4.3).
type Emitter struct {
	bus      *bus.Client
	registry *mesh.Registry
	identity node.Identity
	log      *slog.Logger

	interval time.Duration

	groups  func() []GroupSpec
	version func() string
}

// NewEmitter constructs an Emitter. groups and version are called fresh each
// cycle so the emitter always announces the current truth-derived state.
func NewEmitter(client *bus.Client, registry *mesh.Registry, identity node.Identity, interval time.Duration, groups func() []GroupSpec, version func() string) *Emitter {
	check.Assert(client != nil, "heartbeat.NewEmitter: client must not be nil")
	check.Assert(registry != nil, "heartbeat.NewEmitter: registry must not be nil")
	check.Assert(groups != nil, "heartbeat.NewEmitter: groups must not be nil")
	return &Emitter{
		bus:      client,
		registry: registry,
		identity: identity,
		log:      slog.Default().With("component", "heartbeat.emitter", "node_id", identity.ID),
		interval: interval,
		groups:   groups,
		version:  version,
	}
}

// Run emits a heartbeat every interval until ctx is cancelled, then emits one
// final shutting_down payload before returning.
func (e *Emitter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	var consecutiveFailures int
	for {
		if err := e.emitCycle(ctx, mesh.StatusOnline); err != nil {
			consecutiveFailures++
			if consecutiveFailures == maxConsecutiveFailuresBeforeWarn {
				e.log.Warn("heartbeat emission failing repeatedly", "failures", consecutiveFailures, "error", err)
			}
		} else {
			consecutiveFailures = 0
		}

		select {
		case <-ctx.Done():
			e.emitFinal()
			return
		case <-ticker.C:
		}
	}
}

// Shutdown publishes the final shutting_down heartbeat and the one-shot
// shutdown notice key immediately, independent of Run's own ctx-cancellation
// path — the startup orchestrator calls this as step 2 of its shutdown
// sequence, before Run's context is ever cancelled.
func (e *Emitter) Shutdown() {
	e.emitFinal()
}

// emitFinal publishes a best-effort shutting_down payload plus the one-shot
// shutdown notice key, using a fresh context since ctx is already done.
func (e *Emitter) emitFinal() {
	finalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.emitCycle(finalCtx, mesh.StatusShuttingDown); err != nil {
		e.log.Warn("failed to emit final shutting_down heartbeat", "error", err)
	}
	if err := e.bus.Set(finalCtx, shutdownNoticeKey, time.Now().UTC().Format(time.RFC3339Nano), bus.Persistent); err != nil {
		e.log.Warn("failed to write shutdown notice", "error", err)
	}
}

// emitCycle builds a payload for each configured group and writes all three
// bus effects (heartbeat key, mesh hash field, mesh:update publish) for all
// groups as one atomic pipeline, per spec §4.3's "all three steps share one
// pipeline" rule.
func (e *Emitter) emitCycle(ctx context.Context, status string) error {
	groups := e.groups()
	if len(groups) == 0 {
		return nil
	}

	now := time.Now().UTC()
	version := e.version()
	ops := make([]bus.Op, 0, len(groups)*3+1)

	var lastPayload []byte
	for _, g := range groups {
		payload := mesh.HeartbeatPayload{
			NodeID:    e.identity.ID,
			Group:     g.Name,
			Symbols:   g.Symbols,
			Timestamp: now,
			Status:    status,
			Version:   version,
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("heartbeat: marshal payload for group %s: %w", g.Name, err)
		}
		lastPayload = data
		ops = append(ops,
			bus.Op{Kind: bus.OpSet, Key: fmt.Sprintf("heartbeat:%s", g.Name), Value: string(data)},
			bus.Op{Kind: bus.OpHSet, Key: mesh.StateKey, Field: mesh.EntryKey(e.identity.ID, g.Name), Value: string(data)},
			bus.Op{Kind: bus.OpPublish, Channel: meshUpdateChannel, Value: string(data)},
		)
	}
	// truth:heartbeat:{node_id} (spec §6 key schema) carries the node's most
	// recently built payload, for consumers keyed by node rather than group.
	ops = append(ops, bus.Op{Kind: bus.OpSet, Key: fmt.Sprintf("truth:heartbeat:%s", e.identity.ID), Value: string(lastPayload)})

	if err := e.bus.Pipeline(ctx, ops); err != nil {
		return fmt.Errorf("heartbeat: emit cycle: %w", err)
	}
	return nil
}
