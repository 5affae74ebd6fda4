package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chainfeed/internal/bus"
	"chainfeed/internal/check"
	"chainfeed/internal/mesh"
	"chainfeed/internal/node"
)

const heartbeatKeyPrefix = "heartbeat:"

// alertChannel is the general system alert channel from spec §6, shared
// with the shutdown notice published in internal/startup.
const alertChannel = "truth:alert:system"

// staleAlert is published on alertChannel when a peer's heartbeat goes
// stale, spec §6 / §8 scenario 4.
type staleAlert struct {
	NodeID    string    `json:"node_id"`
	Group     string    `json:"group"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Watcher scans heartbeat:* keys every heartbeat_interval_sec/3, computes
// each entry's drift against wall time, and reconciles the mesh registry —
// the drift-based reconciliation model of spec §4.3, re-purposed from the
// teacher's FreshnessTracker (replication lag vs local clock) into "heartbeat
// TTL drift vs wall clock".
type Watcher struct {
	bus      *bus.Client
	registry *mesh.Registry
	identity node.Identity
	log      *slog.Logger

	scanInterval  time.Duration
	heartbeatTTL  time.Duration

	now func() time.Time
}

// NewWatcher constructs a Watcher. scanInterval should be
// heartbeat_interval_sec/3 per spec §4.3; heartbeatTTL is the TTL a fresh
// entry must fall within to be considered online.
func NewWatcher(client *bus.Client, registry *mesh.Registry, identity node.Identity, scanInterval, heartbeatTTL time.Duration) *Watcher {
	check.Assert(client != nil, "heartbeat.NewWatcher: client must not be nil")
	check.Assert(registry != nil, "heartbeat.NewWatcher: registry must not be nil")
	check.Assert(scanInterval > 0, "heartbeat.NewWatcher: scanInterval must be positive")
	return &Watcher{
		bus:          client,
		registry:     registry,
		identity:     identity,
		log:          slog.Default().With("component", "heartbeat.watcher", "node_id", identity.ID),
		scanInterval: scanInterval,
		heartbeatTTL: heartbeatTTL,
		now:          time.Now,
	}
}

// Run scans and reconciles every scanInterval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.scanInterval)
	defer ticker.Stop()

	for {
		if err := w.scanAndReconcile(ctx); err != nil {
			w.log.Warn("scan/reconcile cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// scanAndReconcile lists all heartbeat:* keys, classifies each as online or
// offline by drift, then reconciles the mesh registry: entries not observed
// this cycle are deleted (except this node's own entries, which the watcher
// never removes), observed entries are overwritten with the fresh payload,
// and stale-but-still-present entries are marked offline in place.
func (w *Watcher) scanAndReconcile(ctx context.Context) error {
	keys, err := w.bus.Keys(ctx, heartbeatKeyPrefix+"*")
	if err != nil {
		return fmt.Errorf("watcher: list heartbeat keys: %w", err)
	}

	now := w.now()
	observed := make(map[string]mesh.HeartbeatPayload, len(keys))
	for _, key := range keys {
		raw, err := w.bus.Get(ctx, key)
		if err != nil {
			continue
		}
		group := strings.TrimPrefix(key, heartbeatKeyPrefix)
		hb, ok := decodeHeartbeat(raw)
		if !ok {
			continue
		}
		drift := now.Sub(hb.Timestamp)
		if drift <= w.heartbeatTTL {
			hb.Status = mesh.StatusOnline
		} else {
			hb.Status = mesh.StatusOffline
		}
		observed[mesh.EntryKey(hb.NodeID, group)] = hb
	}

	existing, err := w.registry.ListEntries(ctx)
	if err != nil {
		return fmt.Errorf("watcher: list mesh entries: %w", err)
	}

	upserts := make(map[string]mesh.HeartbeatPayload, len(observed))
	var deletes []string

	for field, hb := range observed {
		upserts[field] = hb
		if hb.Status == mesh.StatusOffline {
			if prior, ok := existing[field]; !ok || prior.Status != mesh.StatusOffline {
				w.publishStaleAlert(ctx, hb.NodeID, hb.Group, "heartbeat drift exceeded TTL")
			}
		}
	}
	for field := range existing {
		if _, stillObserved := observed[field]; stillObserved {
			continue
		}
		if strings.HasPrefix(field, w.identity.ID+":") {
			continue // a watcher never removes its own node's entries
		}
		deletes = append(deletes, field)
		w.publishStaleAlert(ctx, existing[field].NodeID, existing[field].Group, "heartbeat pruned from registry")
	}

	return w.registry.ReconcileEntries(ctx, upserts, deletes)
}

func (w *Watcher) publishStaleAlert(ctx context.Context, nodeID, group, reason string) {
	data, err := json.Marshal(staleAlert{NodeID: nodeID, Group: group, Reason: reason, Timestamp: w.now().UTC()})
	if err != nil {
		return
	}
	if err := w.bus.Publish(ctx, alertChannel, string(data)); err != nil {
		w.log.Warn("publish stale alert failed", "node_id", nodeID, "error", err)
	}
}

func decodeHeartbeat(raw string) (mesh.HeartbeatPayload, bool) {
	var hb mesh.HeartbeatPayload
	if err := json.Unmarshal([]byte(raw), &hb); err != nil {
		return mesh.HeartbeatPayload{}, false
	}
	return hb, true
}
