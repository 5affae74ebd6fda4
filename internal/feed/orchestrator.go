// Package feed implements the Feed Orchestrator (spec component C5): it
// derives the set of ingestion workers from the current truth snapshot,
// launches and supervises them, and publishes a registry of active feed
// groups.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chainfeed/internal/bus"
	"chainfeed/internal/check"

	"github.com/hashicorp/go-multierror"
)

// registryKey is the bus key under which the orchestrator publishes the set
// of active feed groups, spec §4.5.
const registryKey = "truth:feed:registry"

// defaultGraceTimeout bounds how long Stop waits for a worker to join.
const defaultGraceTimeout = 5 * time.Second

// restartWindow and maxRestartsPerWindow implement the "restarted at most N
// times per hour (N=3)" budget from spec §4.5.
const (
	restartWindow         = time.Hour
	maxRestartsPerWindow  = 3
)

// Worker is anything the orchestrator can supervise: a blocking Run that
// returns when ctx is cancelled (or the worker gives up).
type Worker interface {
	Run(ctx context.Context) error
}

// WorkerState is the lifecycle state published per worker, spec §3's
// "Worker status" record.
type WorkerState string

const (
	StateActive   WorkerState = "active"
	StateInvalid  WorkerState = "invalid"
	StateDegraded WorkerState = "degraded"
	StateStopped  WorkerState = "stopped"
	StateError    WorkerState = "error"
	StateFailed   WorkerState = "failed"
)

type handle struct {
	key      string
	worker   Worker
	cancel   context.CancelFunc
	done     chan struct{}
	restarts []time.Time

	mu    sync.Mutex
	state WorkerState
}

func (h *handle) setState(s WorkerState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *handle) getState() WorkerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Orchestrator supervises the full worker set for this node.
type Orchestrator struct {
	bus          *bus.Client
	log          *slog.Logger
	graceTimeout time.Duration

	mu      sync.Mutex
	workers map[string]*handle
}

// New constructs an Orchestrator bound to client.
func New(client *bus.Client, log *slog.Logger) *Orchestrator {
	check.Assert(client != nil, "feed.New: client must not be nil")
	check.Assert(log != nil, "feed.New: log must not be nil")
	return &Orchestrator{
		bus:          client,
		log:          log.With("component", "feed"),
		graceTimeout: defaultGraceTimeout,
		workers:      make(map[string]*handle),
	}
}

// Launch starts w under key, supervising panics and unexpected returns with
// the restart budget from spec §4.5. Launching a key that is already running
// restarts it, mirroring the teacher's StartNetwork "restarting worker" path.
func (o *Orchestrator) Launch(ctx context.Context, key string, w Worker) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, ok := o.workers[key]; ok {
		existing.cancel()
		<-existing.done
		delete(o.workers, key)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	h := &handle{key: key, worker: w, cancel: cancel, done: make(chan struct{}), state: StateActive}
	o.workers[key] = h

	go o.supervise(workerCtx, h)
}

// supervise runs h.worker.Run, recovering panics and restarting within the
// budget; it returns (closing h.done) once the context is cancelled or the
// restart budget is exhausted.
func (o *Orchestrator) supervise(ctx context.Context, h *handle) {
	defer close(h.done)
	log := o.log.With("worker", h.key)

	for {
		err := o.runOnce(ctx, h)
		if ctx.Err() != nil {
			h.setState(StateStopped)
			return
		}
		if err == nil {
			// A worker returning nil without ctx cancellation is unexpected
			// for a long-lived loop; treat it like a failure for restart
			// bookkeeping purposes.
			err = fmt.Errorf("worker returned without cancellation")
		}

		h.mu.Lock()
		h.restarts = prune(h.restarts, time.Now())
		h.restarts = append(h.restarts, time.Now())
		count := len(h.restarts)
		h.mu.Unlock()

		if count > maxRestartsPerWindow {
			log.Error("worker exceeded restart budget, leaving failed", "error", err, "restarts", count)
			h.setState(StateFailed)
			return
		}
		log.Error("worker failed, restarting", "error", err, "restarts", count)
		h.setState(StateError)
	}
}

func prune(restarts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-restartWindow)
	out := restarts[:0]
	for _, t := range restarts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// runOnce invokes w.Run, converting a panic into an error so the supervisor
// loop can apply the restart budget uniformly.
func (o *Orchestrator) runOnce(ctx context.Context, h *handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.worker.Run(ctx)
}

// Stop signals every worker and joins each with the configured grace
// timeout; a worker that does not stop in time is abandoned and logged, and
// its key is folded into the returned error so the caller can decide whether
// an incomplete shutdown is fatal.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	handles := make([]*handle, 0, len(o.workers))
	for _, h := range o.workers {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	var mu sync.Mutex
	var result *multierror.Error
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *handle) {
			defer wg.Done()
			h.cancel()
			select {
			case <-h.done:
			case <-time.After(o.graceTimeout):
				o.log.Warn("worker did not stop within grace period, abandoning", "worker", h.key)
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("worker %s: did not stop within grace period", h.key))
				mu.Unlock()
			}
		}(h)
	}
	wg.Wait()
	return result.ErrorOrNil()
}

// RegistryEntry is one published row in truth:feed:registry.
type RegistryEntry struct {
	Key   string      `json:"key"`
	State WorkerState `json:"state"`
}

// PublishRegistry writes the current worker set's state to truth:feed:registry.
func (o *Orchestrator) PublishRegistry(ctx context.Context) error {
	o.mu.Lock()
	entries := make([]RegistryEntry, 0, len(o.workers))
	for key, h := range o.workers {
		entries = append(entries, RegistryEntry{Key: key, State: h.getState()})
	}
	o.mu.Unlock()

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("feed: marshal registry: %w", err)
	}
	if err := o.bus.Set(ctx, registryKey, string(data), bus.Persistent); err != nil {
		return fmt.Errorf("feed: publish registry: %w", err)
	}
	return nil
}

// SetState allows a worker to report its own state (e.g. degraded after
// consecutive failures) without exposing the full handle.
func (o *Orchestrator) SetState(key string, state WorkerState) {
	o.mu.Lock()
	h, ok := o.workers[key]
	o.mu.Unlock()
	if ok {
		h.setState(state)
	}
}

// State returns the current lifecycle state for key, or "" if unknown.
func (o *Orchestrator) State(key string) WorkerState {
	o.mu.Lock()
	h, ok := o.workers[key]
	o.mu.Unlock()
	if !ok {
		return ""
	}
	return h.getState()
}
