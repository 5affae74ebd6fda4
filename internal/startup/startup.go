// Package startup implements the ordered phase sequence and shutdown
// handler that bring one node's components online and back down again
// (spec component C7, §4.7).
package startup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chainfeed/internal/bus"
	"chainfeed/internal/config"
	"chainfeed/internal/feed"
	"chainfeed/internal/heartbeat"
	"chainfeed/internal/ingest"
	"chainfeed/internal/ingest/providers"
	"chainfeed/internal/market"
	"chainfeed/internal/mesh"
	"chainfeed/internal/node"
	"chainfeed/internal/truth"
)

// Phase names, in the fixed order spec §4.7 prescribes.
const (
	PhaseRedisConnected        = "redis_connected"
	PhaseCoreServicesStarted   = "core_services_started"
	PhaseFeedServiceInit       = "feed_service_initialized"
	PhaseDiffTransformActive   = "diff_transform_active"
	PhaseRSSFeedsInit          = "rss_feeds_initialized"
	PhaseSyntheticSpotInit     = "synthetic_spot_initialized"
	PhaseEntityBridgeInit      = "entity_bridge_initialized"
	PhaseRuntimeStarted        = "runtime_started"
	PhaseStartupComplete       = "startup_complete"
)

// Component status values used in the published status map.
const (
	StatusOK    = "ok"
	StatusStub  = "stub"
	StatusActive = "active"
	StatusError = "error"
)

const (
	startupStatusKey  = "truth:system:startup_status"
	shutdownNoticeKey = "truth:system:shutdown_notice"
	alertChannel      = "truth:alert:system"
)

// Orchestrator drives one node's startup sequence and owns the shutdown
// handler that reverses it.
type Orchestrator struct {
	bus      *bus.Client
	truthSvc *truth.Service
	registry *mesh.Registry
	feedOrch *feed.Orchestrator
	emitter  *heartbeat.Emitter
	watcher  *heartbeat.Watcher
	identity node.Identity
	runtime  config.Runtime
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	statuses map[string]string
	phase    string

	truthCancel context.CancelFunc
	truthDone   chan struct{}

	heartbeatCancel context.CancelFunc
	heartbeatDone   chan struct{}
}

// New constructs an Orchestrator. The caller supplies an already-dialed bus
// client and resolved node identity; every other component is built here.
func New(client *bus.Client, identity node.Identity, runtime config.Runtime, log *slog.Logger) *Orchestrator {
	registry := mesh.New(client)
	return &Orchestrator{
		bus:      client,
		registry: registry,
		feedOrch: feed.New(client, log),
		identity: identity,
		runtime:  runtime,
		log:      log.With("component", "startup"),
		now:      time.Now,
		statuses: make(map[string]string),
	}
}

// Run executes every phase in order and returns once startup_complete has
// been published, or the first fatal error (only core_services aborts
// startup per spec §4.7's gating rule).
func (o *Orchestrator) Run(ctx context.Context) error {
	steps := []struct {
		phase string
		fn    func(context.Context) error
	}{
		{PhaseRedisConnected, o.phaseRedisConnected},
		{PhaseCoreServicesStarted, o.phaseCoreServices},
		{PhaseFeedServiceInit, o.phaseFeedService},
		{PhaseDiffTransformActive, o.phaseDiffTransform},
		{PhaseRSSFeedsInit, o.phaseRSSFeeds},
		{PhaseSyntheticSpotInit, o.phaseSyntheticSpot},
		{PhaseEntityBridgeInit, o.phaseEntityBridge},
		{PhaseRuntimeStarted, o.phaseRuntimeStarted},
		{PhaseStartupComplete, o.phaseStartupComplete},
	}

	for _, step := range steps {
		err := step.fn(ctx)
		if err != nil {
			o.log.Error("phase failed", "phase", step.phase, "error", err)
		}
		if pubErr := o.publishStatus(ctx, step.phase); pubErr != nil {
			o.log.Warn("publish startup status failed", "phase", step.phase, "error", pubErr)
		}
		if err != nil && step.phase == PhaseCoreServicesStarted {
			return fmt.Errorf("core services phase aborted startup: %w", err)
		}
	}
	return nil
}

// phaseRedisConnected marks the bus online. Connectivity itself was already
// proven by bus.New's dial-time PING before the orchestrator was constructed;
// this phase exists so the published status map always names the component.
func (o *Orchestrator) phaseRedisConnected(ctx context.Context) error {
	o.setStatus("bus", StatusOK)
	return nil
}

func (o *Orchestrator) phaseCoreServices(ctx context.Context) error {
	o.truthSvc = truth.New(o.bus, o.log, o.runtime.SeedPath)
	if err := o.truthSvc.Start(); err != nil {
		o.setStatus("truth_service", StatusError)
		return fmt.Errorf("load seed truth: %w", err)
	}
	if err := o.truthSvc.SyncWithBus(ctx); err != nil {
		o.setStatus("truth_service", StatusError)
		return fmt.Errorf("sync truth with bus: %w", err)
	}
	o.setStatus("truth_service", StatusOK)

	truthCtx, cancel := context.WithCancel(ctx)
	o.truthCancel = cancel
	o.truthDone = make(chan struct{})
	go func() {
		defer close(o.truthDone)
		o.truthSvc.Subscribe(truthCtx)
	}()

	doc := o.truthSvc.Get()
	interval := time.Duration(doc.Mesh.HeartbeatIntervalSec) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	o.emitter = heartbeat.NewEmitter(o.bus, o.registry, o.identity, interval, o.heartbeatGroups, func() string { return o.truthSvc.Get().Version })
	o.watcher = heartbeat.NewWatcher(o.bus, o.registry, o.identity, interval/3, time.Duration(doc.Mesh.MaxHeartbeatAgeSec)*time.Second)

	heartbeatCtx, hbCancel := context.WithCancel(context.Background())
	o.heartbeatCancel = hbCancel
	o.heartbeatDone = make(chan struct{})
	go func() {
		defer close(o.heartbeatDone)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); o.emitter.Run(heartbeatCtx) }()
		go func() { defer wg.Done(); o.watcher.Run(heartbeatCtx) }()
		wg.Wait()
	}()
	o.setStatus("heartbeat", StatusActive)
	return nil
}

func (o *Orchestrator) heartbeatGroups() []heartbeat.GroupSpec {
	doc := o.truthSvc.Get()
	groups := make([]heartbeat.GroupSpec, 0, len(doc.Providers.DataProviders))
	for name, cfg := range doc.Providers.DataProviders {
		if !cfg.Enabled {
			continue
		}
		groups = append(groups, heartbeat.GroupSpec{Name: name, Symbols: doc.Chainfeed.DefaultSymbols})
	}
	return groups
}

// phaseFeedService implements spec §4.5 steps 1 and 2: every enabled
// provider's descriptor is published and marked connected, then every
// configured symbol is gated through the Market-State Validator before a
// Chain Status Worker is ever launched for it.
func (o *Orchestrator) phaseFeedService(ctx context.Context) error {
	doc := o.truthSvc.Get()
	reg := providers.NewRegistry()
	reg.Register(providers.NewMockProvider(), providers.NormalizeMock)
	reg.Register(providers.NewPolygonProvider(o.runtime.PolygonAPIKey, o.runtime.PolygonBaseURL), providers.NormalizePolygon)

	for name, cfg := range doc.Providers.DataProviders {
		if !cfg.Enabled {
			continue
		}
		if err := o.publishProviderMetadata(ctx, name, cfg); err != nil {
			o.log.Warn("publish provider metadata failed", "provider", name, "error", err)
		}
	}

	if !doc.Chainfeed.Raw.Enabled {
		o.setStatus("raw_chain", StatusStub)
		return nil
	}

	interval := time.Duration(doc.Chainfeed.Raw.IntervalSec) * time.Second
	ttl := time.Duration(doc.Chainfeed.Raw.TTLSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}

	launched := 0
	for _, symbol := range doc.Chainfeed.DefaultSymbols {
		valid, reason := market.Validate(o.now(), symbol)
		if err := o.publishValidation(ctx, symbol, valid, reason); err != nil {
			o.log.Warn("publish market validation failed", "symbol", symbol, "error", err)
		}
		if !valid {
			continue
		}

		for name, cfg := range doc.Providers.DataProviders {
			if !cfg.Enabled {
				continue
			}
			provider, normalize, err := reg.Get(name)
			if err != nil {
				o.log.Warn("unknown provider configured", "provider", name, "error", err)
				continue
			}
			key := fmt.Sprintf("chain:%s:%s", name, symbol)
			w := ingest.NewRawChainWorker(o.bus, symbol, provider, normalize, interval, ttl, func(s ingest.WorkerStatus) {
				o.feedOrch.SetState(key, feed.WorkerState(s.State))
			})
			o.feedOrch.Launch(ctx, key, w)
			launched++
		}
	}

	if launched == 0 {
		o.setStatus("raw_chain", StatusStub)
	} else {
		o.setStatus("raw_chain", StatusActive)
	}
	return nil
}

// providerMetadata is the descriptor published under
// truth:provider:{name}:metadata, spec §4.5 step 1 / §6.
type providerMetadata struct {
	Name      string    `json:"name"`
	BaseURL   string    `json:"base_url,omitempty"`
	Connected bool      `json:"connected"`
	Timestamp time.Time `json:"timestamp"`
}

func (o *Orchestrator) publishProviderMetadata(ctx context.Context, name string, cfg truth.DataProviderConfig) error {
	data, err := json.Marshal(providerMetadata{Name: name, BaseURL: cfg.BaseURL, Connected: true, Timestamp: o.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal provider metadata: %w", err)
	}
	key := fmt.Sprintf("truth:provider:%s:metadata", name)
	return o.bus.Set(ctx, key, string(data), bus.Persistent)
}

// validationRecord is the market-state gate result published under
// truth:feed:{sym}:validation, spec §4.5 step 2 / §6 — distinct from a
// worker's own lifecycle state, which the Feed Orchestrator tracks via
// feedOrch.SetState and publishes in truth:feed:registry.
type validationRecord struct {
	Symbol    string    `json:"symbol"`
	Valid     bool      `json:"valid"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (o *Orchestrator) publishValidation(ctx context.Context, symbol string, valid bool, reason string) error {
	data, err := json.Marshal(validationRecord{Symbol: symbol, Valid: valid, Reason: reason, Timestamp: o.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal validation record: %w", err)
	}
	key := fmt.Sprintf("truth:feed:%s:validation", symbol)
	return o.bus.Set(ctx, key, string(data), bus.Persistent)
}

func (o *Orchestrator) phaseDiffTransform(ctx context.Context) error {
	doc := o.truthSvc.Get()
	interval := time.Duration(doc.Chainfeed.DiffIntervalSec) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	launched := 0
	for _, symbol := range doc.Chainfeed.DefaultSymbols {
		w := ingest.NewDiffWorker(o.bus, symbol, interval)
		o.feedOrch.Launch(ctx, fmt.Sprintf("diff:%s", symbol), w)
		launched++
	}
	if launched == 0 {
		o.setStatus("diff_transform", StatusStub)
	} else {
		o.setStatus("diff_transform", StatusActive)
	}
	return nil
}

func (o *Orchestrator) phaseRSSFeeds(ctx context.Context) error {
	doc := o.truthSvc.Get()
	launched := 0
	for group, cfg := range doc.Providers.RSSFeeds {
		if !cfg.Enabled {
			continue
		}
		interval := time.Duration(cfg.PollIntervalSec) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}
		sources := make([]ingest.RSSSource, 0, len(cfg.Sources))
		for _, s := range cfg.Sources {
			sources = append(sources, ingest.RSSSource{Name: s.Name, URL: s.URL})
		}
		w := ingest.NewRSSWorker(o.bus, group, sources, cfg.IsGoogleAlerts, interval)
		o.feedOrch.Launch(ctx, fmt.Sprintf("rss:%s", group), w)
		launched++
	}
	if launched == 0 {
		o.setStatus("rss", StatusStub)
	} else {
		o.setStatus("rss", StatusActive)
	}
	return nil
}

func (o *Orchestrator) phaseSyntheticSpot(ctx context.Context) error {
	doc := o.truthSvc.Get()
	launched := 0
	for synth := range doc.Chainfeed.SyntheticIndexes {
		w := ingest.NewSpotWorker(o.bus, o.truthSvc, synth, 5*time.Second)
		o.feedOrch.Launch(ctx, fmt.Sprintf("spot:%s", synth), w)
		launched++
	}
	if launched == 0 {
		o.setStatus("synthetic_spot", StatusStub)
	} else {
		o.setStatus("synthetic_spot", StatusActive)
	}
	return nil
}

func (o *Orchestrator) phaseEntityBridge(ctx context.Context) error {
	doc := o.truthSvc.Get()
	if len(doc.Entities) == 0 {
		o.setStatus("entity_bridge", StatusStub)
		return nil
	}
	data, err := json.Marshal(doc.Entities)
	if err != nil {
		o.setStatus("entity_bridge", StatusError)
		return fmt.Errorf("marshal entities: %w", err)
	}
	if err := o.bus.Set(ctx, "truth:entities", string(data), bus.Persistent); err != nil {
		o.setStatus("entity_bridge", StatusError)
		return fmt.Errorf("publish entities: %w", err)
	}
	o.setStatus("entity_bridge", StatusOK)
	return nil
}

func (o *Orchestrator) phaseRuntimeStarted(ctx context.Context) error {
	o.setStatus("runtime", StatusActive)
	return nil
}

func (o *Orchestrator) phaseStartupComplete(ctx context.Context) error {
	o.setStatus("startup", StatusOK)
	return nil
}

func (o *Orchestrator) setStatus(component, status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses[component] = status
}

type statusPayload struct {
	Phase     string            `json:"phase"`
	Status    map[string]string `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
}

func (o *Orchestrator) publishStatus(ctx context.Context, phase string) error {
	o.mu.Lock()
	o.phase = phase
	snapshot := make(map[string]string, len(o.statuses))
	for k, v := range o.statuses {
		snapshot[k] = v
	}
	o.mu.Unlock()

	payload := statusPayload{Phase: phase, Status: snapshot, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal startup status: %w", err)
	}
	if err := o.bus.Set(ctx, startupStatusKey, string(data), bus.Persistent); err != nil {
		return fmt.Errorf("publish startup status: %w", err)
	}
	return nil
}

// Shutdown executes the five-step shutdown handler from spec §4.7, pausing
// graceDelay between stopping the feed-side workers and the heartbeat/truth
// services so observers see the transitional state.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.log.Info("shutdown starting")

	notice := map[string]any{"node_id": o.identity.ID, "timestamp": time.Now().UTC()}
	if data, err := json.Marshal(notice); err == nil {
		_ = o.bus.Set(ctx, shutdownNoticeKey, string(data), bus.Persistent)
		_ = o.bus.Publish(ctx, alertChannel, string(data))
	}

	if o.emitter != nil {
		o.emitter.Shutdown()
	}

	if err := o.feedOrch.Stop(); err != nil {
		o.log.Warn("feed workers did not all stop cleanly", "error", err)
	}

	time.Sleep(o.runtime.ShutdownGraceDelay)

	if o.heartbeatCancel != nil {
		o.heartbeatCancel()
		<-o.heartbeatDone
	}
	if o.truthCancel != nil {
		o.truthCancel()
		<-o.truthDone
	}

	if err := o.bus.Close(); err != nil {
		o.log.Warn("close bus failed", "error", err)
	}
	o.log.Info("shutdown complete")
}
