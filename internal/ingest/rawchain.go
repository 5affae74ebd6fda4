package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"chainfeed/internal/bus"
	"chainfeed/internal/ingest/providers"
)

// consecutiveFailuresForDegraded is spec §4.6.1's "three consecutive
// failures transition state to degraded".
const consecutiveFailuresForDegraded = 3

// RawChainWorker fetches and normalizes one symbol's option chain every
// interval, publishing it under truth:chain:raw:{SYMBOL} (spec §4.6.1).
type RawChainWorker struct {
	bus      *bus.Client
	symbol   string
	provider providers.Provider
	normalize providers.Normalizer
	interval time.Duration
	ttl      time.Duration
	log      *slog.Logger

	onStatus func(WorkerStatus)
}

// NewRawChainWorker constructs a worker for symbol against provider/normalize.
// onStatus, if non-nil, is called after every cycle with the current status
// record — used by the Feed Orchestrator to publish the worker's lifecycle
// state without RawChainWorker depending on the orchestrator package.
func NewRawChainWorker(client *bus.Client, symbol string, provider providers.Provider, normalize providers.Normalizer, interval, ttl time.Duration, onStatus func(WorkerStatus)) *RawChainWorker {
	return &RawChainWorker{
		bus:       client,
		symbol:    symbol,
		provider:  provider,
		normalize: normalize,
		interval:  interval,
		ttl:       ttl,
		log:       slog.Default().With("component", "ingest.rawchain", "symbol", symbol),
		onStatus:  onStatus,
	}
}

// Run loops until ctx is cancelled.
func (w *RawChainWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var consecutiveFailures int
	for {
		if err := w.cycle(ctx, &consecutiveFailures); err != nil {
			w.log.Warn("cycle failed", "error", err, "consecutive_failures", consecutiveFailures)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *RawChainWorker) cycle(ctx context.Context, consecutiveFailures *int) error {
	raw, err := w.provider.FetchChain(ctx, w.symbol)
	if err != nil {
		*consecutiveFailures++
		w.reportStatus(statusForFailures(*consecutiveFailures), 0, err.Error())
		return fmt.Errorf("fetch chain: %w", err)
	}

	fields, dropped := w.normalize(raw)
	contracts := make([]OptionContract, 0, len(fields))
	for _, f := range fields {
		contracts = append(contracts, contractFromFields(f))
	}

	feed := ChainFeed{
		Symbol:    w.symbol,
		Source:    w.provider.Name(),
		FrameTS:   time.Now().UTC(),
		Count:     len(contracts),
		Contracts: contracts,
	}
	if dropped > 0 {
		feed.Metadata = map[string]string{"dropped_entries": fmt.Sprintf("%d", dropped)}
	}

	data, err := json.Marshal(feed)
	if err != nil {
		*consecutiveFailures++
		w.reportStatus(statusForFailures(*consecutiveFailures), 0, err.Error())
		return fmt.Errorf("marshal chain feed: %w", err)
	}

	key := fmt.Sprintf("truth:chain:raw:%s", w.symbol)
	if err := w.bus.Set(ctx, key, string(data), w.ttl); err != nil {
		*consecutiveFailures++
		w.reportStatus(statusForFailures(*consecutiveFailures), feed.Count, err.Error())
		return fmt.Errorf("publish chain feed: %w", err)
	}

	*consecutiveFailures = 0
	w.reportStatus(WorkerActive, feed.Count, "")
	return nil
}

func statusForFailures(n int) string {
	if n >= consecutiveFailuresForDegraded {
		return WorkerDegraded
	}
	return WorkerActive
}

func (w *RawChainWorker) reportStatus(state string, count int, reason string) {
	if w.onStatus == nil {
		return
	}
	w.onStatus(WorkerStatus{State: state, ItemCount: count, Timestamp: time.Now().UTC(), Reason: reason})
}

func contractFromFields(f providers.ContractFields) OptionContract {
	c := OptionContract{ContractType: f.ContractType, Strike: f.Strike, Expiry: f.Expiry}
	if f.HasBid {
		v := f.Bid
		c.Bid = &v
	}
	if f.HasAsk {
		v := f.Ask
		c.Ask = &v
	}
	if f.HasMark {
		v := f.Mark
		c.Mark = &v
	}
	if f.HasIV {
		v := f.IV
		c.IV = &v
	}
	if f.HasDelta {
		v := f.Delta
		c.Delta = &v
	}
	if f.HasGamma {
		v := f.Gamma
		c.Gamma = &v
	}
	if f.HasTheta {
		v := f.Theta
		c.Theta = &v
	}
	if f.HasVega {
		v := f.Vega
		c.Vega = &v
	}
	if f.HasOI {
		v := f.OI
		c.OI = &v
	}
	if f.HasVolume {
		v := f.Volume
		c.Volume = &v
	}
	if f.Updated != "" {
		if ts, err := time.Parse(time.RFC3339, f.Updated); err == nil {
			c.Updated = &ts
		}
	}
	return c
}
