package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"chainfeed/internal/bus"
	"chainfeed/internal/check"
	"chainfeed/internal/market"
	"chainfeed/internal/truth"
)

// SpotWorker computes a weighted-sum synthetic spot price from its
// components' published snapshots every interval (spec §4.6.3).
type SpotWorker struct {
	bus      *bus.Client
	truthSvc *truth.Service
	synth    string
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// NewSpotWorker constructs a worker for the synthetic index named synth,
// whose component weights are read from the truth document on every cycle
// so a live truth update takes effect without a restart.
func NewSpotWorker(client *bus.Client, truthSvc *truth.Service, synth string, interval time.Duration) *SpotWorker {
	check.Assert(client != nil, "ingest.NewSpotWorker: client must not be nil")
	check.Assert(truthSvc != nil, "ingest.NewSpotWorker: truthSvc must not be nil")
	check.Assert(synth != "", "ingest.NewSpotWorker: synth must not be empty")
	return &SpotWorker{
		bus:      client,
		truthSvc: truthSvc,
		synth:    synth,
		interval: interval,
		log:      slog.Default().With("component", "ingest.spot", "synthetic", synth),
		now:      time.Now,
	}
}

// Run loops until ctx is cancelled.
func (w *SpotWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.cycle(ctx); err != nil {
			w.log.Debug("cycle skipped", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *SpotWorker) cycle(ctx context.Context) error {
	doc := w.truthSvc.Get()
	index, ok := doc.Chainfeed.SyntheticIndexes[w.synth]
	if !ok {
		return fmt.Errorf("synthetic %s not configured", w.synth)
	}

	valid, reason := market.Validate(w.now(), w.synth)
	if !valid {
		return w.publish(ctx, spotSnapshot{
			Timestamp:  w.now().UTC(),
			Symbol:     w.synth,
			Validation: "skipped",
			Reason:     reason,
		})
	}

	var missing []string
	var sum float64
	for _, comp := range index.Components {
		spotKey := fmt.Sprintf("truth:feed:%s:snapshot.spot", comp.Symbol)
		raw, err := w.bus.Get(ctx, spotKey)
		if err != nil {
			missing = append(missing, comp.Symbol)
			continue
		}
		spot, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			missing = append(missing, comp.Symbol)
			continue
		}
		sum += comp.Weight * comp.Multiplier * spot
	}

	if len(missing) > 0 {
		return w.publish(ctx, spotSnapshot{
			Timestamp:  w.now().UTC(),
			Symbol:     w.synth,
			Validation: "partial",
			Missing:    missing,
		})
	}

	return w.publish(ctx, spotSnapshot{
		Timestamp:  w.now().UTC(),
		Symbol:     w.synth,
		Spot:       sum,
		Source:     "synthetic",
		Validation: "ok",
	})
}

type spotSnapshot struct {
	Timestamp  time.Time `json:"timestamp"`
	Symbol     string    `json:"symbol"`
	Spot       float64   `json:"spot,omitempty"`
	Source     string    `json:"source,omitempty"`
	Validation string    `json:"validation"`
	Reason     string    `json:"reason,omitempty"`
	Missing    []string  `json:"missing,omitempty"`
}

func (w *SpotWorker) publish(ctx context.Context, snap spotSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal spot: %w", err)
	}
	key := fmt.Sprintf("truth:spot:%s", w.synth)
	if err := w.bus.Set(ctx, key, string(data), 15*time.Second); err != nil {
		return fmt.Errorf("publish spot: %w", err)
	}
	return nil
}
