package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"chainfeed/internal/bus"
)

// FieldChange records one field's before/after values in a diff.
type FieldChange struct {
	Field string `json:"field"`
	From  any    `json:"from"`
	To    any    `json:"to"`
}

// ChangedContract is one contract present in both frames whose fields moved.
type ChangedContract struct {
	Key          ContractKey   `json:"key"`
	FieldChanges []FieldChange `json:"field_changes"`
}

// DiffFrame is the derived diff between two successive ChainFeeds of the
// same symbol, spec §3.
type DiffFrame struct {
	Symbol  string            `json:"symbol"`
	PrevTS  time.Time         `json:"prev_frame_ts"`
	CurrTS  time.Time         `json:"curr_frame_ts"`
	Added   []OptionContract  `json:"added"`
	Removed []OptionContract  `json:"removed"`
	Changed []ChangedContract `json:"changed"`
}

// ComputeDiff indexes both frames' contracts by (contract_type, strike,
// expiry) and returns added/removed/changed sets. epsilon bounds how much a
// numeric field may move before it is considered changed (spec default:
// 0.0 — exact inequality).
func ComputeDiff(symbol string, prev, curr ChainFeed, epsilon float64) DiffFrame {
	prevByKey := make(map[ContractKey]OptionContract, len(prev.Contracts))
	for _, c := range prev.Contracts {
		prevByKey[c.Key()] = c
	}
	currByKey := make(map[ContractKey]OptionContract, len(curr.Contracts))
	for _, c := range curr.Contracts {
		currByKey[c.Key()] = c
	}

	out := DiffFrame{Symbol: symbol, PrevTS: prev.FrameTS, CurrTS: curr.FrameTS}

	for key, c := range currByKey {
		if _, ok := prevByKey[key]; !ok {
			out.Added = append(out.Added, c)
		}
	}
	for key, c := range prevByKey {
		if _, ok := currByKey[key]; !ok {
			out.Removed = append(out.Removed, c)
		}
	}
	for key, currC := range currByKey {
		prevC, ok := prevByKey[key]
		if !ok {
			continue
		}
		changes := fieldChanges(prevC, currC, epsilon)
		if len(changes) > 0 {
			out.Changed = append(out.Changed, ChangedContract{Key: key, FieldChanges: changes})
		}
	}
	return out
}

func fieldChanges(prev, curr OptionContract, epsilon float64) []FieldChange {
	var changes []FieldChange
	addNumeric := func(field string, a, b *float64) {
		changed, from, to := numericChanged(a, b, epsilon)
		if changed {
			changes = append(changes, FieldChange{Field: field, From: from, To: to})
		}
	}
	addNumeric("bid", prev.Bid, curr.Bid)
	addNumeric("ask", prev.Ask, curr.Ask)
	addNumeric("mark", prev.Mark, curr.Mark)
	addNumeric("iv", prev.IV, curr.IV)
	addNumeric("delta", prev.Delta, curr.Delta)
	addNumeric("gamma", prev.Gamma, curr.Gamma)
	addNumeric("theta", prev.Theta, curr.Theta)
	addNumeric("vega", prev.Vega, curr.Vega)

	addInt := func(field string, a, b *int) {
		changed, from, to := intChanged(a, b)
		if changed {
			changes = append(changes, FieldChange{Field: field, From: from, To: to})
		}
	}
	addInt("oi", prev.OI, curr.OI)
	addInt("volume", prev.Volume, curr.Volume)

	return changes
}

func numericChanged(a, b *float64, epsilon float64) (bool, any, any) {
	var from, to any
	if a != nil {
		from = *a
	}
	if b != nil {
		to = *b
	}
	switch {
	case a == nil && b == nil:
		return false, from, to
	case a == nil || b == nil:
		return true, from, to
	default:
		diff := *a - *b
		if diff < 0 {
			diff = -diff
		}
		return diff > epsilon, from, to
	}
}

func intChanged(a, b *int) (bool, any, any) {
	var from, to any
	if a != nil {
		from = *a
	}
	if b != nil {
		to = *b
	}
	switch {
	case a == nil && b == nil:
		return false, from, to
	case a == nil || b == nil:
		return true, from, to
	default:
		return *a != *b, from, to
	}
}

// Apply applies d to prev and returns the resulting ChainFeed, used by the
// diff round-trip property in spec §8 ("applying D to prev yields exactly
// current").
func (d DiffFrame) Apply(prev ChainFeed) ChainFeed {
	byKey := make(map[ContractKey]OptionContract, len(prev.Contracts))
	for _, c := range prev.Contracts {
		byKey[c.Key()] = c
	}
	for _, c := range d.Removed {
		delete(byKey, c.Key())
	}
	for _, c := range d.Added {
		byKey[c.Key()] = c
	}
	for _, changed := range d.Changed {
		c, ok := byKey[changed.Key]
		if !ok {
			continue
		}
		applyFieldChanges(&c, changed.FieldChanges)
		byKey[changed.Key] = c
	}

	out := ChainFeed{Symbol: d.Symbol, Source: prev.Source, FrameTS: d.CurrTS}
	for _, c := range byKey {
		out.Contracts = append(out.Contracts, c)
	}
	out.Count = len(out.Contracts)
	return out
}

func applyFieldChanges(c *OptionContract, changes []FieldChange) {
	for _, fc := range changes {
		switch fc.Field {
		case "bid":
			c.Bid = toFloatPtr(fc.To)
		case "ask":
			c.Ask = toFloatPtr(fc.To)
		case "mark":
			c.Mark = toFloatPtr(fc.To)
		case "iv":
			c.IV = toFloatPtr(fc.To)
		case "delta":
			c.Delta = toFloatPtr(fc.To)
		case "gamma":
			c.Gamma = toFloatPtr(fc.To)
		case "theta":
			c.Theta = toFloatPtr(fc.To)
		case "vega":
			c.Vega = toFloatPtr(fc.To)
		case "oi":
			c.OI = toIntPtr(fc.To)
		case "volume":
			c.Volume = toIntPtr(fc.To)
		}
	}
}

func toFloatPtr(v any) *float64 {
	if v == nil {
		return nil
	}
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}

func toIntPtr(v any) *int {
	if v == nil {
		return nil
	}
	switch n := v.(type) {
	case int:
		return &n
	case float64:
		i := int(n)
		return &i
	default:
		return nil
	}
}

// DiffWorker reads truth:chain:full:{SYM} and :prev every diff_interval_sec,
// computes the diff, writes it, and rotates :prev forward (spec §4.6.2).
type DiffWorker struct {
	bus      *bus.Client
	symbol   string
	interval time.Duration
	log      *slog.Logger
}

// NewDiffWorker constructs a worker for symbol.
func NewDiffWorker(client *bus.Client, symbol string, interval time.Duration) *DiffWorker {
	return &DiffWorker{
		bus:      client,
		symbol:   symbol,
		interval: interval,
		log:      slog.Default().With("component", "ingest.diff", "symbol", symbol),
	}
}

// Run loops until ctx is cancelled.
func (w *DiffWorker) Run(ctx context.Context) error {
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

func (w *DiffWorker) cycle(ctx context.Context) error {
	fullKey := fmt.Sprintf("truth:chain:full:%s", w.symbol)
	prevKey := fullKey + ":prev"

	currRaw, err := w.bus.Get(ctx, fullKey)
	if err != nil {
		return fmt.Errorf("read full: %w", err)
	}
	prevRaw, err := w.bus.Get(ctx, prevKey)
	if err != nil {
		return fmt.Errorf("read prev: %w", err)
	}

	var curr, prev ChainFeed
	if err := json.Unmarshal([]byte(currRaw), &curr); err != nil {
		return fmt.Errorf("decode full: %w", err)
	}
	if err := json.Unmarshal([]byte(prevRaw), &prev); err != nil {
		return fmt.Errorf("decode prev: %w", err)
	}

	diff := ComputeDiff(w.symbol, prev, curr, 0)
	data, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("marshal diff: %w", err)
	}
	// spec §6's key schema puts both truth:chain:diff:{SYM} and
	// truth:chain:full:{SYM}:prev at a fixed 20s TTL, neither of which
	// matches the bus client's prefix table, so both are passed explicitly.
	diffKey := fmt.Sprintf("truth:chain:diff:%s", w.symbol)
	if err := w.bus.Set(ctx, diffKey, string(data), 20*time.Second); err != nil {
		return fmt.Errorf("publish diff: %w", err)
	}
	if err := w.bus.Set(ctx, prevKey, currRaw, 20*time.Second); err != nil {
		return fmt.Errorf("rotate prev: %w", err)
	}
	return nil
}
