package truth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"chainfeed/internal/bus"
	"chainfeed/internal/check"
)

const (
	schemaKey     = "truth:integration:schema"
	updateChannel = "truth:update:schema"
)

// defaultSeedPaths are tried in order when no explicit path is given, mirroring
// spec §4.2's "first of: file path argument, ./canonical_truth.json,
// ./config/canonical_truth.json, a container path".
var defaultSeedPaths = []string{
	"./canonical_truth.json",
	"./config/canonical_truth.json",
	"/etc/chainfeed/canonical_truth.json",
}

// Service is the single in-process owner of the canonical truth document. It
// holds the current snapshot behind an atomic pointer so Get never observes a
// partially updated document (spec §4.2 invariant), and serializes
// PublishUpdate calls through one mutex, matching spec §5's "no in-process
// locks except the Truth Service's write serialization lock".
type Service struct {
	bus  *bus.Client
	log  *slog.Logger

	current atomic.Pointer[Document]
	writeMu sync.Mutex

	seedPath string
}

// New constructs a Truth Service bound to client. seedPath, when non-empty,
// is tried before the default search paths.
func New(client *bus.Client, log *slog.Logger, seedPath string) *Service {
	check.Assert(client != nil, "truth.New: client must not be nil")
	check.Assert(log != nil, "truth.New: log must not be nil")
	return &Service{bus: client, log: log.With("component", "truth"), seedPath: seedPath}
}

// Start loads the local seed document. A missing seed file at every
// candidate path is fatal per spec §4.2.
func (s *Service) Start() error {
	paths := defaultSeedPaths
	if s.seedPath != "" {
		paths = append([]string{s.seedPath}, defaultSeedPaths...)
	}

	var lastErr error
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			lastErr = err
			continue
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse seed truth %s: %w", p, err)
		}
		s.current.Store(&doc)
		s.log.Info("loaded seed truth", "path", p, "version", doc.Version)
		return nil
	}
	return fmt.Errorf("no seed truth document found (tried %d paths): %w", len(paths), lastErr)
}

// SyncWithBus reads the bus copy and adopts it if its version is newer than
// the local one; otherwise it publishes the local copy, per spec §4.2.
func (s *Service) SyncWithBus(ctx context.Context) error {
	raw, err := s.bus.Get(ctx, schemaKey)
	if err != nil {
		return s.publishLocal(ctx)
	}

	var remote Document
	if err := json.Unmarshal([]byte(raw), &remote); err != nil {
		s.log.Warn("malformed truth document on bus, publishing local copy", "error", err)
		return s.publishLocal(ctx)
	}

	local := s.current.Load()
	if local == nil || CompareVersions(remote.Version, local.Version) > 0 {
		s.current.Store(&remote)
		s.log.Info("adopted bus truth", "version", remote.Version)
		return nil
	}
	return s.publishLocal(ctx)
}

func (s *Service) publishLocal(ctx context.Context) error {
	doc := s.current.Load()
	if doc == nil {
		return fmt.Errorf("truth: publishLocal called before Start")
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal truth document: %w", err)
	}
	return s.bus.Set(ctx, schemaKey, string(data), persistentTTL)
}

// persistentTTL is passed to Set to mark truth:integration:schema persistent.
// Its value matches bus.Persistent exactly so the TTL override comparison in
// Client.Set recognizes it.
const persistentTTL time.Duration = -1

// Subscribe listens on truth:update:schema and atomically replaces the
// in-memory document on every message. It runs until ctx is cancelled. A
// malformed message is logged and ignored; the listener never terminates on
// a bad payload, per spec §4.2's failure semantics.
func (s *Service) Subscribe(ctx context.Context) {
	sub := s.bus.Subscribe(ctx, updateChannel)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var doc Document
			if err := json.Unmarshal([]byte(msg.Payload), &doc); err != nil {
				s.log.Warn("dropping malformed truth update", "error", err)
				continue
			}
			local := s.current.Load()
			if local != nil && CompareVersions(doc.Version, local.Version) <= 0 {
				s.log.Debug("ignoring stale truth update", "incoming", doc.Version, "current", local.Version)
				continue
			}
			s.current.Store(&doc)
			s.log.Info("applied truth update", "version", doc.Version)
		}
	}
}

// Get returns the current document snapshot. The returned value is a copy
// safe to read without synchronization; mutating it does not affect the
// Service's internal state.
func (s *Service) Get() Document {
	d := s.current.Load()
	if d == nil {
		return Document{}
	}
	return d.Clone()
}

// PublishUpdate applies mutate to a clone of the current document, bumps the
// patch version, refreshes metadata.last_updated, writes the result to the
// bus, and publishes it on truth:update:schema. Concurrent callers are
// serialized by writeMu so no update is lost to a racing swap.
func (s *Service) PublishUpdate(ctx context.Context, mutate func(*Document)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	base := s.current.Load()
	if base == nil {
		return fmt.Errorf("truth: PublishUpdate called before Start")
	}
	next := base.Clone()
	mutate(&next)
	next.Version = bumpPatch(base.Version)
	next.Metadata.LastUpdated = time.Now().UTC()

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal truth update: %w", err)
	}
	if err := s.bus.Set(ctx, schemaKey, string(data), persistentTTL); err != nil {
		return fmt.Errorf("publish truth update: %w", err)
	}
	if err := s.bus.Publish(ctx, updateChannel, string(data)); err != nil {
		return fmt.Errorf("announce truth update: %w", err)
	}
	s.current.Store(&next)
	return nil
}
