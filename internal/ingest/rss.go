package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"chainfeed/internal/bus"

	"github.com/mmcdole/gofeed"
)

// maxRSSEntryAge drops entries published further in the past than this,
// spec §4.6.5's MAX_AGE_DAYS=3.
const maxRSSEntryAge = 3 * 24 * time.Hour

// RSSSource names one polled feed within a group.
type RSSSource struct {
	Name string
	URL  string
}

// RSSWorker polls every source of one configured group on a shared interval
// and republishes fresh entries (spec §4.6.5).
type RSSWorker struct {
	bus            *bus.Client
	group          string
	sources        []RSSSource
	isGoogleAlerts bool
	pollInterval   time.Duration
	parser         *gofeed.Parser
	log            *slog.Logger
	now            func() time.Time
}

// NewRSSWorker constructs a worker for one enabled RSS group.
func NewRSSWorker(client *bus.Client, group string, sources []RSSSource, isGoogleAlerts bool, pollInterval time.Duration) *RSSWorker {
	return &RSSWorker{
		bus:            client,
		group:          group,
		sources:        sources,
		isGoogleAlerts: isGoogleAlerts,
		pollInterval:   pollInterval,
		parser:         gofeed.NewParser(),
		log:            slog.Default().With("component", "ingest.rss", "group", group),
		now:            time.Now,
	}
}

// Run loops until ctx is cancelled.
func (w *RSSWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.cycle(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type rssMetrics struct {
	Status         string    `json:"status"`
	NewItems       int       `json:"new_items"`
	Errors         int       `json:"errors"`
	SourcesChecked int       `json:"sources_checked"`
	LastPoll       time.Time `json:"last_poll"`
}

type rssEntry struct {
	Group     string    `json:"group"`
	Source    string    `json:"source"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Published time.Time `json:"published"`
	Timestamp time.Time `json:"timestamp"`
}

func (w *RSSWorker) cycle(ctx context.Context) {
	var newItems, errs int
	for _, src := range w.sources {
		n, err := w.pollSource(ctx, src)
		newItems += n
		if err != nil {
			errs++
			w.log.Warn("poll source failed", "source", src.Name, "error", err)
		}
	}

	status := "ok"
	if errs > 0 {
		status = "degraded"
	}
	w.publishMetrics(ctx, rssMetrics{
		Status:         status,
		NewItems:       newItems,
		Errors:         errs,
		SourcesChecked: len(w.sources),
		LastPoll:       w.now().UTC(),
	})
}

func (w *RSSWorker) pollSource(ctx context.Context, src RSSSource) (int, error) {
	feed, err := w.parser.ParseURLWithContext(src.URL, ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", src.Name, err)
	}

	written := 0
	cutoff := w.now().Add(-maxRSSEntryAge)
	for _, item := range feed.Items {
		published := entryPublished(item)
		if !published.IsZero() && published.Before(cutoff) {
			continue
		}

		canonical := w.canonicalURL(item.Link)
		uid := sha256.Sum256([]byte(canonical))
		entry := rssEntry{
			Group:     w.group,
			Source:    src.Name,
			Title:     item.Title,
			URL:       canonical,
			Published: published,
			Timestamp: w.now().UTC(),
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return written, fmt.Errorf("marshal entry: %w", err)
		}

		key := fmt.Sprintf("truth:feed:rss:%s:%s", w.group, hex.EncodeToString(uid[:]))
		if err := w.bus.Set(ctx, key, string(data), 2*w.pollInterval); err != nil {
			return written, fmt.Errorf("publish entry: %w", err)
		}
		written++
	}
	return written, nil
}

func entryPublished(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	return time.Time{}
}

// canonicalURL decodes a Google Alerts redirect link by extracting its url or
// q query parameter, per spec §4.6.5 step 2. Non-redirect links pass through.
func (w *RSSWorker) canonicalURL(link string) string {
	if !w.isGoogleAlerts {
		return link
	}
	parsed, err := url.Parse(link)
	if err != nil {
		return link
	}
	q := parsed.Query()
	if v := q.Get("url"); v != "" {
		if decoded, err := url.QueryUnescape(v); err == nil {
			return decoded
		}
		return v
	}
	if v := q.Get("q"); v != "" {
		if decoded, err := url.QueryUnescape(v); err == nil {
			return decoded
		}
		return v
	}
	return link
}

func (w *RSSWorker) publishMetrics(ctx context.Context, m rssMetrics) {
	data, err := json.Marshal(m)
	if err != nil {
		w.log.Warn("marshal metrics failed", "error", err)
		return
	}
	key := fmt.Sprintf("truth:feed:rss:metrics:%s", w.group)
	if err := w.bus.Set(ctx, key, string(data), bus.Persistent); err != nil {
		w.log.Warn("publish metrics failed", "error", err)
	}
}
