// Package truth owns the single in-memory copy of the canonical configuration
// document shared by every node in the mesh (spec component C2).
package truth

import "time"

// Document is the canonical truth document (spec §3). Field names carry
// snake_case JSON tags to stay bit-exact with the bus wire schema.
type Document struct {
	Version  string   `json:"version"`
	Metadata Metadata `json:"metadata"`
	Chainfeed ChainfeedConfig `json:"chainfeed"`
	Providers ProvidersConfig `json:"providers"`
	Mesh      MeshConfig      `json:"mesh"`
	Entities  []Entity        `json:"entities,omitempty"`
}

// Metadata carries document-level bookkeeping.
type Metadata struct {
	LastUpdated time.Time `json:"last_updated"`
}

// ChainfeedConfig describes the chain ingestion settings.
type ChainfeedConfig struct {
	DefaultSymbols   []string                    `json:"default_symbols"`
	Raw              RawConfig                   `json:"raw"`
	FeedScope        FeedScopeConfig             `json:"feed_scope"`
	SyntheticIndexes map[string]SyntheticIndex   `json:"synthetic_indexes,omitempty"`
	DiffIntervalSec  int                         `json:"diff_interval_sec"`
}

// RawConfig configures the Raw Chain Worker.
type RawConfig struct {
	Enabled     bool `json:"enabled"`
	IntervalSec int  `json:"interval_sec"`
	TTLSec      int  `json:"ttl_sec"`
}

// FeedScopeConfig configures per-scope update cadence.
type FeedScopeConfig struct {
	Default FeedScopeDefault `json:"default"`
}

// FeedScopeDefault is the default feed scope.
type FeedScopeDefault struct {
	UpdateIntervalSec int `json:"update_interval_sec"`
}

// SyntheticIndex describes a weighted synthetic spot composed of components.
type SyntheticIndex struct {
	Components []SyntheticComponent `json:"components"`
}

// SyntheticComponent is one weighted contributor to a synthetic index.
type SyntheticComponent struct {
	Symbol     string  `json:"symbol"`
	Weight     float64 `json:"weight"`
	Multiplier float64 `json:"multiplier"`
}

// ProvidersConfig groups data provider and RSS feed configuration.
type ProvidersConfig struct {
	DataProviders map[string]DataProviderConfig `json:"data_providers,omitempty"`
	RSSFeeds      map[string]RSSGroupConfig      `json:"rss_feeds,omitempty"`
}

// DataProviderConfig configures one chain data provider.
type DataProviderConfig struct {
	Enabled   bool   `json:"enabled"`
	APIKey    string `json:"api_key,omitempty"`
	APIKeyEnv string `json:"api_key_env,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
}

// RSSGroupConfig configures one RSS polling group.
type RSSGroupConfig struct {
	Enabled         bool         `json:"enabled"`
	PollIntervalSec int          `json:"poll_interval_sec"`
	IsGoogleAlerts  bool         `json:"is_google_alerts"`
	Sources         []RSSSource  `json:"sources"`
}

// RSSSource is one feed URL within a group.
type RSSSource struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// MeshConfig configures heartbeat cadence and freshness thresholds.
type MeshConfig struct {
	HeartbeatIntervalSec int    `json:"heartbeat_interval_sec"`
	MaxHeartbeatAgeSec   int    `json:"max_heartbeat_age_sec"`
	NodeID               string `json:"node_id,omitempty"`
}

// Entity is an optional identity record used for role assignment.
type Entity struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// Clone returns a deep-enough copy for copy-on-write publication: slices and
// maps are copied so a caller mutating the returned document never affects a
// snapshot already handed out by Get.
func (d Document) Clone() Document {
	out := d
	if d.Chainfeed.DefaultSymbols != nil {
		out.Chainfeed.DefaultSymbols = append([]string(nil), d.Chainfeed.DefaultSymbols...)
	}
	if d.Chainfeed.SyntheticIndexes != nil {
		out.Chainfeed.SyntheticIndexes = make(map[string]SyntheticIndex, len(d.Chainfeed.SyntheticIndexes))
		for k, v := range d.Chainfeed.SyntheticIndexes {
			cp := v
			cp.Components = append([]SyntheticComponent(nil), v.Components...)
			out.Chainfeed.SyntheticIndexes[k] = cp
		}
	}
	if d.Providers.DataProviders != nil {
		out.Providers.DataProviders = make(map[string]DataProviderConfig, len(d.Providers.DataProviders))
		for k, v := range d.Providers.DataProviders {
			out.Providers.DataProviders[k] = v
		}
	}
	if d.Providers.RSSFeeds != nil {
		out.Providers.RSSFeeds = make(map[string]RSSGroupConfig, len(d.Providers.RSSFeeds))
		for k, v := range d.Providers.RSSFeeds {
			cp := v
			cp.Sources = append([]RSSSource(nil), v.Sources...)
			out.Providers.RSSFeeds[k] = cp
		}
	}
	if d.Entities != nil {
		out.Entities = append([]Entity(nil), d.Entities...)
	}
	return out
}
