// Package config parses the YAML configuration document rooted at `cache:`
// into an immutable startup snapshot. Shape grounded directly on
// Borislavv-caddy's pkg/config/config.go (Cache/CacheBox/Rule/Key/Value/
// Refresh/Eviction/Storage), combined with the teacher's validation style
// (pkg/config.go's sentinel errors and applyOptions-shaped checks).
//
// © 2025 advcache authors. MIT License.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestrelcache/advcache/internal/keyrule"
)

// Document is the top-level YAML document: one key, `cache:`.
type Document struct {
	Cache Cache `yaml:"cache"`
}

// Cache is the full immutable configuration snapshot accepted at startup.
// Only the fields exposed through internal/toggles are mutable afterward.
type Cache struct {
	Enabled     bool        `yaml:"enabled"`
	Upstream    Upstream    `yaml:"upstream"`
	Storage     Storage     `yaml:"storage"`
	Eviction    Eviction    `yaml:"eviction"`
	Refresh     Refresh     `yaml:"refresh"`
	Persistence Persistence `yaml:"persistence"`
	Rules       []*Rule     `yaml:"rules"`
}

// Upstream configures the Dispatcher (spec §4.5).
type Upstream struct {
	URL                 string        `yaml:"url"`
	Rate                float64       `yaml:"rate"`
	Concurrency         int64         `yaml:"concurrency"`
	Timeout             time.Duration `yaml:"timeout"`
	MaxTimeout          time.Duration `yaml:"max_timeout"`
	UseMaxTimeoutHeader string        `yaml:"use_max_timeout_header"`
	Policy              string        `yaml:"policy"` // "deny" or "await"
}

// Storage configures the byte budget and shard layout (spec §3/§4.2).
type Storage struct {
	SizeBytes  int64  `yaml:"size"`
	Shards     int    `yaml:"shards"`
	LRUMode    string `yaml:"lru_mode"` // "listing" or "sampling"
	SampleSize int    `yaml:"sample_size"`
}

// Eviction configures the background watermark controller (spec §4.6).
type Eviction struct {
	Enabled           bool          `yaml:"enabled"`
	Replicas          int           `yaml:"replicas"`
	CheckInterval     time.Duration `yaml:"check_interval"`
	SoftLimit         float64       `yaml:"soft_limit"`
	HardLimit         float64       `yaml:"hard_limit"`
	HardBoundPerShard int           `yaml:"hard_bound_per_shard"`
}

// Refresh configures the lifetime manager (spec §4.7).
type Refresh struct {
	Enabled        bool          `yaml:"enabled"`
	Replicas       int           `yaml:"replicas"`
	Rate           int64         `yaml:"rate"`
	CheckInterval  time.Duration `yaml:"check_interval"`
	BudgetPerShard int           `yaml:"budget_per_shard"`
	OnTTL          string        `yaml:"on_ttl"` // "refresh" or "remove"
}

// Persistence configures internal/dump (spec §6 "Dump format").
type Persistence struct {
	Dump Dump `yaml:"dump"`
}

// Dump mirrors the spec's opaque dump format knobs.
type Dump struct {
	Enabled     bool   `yaml:"enabled"`
	Backend     string `yaml:"backend"` // "disk" or "badger"
	Dir         string `yaml:"dump_dir"`
	Name        string `yaml:"dump_name"`
	MaxVersions int    `yaml:"max_versions"`
	Gzip        bool   `yaml:"gzip"`
}

// Rule is one cache-key derivation/TTL rule, matched by longest PathPrefix.
type Rule struct {
	PathPrefix string   `yaml:"path"`
	TTL        time.Duration `yaml:"ttl"`
	Beta       float64  `yaml:"beta"`
	Coefficient float64 `yaml:"coefficient"`
	OnTTL      string   `yaml:"on_ttl"` // "remove" removes entries at their refresh point; any other value, or none, refreshes them. Refresh.OnTTL is not consulted.
	Enabled    bool     `yaml:"enabled"`
	Key        Key      `yaml:"cache_key"`
	Value      Value    `yaml:"cache_value"`
}

// Key lists what participates in the cache key for a rule.
type Key struct {
	Query   []string `yaml:"query"`
	Headers []string `yaml:"headers"`
}

// Value lists which upstream response headers are preserved in storage.
type Value struct {
	Headers []string `yaml:"headers"`
}

var (
	errInvalidSize     = errors.New("config: storage.size must be > 0")
	errInvalidShards   = errors.New("config: storage.shards must be > 0")
	errInvalidUpstream = errors.New("config: upstream.url must be set")
	errInvalidRate     = errors.New("config: upstream.rate must be > 0")
	errInvalidSoftHard = errors.New("config: eviction.soft_limit must be < eviction.hard_limit")
)

// Load resolves path relative to the current working directory, parses the
// YAML document, and validates+finalizes it. A parse or validation failure
// is fatal at startup per spec §7 (InvalidConfig).
func Load(path string) (*Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve absolute path %q: %w", path, err)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", abs, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", abs, err)
	}

	applyDefaults(&doc.Cache)
	if err := validate(&doc.Cache); err != nil {
		return nil, err
	}
	return &doc, nil
}

func applyDefaults(c *Cache) {
	if c.Storage.Shards == 0 {
		c.Storage.Shards = 1024
	}
	if c.Storage.LRUMode == "" {
		c.Storage.LRUMode = "listing"
	}
	if c.Storage.SampleSize == 0 {
		c.Storage.SampleSize = 5
	}
	if c.Eviction.Replicas == 0 {
		c.Eviction.Replicas = 4
	}
	if c.Eviction.CheckInterval == 0 {
		c.Eviction.CheckInterval = 250 * time.Millisecond
	}
	if c.Eviction.SoftLimit == 0 {
		c.Eviction.SoftLimit = 0.8
	}
	if c.Eviction.HardLimit == 0 {
		c.Eviction.HardLimit = 0.95
	}
	if c.Eviction.HardBoundPerShard == 0 {
		c.Eviction.HardBoundPerShard = 8
	}
	if c.Refresh.Replicas == 0 {
		c.Refresh.Replicas = 4
	}
	if c.Refresh.Rate == 0 {
		c.Refresh.Rate = 100
	}
	if c.Refresh.CheckInterval == 0 {
		c.Refresh.CheckInterval = time.Second
	}
	if c.Refresh.BudgetPerShard == 0 {
		c.Refresh.BudgetPerShard = 16
	}
	if c.Refresh.OnTTL == "" {
		c.Refresh.OnTTL = "refresh"
	}
	if c.Upstream.Policy == "" {
		c.Upstream.Policy = "deny"
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 5 * time.Second
	}
	if c.Upstream.MaxTimeout < c.Upstream.Timeout {
		c.Upstream.MaxTimeout = c.Upstream.Timeout
	}
	if c.Upstream.Concurrency == 0 {
		c.Upstream.Concurrency = 64
	}
	for _, r := range c.Rules {
		if r.Coefficient == 0 {
			r.Coefficient = 0.9
		}
	}
}

func validate(c *Cache) error {
	if c.Storage.SizeBytes <= 0 {
		return errInvalidSize
	}
	if c.Storage.Shards <= 0 {
		return errInvalidShards
	}
	if c.Upstream.URL == "" {
		return errInvalidUpstream
	}
	if c.Upstream.Rate <= 0 {
		return errInvalidRate
	}
	if c.Eviction.SoftLimit >= c.Eviction.HardLimit {
		return errInvalidSoftHard
	}
	return nil
}

// BuildRuleSet converts the parsed Rule slice into a keyrule.RuleSet, ready
// for Canonicalize. Separated from Load so callers needing only the raw
// config don't pay for rule finalization.
func BuildRuleSet(rules []*Rule) *keyrule.RuleSet {
	out := make([]*keyrule.Rule, len(rules))
	for i, r := range rules {
		policy := keyrule.OnTTLRefresh
		if r.OnTTL == "remove" {
			policy = keyrule.OnTTLRemove
		}
		out[i] = &keyrule.Rule{
			PathPrefix:              r.PathPrefix,
			QueryWhitelist:          r.Key.Query,
			RequestHeaderWhitelist:  r.Key.Headers,
			ResponseHeaderWhitelist: r.Value.Headers,
			TTL:                     r.TTL,
			OnTTLPolicy:             policy,
			Beta:                    r.Beta,
			Coefficient:             r.Coefficient,
			Enabled:                 r.Enabled,
		}
	}
	return keyrule.NewRuleSet(out)
}
