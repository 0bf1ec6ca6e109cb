// Package store aggregates the shards of internal/shard into a single
// addressable cache, adding single-flight request coalescing, fingerprint
// routing, and the bulk operations (invalidate, two-step clear, lifetime
// iteration) that sit above individual shards. See spec §4.3.
//
// © 2025 advcache authors. MIT License.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kestrelcache/advcache/internal/shard"
)

// ErrSingleFlightCancelled is returned to a waiter whose context is
// cancelled or times out while the single-flight installer is still
// running. It does not affect the installer or other waiters, mirroring
// the teacher's loadAsync: "we do NOT attempt to cancel the underlying
// singleflight call".
var ErrSingleFlightCancelled = errors.New("store: single-flight wait cancelled")

// clearTokenTTL bounds how long a clear_two_step token remains valid.
const clearTokenTTL = 30 * time.Second

// Config controls Store construction.
type Config struct {
	Shards     int
	Mode       shard.Mode
	SampleSize int
}

// DefaultConfig returns the spec's recommended 1024-shard, listing-mode
// configuration.
func DefaultConfig() Config {
	return Config{Shards: 1024, Mode: shard.ModeListing}
}

// Store aggregates N independent shards, routing by fingerprint mod N, and
// layers single-flight coalescing and bulk operations above them.
type Store struct {
	shards []*shard.Shard
	group  singleflight.Group

	clearMu    sync.Mutex
	clearToken string
	clearAt    time.Time
}

// New constructs a Store per cfg, defaulting unset fields.
func New(cfg Config) *Store {
	if cfg.Shards <= 0 {
		cfg.Shards = 1024
	}
	shards := make([]*shard.Shard, cfg.Shards)
	for i := range shards {
		shards[i] = shard.New(cfg.Mode, cfg.SampleSize)
	}
	return &Store{shards: shards}
}

func (s *Store) shardFor(fp uint64) *shard.Shard {
	return s.shards[fp%uint64(len(s.shards))]
}

// Lookup probes for a cache hit on fp/human. A hit returns the entry
// immediately. On miss, it reports (nil, false) — callers become the
// single-flight installer or waiter via Do below.
func (s *Store) Lookup(fp uint64, human []byte) (*shard.Entry, bool) {
	return s.shardFor(fp).Get(fp, human)
}

// Do executes fn with single-flight semantics for fp: the first caller for
// fp runs fn to completion and shares its result with every concurrent
// caller for the same fingerprint. Per spec §4.3/§5, a waiter's ctx
// cancellation surfaces ErrSingleFlightCancelled to that waiter only; the
// installer (and any other waiters) are unaffected and continue to
// completion. Keyed by the hex fingerprint, the same technique the teacher
// uses in pkg/loader.go.
func (s *Store) Do(ctx context.Context, fp uint64, fn func() (*shard.Entry, error)) (*shard.Entry, error, bool) {
	key := strconv.FormatUint(fp, 16)
	ch := s.group.DoChan(key, func() (any, error) {
		return fn()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err, res.Shared
		}
		return res.Val.(*shard.Entry), nil, res.Shared
	case <-ctx.Done():
		return nil, ErrSingleFlightCancelled, false
	}
}

// Insert routes e to its shard. Admission must have already accepted the
// entry; Insert does not itself consult Admission or enforce limits.
func (s *Store) Insert(e *shard.Entry) {
	s.shardFor(e.Key.Fingerprint).Put(e)
}

// Replace swaps old for fresh in-place within old's shard, preserving LRU
// position. Used by the lifetime manager on a successful refresh.
func (s *Store) Replace(old, fresh *shard.Entry) {
	s.shardFor(old.Key.Fingerprint).Replace(old, fresh)
}

// EvictTailFrom pops the current victim from shard index i, used by the
// eviction controller's partitioned workers.
func (s *Store) EvictTailFrom(i int) (*shard.Entry, bool) {
	return s.shards[i].EvictTail()
}

// ShardCount returns the number of shards, for partitioning background
// workers.
func (s *Store) ShardCount() int { return len(s.shards) }

// Shard exposes shard i directly, for callers (eviction, lifetime) that
// need shard-local operations beyond Store's aggregate API.
func (s *Store) Shard(i int) *shard.Shard { return s.shards[i] }

// BytesUsed sums bytesUsed across every shard. Eventually consistent: the
// read racing concurrent shard mutation is acceptable per spec §5 (memory
// accounting is "eventually-consistent reads; decisions use the aggregate
// read at tick start").
func (s *Store) BytesUsed() int64 {
	var total int64
	for _, sh := range s.shards {
		total += sh.BytesUsed()
	}
	return total
}

// Len sums live entry counts across every shard.
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		total += sh.Len()
	}
	return total
}

// Invalidate scans every shard for entries whose Path has pathPrefix and
// whose Query matches every key/value in queryFilter (a nil or empty
// filter matches any query). If remove is true, matching entries are
// deleted outright; otherwise they are marked outdated (soft-invalidated,
// immediately invisible to readers). Returns the number of entries
// affected.
func (s *Store) Invalidate(pathPrefix string, queryFilter map[string]string, remove bool) int {
	affected := 0
	for _, sh := range s.shards {
		for _, e := range sh.Snapshot(0) {
			if !matchesInvalidate(e, pathPrefix, queryFilter) {
				continue
			}
			if remove {
				if sh.Delete(e.Key.Fingerprint) {
					affected++
				}
			} else {
				if sh.MarkOutdated(e.Key.Fingerprint) {
					affected++
				}
			}
		}
	}
	return affected
}

func matchesInvalidate(e *shard.Entry, pathPrefix string, queryFilter map[string]string) bool {
	if pathPrefix != "" && !hasPrefix(e.Path, pathPrefix) {
		return false
	}
	for k, v := range queryFilter {
		if got, ok := e.Query[k]; !ok || got != v {
			return false
		}
	}
	return true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// ClearTwoStep issues a fresh opaque token. A subsequent ConfirmClear call
// with the same token, within clearTokenTTL, drops every entry in every
// shard. Guards against an accidental clear from a single stray request.
func (s *Store) ClearTwoStep() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	token := hex.EncodeToString(buf[:])

	s.clearMu.Lock()
	s.clearToken = token
	s.clearAt = time.Now()
	s.clearMu.Unlock()

	return token
}

// ConfirmClear drops every entry in every shard if token matches the most
// recent ClearTwoStep call and the confirmation arrived within
// clearTokenTTL. Returns whether the clear was performed.
func (s *Store) ConfirmClear(token string) bool {
	s.clearMu.Lock()
	valid := token != "" && token == s.clearToken && time.Since(s.clearAt) <= clearTokenTTL
	if valid {
		s.clearToken = ""
	}
	s.clearMu.Unlock()

	if !valid {
		return false
	}

	for _, sh := range s.shards {
		for _, e := range sh.Snapshot(0) {
			sh.Delete(e.Key.Fingerprint)
		}
	}
	return true
}

// IterForLifetime yields a fair, bounded sample of entries for the
// lifetime manager to visit this tick: up to budget entries per shard,
// reservoir-sampled within each shard so no shard is starved and no
// single shard dominates a tick.
func (s *Store) IterForLifetime(budgetPerShard int) []*shard.Entry {
	out := make([]*shard.Entry, 0, budgetPerShard*len(s.shards))
	for _, sh := range s.shards {
		out = append(out, sh.Snapshot(budgetPerShard)...)
	}
	return out
}
