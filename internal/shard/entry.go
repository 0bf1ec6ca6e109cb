// Package shard implements one independent partition of the cache: a hash
// table keyed by fingerprint, an intrusive LRU list (or approximate sampling
// LRU), and a byte-size accounting counter. See spec §4.2.
//
// © 2025 advcache authors. MIT License.
package shard

import (
	"sync/atomic"
	"time"

	"github.com/kestrelcache/advcache/internal/keyrule"
)

// HeaderKV is a single response header, preserved in insertion order.
type HeaderKV struct {
	Name  string
	Value string
}

// StoredResponse is the cached representation of an upstream response.
type StoredResponse struct {
	Status  int
	Headers []HeaderKV
	Body    []byte
}

// entryOverhead approximates the fixed bookkeeping cost charged against the
// storage budget for every Entry, independent of its response payload.
const entryOverhead = 128

// Entry is a single cached value, owned by exactly one Shard.
type Entry struct {
	Key      keyrule.Key
	Response StoredResponse

	CreatedAt    time.Time
	ExpiresAt    time.Time
	RefreshAfter time.Time

	ByteSize int64

	// Rule is the rule this entry was cached under; needed by the lifetime
	// manager to recompute TTL/refresh on revalidation without a second
	// canonicalization pass.
	Rule *keyrule.Rule

	// Path and Query are the request's decoded path and whitelisted query
	// values, kept alongside the opaque fingerprint/human key so that
	// invalidation (which is expressed in terms of path prefixes and query
	// values, not fingerprints) can match entries without re-parsing Human.
	Path  string
	Query map[string]string

	outdated atomic.Bool

	// intrusive LRU links, valid only while the entry is owned by a Shard in
	// ModeListing. In ModeSampling they are unused.
	lruPrev, lruNext *Entry
	// lastTouch backs ModeSampling's approximate victim selection.
	lastTouch atomic.Int64 // unix nanos
}

// Outdated reports whether the entry has been soft-invalidated.
func (e *Entry) Outdated() bool { return e.outdated.Load() }

// MarkOutdated soft-deletes the entry; it becomes invisible to readers
// immediately (release-store of the flag), per spec §3/§5.
func (e *Entry) MarkOutdated() { e.outdated.Store(true) }

// Touch records the current time as the entry's last access, used by the
// sampling LRU mode to approximate recency without list maintenance.
func (e *Entry) Touch() { e.lastTouch.Store(time.Now().UnixNano()) }

func (e *Entry) touchedAt() int64 { return e.lastTouch.Load() }

// ComputeByteSize returns headers+body+fixed overhead, the value accounted
// against the shard's and store's storage budgets.
func ComputeByteSize(resp StoredResponse) int64 {
	n := int64(entryOverhead)
	for _, h := range resp.Headers {
		n += int64(len(h.Name) + len(h.Value))
	}
	n += int64(len(resp.Body))
	return n
}
