package shard

import (
	"math/rand/v2"
	"sync"
)

// Mode selects how a Shard picks an eviction victim.
type Mode uint8

const (
	// ModeListing keeps an exact intrusive LRU list: O(1) touch, strict
	// recency order.
	ModeListing Mode = iota
	// ModeSampling approximates LRU Redis-style: on eviction, K random
	// entries are sampled and the least-recently-touched of the sample is
	// evicted. Saves list-pointer maintenance on the hot read path.
	ModeSampling
)

// DefaultSampleSize is the recommended K for ModeSampling (spec §4.2: "K ≥ 5
// recommended").
const DefaultSampleSize = 5

// Shard owns a slice of the key-space: a hash table plus either an intrusive
// LRU list or sampling-based approximate LRU, and a byte-size counter. All
// public methods are safe for concurrent use; callers outside this package
// never see the sentinel LRU nodes.
type Shard struct {
	mode       Mode
	sampleSize int

	mu    sync.RWMutex
	table map[uint64]*Entry
	lru   *lruList // nil in ModeSampling

	bytesUsed int64
}

// New constructs an empty Shard.
func New(mode Mode, sampleSize int) *Shard {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	s := &Shard{
		mode:       mode,
		sampleSize: sampleSize,
		table:      make(map[uint64]*Entry, 1024),
	}
	if mode == ModeListing {
		s.lru = newLRUList()
	}
	return s
}

// Get probes the shard for fingerprint fp, confirming human-key equality on
// hash collision, and touches recency on success. Outdated entries are
// reported as misses.
func (s *Shard) Get(fp uint64, human []byte) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.table[fp]
	if !ok || !bytesEqual(e.Key.Human, human) {
		return nil, false
	}
	if e.Outdated() {
		return nil, false
	}

	if s.mode == ModeListing {
		s.lru.moveToFront(e)
	} else {
		e.Touch()
	}
	return e, true
}

// Put inserts e at the MRU position and accounts its byte size. Put does not
// itself enforce any capacity limit; internal/eviction drives shrinkage.
func (s *Shard) Put(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(e)
}

func (s *Shard) putLocked(e *Entry) {
	if old, ok := s.table[e.Key.Fingerprint]; ok {
		s.removeLocked(old)
	}
	s.table[e.Key.Fingerprint] = e
	s.bytesUsed += e.ByteSize
	if s.mode == ModeListing {
		s.lru.pushFront(e)
	} else {
		e.Touch()
	}
}

// Replace swaps old for fresh in-place, preserving LRU position (listing
// mode) so a lifetime-manager refresh does not disturb recency ordering.
// old must currently be present in the shard.
func (s *Shard) Replace(old, fresh *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.table, old.Key.Fingerprint)
	s.bytesUsed -= old.ByteSize

	s.table[fresh.Key.Fingerprint] = fresh
	s.bytesUsed += fresh.ByteSize

	if s.mode == ModeListing {
		fresh.lruPrev, fresh.lruNext = old.lruPrev, old.lruNext
		old.lruPrev.lruNext = fresh
		old.lruNext.lruPrev = fresh
		old.lruPrev, old.lruNext = nil, nil
	} else {
		fresh.Touch()
	}
}

// EvictTail pops and returns the current victim (LRU tail, or the
// least-recently-touched of a random sample in ModeSampling).
func (s *Shard) EvictTail() (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	victim := s.pickVictimLocked()
	if victim == nil {
		return nil, false
	}
	s.removeLocked(victim)
	return victim, true
}

// PeekVictim returns the current eviction candidate (LRU tail, or the
// least-recently-touched of a random sample in ModeSampling) without
// removing it, for admission decisions that need to compare a miss
// candidate's frequency against the incumbent before committing to evict
// it.
func (s *Shard) PeekVictim() (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	victim := s.pickVictimLocked()
	if victim == nil {
		return nil, false
	}
	return victim, true
}

func (s *Shard) pickVictimLocked() *Entry {
	if s.mode == ModeListing {
		return s.lru.back()
	}
	return s.sampleVictimLocked()
}

// sampleVictimLocked implements Redis-style approximate LRU: sample up to
// sampleSize random entries and return the one touched longest ago.
func (s *Shard) sampleVictimLocked() *Entry {
	if len(s.table) == 0 {
		return nil
	}
	var victim *Entry
	seen := 0
	for _, e := range s.table {
		seen++
		if victim == nil || e.touchedAt() < victim.touchedAt() {
			victim = e
		}
		if seen >= s.sampleSize {
			break
		}
	}
	return victim
}

// Delete removes fp unconditionally, if present.
func (s *Shard) Delete(fp uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.table[fp]
	if !ok {
		return false
	}
	s.removeLocked(e)
	return true
}

// MarkOutdated soft-deletes the entry for fp, if present, making it
// immediately invisible to readers without removing it from accounting.
func (s *Shard) MarkOutdated(fp uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.table[fp]
	if !ok {
		return false
	}
	e.MarkOutdated()
	return true
}

func (s *Shard) removeLocked(e *Entry) {
	delete(s.table, e.Key.Fingerprint)
	s.bytesUsed -= e.ByteSize
	if s.mode == ModeListing {
		s.lru.remove(e)
	}
}

// BytesUsed returns the shard's current accounted byte usage.
func (s *Shard) BytesUsed() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytesUsed
}

// Len returns the number of live entries.
func (s *Shard) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.table)
}

// Snapshot returns a fair, bounded sample of up to n live entries, used by
// internal/store's lifetime-manager iteration.
func (s *Shard) Snapshot(n int) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n >= len(s.table) {
		out := make([]*Entry, 0, len(s.table))
		for _, e := range s.table {
			out = append(out, e)
		}
		return out
	}

	// Reservoir sampling gives a fair subset without biasing toward map
	// iteration order.
	out := make([]*Entry, 0, n)
	i := 0
	for _, e := range s.table {
		if i < n {
			out = append(out, e)
		} else if j := rand.IntN(i + 1); j < n {
			out[j] = e
		}
		i++
	}
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
