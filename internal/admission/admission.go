package admission

import (
	"sync"
	"sync/atomic"
)

// Config controls the shape of the sharded Count-Min Sketch + Doorkeeper.
type Config struct {
	// Shards is the number of independent admission shards. Spec §9
	// recommends 256 (smaller footprint than the main Store's 1024 shards
	// dominates, since admission counters are compact).
	Shards int
	// MinTableLen is the minimum Count-Min Sketch width per shard.
	MinTableLen uint64
	// Capacity is the expected number of live entries, used with
	// SampleMultiplier to derive the aging threshold.
	Capacity uint64
	// SampleMultiplier scales Capacity into the global observation count
	// that triggers an aging halving (spec §4.4 step 4).
	SampleMultiplier uint64
}

// DefaultConfig returns sane defaults for a cache expected to hold about
// capacity live entries.
func DefaultConfig(capacity uint64) Config {
	return Config{
		Shards:           256,
		MinTableLen:      2048,
		Capacity:         capacity,
		SampleMultiplier: 10,
	}
}

type admissionShard struct {
	mu     sync.Mutex
	sketch *sketch
	door   *doorkeeper
}

// Admission is the sharded TinyLFU admission filter.
type Admission struct {
	shards []*admissionShard

	observations   atomic.Int64
	resetThreshold int64
	resetting      atomic.Bool
}

// New constructs an Admission filter per cfg.
func New(cfg Config) *Admission {
	if cfg.Shards <= 0 {
		cfg.Shards = 256
	}
	if cfg.MinTableLen == 0 {
		cfg.MinTableLen = 2048
	}
	if cfg.SampleMultiplier == 0 {
		cfg.SampleMultiplier = 10
	}

	shards := make([]*admissionShard, cfg.Shards)
	for i := range shards {
		var seed [rows]uint64
		for r := 0; r < rows; r++ {
			seed[r] = uint64(i)*0x100000001B3 + uint64(r)*0x9E3779B97F4A7C15 + 1
		}
		shards[i] = &admissionShard{
			sketch: newSketch(cfg.MinTableLen, seed),
			door:   newDoorkeeper(cfg.MinTableLen * 8),
		}
	}

	threshold := int64(cfg.Capacity * cfg.SampleMultiplier)
	if threshold <= 0 {
		threshold = 1 << 20
	}

	return &Admission{shards: shards, resetThreshold: threshold}
}

func (a *Admission) shardFor(fp uint64) *admissionShard {
	return a.shards[fp%uint64(len(a.shards))]
}

// Observe records a single access to fp, per the protocol in spec §4.4:
// the first sighting only sets the Doorkeeper bit; subsequent sightings
// increment the Count-Min Sketch. Every call advances the global aging
// counter, triggering a halving once the configured threshold is reached.
func (a *Admission) Observe(fp uint64) {
	sh := a.shardFor(fp)

	sh.mu.Lock()
	if sh.door.testAndSet(fp) {
		sh.sketch.increment(fp)
	}
	sh.mu.Unlock()

	if a.observations.Add(1) >= a.resetThreshold {
		a.maybeAge()
	}
}

// maybeAge performs the aging halving under a single-writer protocol: many
// goroutines may cross the threshold concurrently, but only the one that
// wins the CompareAndSwap actually ages the tables.
func (a *Admission) maybeAge() {
	if !a.resetting.CompareAndSwap(false, true) {
		return
	}
	defer a.resetting.Store(false)

	for _, sh := range a.shards {
		sh.mu.Lock()
		sh.sketch.halve()
		sh.door.clear()
		sh.mu.Unlock()
	}
	a.observations.Store(0)
}

// Estimate returns the Count-Min estimate of fp's observed frequency.
func (a *Admission) Estimate(fp uint64) uint8 {
	sh := a.shardFor(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.sketch.estimate(fp)
}

// Admit decides whether a cache miss for candidateFp should be cached,
// possibly evicting the shard's current LRU victim (victimFp, when
// hasVictim is true). Per spec §4.4/§4.6:
//   - when disabled (enabled=false), always admit;
//   - below the shard's soft watermark, always admit;
//   - with no current victim (empty shard), always admit;
//   - under normal pressure, admit iff freq(candidate) >= freq(victim);
//   - under soft-pressure tightening (the eviction controller's soft mode),
//     the comparison is strict: admit iff freq(candidate) > freq(victim),
//     so an exact tie is resolved against admission (keep the incumbent).
func (a *Admission) Admit(candidateFp uint64, hasVictim bool, victimFp uint64, enabled, belowSoftWatermark, softPressure bool) bool {
	if !enabled || belowSoftWatermark || !hasVictim {
		return true
	}

	freqC := a.Estimate(candidateFp)
	freqV := a.Estimate(victimFp)
	if softPressure {
		return freqC > freqV
	}
	return freqC >= freqV
}
