// Package eviction implements the background memory-watermark controller
// described in spec §4.6: soft/hard limits, round-robin shard partitioning
// among workers, and admission tightening under soft pressure. Grounded on
// the teacher's CLOCK-Pro ghost/eviction callback lifecycle
// (internal/clockpro), generalized from a per-shard CLOCK hand to the
// spec's LRU-tail victim selection, and on its panic-recovery-then-restart
// background worker shape.
//
// © 2025 advcache authors. MIT License.
package eviction

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelcache/advcache/internal/admission"
	"github.com/kestrelcache/advcache/internal/metrics"
	"github.com/kestrelcache/advcache/internal/store"
	"github.com/kestrelcache/advcache/internal/toggles"
)

// Config controls Controller construction.
type Config struct {
	// CheckInterval is how often each worker re-evaluates pressure.
	CheckInterval time.Duration
	// SoftLimit and HardLimit are fractions of Size (0..1) at which soft
	// and hard eviction modes engage.
	SoftLimit, HardLimit float64
	// Size is the configured storage budget in bytes.
	Size int64
	// HardBoundPerShard caps how many victims a hard-mode tick evicts from
	// a single shard, bounding tick latency.
	HardBoundPerShard int
	// Metrics receives per-tick eviction counts and the store's length/byte
	// gauges; defaults to the no-op sink when nil.
	Metrics metrics.Sink
}

// Pressure reports the controller's most recently observed fill ratio and
// mode, for metrics and for the hot-path synchronous eviction hook.
type Pressure struct {
	Ratio    float64
	Soft     bool
	Hard     bool
}

// Controller runs toggles.Registry.EvictionReplicas() background workers,
// each owning a disjoint round-robin subset of the Store's shards per
// tick.
type Controller struct {
	cfg     Config
	store   *store.Store
	adm     *admission.Admission
	toggles *toggles.Registry
	log     *zap.Logger

	pressureMu sync.RWMutex
	pressure   Pressure
}

// New constructs a Controller. log may be nil, in which case a no-op
// logger is used (matching the teacher's WithLogger default).
func New(cfg Config, st *store.Store, adm *admission.Admission, reg *toggles.Registry, log *zap.Logger) *Controller {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 250 * time.Millisecond
	}
	if cfg.SoftLimit <= 0 {
		cfg.SoftLimit = 0.8
	}
	if cfg.HardLimit <= 0 {
		cfg.HardLimit = 0.95
	}
	if cfg.HardBoundPerShard <= 0 {
		cfg.HardBoundPerShard = 8
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop()
	}
	return &Controller{cfg: cfg, store: st, adm: adm, toggles: reg, log: log}
}

// Pressure returns the most recently observed fill ratio and mode flags.
// Consulted by the request pipeline for the hot-path one-entry synchronous
// eviction hook in hard mode.
func (c *Controller) Pressure() Pressure {
	c.pressureMu.RLock()
	defer c.pressureMu.RUnlock()
	return c.pressure
}

// SoftPressureForAdmission reports whether admission.Admit should use the
// tightened, strict comparison (spec §4.6 step 3).
func (c *Controller) SoftPressureForAdmission() bool {
	p := c.Pressure()
	return p.Soft && !p.Hard
}

// Run launches Replicas workers, each with its own disjoint shard
// partition, and blocks until ctx is cancelled. The replica count is read
// once when Run starts; a later change to the toggle does not resize the
// running worker set and takes effect only the next time Run is invoked.
func (c *Controller) Run(ctx context.Context) {
	replicas := c.toggles.EvictionReplicas()
	if replicas <= 0 {
		replicas = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < replicas; i++ {
		wg.Add(1)
		go func(worker, total int) {
			defer wg.Done()
			c.runWorker(ctx, worker, total)
		}(i, replicas)
	}
	wg.Wait()
}

// runWorker owns shards [worker, worker+total, worker+2*total, ...] for
// the lifetime of this tick loop. A panic in one tick is recovered and the
// worker resumes on the next tick, matching the teacher's background
// worker resilience shape.
func (c *Controller) runWorker(ctx context.Context, worker, total int) {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	shardIdx := make([]int, 0, c.store.ShardCount()/total+1)
	for i := worker; i < c.store.ShardCount(); i += total {
		shardIdx = append(shardIdx, i)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tickSafely(shardIdx)
		}
	}
}

func (c *Controller) tickSafely(shardIdx []int) {
	defer func() {
		if r := recover(); r != nil {
			c.cfg.Metrics.IncPanic()
			c.log.Error("eviction worker tick panicked, will retry next tick", zap.Any("panic", r))
		}
	}()
	if c.toggles.Eviction() {
		c.tick(shardIdx)
	}
}

func (c *Controller) tick(shardIdx []int) {
	used := c.store.BytesUsed()
	ratio := 0.0
	if c.cfg.Size > 0 {
		ratio = float64(used) / float64(c.cfg.Size)
	}

	soft := ratio >= c.cfg.SoftLimit && ratio < c.cfg.HardLimit
	hard := ratio >= c.cfg.HardLimit

	c.pressureMu.Lock()
	c.pressure = Pressure{Ratio: ratio, Soft: soft, Hard: hard}
	c.pressureMu.Unlock()

	c.cfg.Metrics.SetLength(float64(c.store.Len()))
	c.cfg.Metrics.SetMemoryUsage(float64(used))

	if !soft && !hard {
		return
	}
	if soft {
		c.cfg.Metrics.IncSoftEvictionScan()
	}

	perShardBudget := c.cfg.Size / int64(c.store.ShardCount())
	softTargetBytes := int64(float64(perShardBudget) * c.cfg.SoftLimit)

	for _, idx := range shardIdx {
		sh := c.store.Shard(idx)
		if hard {
			var items, bytes float64
			for i := 0; i < c.cfg.HardBoundPerShard; i++ {
				victim, ok := c.store.EvictTailFrom(idx)
				if !ok {
					break
				}
				items++
				bytes += float64(victim.ByteSize)
			}
			if items > 0 {
				c.cfg.Metrics.AddHardEvicted(items, bytes)
			}
			continue
		}
		// soft mode: evict down to the shard's soft target.
		var items, bytes float64
		for sh.BytesUsed() > softTargetBytes {
			victim, ok := c.store.EvictTailFrom(idx)
			if !ok {
				break
			}
			items++
			bytes += float64(victim.ByteSize)
		}
		if items > 0 {
			c.cfg.Metrics.AddSoftEvicted(items, bytes)
		}
	}
}

// MaybeEvictOneSynchronously is the hot-path hook: under hard pressure, a
// request inserter evicts one tail entry from its own shard before
// inserting, bounded to one per insert (spec §4.6 step 4).
func (c *Controller) MaybeEvictOneSynchronously(shardIdx int) {
	if !c.Pressure().Hard {
		return
	}
	c.store.EvictTailFrom(shardIdx)
}
