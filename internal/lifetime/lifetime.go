// Package lifetime implements the background TTL refresh/remove workers
// described in spec §4.7: β-jittered refresh scheduling, a global QPS cap,
// and in-place single-flight-guarded revalidation via internal/dispatcher.
// The ticker/graceful-shutdown shape is grounded on
// Krishna8167/tempuscache's janitor.go; the teacher itself has no
// background TTL sweep (CLOCK-Pro folds TTL into generation rotation), so
// this loop is adapted from the simpler janitor pattern and generalized to
// refresh-or-remove with upstream refetch.
//
// © 2025 advcache authors. MIT License.
package lifetime

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kestrelcache/advcache/internal/dispatcher"
	"github.com/kestrelcache/advcache/internal/keyrule"
	"github.com/kestrelcache/advcache/internal/metrics"
	"github.com/kestrelcache/advcache/internal/pipeline"
	"github.com/kestrelcache/advcache/internal/shard"
	"github.com/kestrelcache/advcache/internal/store"
	"github.com/kestrelcache/advcache/internal/toggles"
)

// Config controls Manager construction.
type Config struct {
	// CheckInterval is how often each worker visits its shard partition.
	CheckInterval time.Duration
	// BudgetPerShard bounds how many entries a single tick samples from a
	// single shard (fair sampling via Shard.Snapshot's reservoir method).
	BudgetPerShard int
	// UpstreamURL is the origin base URL (scheme+host) refresh requests are
	// reissued against. Required; a refresh that can't resolve it is skipped.
	UpstreamURL string
	// Metrics receives refresh scan/hit/miss/updated/error counts; defaults
	// to the no-op sink when nil.
	Metrics metrics.Sink
}

// Manager runs toggles.Registry.LifetimeReplicas() background workers,
// each owning a disjoint shard partition, refreshing or removing entries
// past their refresh_after point.
type Manager struct {
	cfg      Config
	upstream *url.URL
	store    *store.Store
	dispatch *dispatcher.Dispatcher
	toggles  *toggles.Registry
	log      *zap.Logger

	limiterMu sync.Mutex
	limiter   *rate.Limiter
	limiterQPS int64
}

// New constructs a Manager. log may be nil (defaults to a no-op logger).
func New(cfg Config, st *store.Store, disp *dispatcher.Dispatcher, reg *toggles.Registry, log *zap.Logger) *Manager {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.BudgetPerShard <= 0 {
		cfg.BudgetPerShard = 16
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop()
	}
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		upstream = nil
		log.Sugar().Warnf("lifetime: invalid upstream URL %q, refresh will be skipped: %v", cfg.UpstreamURL, err)
	}
	qps := reg.LifetimeRate()
	return &Manager{
		cfg: cfg, upstream: upstream, store: st, dispatch: disp, toggles: reg, log: log,
		limiter: rate.NewLimiter(rate.Limit(qps), max(1, int(qps))),
		limiterQPS: qps,
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// limiterFor returns the shared rate limiter, rebuilding it if the
// toggle registry's configured rate changed since the last tick (the
// lifetime.rate control-plane endpoint, spec §6).
func (m *Manager) limiterFor() *rate.Limiter {
	qps := m.toggles.LifetimeRate()
	m.limiterMu.Lock()
	defer m.limiterMu.Unlock()
	if qps != m.limiterQPS {
		m.limiter = rate.NewLimiter(rate.Limit(qps), max(1, int(qps)))
		m.limiterQPS = qps
	}
	return m.limiter
}

// Run launches Replicas workers, each with its own disjoint shard
// partition, and blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	replicas := m.toggles.LifetimeReplicas()
	if replicas <= 0 {
		replicas = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < replicas; i++ {
		wg.Add(1)
		go func(worker, total int) {
			defer wg.Done()
			m.runWorker(ctx, worker, total)
		}(i, replicas)
	}
	wg.Wait()
}

func (m *Manager) runWorker(ctx context.Context, worker, total int) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	var shardIdx []int
	for i := worker; i < m.store.ShardCount(); i += total {
		shardIdx = append(shardIdx, i)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tickSafely(ctx, shardIdx)
		}
	}
}

func (m *Manager) tickSafely(ctx context.Context, shardIdx []int) {
	defer func() {
		if r := recover(); r != nil {
			m.cfg.Metrics.IncPanic()
			m.log.Error("lifetime worker tick panicked, will retry next tick", zap.Any("panic", r))
		}
	}()
	if !m.toggles.Lifetime() {
		return
	}
	for _, idx := range shardIdx {
		sh := m.store.Shard(idx)
		for _, e := range sh.Snapshot(m.cfg.BudgetPerShard) {
			if !m.limiterFor().Allow() {
				return // QPS budget exhausted for this tick; retry remainder next tick
			}
			m.visit(ctx, idx, sh, e)
		}
	}
}

func (m *Manager) visit(ctx context.Context, shardIdx int, sh *shard.Shard, e *shard.Entry) {
	m.cfg.Metrics.IncRefreshScans()

	now := time.Now()
	if now.Before(e.RefreshAfter) {
		m.cfg.Metrics.IncRefreshMiss()
		return
	}
	m.cfg.Metrics.IncRefreshHits()

	policy := toggles.LifetimeRefresh
	if e.Rule != nil && e.Rule.OnTTLPolicy == keyrule.OnTTLRemove {
		policy = toggles.LifetimeRemove
	} else if e.Rule == nil {
		policy = m.toggles.LifetimePolicy()
	}

	if policy == toggles.LifetimeRemove || !now.Before(e.ExpiresAt) {
		sh.Delete(e.Key.Fingerprint)
		return
	}

	m.refresh(ctx, shardIdx, sh, e)
}

// refresh reissues the entry's original request upstream and, on success,
// atomically replaces it in-place, preserving LRU position. On failure the
// entry is left untouched; it is retried next tick until expires_at.
func (m *Manager) refresh(ctx context.Context, shardIdx int, sh *shard.Shard, e *shard.Entry) {
	if m.upstream == nil {
		return
	}
	target := *m.upstream
	target.Path = e.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return
	}
	if len(e.Query) > 0 {
		q := req.URL.Query()
		for k, v := range e.Query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	_, err, _ = m.store.Do(ctx, e.Key.Fingerprint, func() (*shard.Entry, error) {
		resp, derr := m.dispatch.Do(ctx, req)
		if derr != nil || !resp.Cacheable {
			if derr == nil {
				derr = errNonCacheableRefresh
			}
			m.cfg.Metrics.IncRefreshErrors()
			return nil, derr
		}

		fresh := shard.NewEntry()
		fresh.Key = e.Key
		fresh.Path = e.Path
		fresh.Query = e.Query
		fresh.Rule = e.Rule
		fresh.Response = shard.StoredResponse{
			Status:  resp.Status,
			Headers: pipeline.FilterResponseHeaders(resp.Header, e.Rule),
			Body:    resp.Body,
		}
		fresh.ByteSize = shard.ComputeByteSize(fresh.Response)

		now := time.Now()
		fresh.CreatedAt = now
		ttl, beta, coeff := keyrule.RefreshParams(e.Rule)
		fresh.ExpiresAt = now.Add(ttl)
		fresh.RefreshAfter = keyrule.RefreshPoint(now, ttl, coeff, beta)

		m.store.Replace(e, fresh)
		m.cfg.Metrics.IncRefreshUpdated()
		return fresh, nil
	})
}

var errNonCacheableRefresh = &refreshError{"refresh response not cacheable"}

type refreshError struct{ msg string }

func (e *refreshError) Error() string { return e.msg }
