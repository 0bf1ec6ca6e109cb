// Package metrics is a thin abstraction over Prometheus so advcache can run
// with or without metrics: when a *prometheus.Registry is supplied, labeled
// collectors are created and exposed; otherwise a no-op sink is used so the
// hot path never pays for a disabled metric. Grounded on the teacher's
// pkg/metrics.go (metricsSink interface, noopMetrics, promMetrics,
// newMetricsSink(reg) factory), extended to every counter/gauge named in
// spec §6.
//
// © 2025 advcache authors. MIT License.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the interface every component above consults; Pipeline,
// Controller and Manager only know these methods, never the concrete
// backend.
type Sink interface {
	IncHit()
	IncMiss()
	SetLength(n float64)
	SetMemoryUsage(bytes float64)
	IncTotal()
	IncProxy()
	IncError()
	IncPanic()
	ObserveDuration(ns float64)
	ObserveCacheDuration(ns float64)
	ObserveProxyDuration(ns float64)
	ObserveErrorDuration(ns float64)

	AddSoftEvicted(items, bytes float64)
	IncSoftEvictionScan()
	AddHardEvicted(items, bytes float64)

	IncAdmissionAllowed()
	IncAdmissionNotAllowed()

	IncRefreshUpdated()
	IncRefreshErrors()
	IncRefreshScans()
	IncRefreshHits()
	IncRefreshMiss()

	SetBypassActive(v bool)
	SetCompressionActive(v bool)
	SetAdmissionActive(v bool)
	SetTracesActive(v bool)
	SetBackendPolicy(policy string)
	SetLifetimePolicy(policy string)
}

// noop implements Sink with zero-cost, zero-effect methods.
type noop struct{}

func (noop) IncHit()                         {}
func (noop) IncMiss()                        {}
func (noop) SetLength(float64)                {}
func (noop) SetMemoryUsage(float64)           {}
func (noop) IncTotal()                       {}
func (noop) IncProxy()                       {}
func (noop) IncError()                       {}
func (noop) IncPanic()                       {}
func (noop) ObserveDuration(float64)          {}
func (noop) ObserveCacheDuration(float64)     {}
func (noop) ObserveProxyDuration(float64)     {}
func (noop) ObserveErrorDuration(float64)     {}
func (noop) AddSoftEvicted(float64, float64)  {}
func (noop) IncSoftEvictionScan()            {}
func (noop) AddHardEvicted(float64, float64)  {}
func (noop) IncAdmissionAllowed()            {}
func (noop) IncAdmissionNotAllowed()         {}
func (noop) IncRefreshUpdated()              {}
func (noop) IncRefreshErrors()               {}
func (noop) IncRefreshScans()                {}
func (noop) IncRefreshHits()                 {}
func (noop) IncRefreshMiss()                 {}
func (noop) SetBypassActive(bool)             {}
func (noop) SetCompressionActive(bool)        {}
func (noop) SetAdmissionActive(bool)          {}
func (noop) SetTracesActive(bool)             {}
func (noop) SetBackendPolicy(string)          {}
func (noop) SetLifetimePolicy(string)         {}

// Noop returns the shared no-op sink.
func Noop() Sink { return noop{} }

// prom implements Sink backed by a *prometheus.Registry.
type prom struct {
	cacheHits, cacheMisses                             prometheus.Counter
	cacheLength, cacheMemoryUsage                       prometheus.Gauge
	total, proxies, errorsCtr, panicsCtr                prometheus.Counter
	avgDuration, avgCacheDuration, avgProxyDur, avgErrDur prometheus.Summary

	softEvictedItems, softEvictedBytes, softEvictedScans prometheus.Counter
	hardEvictedItems, hardEvictedBytes                   prometheus.Counter

	admissionAllowed, admissionNotAllowed prometheus.Counter

	refreshUpdated, refreshErrors, refreshScans, refreshHits, refreshMiss prometheus.Counter

	bypassActive, compressionActive, admissionActive, tracesActive prometheus.Gauge
	backendPolicy, lifetimePolicy                                 *prometheus.GaugeVec
}

// New constructs a Prometheus-backed Sink and registers its collectors on
// reg. If reg is nil, the no-op sink is returned instead (mirroring the
// teacher's newMetricsSink(reg) factory).
func New(reg *prometheus.Registry) Sink {
	if reg == nil {
		return noop{}
	}

	ns := "advcache"
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}
	summary := func(name, help string) prometheus.Summary {
		s := prometheus.NewSummary(prometheus.SummaryOpts{Namespace: ns, Name: name, Help: help})
		reg.MustRegister(s)
		return s
	}

	p := &prom{
		cacheHits:            counter("cache_hits", "Number of cache hits."),
		cacheMisses:          counter("cache_misses", "Number of cache misses."),
		cacheLength:          gauge("cache_length", "Number of live cache entries."),
		cacheMemoryUsage:     gauge("cache_memory_usage", "Accounted cache memory usage in bytes."),
		total:                counter("total", "Total requests served."),
		proxies:              counter("proxies", "Requests proxied without caching."),
		errorsCtr:            counter("errors", "Requests that resulted in an error."),
		panicsCtr:            counter("panics", "Recovered panics in the request pipeline and background workers."),
		avgDuration:          summary("avg_duration_ns", "Request duration, nanoseconds."),
		avgCacheDuration:     summary("avg_cache_duration_ns", "Cache-hit request duration, nanoseconds."),
		avgProxyDur:          summary("avg_proxy_duration_ns", "Proxied request duration, nanoseconds."),
		avgErrDur:            summary("avg_error_duration_ns", "Errored request duration, nanoseconds."),
		softEvictedItems:     counter("soft_evicted_total_items", "Items evicted under soft pressure."),
		softEvictedBytes:     counter("soft_evicted_total_bytes", "Bytes evicted under soft pressure."),
		softEvictedScans:     counter("soft_evicted_total_scans", "Soft-mode eviction scan ticks."),
		hardEvictedItems:     counter("hard_evicted_total_items", "Items evicted under hard pressure."),
		hardEvictedBytes:     counter("hard_evicted_total_bytes", "Bytes evicted under hard pressure."),
		admissionAllowed:     counter("admission_allowed", "Misses admitted into the cache."),
		admissionNotAllowed:  counter("admission_not_allowed", "Misses rejected by TinyLFU."),
		refreshUpdated:       counter("refresh_updated", "Entries successfully refreshed in place."),
		refreshErrors:        counter("refresh_errors", "Failed refresh attempts."),
		refreshScans:         counter("refresh_scans", "Entries visited by the lifetime manager."),
		refreshHits:          counter("refresh_hits", "Lifetime visits to entries past their refresh point (refreshed or removed)."),
		refreshMiss:          counter("refresh_miss", "Lifetime visits that skipped (not yet due)."),
		bypassActive:         gauge("is_bypass_active", "1 if the bypass toggle is on."),
		compressionActive:    gauge("is_compression_active", "1 if the compression toggle is on."),
		admissionActive:      gauge("is_admission_active", "1 if the admission toggle is on."),
		tracesActive:         gauge("is_traces_active", "1 if the traces toggle is on."),
		backendPolicy:        prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "backend_policy", Help: "Active upstream dispatcher policy."}, []string{"policy"}),
		lifetimePolicy:       prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "lifetime_policy", Help: "Active lifetime-manager policy."}, []string{"policy"}),
	}
	reg.MustRegister(p.backendPolicy, p.lifetimePolicy)
	return p
}

func (p *prom) IncHit()                     { p.cacheHits.Inc() }
func (p *prom) IncMiss()                    { p.cacheMisses.Inc() }
func (p *prom) SetLength(n float64)          { p.cacheLength.Set(n) }
func (p *prom) SetMemoryUsage(b float64)     { p.cacheMemoryUsage.Set(b) }
func (p *prom) IncTotal()                   { p.total.Inc() }
func (p *prom) IncProxy()                   { p.proxies.Inc() }
func (p *prom) IncError()                   { p.errorsCtr.Inc() }
func (p *prom) IncPanic()                   { p.panicsCtr.Inc() }
func (p *prom) ObserveDuration(ns float64)   { p.avgDuration.Observe(ns) }
func (p *prom) ObserveCacheDuration(ns float64) { p.avgCacheDuration.Observe(ns) }
func (p *prom) ObserveProxyDuration(ns float64) { p.avgProxyDur.Observe(ns) }
func (p *prom) ObserveErrorDuration(ns float64) { p.avgErrDur.Observe(ns) }

func (p *prom) AddSoftEvicted(items, bytes float64) {
	p.softEvictedItems.Add(items)
	p.softEvictedBytes.Add(bytes)
}
func (p *prom) IncSoftEvictionScan() { p.softEvictedScans.Inc() }
func (p *prom) AddHardEvicted(items, bytes float64) {
	p.hardEvictedItems.Add(items)
	p.hardEvictedBytes.Add(bytes)
}

func (p *prom) IncAdmissionAllowed()    { p.admissionAllowed.Inc() }
func (p *prom) IncAdmissionNotAllowed() { p.admissionNotAllowed.Inc() }

func (p *prom) IncRefreshUpdated() { p.refreshUpdated.Inc() }
func (p *prom) IncRefreshErrors()  { p.refreshErrors.Inc() }
func (p *prom) IncRefreshScans()   { p.refreshScans.Inc() }
func (p *prom) IncRefreshHits()    { p.refreshHits.Inc() }
func (p *prom) IncRefreshMiss()    { p.refreshMiss.Inc() }

func (p *prom) SetBypassActive(v bool)      { p.bypassActive.Set(boolToFloat(v)) }
func (p *prom) SetCompressionActive(v bool) { p.compressionActive.Set(boolToFloat(v)) }
func (p *prom) SetAdmissionActive(v bool)   { p.admissionActive.Set(boolToFloat(v)) }
func (p *prom) SetTracesActive(v bool)      { p.tracesActive.Set(boolToFloat(v)) }
func (p *prom) SetBackendPolicy(policy string) {
	p.backendPolicy.Reset()
	p.backendPolicy.WithLabelValues(policy).Set(1)
}
func (p *prom) SetLifetimePolicy(policy string) {
	p.lifetimePolicy.Reset()
	p.lifetimePolicy.WithLabelValues(policy).Set(1)
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
