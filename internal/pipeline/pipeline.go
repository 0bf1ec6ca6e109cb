// Package pipeline orchestrates one request end-to-end: canonicalize →
// lookup → hit/miss handling via admission and the dispatcher → response
// assembly, per spec §4.8. Grounded on the teacher's layered call shape
// (Cache.GetOrLoad delegating to shard.getOrLoad's single-flight path) and
// on ghcache's response-header rewriting RoundTripper for the
// hop-by-hop-stripping idiom.
//
// © 2025 advcache authors. MIT License.
package pipeline

import (
	"net/http"
	"strings"
	"time"

	gzippkg "github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/kestrelcache/advcache/internal/admission"
	"github.com/kestrelcache/advcache/internal/dispatcher"
	"github.com/kestrelcache/advcache/internal/eviction"
	"github.com/kestrelcache/advcache/internal/keyrule"
	"github.com/kestrelcache/advcache/internal/metrics"
	"github.com/kestrelcache/advcache/internal/shard"
	"github.com/kestrelcache/advcache/internal/store"
	"github.com/kestrelcache/advcache/internal/toggles"
)

// hopByHopHeaders are stripped from every response per spec §4.8 step 5.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailer", "Transfer-Encoding", "Upgrade",
}

// compressionThreshold is the minimum body size, in bytes, the pipeline
// will bother gzip-compressing.
const compressionThreshold = 1024

// Config bundles every collaborator the Pipeline orchestrates.
type Config struct {
	Rules      *keyrule.RuleSet
	Store      *store.Store
	Admission  *admission.Admission
	Dispatcher *dispatcher.Dispatcher
	Eviction   *eviction.Controller
	Toggles    *toggles.Registry
	Metrics    metrics.Sink
	Logger     *zap.Logger
}

// Pipeline implements the request-handling contract of spec §4.8.
type Pipeline struct {
	cfg Config
}

// New constructs a Pipeline, defaulting an absent metrics sink to the
// no-op implementation.
func New(cfg Config) *Pipeline {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg}
}

// ServeHTTP implements http.Handler.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	p.cfg.Metrics.IncTotal()

	defer func() {
		if rec := recover(); rec != nil {
			p.cfg.Metrics.IncPanic()
			p.cfg.Logger.Error("pipeline panic", zap.Any("panic", rec))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}()

	if p.cfg.Toggles.Bypass() || r.Method != http.MethodGet {
		p.proxyThrough(w, r, start)
		return
	}

	key, rule, cacheable := keyrule.Canonicalize(r.Method, r.URL.Path, r.URL.RawQuery, r.Header, p.cfg.Rules)
	if !cacheable {
		p.proxyThrough(w, r, start)
		return
	}

	if p.cfg.Toggles.Admission() {
		p.cfg.Admission.Observe(key.Fingerprint)
	}

	if e, ok := p.cfg.Store.Lookup(key.Fingerprint, key.Human); ok {
		p.cfg.Metrics.IncHit()
		p.writeHit(w, r, e)
		p.cfg.Metrics.ObserveCacheDuration(float64(time.Since(start).Nanoseconds()))
		return
	}

	p.handleMiss(w, r, key, rule, start)
}

// proxyThrough forwards the request without ever touching Store or
// Admission, per spec §4.8 step 1.
func (p *Pipeline) proxyThrough(w http.ResponseWriter, r *http.Request, start time.Time) {
	p.cfg.Metrics.IncProxy()
	resp, err := p.cfg.Dispatcher.Do(r.Context(), r)
	if err != nil {
		p.writeDispatchError(w, err, start)
		return
	}
	p.writeUpstream(w, r, resp)
	p.cfg.Metrics.ObserveProxyDuration(float64(time.Since(start).Nanoseconds()))
}

// handleMiss becomes either the single-flight installer or a waiter for
// key.Fingerprint, per spec §4.3/§5.
func (p *Pipeline) handleMiss(w http.ResponseWriter, r *http.Request, key keyrule.Key, rule *keyrule.Rule, start time.Time) {
	p.cfg.Metrics.IncMiss()

	e, err, _ := p.cfg.Store.Do(r.Context(), key.Fingerprint, func() (*shard.Entry, error) {
		return p.install(r, key, rule)
	})
	if err != nil {
		p.writeDispatchError(w, err, start)
		return
	}
	p.writeHit(w, r, e)
	p.cfg.Metrics.ObserveDuration(float64(time.Since(start).Nanoseconds()))
}

// install calls the Dispatcher, consults Admission, and conditionally
// inserts into Store, per spec §4.8 step 4. It always returns an Entry
// representing what should be sent to the caller, even when the miss was
// not admitted into the cache.
func (p *Pipeline) install(r *http.Request, key keyrule.Key, rule *keyrule.Rule) (*shard.Entry, error) {
	resp, err := p.cfg.Dispatcher.Do(r.Context(), r)
	if err != nil {
		return nil, err
	}

	e := shard.NewEntry()
	e.Key = key
	e.Path = r.URL.Path
	e.Query = selectedQuery(r, rule)
	e.Rule = rule
	e.Response = shard.StoredResponse{
		Status:  resp.Status,
		Headers: FilterResponseHeaders(resp.Header, rule),
		Body:    resp.Body,
	}
	e.ByteSize = shard.ComputeByteSize(e.Response)

	now := time.Now()
	e.CreatedAt = now
	ttl, beta, coeff := keyrule.RefreshParams(rule)
	e.ExpiresAt = now.Add(ttl)
	e.RefreshAfter = keyrule.RefreshPoint(now, ttl, coeff, beta)

	if !resp.Cacheable {
		return e, nil
	}

	if !p.admit(key.Fingerprint) {
		p.cfg.Metrics.IncAdmissionNotAllowed()
		return e, nil
	}
	p.cfg.Metrics.IncAdmissionAllowed()

	if p.cfg.Eviction != nil {
		p.cfg.Eviction.MaybeEvictOneSynchronously(int(key.Fingerprint % uint64(p.cfg.Store.ShardCount())))
	}
	p.cfg.Store.Insert(e)
	return e, nil
}

// admit consults Admission against the shard's current LRU-tail victim,
// per spec §4.4: while the eviction controller reports neither soft nor
// hard pressure (a store-wide ratio; no per-shard watermark is checked),
// or with an empty shard, admit unconditionally; otherwise compare estimated frequencies
// without disturbing the incumbent unless the candidate actually wins.
func (p *Pipeline) admit(candidateFp uint64) bool {
	if !p.cfg.Toggles.Admission() {
		return true
	}

	pressure := eviction.Pressure{}
	if p.cfg.Eviction != nil {
		pressure = p.cfg.Eviction.Pressure()
	}
	belowSoftWatermark := !pressure.Soft && !pressure.Hard

	shardIdx := int(candidateFp % uint64(p.cfg.Store.ShardCount()))
	sh := p.cfg.Store.Shard(shardIdx)
	victim, hasVictim := sh.PeekVictim()

	var victimFp uint64
	if hasVictim {
		victimFp = victim.Key.Fingerprint
	}

	admitted := p.cfg.Admission.Admit(candidateFp, hasVictim, victimFp, true, belowSoftWatermark, pressure.Soft && !pressure.Hard)
	if admitted && hasVictim && !belowSoftWatermark {
		sh.Delete(victimFp)
	}
	return admitted
}

func selectedQuery(r *http.Request, rule *keyrule.Rule) map[string]string {
	if rule == nil {
		return nil
	}
	q := r.URL.Query()
	out := make(map[string]string)
	for name, values := range q {
		if len(values) == 0 || values[0] == "" {
			continue
		}
		for _, prefix := range rule.QueryWhitelist {
			if strings.HasPrefix(name, prefix) {
				out[name] = values[0]
				break
			}
		}
	}
	return out
}

// FilterResponseHeaders keeps only the headers rule's ResponseHeaderWhitelist
// names, for any caller (the miss-path installer, the background refresher)
// that turns an upstream response into a stored Entry.
func FilterResponseHeaders(h http.Header, rule *keyrule.Rule) []shard.HeaderKV {
	if rule == nil {
		return nil
	}
	var out []shard.HeaderKV
	for _, name := range rule.ResponseHeaderWhitelist {
		for _, v := range h.Values(name) {
			out = append(out, shard.HeaderKV{Name: name, Value: v})
		}
	}
	return out
}

// writeHit assembles an HTTP response from a stored Entry: status, rule-
// whitelisted headers, body; strips hop-by-hop headers; applies
// compression when the toggle is on and the client accepts it.
func (p *Pipeline) writeHit(w http.ResponseWriter, r *http.Request, e *shard.Entry) {
	header := w.Header()
	for _, h := range e.Response.Headers {
		header.Add(h.Name, h.Value)
	}
	stripHopByHop(header)

	body := e.Response.Body
	if p.cfg.Toggles.Compression() && acceptsGzip(r) && len(body) >= compressionThreshold && header.Get("Content-Encoding") == "" {
		compressed, err := gzipCompress(body)
		if err == nil {
			header.Set("Content-Encoding", "gzip")
			body = compressed
		}
	}

	w.WriteHeader(e.Response.Status)
	_, _ = w.Write(body)
}

// writeUpstream streams a dispatcher response straight through (the
// bypass/non-GET/no-rule path), stripping hop-by-hop headers.
func (p *Pipeline) writeUpstream(w http.ResponseWriter, r *http.Request, resp *dispatcher.UpstreamResponse) {
	header := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	stripHopByHop(header)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (p *Pipeline) writeDispatchError(w http.ResponseWriter, err error, start time.Time) {
	p.cfg.Metrics.IncError()
	p.cfg.Metrics.ObserveErrorDuration(float64(time.Since(start).Nanoseconds()))
	if err == dispatcher.ErrUpstreamSaturated {
		http.Error(w, "upstream saturated", http.StatusServiceUnavailable)
		return
	}
	http.Error(w, "upstream error", http.StatusBadGateway)
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

func gzipCompress(body []byte) ([]byte, error) {
	var buf strings.Builder
	gw := gzippkg.NewWriter(&buf)
	if _, err := gw.Write(body); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

