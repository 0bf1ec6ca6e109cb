package pipeline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelcache/advcache/internal/admission"
	"github.com/kestrelcache/advcache/internal/dispatcher"
	"github.com/kestrelcache/advcache/internal/eviction"
	"github.com/kestrelcache/advcache/internal/keyrule"
	"github.com/kestrelcache/advcache/internal/store"
	"github.com/kestrelcache/advcache/internal/toggles"
)

func newTestPipeline(t *testing.T, origin *httptest.Server, rules *keyrule.RuleSet) (*Pipeline, *store.Store, *toggles.Registry) {
	t.Helper()
	st := store.New(store.Config{Shards: 4})
	reg := toggles.Defaults()
	adm := admission.New(admission.DefaultConfig(1000))
	disp := dispatcher.New(dispatcher.Config{Rate: 1000, Concurrency: 1000}, reg)

	cfg := Config{
		Rules:      rules,
		Store:      st,
		Admission:  adm,
		Dispatcher: disp,
		Toggles:    reg,
	}
	_ = origin
	return New(cfg), st, reg
}

func cacheableRule(prefix string) *keyrule.RuleSet {
	return keyrule.NewRuleSet([]*keyrule.Rule{{
		PathPrefix:              prefix,
		TTL:                     time.Minute,
		Coefficient:             0.9,
		Beta:                    0.1,
		Enabled:                 true,
		ResponseHeaderWhitelist: []string{"Content-Type", "X-Upstream"},
	}})
}

func originURL(t *testing.T, srv *httptest.Server, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func TestPipeline_BypassPassesThrough(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	p, st, reg := newTestPipeline(t, srv, cacheableRule("/"))
	reg.SetBypass(true)

	req := originURL(t, srv, "/x")
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected origin hit, got %d", hits)
	}
	if st.Len() != 0 {
		t.Fatalf("bypass must never populate the store, got %d entries", st.Len())
	}
}

func TestPipeline_NonGETPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p, st, _ := newTestPipeline(t, srv, cacheableRule("/"))

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/items", nil)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 passthrough, got %d", w.Code)
	}
	if st.Len() != 0 {
		t.Fatalf("non-GET must never populate the store")
	}
}

func TestPipeline_NoRuleMatchPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	// Rule set only matches /cached, so /other falls through.
	p, st, _ := newTestPipeline(t, srv, cacheableRule("/cached"))

	req := originURL(t, srv, "/other")
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("unexpected passthrough response: %d %q", w.Code, w.Body.String())
	}
	if st.Len() != 0 {
		t.Fatalf("unmatched path must never populate the store")
	}
}

func TestPipeline_MissThenHit(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Upstream", "1")
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	p, st, _ := newTestPipeline(t, srv, cacheableRule("/cached"))

	req := originURL(t, srv, "/cached/a")
	w1 := httptest.NewRecorder()
	p.ServeHTTP(w1, req)
	if w1.Code != http.StatusOK || w1.Body.String() != "hello" {
		t.Fatalf("unexpected miss response: %d %q", w1.Code, w1.Body.String())
	}
	if st.Len() != 1 {
		t.Fatalf("expected miss to populate the store, got %d entries", st.Len())
	}

	req2 := originURL(t, srv, "/cached/a")
	w2 := httptest.NewRecorder()
	p.ServeHTTP(w2, req2)
	if w2.Body.String() != "hello" {
		t.Fatalf("unexpected hit response: %q", w2.Body.String())
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected exactly one origin hit (second request served from cache), got %d", hits)
	}
}

func TestPipeline_NonTwoXXNotCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	p, st, _ := newTestPipeline(t, srv, cacheableRule("/cached"))

	req := originURL(t, srv, "/cached/b")
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected upstream 500 to be forwarded, got %d", w.Code)
	}
	if st.Len() != 0 {
		t.Fatalf("non-2xx upstream responses must never be inserted, got %d entries", st.Len())
	}
}

func TestPipeline_MissCoalescesSingleFlight(t *testing.T) {
	var hits int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		w.Write([]byte("coalesced"))
	}))
	defer srv.Close()

	p, _, _ := newTestPipeline(t, srv, cacheableRule("/cached"))

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			req := originURL(t, srv, "/cached/same")
			w := httptest.NewRecorder()
			p.ServeHTTP(w, req)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected single-flight to coalesce concurrent misses into one origin call, got %d", hits)
	}
}

func TestPipeline_GzipCompressionGatedByToggleAndAcceptEncoding(t *testing.T) {
	body := strings.Repeat("x", compressionThreshold+1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	p, _, reg := newTestPipeline(t, srv, cacheableRule("/cached"))
	reg.SetCompression(true)

	req := originURL(t, srv, "/cached/big")
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip-compressed response when toggle on and client accepts gzip")
	}
}

func TestPipeline_GzipSkippedWithoutAcceptEncoding(t *testing.T) {
	body := strings.Repeat("y", compressionThreshold+1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	p, _, reg := newTestPipeline(t, srv, cacheableRule("/cached"))
	reg.SetCompression(true)

	req := originURL(t, srv, "/cached/big2")
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Header().Get("Content-Encoding") == "gzip" {
		t.Fatalf("must not compress when client sent no Accept-Encoding: gzip")
	}
	if w.Body.String() != body {
		t.Fatalf("expected uncompressed body passthrough")
	}
}

func TestPipeline_HopByHopHeadersStripped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("z"))
	}))
	defer srv.Close()

	p, _, _ := newTestPipeline(t, srv, cacheableRule("/cached"))

	req := originURL(t, srv, "/cached/hop")
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Header().Get("Connection") != "" {
		t.Fatalf("expected Connection header to be stripped")
	}
}

func TestPipeline_AdmissionRejectionLeavesIncumbentInPlace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("v"))
	}))
	defer srv.Close()

	st := store.New(store.Config{Shards: 1})
	reg := toggles.Defaults()
	adm := admission.New(admission.DefaultConfig(1000))
	disp := dispatcher.New(dispatcher.Config{Rate: 1000, Concurrency: 1000}, reg)

	// Drive the controller's pressure state to "soft, not hard" by filling
	// the single shard to SoftLimit but below HardLimit, then running it
	// briefly so Pressure() reflects that tick.
	for i := 0; i < 10; i++ {
		req := originURL(t, srv, "/seed/"+string(rune('a'+i)))
		w := httptest.NewRecorder()
		rules := cacheableRule("/seed")
		p := New(Config{Rules: rules, Store: st, Admission: adm, Dispatcher: disp, Toggles: reg})
		p.ServeHTTP(w, req)
	}

	// Size is twice the seeded usage: the ratio is exactly SoftLimit, and the
	// soft-mode target (Size*SoftLimit) equals current usage, so no tick
	// evicts anything and every tick reports soft pressure.
	used := st.BytesUsed()
	ev := eviction.New(eviction.Config{
		CheckInterval: 5 * time.Millisecond,
		SoftLimit:     0.5,
		HardLimit:     0.99,
		Size:          2 * used,
	}, st, adm, reg, nil)
	reg.SetEvictionReplicas(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ev.Run(ctx)

	if !ev.Pressure().Soft {
		t.Fatalf("expected soft pressure after filling the shard past SoftLimit")
	}

	rules := cacheableRule("/cached")
	p := New(Config{Rules: rules, Store: st, Admission: adm, Dispatcher: disp, Eviction: ev, Toggles: reg})

	before := st.Len()
	req := originURL(t, srv, "/cached/new")
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Body.String() != "v" {
		t.Fatalf("the caller must still receive the upstream response even when admission rejects the insert")
	}
	// The candidate and the LRU-tail victim were each seen once, so both
	// estimate 0; soft pressure requires a strictly higher frequency, so
	// the candidate is rejected and the incumbent stays.
	if st.Len() != before {
		t.Fatalf("expected admission to reject the candidate and leave the incumbent in place, got store length %d -> %d", before, st.Len())
	}
}

// TestPipeline_BelowSoftWatermarkAdmitsWithoutEvicting guards against a
// regression where every miss into a non-empty shard deleted the shard's
// current LRU-tail entry before inserting the new one, even with the
// controller nowhere near its soft watermark. A shard well under capacity
// must accumulate distinct keys rather than being capped at one entry.
func TestPipeline_BelowSoftWatermarkAdmitsWithoutEvicting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("v"))
	}))
	defer srv.Close()

	st := store.New(store.Config{Shards: 1})
	reg := toggles.Defaults()
	adm := admission.New(admission.DefaultConfig(1000))
	disp := dispatcher.New(dispatcher.Config{Rate: 1000, Concurrency: 1000}, reg)
	rules := cacheableRule("/seed")
	p := New(Config{Rules: rules, Store: st, Admission: adm, Dispatcher: disp, Toggles: reg})

	const n = 10
	for i := 0; i < n; i++ {
		req := originURL(t, srv, "/seed/"+string(rune('a'+i)))
		w := httptest.NewRecorder()
		p.ServeHTTP(w, req)
	}

	if got := st.Len(); got != n {
		t.Fatalf("expected all %d distinct keys to be admitted below the soft watermark, got store length %d", n, got)
	}
}

func TestPipeline_ErrorMapsUpstreamSaturatedTo503(t *testing.T) {
	reg := toggles.Defaults()
	st := store.New(store.Config{Shards: 1})
	adm := admission.New(admission.DefaultConfig(10))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("v"))
	}))
	defer srv.Close()
	disp := dispatcher.New(dispatcher.Config{Rate: 0.0001, Concurrency: 1}, reg)
	// At this rate the limiter holds a single token; spend it so the next
	// call is denied under the default deny policy.
	if _, err := disp.Do(context.Background(), originURL(t, srv, "/prime")); err != nil {
		t.Fatalf("priming call: %v", err)
	}

	rules := cacheableRule("/cached")
	p := New(Config{Rules: rules, Store: st, Admission: adm, Dispatcher: disp, Toggles: reg})

	req := originURL(t, srv, "/cached/x")
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected ErrUpstreamSaturated to map to 503, got %d", w.Code)
	}
}

func drainBody(t *testing.T, r io.Reader) string {
	t.Helper()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}
