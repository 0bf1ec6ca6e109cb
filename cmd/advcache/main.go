// Command advcache wires the config file into a full cache/proxy server:
// config → store → admission → dispatcher → pipeline, plus the eviction
// and lifetime background workers, a /metrics endpoint, and a minimal
// JSON debug snapshot consumed by cmd/advcache-inspect. HTTP routing and
// control-plane endpoints beyond these two are explicitly out of scope
// (spec.md §1); this binary exists to make the module runnable
// end-to-end, not as a feature surface in its own right.
//
// Run:
//
//	go run ./cmd/advcache -config ./advcache.yaml -addr :8080
//
// © 2025 advcache authors. MIT License.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelcache/advcache/internal/admission"
	"github.com/kestrelcache/advcache/internal/config"
	"github.com/kestrelcache/advcache/internal/dispatcher"
	"github.com/kestrelcache/advcache/internal/eviction"
	"github.com/kestrelcache/advcache/internal/lifetime"
	"github.com/kestrelcache/advcache/internal/logging"
	"github.com/kestrelcache/advcache/internal/metrics"
	"github.com/kestrelcache/advcache/internal/pipeline"
	"github.com/kestrelcache/advcache/internal/shard"
	"github.com/kestrelcache/advcache/internal/store"
	"github.com/kestrelcache/advcache/internal/toggles"
)

func main() {
	configPath := flag.String("config", "advcache.yaml", "path to the cache YAML config")
	addr := flag.String("addr", ":8080", "listen address")
	verbose := flag.Bool("verbose", false, "enable structured logging")
	flag.Parse()

	doc, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("advcache: config: %v", err)
	}
	cache := doc.Cache

	logger := logging.New(*verbose)
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	msink := metrics.New(reg)

	reg2 := toggles.Defaults()
	reg2.SetUpstreamPolicy(upstreamPolicy(cache.Upstream.Policy))
	reg2.SetEvictionReplicas(cache.Eviction.Replicas)
	reg2.SetLifetimeReplicas(cache.Refresh.Replicas)
	reg2.SetLifetimeRate(cache.Refresh.Rate)

	st := store.New(store.Config{
		Shards:     cache.Storage.Shards,
		Mode:       storageMode(cache.Storage.LRUMode),
		SampleSize: cache.Storage.SampleSize,
	})

	adm := admission.New(admission.DefaultConfig(uint64(cache.Storage.SizeBytes / 1024)))

	disp := dispatcher.New(dispatcher.Config{
		Rate:                cache.Upstream.Rate,
		Concurrency:         cache.Upstream.Concurrency,
		Timeout:             cache.Upstream.Timeout,
		MaxTimeout:          cache.Upstream.MaxTimeout,
		UseMaxTimeoutHeader: cache.Upstream.UseMaxTimeoutHeader,
	}, reg2)

	ev := eviction.New(eviction.Config{
		CheckInterval:     cache.Eviction.CheckInterval,
		SoftLimit:         cache.Eviction.SoftLimit,
		HardLimit:         cache.Eviction.HardLimit,
		Size:              cache.Storage.SizeBytes,
		HardBoundPerShard: cache.Eviction.HardBoundPerShard,
		Metrics:           msink,
	}, st, adm, reg2, logger)

	lm := lifetime.New(lifetime.Config{
		CheckInterval:  cache.Refresh.CheckInterval,
		BudgetPerShard: cache.Refresh.BudgetPerShard,
		UpstreamURL:    cache.Upstream.URL,
		Metrics:        msink,
	}, st, disp, reg2, logger)

	origin, err := url.Parse(cache.Upstream.URL)
	if err != nil {
		log.Fatalf("advcache: invalid upstream.url %q: %v", cache.Upstream.URL, err)
	}

	rules := config.BuildRuleSet(cache.Rules)

	pl := pipeline.New(pipeline.Config{
		Rules:      rules,
		Store:      st,
		Admission:  adm,
		Dispatcher: disp,
		Eviction:   ev,
		Toggles:    reg2,
		Metrics:    msink,
		Logger:     logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	go ev.Run(ctx)
	go lm.Run(ctx)
	go sampleToggleState(ctx, reg2, msink)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/advcache/snapshot", func(w http.ResponseWriter, r *http.Request) {
		writeSnapshot(w, st, ev, reg2)
	})
	mux.Handle("/", originRewriter(origin, pl))

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cache.Upstream.Timeout)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Sugar().Infof("advcache listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("advcache: serve: %v", err)
	}
}

// sampleToggleState periodically republishes the live toggle values as
// metrics gauges, so a running instance's /metrics output reflects control-
// plane flips (spec §6) without every toggle setter needing its own metrics
// call site.
func sampleToggleState(ctx context.Context, reg *toggles.Registry, sink metrics.Sink) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		sink.SetBypassActive(reg.Bypass())
		sink.SetCompressionActive(reg.Compression())
		sink.SetAdmissionActive(reg.Admission())
		sink.SetTracesActive(reg.Traces())
		sink.SetBackendPolicy(reg.UpstreamPolicy().String())
		sink.SetLifetimePolicy(reg.LifetimePolicy().String())

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// originRewriter points every request at the single configured upstream
// before handing it to the pipeline, which forwards requests using their
// own URL verbatim (spec §4.5) rather than resolving a base URL itself.
func originRewriter(origin *url.URL, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Scheme = origin.Scheme
		r.URL.Host = origin.Host
		next.ServeHTTP(w, r)
	})
}

func writeSnapshot(w http.ResponseWriter, st *store.Store, ev *eviction.Controller, reg *toggles.Registry) {
	pressure := ev.Pressure()
	snap := map[string]any{
		"entries_total":  st.Len(),
		"bytes_used":     st.BytesUsed(),
		"pressure_ratio": pressure.Ratio,
		"pressure_soft":  pressure.Soft,
		"pressure_hard":  pressure.Hard,
		"bypass_active":  reg.Bypass(),
		"admission_on":   reg.Admission(),
		"eviction_on":    reg.Eviction(),
		"lifetime_on":    reg.Lifetime(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

func storageMode(s string) shard.Mode {
	if s == "sampling" {
		return shard.ModeSampling
	}
	return shard.ModeListing
}

func upstreamPolicy(s string) toggles.UpstreamPolicy {
	if s == "await" {
		return toggles.PolicyAwait
	}
	return toggles.PolicyDeny
}
