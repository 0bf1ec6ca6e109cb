// Package dispatcher forwards requests to the configured origin under a
// token-bucket rate limit and a bounded-concurrency semaphore, per spec
// §4.5. Grounded on kubernetes/test-infra's ghproxy/ghcache
// throttlingTransport (semaphore-gated RoundTripper) combined with
// golang.org/x/time/rate for the token bucket.
//
// © 2025 advcache authors. MIT License.
package dispatcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelcache/advcache/internal/toggles"
)

// ErrUpstreamSaturated is returned when the dispatcher's rate or
// concurrency gate has no capacity, either immediately (deny policy) or
// after the await wait cap expires.
var ErrUpstreamSaturated = errors.New("dispatcher: upstream saturated")

// UpstreamResponse is the dispatcher's response envelope: status, headers,
// and a fully-drained body, plus whether it is eligible for caching at all
// (only 2xx responses are).
type UpstreamResponse struct {
	Status     int
	Header     http.Header
	Body       []byte
	Cacheable  bool
}

// Config controls Dispatcher construction.
type Config struct {
	// Rate is the token-bucket refill rate, in requests/sec.
	Rate float64
	// Concurrency is the max number of in-flight upstream requests.
	Concurrency int64
	// Timeout is the default per-request deadline.
	Timeout time.Duration
	// MaxTimeout extends Timeout when UseMaxTimeoutHeader names a header
	// present on the incoming request.
	MaxTimeout time.Duration
	// UseMaxTimeoutHeader, if set, names a request header whose presence
	// switches the effective deadline from Timeout to MaxTimeout.
	UseMaxTimeoutHeader string
	// AwaitWaitCap bounds how long an `await`-policy call will block for
	// capacity before failing with ErrUpstreamSaturated.
	AwaitWaitCap time.Duration
	// Transport, if non-nil, replaces http.DefaultTransport as the
	// underlying RoundTripper (tests inject a fake here).
	Transport http.RoundTripper
}

// Dispatcher forwards requests to an origin, gating admission with a
// rate.Limiter and a semaphore.Weighted, per spec §4.5.
type Dispatcher struct {
	cfg      Config
	limiter  *rate.Limiter
	sem      *semaphore.Weighted
	client   *http.Client
	toggles  *toggles.Registry
	tracer   trace.Tracer
}

// New constructs a Dispatcher. toggles supplies the live upstream policy
// (deny/await); it may be nil, in which case the dispatcher always behaves
// as `deny`.
func New(cfg Config, reg *toggles.Registry) *Dispatcher {
	if cfg.Rate <= 0 {
		cfg.Rate = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxTimeout < cfg.Timeout {
		cfg.MaxTimeout = cfg.Timeout
	}
	if cfg.AwaitWaitCap <= 0 {
		cfg.AwaitWaitCap = 2 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Dispatcher{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), max(1, int(cfg.Rate))),
		sem:     semaphore.NewWeighted(cfg.Concurrency),
		client:  &http.Client{Transport: transport},
		toggles: reg,
		tracer:  otel.Tracer("advcache/dispatcher"),
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (d *Dispatcher) policy() toggles.UpstreamPolicy {
	if d.toggles == nil {
		return toggles.PolicyDeny
	}
	return d.toggles.UpstreamPolicy()
}

func (d *Dispatcher) tracesEnabled() bool {
	return d.toggles != nil && d.toggles.Traces()
}

// Do forwards req to the origin under the configured rate/concurrency
// gates. No retries are attempted (spec §4.5); the caller decides what to
// do with a non-2xx or error result.
func (d *Dispatcher) Do(ctx context.Context, req *http.Request) (*UpstreamResponse, error) {
	if d.tracesEnabled() {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "dispatcher.Do")
		defer span.End()
	}

	if err := d.admit(ctx); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	timeout := d.cfg.Timeout
	if d.cfg.UseMaxTimeoutHeader != "" && req.Header.Get(d.cfg.UseMaxTimeoutHeader) != "" {
		timeout = d.cfg.MaxTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	upstreamReq := req.Clone(callCtx)
	upstreamReq.RequestURI = "" // set on server-side requests; http.Client rejects it
	resp, err := d.client.Do(upstreamReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBodyBytes))
	if err != nil {
		return nil, err
	}

	return &UpstreamResponse{
		Status:    resp.StatusCode,
		Header:    resp.Header.Clone(),
		Body:      body,
		Cacheable: resp.StatusCode >= 200 && resp.StatusCode < 300,
	}, nil
}

// maxUpstreamBodyBytes bounds how much of an upstream body the dispatcher
// will buffer into memory; larger bodies are truncated rather than risking
// unbounded allocation on a hostile or misbehaving origin.
const maxUpstreamBodyBytes = 64 << 20

// admit gates entry into the upstream call per the live policy: deny fails
// fast on either limiter lacking capacity; await blocks cooperatively up to
// AwaitWaitCap.
func (d *Dispatcher) admit(ctx context.Context) error {
	switch d.policy() {
	case toggles.PolicyAwait:
		waitCtx, cancel := context.WithTimeout(ctx, d.cfg.AwaitWaitCap)
		defer cancel()
		if err := d.sem.Acquire(waitCtx, 1); err != nil {
			return ErrUpstreamSaturated
		}
		if err := d.limiter.WaitN(waitCtx, 1); err != nil {
			d.sem.Release(1)
			return ErrUpstreamSaturated
		}
		return nil
	default: // PolicyDeny
		if !d.sem.TryAcquire(1) {
			return ErrUpstreamSaturated
		}
		if !d.limiter.Allow() {
			d.sem.Release(1)
			return ErrUpstreamSaturated
		}
		return nil
	}
}
