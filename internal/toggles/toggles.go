// Package toggles implements the atomic control-plane registry described in
// spec §4.9: every toggle is a single word updated with release-store
// semantics and read with acquire-load semantics, so a toggle flip affects
// only subsequent requests, never in-flight ones.
//
// © 2025 advcache authors. MIT License.
package toggles

import "sync/atomic"

// UpstreamPolicy selects how the Dispatcher behaves when its rate or
// concurrency limiter has no capacity available.
type UpstreamPolicy int32

const (
	PolicyDeny UpstreamPolicy = iota
	PolicyAwait
)

func (p UpstreamPolicy) String() string {
	if p == PolicyAwait {
		return "await"
	}
	return "deny"
}

// LifetimePolicy selects what the lifetime manager does with an entry past
// its refresh_after point.
type LifetimePolicy int32

const (
	LifetimeRefresh LifetimePolicy = iota
	LifetimeRemove
)

func (p LifetimePolicy) String() string {
	if p == LifetimeRemove {
		return "remove"
	}
	return "refresh"
}

// Registry holds every runtime-mutable toggle named in spec §6's control
// plane. All fields are safe for concurrent access without external
// locking.
type Registry struct {
	bypass       atomic.Bool
	compression  atomic.Bool
	admission    atomic.Bool
	eviction     atomic.Bool
	lifetime     atomic.Bool
	traces       atomic.Bool
	upstream     atomic.Int32 // UpstreamPolicy
	lifetimePol  atomic.Int32 // LifetimePolicy
	lifetimeRate atomic.Int64 // QPS
	evictionRepl atomic.Int32 // worker count
	lifetimeRepl atomic.Int32 // worker count
}

// Defaults constructs a Registry with the spec's sensible running
// defaults: admission, eviction, lifetime and compression on, bypass and
// traces off, deny policy on upstream saturation, refresh (not remove) on
// TTL expiry.
func Defaults() *Registry {
	r := &Registry{}
	r.admission.Store(true)
	r.eviction.Store(true)
	r.lifetime.Store(true)
	r.compression.Store(true)
	r.upstream.Store(int32(PolicyDeny))
	r.lifetimePol.Store(int32(LifetimeRefresh))
	r.lifetimeRate.Store(100)
	r.evictionRepl.Store(4)
	r.lifetimeRepl.Store(4)
	return r
}

func (r *Registry) Bypass() bool           { return r.bypass.Load() }
func (r *Registry) SetBypass(v bool)       { r.bypass.Store(v) }
func (r *Registry) Compression() bool      { return r.compression.Load() }
func (r *Registry) SetCompression(v bool)  { r.compression.Store(v) }
func (r *Registry) Admission() bool        { return r.admission.Load() }
func (r *Registry) SetAdmission(v bool)    { r.admission.Store(v) }
func (r *Registry) Eviction() bool         { return r.eviction.Load() }
func (r *Registry) SetEviction(v bool)     { r.eviction.Store(v) }
func (r *Registry) Lifetime() bool         { return r.lifetime.Load() }
func (r *Registry) SetLifetime(v bool)     { r.lifetime.Store(v) }
func (r *Registry) Traces() bool           { return r.traces.Load() }
func (r *Registry) SetTraces(v bool)       { r.traces.Store(v) }

func (r *Registry) UpstreamPolicy() UpstreamPolicy {
	return UpstreamPolicy(r.upstream.Load())
}
func (r *Registry) SetUpstreamPolicy(p UpstreamPolicy) { r.upstream.Store(int32(p)) }

func (r *Registry) LifetimePolicy() LifetimePolicy {
	return LifetimePolicy(r.lifetimePol.Load())
}
func (r *Registry) SetLifetimePolicy(p LifetimePolicy) { r.lifetimePol.Store(int32(p)) }

func (r *Registry) LifetimeRate() int64     { return r.lifetimeRate.Load() }
func (r *Registry) SetLifetimeRate(qps int64) { r.lifetimeRate.Store(qps) }

func (r *Registry) EvictionReplicas() int        { return int(r.evictionRepl.Load()) }
func (r *Registry) SetEvictionReplicas(n int)    { r.evictionRepl.Store(int32(n)) }
func (r *Registry) LifetimeReplicas() int        { return int(r.lifetimeRepl.Load()) }
func (r *Registry) SetLifetimeReplicas(n int)    { r.lifetimeRepl.Store(int32(n)) }
