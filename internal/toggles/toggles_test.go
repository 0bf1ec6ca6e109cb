package toggles

import "testing"

func TestRegistry_Defaults(t *testing.T) {
	r := Defaults()
	if r.Bypass() {
		t.Fatalf("expected bypass off by default")
	}
	if !r.Admission() || !r.Eviction() || !r.Lifetime() {
		t.Fatalf("expected admission/eviction/lifetime on by default")
	}
	if r.UpstreamPolicy() != PolicyDeny {
		t.Fatalf("expected deny as the default upstream policy")
	}
	if r.LifetimePolicy() != LifetimeRefresh {
		t.Fatalf("expected refresh as the default lifetime policy")
	}
}

func TestRegistry_SetAffectsSubsequentReadsOnly(t *testing.T) {
	r := Defaults()
	r.SetBypass(true)
	if !r.Bypass() {
		t.Fatalf("expected SetBypass(true) to be observable immediately by a fresh read")
	}
	r.SetUpstreamPolicy(PolicyAwait)
	if r.UpstreamPolicy() != PolicyAwait {
		t.Fatalf("expected upstream policy change to take effect")
	}
	r.SetEvictionReplicas(8)
	if r.EvictionReplicas() != 8 {
		t.Fatalf("expected eviction replica count change to take effect")
	}
}
