package eviction

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelcache/advcache/internal/admission"
	"github.com/kestrelcache/advcache/internal/shard"
	"github.com/kestrelcache/advcache/internal/store"
	"github.com/kestrelcache/advcache/internal/toggles"
)

func fillStore(st *store.Store, n int, size int64) {
	for i := 0; i < n; i++ {
		e := shard.NewEntry()
		e.Key.Fingerprint = uint64(i + 1)
		e.Key.Human = []byte("k")
		e.ByteSize = size
		st.Insert(e)
	}
}

func TestController_HardModeEvictsDownBelowHardLimit(t *testing.T) {
	st := store.New(store.Config{Shards: 4})
	fillStore(st, 100, 10) // 1000 bytes used

	reg := toggles.Defaults()
	reg.SetEvictionReplicas(2)
	adm := admission.New(admission.DefaultConfig(100))

	c := New(Config{
		CheckInterval:     10 * time.Millisecond,
		SoftLimit:         0.5,
		HardLimit:         0.6,
		Size:              1000, // ratio starts at 1.0, well above hard limit
		HardBoundPerShard: 50,
	}, st, adm, reg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	if st.BytesUsed() >= 600 {
		t.Fatalf("expected hard-mode eviction to bring usage below the hard limit (600 bytes), got %d bytes", st.BytesUsed())
	}
}

func TestController_PressureReflectsRatio(t *testing.T) {
	st := store.New(store.Config{Shards: 4})
	fillStore(st, 10, 10) // 100 bytes used

	reg := toggles.Defaults()
	reg.SetEvictionReplicas(1)
	adm := admission.New(admission.DefaultConfig(100))

	c := New(Config{
		CheckInterval: 5 * time.Millisecond,
		SoftLimit:     0.9,
		HardLimit:     0.95,
		Size:          10000, // ratio = 0.01, well below soft limit
	}, st, adm, reg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	p := c.Pressure()
	if p.Soft || p.Hard {
		t.Fatalf("expected no pressure at low fill ratio, got %+v", p)
	}
}

func TestController_Disabled_NoOp(t *testing.T) {
	st := store.New(store.Config{Shards: 2})
	fillStore(st, 50, 10)

	reg := toggles.Defaults()
	reg.SetEviction(false)
	reg.SetEvictionReplicas(1)
	adm := admission.New(admission.DefaultConfig(50))

	c := New(Config{CheckInterval: 5 * time.Millisecond, SoftLimit: 0.1, HardLimit: 0.2, Size: 500}, st, adm, reg, nil)

	before := st.BytesUsed()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	if st.BytesUsed() != before {
		t.Fatalf("expected disabled eviction toggle to leave the store untouched")
	}
}
