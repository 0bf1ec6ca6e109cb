package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelcache/advcache/internal/shard"
)

func mkEntry(fp uint64, human, path string, size int64) *shard.Entry {
	e := shard.NewEntry()
	e.Key.Fingerprint = fp
	e.Key.Human = []byte(human)
	e.Path = path
	e.ByteSize = size
	return e
}

func TestStore_LookupInsert(t *testing.T) {
	s := New(Config{Shards: 4})
	e := mkEntry(1, "k1", "/a", 10)
	s.Insert(e)

	got, ok := s.Lookup(1, []byte("k1"))
	if !ok || got != e {
		t.Fatalf("expected to find inserted entry")
	}
}

func TestStore_Do_Coalesces(t *testing.T) {
	s := New(Config{Shards: 4})

	var calls int32
	var wg sync.WaitGroup
	results := make([]*shard.Entry, 10)
	errs := make([]error, 10)

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err, _ := s.Do(context.Background(), 42, func() (*shard.Entry, error) {
				if atomic.AddInt32(&calls, 1) == 1 {
					started.Done()
				}
				<-release
				return mkEntry(42, "k", "/p", 1), nil
			})
			results[i], errs[i] = e, err
		}(i)
	}

	started.Wait()
	close(release)
	wg.Wait()

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one installer call, got %d", calls)
	}
	for i, e := range results {
		if errs[i] != nil {
			t.Fatalf("waiter %d got unexpected error: %v", i, errs[i])
		}
		if e != results[0] {
			t.Fatalf("waiter %d got a different entry than the installer produced", i)
		}
	}
}

func TestStore_Do_WaiterCancellationDoesNotCancelInstaller(t *testing.T) {
	s := New(Config{Shards: 4})

	installerDone := make(chan *shard.Entry, 1)
	release := make(chan struct{})

	go func() {
		e, _, _ := s.Do(context.Background(), 7, func() (*shard.Entry, error) {
			<-release
			return mkEntry(7, "k", "/p", 1), nil
		})
		installerDone <- e
	}()

	// Give the installer a moment to register in the singleflight group.
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err, _ := s.Do(ctx, 7, func() (*shard.Entry, error) {
		t.Fatalf("waiter's fn must not run; it should share the installer's call")
		return nil, nil
	})
	if !errors.Is(err, ErrSingleFlightCancelled) {
		t.Fatalf("expected ErrSingleFlightCancelled, got %v", err)
	}

	close(release)
	if got := <-installerDone; got == nil {
		t.Fatalf("expected installer to complete successfully despite waiter cancellation")
	}
}

func TestStore_Invalidate_SoftByDefault(t *testing.T) {
	s := New(Config{Shards: 4})
	e := mkEntry(1, "k1", "/api/v1/user", 10)
	e.Query = map[string]string{"id": "5"}
	s.Insert(e)

	n := s.Invalidate("/api/v1", nil, false)
	if n != 1 {
		t.Fatalf("expected 1 affected entry, got %d", n)
	}
	if !e.Outdated() {
		t.Fatalf("expected entry to be marked outdated, not removed")
	}
	if _, ok := s.Lookup(1, []byte("k1")); ok {
		t.Fatalf("expected outdated entry to report a miss")
	}
}

func TestStore_Invalidate_RemoveWithQueryFilter(t *testing.T) {
	s := New(Config{Shards: 4})
	e1 := mkEntry(1, "k1", "/api/v1/user", 10)
	e1.Query = map[string]string{"id": "5"}
	e2 := mkEntry(2, "k2", "/api/v1/user", 10)
	e2.Query = map[string]string{"id": "6"}
	s.Insert(e1)
	s.Insert(e2)

	n := s.Invalidate("/api/v1/user", map[string]string{"id": "5"}, true)
	if n != 1 {
		t.Fatalf("expected exactly 1 affected entry, got %d", n)
	}
	if _, ok := s.Lookup(1, []byte("k1")); ok {
		t.Fatalf("expected e1 to be removed")
	}
	if _, ok := s.Lookup(2, []byte("k2")); !ok {
		t.Fatalf("expected e2 to remain untouched")
	}
}

func TestStore_ClearTwoStep(t *testing.T) {
	s := New(Config{Shards: 4})
	s.Insert(mkEntry(1, "k1", "/a", 1))
	s.Insert(mkEntry(2, "k2", "/b", 1))

	if s.ConfirmClear("bogus-token") {
		t.Fatalf("expected an unmatched token to be rejected")
	}
	if s.Len() != 2 {
		t.Fatalf("expected entries to survive a rejected clear")
	}

	token := s.ClearTwoStep()
	if !s.ConfirmClear(token) {
		t.Fatalf("expected matching token to confirm the clear")
	}
	if s.Len() != 0 {
		t.Fatalf("expected all entries to be gone after confirmed clear, got %d", s.Len())
	}
	if s.ConfirmClear(token) {
		t.Fatalf("expected a token to be single-use")
	}
}

func TestStore_IterForLifetime(t *testing.T) {
	s := New(Config{Shards: 4})
	for i := uint64(0); i < 20; i++ {
		s.Insert(mkEntry(i, "k", "/p", 1))
	}
	got := s.IterForLifetime(2)
	if len(got) == 0 || len(got) > 8 {
		t.Fatalf("expected a bounded sample across 4 shards, got %d entries", len(got))
	}
}
