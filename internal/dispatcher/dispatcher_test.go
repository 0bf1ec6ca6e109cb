package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kestrelcache/advcache/internal/toggles"
)

func TestDispatcher_Do_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "1")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	d := New(Config{Rate: 100, Concurrency: 4, Timeout: time.Second}, toggles.Defaults())
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := d.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != http.StatusOK || !resp.Cacheable {
		t.Fatalf("expected a cacheable 200, got %+v", resp)
	}
	if string(resp.Body) != "hello" {
		t.Fatalf("unexpected body: %q", resp.Body)
	}
}

func TestDispatcher_Do_NonTwoXXNotCacheable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := New(Config{Rate: 100, Concurrency: 4, Timeout: time.Second}, toggles.Defaults())
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := d.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Cacheable {
		t.Fatalf("expected a 404 to be marked non-cacheable")
	}
}

func TestDispatcher_DenyPolicy_SaturatedConcurrency(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := toggles.Defaults()
	reg.SetUpstreamPolicy(toggles.PolicyDeny)
	d := New(Config{Rate: 1000, Concurrency: 1, Timeout: 5 * time.Second}, reg)

	done := make(chan struct{})
	go func() {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		d.Do(context.Background(), req)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond) // let the first call occupy the only slot

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := d.Do(context.Background(), req)
	if err != ErrUpstreamSaturated {
		t.Fatalf("expected ErrUpstreamSaturated, got %v", err)
	}

	close(block)
	<-done
}

func TestDispatcher_AwaitPolicy_FailsAfterWaitCap(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(block) // runs before srv.Close, which waits for the blocked handler

	reg := toggles.Defaults()
	reg.SetUpstreamPolicy(toggles.PolicyAwait)
	d := New(Config{Rate: 1000, Concurrency: 1, Timeout: 5 * time.Second, AwaitWaitCap: 50 * time.Millisecond}, reg)

	go func() {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		d.Do(context.Background(), req)
	}()
	time.Sleep(20 * time.Millisecond)

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := d.Do(context.Background(), req)
	if err != ErrUpstreamSaturated {
		t.Fatalf("expected ErrUpstreamSaturated after wait cap, got %v", err)
	}
}

func TestDispatcher_UseMaxTimeoutHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(40 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(Config{
		Rate: 100, Concurrency: 4,
		Timeout: 10 * time.Millisecond, MaxTimeout: time.Second,
		UseMaxTimeoutHeader: "X-Extend-Timeout",
	}, toggles.Defaults())

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("X-Extend-Timeout", "1")
	resp, err := d.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("expected the extended timeout to allow the slow response, got %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.Status)
	}
}
