package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNoop_DoesNotPanic(t *testing.T) {
	s := Noop()
	s.IncHit()
	s.IncMiss()
	s.SetLength(5)
	s.ObserveDuration(123)
	s.SetBackendPolicy("deny")
}

func TestProm_RegistersAndRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg)

	s.IncHit()
	s.IncMiss()
	s.SetLength(3)
	s.SetBackendPolicy("await")
	s.SetLifetimePolicy("refresh")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatalf("expected registered metric families after recording")
	}
}

func TestNew_NilRegistryReturnsNoop(t *testing.T) {
	s := New(nil)
	if _, ok := s.(noop); !ok {
		t.Fatalf("expected New(nil) to return the no-op sink")
	}
}
