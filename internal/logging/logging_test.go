package logging

import "testing"

func TestNew_QuietByDefault(t *testing.T) {
	l := New(false)
	if l == nil {
		t.Fatalf("expected a non-nil no-op logger")
	}
}

func TestOrNop_NilFallsBackToNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatalf("expected OrNop(nil) to return a usable logger")
	}
}
