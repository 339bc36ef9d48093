package atomic_test

import (
	"testing"

	libatm "socketley/atomic"
)

func TestValueDefaults(t *testing.T) {
	v := libatm.NewValueDefault[int](7, 42)

	if got := v.Load(); got != 7 {
		t.Fatalf("expected default load 7, got %d", got)
	}

	v.Store(0)
	if got := v.Load(); got != 42 {
		t.Fatalf("expected store of zero value to use default store 42, got %d", got)
	}

	v.Store(5)
	if got := v.Load(); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
}

func TestMapTypedRoundTrip(t *testing.T) {
	m := libatm.NewMapTyped[string, int]()

	m.Store("a", 1)
	if v, ok := m.Load("a"); !ok || v != 1 {
		t.Fatalf("expected (1, true), got (%d, %v)", v, ok)
	}

	if _, ok := m.Load("missing"); ok {
		t.Fatal("expected missing key to report ok=false")
	}

	if prev, loaded := m.Swap("a", 2); !loaded || prev != 1 {
		t.Fatalf("expected swap to report previous=1, got %d, %v", prev, loaded)
	}

	if !m.CompareAndDelete("a", 2) {
		t.Fatal("expected CompareAndDelete to succeed")
	}

	if _, ok := m.Load("a"); ok {
		t.Fatal("expected key to be gone after CompareAndDelete")
	}
}
