package fastmap

import (
	"math/rand"
	"testing"
)

func TestPgnoMap(t *testing.T) {
	m := &PgnoMap{}

	if _, ok := m.Get(1); ok {
		t.Error("expected miss on empty map")
	}

	m.Set(1, 100)
	m.Set(2, 200)

	if v, ok := m.Get(1); !ok || v != 100 {
		t.Error("Get(1) failed")
	}
	if v, ok := m.Get(2); !ok || v != 200 {
		t.Error("Get(2) failed")
	}
	if _, ok := m.Get(3); ok {
		t.Error("Get(3) should miss")
	}

	m.Set(1, 300)
	if v, _ := m.Get(1); v != 300 {
		t.Error("update failed")
	}

	if m.Len() != 2 {
		t.Errorf("expected len=2, got %d", m.Len())
	}

	m.Clear()
	if m.Len() != 0 {
		t.Error("Clear failed")
	}
	if _, ok := m.Get(1); ok {
		t.Error("Get after Clear should miss")
	}
}

func TestPgnoMapGrowth(t *testing.T) {
	m := &PgnoMap{}

	n := 10000
	for i := 0; i < n; i++ {
		m.Set(uint32(i), i*10)
	}

	if m.Len() != n {
		t.Errorf("expected len=%d, got %d", n, m.Len())
	}

	for i := 0; i < n; i++ {
		if v, ok := m.Get(uint32(i)); !ok || v != i*10 {
			t.Errorf("Get(%d) failed", i)
		}
	}
}

func TestPgnoMapZeroKey(t *testing.T) {
	m := &PgnoMap{}

	m.Set(0, 999)
	if v, ok := m.Get(0); !ok || v != 999 {
		t.Error("zero key failed")
	}

	m.Delete(0)
	if _, ok := m.Get(0); ok {
		t.Error("zero key survived Delete")
	}
}

func TestPgnoMapDelete(t *testing.T) {
	m := &PgnoMap{}

	const n = 4096
	for i := 0; i < n; i++ {
		m.Set(uint32(i), i)
	}

	// Delete every odd key and verify the probe chains stay intact.
	for i := 1; i < n; i += 2 {
		m.Delete(uint32(i))
	}
	if m.Len() != n/2 {
		t.Fatalf("expected len=%d, got %d", n/2, m.Len())
	}
	for i := 0; i < n; i++ {
		v, ok := m.Get(uint32(i))
		if i%2 == 0 {
			if !ok || v != i {
				t.Fatalf("Get(%d) lost after unrelated Delete", i)
			}
		} else if ok {
			t.Fatalf("Get(%d) survived Delete", i)
		}
	}
}

func TestPgnoMapRandomized(t *testing.T) {
	m := &PgnoMap{}
	ref := make(map[uint32]int)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 100000; i++ {
		key := uint32(rng.Intn(5000))
		switch rng.Intn(3) {
		case 0, 1:
			m.Set(key, i)
			ref[key] = i
		case 2:
			m.Delete(key)
			delete(ref, key)
		}
	}

	if m.Len() != len(ref) {
		t.Fatalf("len mismatch: got %d, want %d", m.Len(), len(ref))
	}
	for k, v := range ref {
		if got, ok := m.Get(k); !ok || got != v {
			t.Fatalf("Get(%d) = %d,%v; want %d", k, got, ok, v)
		}
	}
}
