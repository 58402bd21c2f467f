package index

import (
	"fmt"
	"slices"
	"testing"
)

func loc(seg uint64, off int64) Location {
	return Location{SegmentID: seg, Offset: off, Length: 10}
}

func TestIndexBasicOperations(t *testing.T) {
	idx := New()

	if _, ok := idx.Get([]byte("missing")); ok {
		t.Error("Expected missing key to be absent")
	}

	idx.Set([]byte("a"), loc(1, 0))
	idx.Set([]byte("a"), loc(1, 20))

	got, ok := idx.Get([]byte("a"))
	if !ok || got != loc(1, 20) {
		t.Errorf("Expected %v, got %v (found=%v)", loc(1, 20), got, ok)
	}
	if idx.Len() != 1 {
		t.Errorf("Expected 1 key, got %d", idx.Len())
	}
	if idx.LiveBytes() != 10 {
		t.Errorf("Expected 10 live bytes, got %d", idx.LiveBytes())
	}

	if !idx.Remove([]byte("a")) {
		t.Error("Expected remove to report existing key")
	}
	if idx.Remove([]byte("a")) {
		t.Error("Expected second remove to report absent key")
	}
	if idx.LiveBytes() != 0 {
		t.Errorf("Expected 0 live bytes, got %d", idx.LiveBytes())
	}
}

func TestIndexKeyOrder(t *testing.T) {
	idx := New()
	for _, k := range []string{"delta", "alpha", "charlie", "bravo"} {
		idx.Set([]byte(k), loc(1, 0))
	}

	var keys []string
	for k := range idx.All() {
		keys = append(keys, k)
	}
	want := []string{"alpha", "bravo", "charlie", "delta"}
	if !slices.Equal(keys, want) {
		t.Errorf("Expected %v, got %v", want, keys)
	}
}

func TestIndexSnapshotIsolation(t *testing.T) {
	idx := New()
	for i := 0; i < 100; i++ {
		idx.Set([]byte(fmt.Sprintf("key-%03d", i)), loc(1, int64(i)))
	}

	snap := idx.Snapshot()

	// Mutate the original while iterating the snapshot
	count := 0
	for k, l := range snap.All() {
		idx.Remove([]byte(k))
		idx.Set([]byte("new-"+k), loc(2, l.Offset))
		count++
	}

	if count != 100 {
		t.Errorf("Expected snapshot to yield 100 entries, got %d", count)
	}
	if snap.Len() != 100 {
		t.Errorf("Expected snapshot unchanged, got %d keys", snap.Len())
	}
	if got, ok := snap.Get([]byte("key-050")); !ok || got != loc(1, 50) {
		t.Errorf("Expected snapshot entry intact, got %v", got)
	}
	if _, ok := idx.Get([]byte("key-050")); ok {
		t.Error("Expected original to have dropped key-050")
	}
}

func TestIndexRelocate(t *testing.T) {
	idx := New()
	idx.Set([]byte("k"), loc(1, 0))

	if idx.Relocate("k", loc(1, 99), loc(5, 0)) {
		t.Error("Expected relocate from a stale location to fail")
	}
	if !idx.Relocate("k", loc(1, 0), loc(5, 0)) {
		t.Error("Expected relocate to succeed")
	}
	if got, _ := idx.Get([]byte("k")); got != loc(5, 0) {
		t.Errorf("Expected %v, got %v", loc(5, 0), got)
	}
	if idx.Relocate("absent", loc(1, 0), loc(5, 0)) {
		t.Error("Expected relocate of an absent key to fail")
	}
}

func TestIndexSegments(t *testing.T) {
	idx := New()
	idx.Set([]byte("a"), loc(1, 0))
	idx.Set([]byte("b"), loc(1, 10))
	idx.Set([]byte("c"), loc(2, 0))

	counts := idx.Segments()
	if counts[1] != 2 || counts[2] != 1 {
		t.Errorf("Unexpected segment counts %v", counts)
	}
}
