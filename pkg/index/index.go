// Package index holds the in-memory map from key to the location of its live
// record.
package index

import (
	"fmt"
	"iter"

	"github.com/google/btree"
)

// Location identifies one record occurrence in the log.
type Location struct {
	SegmentID uint64
	Offset    int64
	Length    uint32
}

func (l Location) String() string {
	return fmt.Sprintf("%d@%d+%d", l.SegmentID, l.Offset, l.Length)
}

type entry struct {
	key string
	loc Location
}

func lessEntry(a, b entry) bool {
	return a.key < b.key
}

const degree = 32

// Index maps keys to locations in key order. It is not safe for concurrent
// mutation; the engine serialises writers and guards lookups itself.
// Snapshots are copy-on-write and may be read while the original changes.
type Index struct {
	tree      *btree.BTreeG[entry]
	liveBytes int64
}

// New returns an empty index.
func New() *Index {
	return &Index{tree: btree.NewG[entry](degree, lessEntry)}
}

// Get returns the location of key.
func (idx *Index) Get(key []byte) (Location, bool) {
	e, ok := idx.tree.Get(entry{key: string(key)})
	return e.loc, ok
}

// Set points key at loc, replacing any previous location.
func (idx *Index) Set(key []byte, loc Location) {
	idx.set(string(key), loc)
}

func (idx *Index) set(key string, loc Location) {
	if old, replaced := idx.tree.ReplaceOrInsert(entry{key: key, loc: loc}); replaced {
		idx.liveBytes -= int64(old.loc.Length)
	}
	idx.liveBytes += int64(loc.Length)
}

// Remove deletes key and reports whether it was present.
func (idx *Index) Remove(key []byte) bool {
	return idx.remove(string(key))
}

func (idx *Index) remove(key string) bool {
	old, ok := idx.tree.Delete(entry{key: key})
	if ok {
		idx.liveBytes -= int64(old.loc.Length)
	}
	return ok
}

// Relocate points key at to only if it currently points at from.
func (idx *Index) Relocate(key string, from, to Location) bool {
	e, ok := idx.tree.Get(entry{key: key})
	if !ok || e.loc != from {
		return false
	}
	idx.set(key, to)
	return true
}

// Len returns the number of live keys.
func (idx *Index) Len() int {
	return idx.tree.Len()
}

// LiveBytes returns the total encoded size of the live records.
func (idx *Index) LiveBytes() int64 {
	return idx.liveBytes
}

// Snapshot returns a copy of the index. Later changes to either copy are not
// visible in the other.
func (idx *Index) Snapshot() *Index {
	return &Index{tree: idx.tree.Clone(), liveBytes: idx.liveBytes}
}

// All yields every key and its location in ascending key order. Mutating the
// index during the iteration is not allowed; iterate a Snapshot instead.
func (idx *Index) All() iter.Seq2[string, Location] {
	return func(yield func(string, Location) bool) {
		idx.tree.Ascend(func(e entry) bool {
			return yield(e.key, e.loc)
		})
	}
}

// Segments returns the number of live keys held in each segment.
func (idx *Index) Segments() map[uint64]int {
	counts := make(map[uint64]int)
	idx.tree.Ascend(func(e entry) bool {
		counts[e.loc.SegmentID]++
		return true
	})
	return counts
}
