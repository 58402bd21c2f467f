package index

import "iter"

// Mutation is one replayed log record: a set of Key to Loc, or a removal of Key.
type Mutation struct {
	Remove bool
	Key    []byte
	Loc    Location
}

// Replay folds mutations over base in order and returns the result. base is
// left untouched, so Replay(New(), records) rebuilds an index from nothing and
// Replay(snapshot, newer) brings a loaded snapshot up to date.
func Replay(base *Index, mutations iter.Seq[Mutation]) *Index {
	idx := New()
	if base != nil {
		idx = base.Snapshot()
	}

	for m := range mutations {
		if m.Remove {
			idx.Remove(m.Key)
		} else {
			idx.Set(m.Key, m.Loc)
		}
	}
	return idx
}
