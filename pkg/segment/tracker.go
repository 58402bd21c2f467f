package segment

import "sync"

// tracker counts the readers pinning each segment and holds retired segments
// until their last reader lets go.
type tracker struct {
	mu sync.Mutex

	// segment id -> number of outstanding handles
	pins map[uint64]int

	// segment id -> retired segment whose file is still pinned
	obsolete map[uint64]*segment
}

func newTracker() *tracker {
	return &tracker{
		pins:     make(map[uint64]int),
		obsolete: make(map[uint64]*segment),
	}
}

func (t *tracker) pin(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pins[id]++
}

// unpin drops one reference and returns the segment if it was retired and
// this was its last reader. The caller deletes it.
func (t *tracker) unpin(id uint64) *segment {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pins[id]--
	if t.pins[id] > 0 {
		return nil
	}
	delete(t.pins, id)

	seg, ok := t.obsolete[id]
	if !ok {
		return nil
	}
	delete(t.obsolete, id)
	return seg
}

// markObsolete records seg as retired. It reports whether deletion must wait
// for outstanding readers.
func (t *tracker) markObsolete(seg *segment) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pins[seg.id] == 0 {
		return false
	}
	t.obsolete[seg.id] = seg
	return true
}

func (t *tracker) pinned(id uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pins[id]
}

// pending returns the retired segments still waiting on readers.
func (t *tracker) pending() []*segment {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*segment, 0, len(t.obsolete))
	for _, seg := range t.obsolete {
		out = append(out, seg)
	}
	return out
}
