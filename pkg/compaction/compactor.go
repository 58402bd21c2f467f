// Package compaction rewrites the live records of a store into a single new
// segment and retires the segments they came from.
package compaction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevoDB/kvs/pkg/common/log"
	"github.com/KevoDB/kvs/pkg/index"
	"github.com/KevoDB/kvs/pkg/record"
	"github.com/KevoDB/kvs/pkg/segment"
)

// Keyspace is the view of an engine the compactor works against. The engine
// serialises writers for the duration of Run, so the only concurrent activity
// is readers.
type Keyspace interface {
	// Snapshot returns a point-in-time copy of the index.
	Snapshot() *index.Index

	// Relocate points key at to if it still points at from.
	Relocate(key string, from, to index.Location) bool

	// LiveSegments returns the number of live keys held in each segment.
	LiveSegments() map[uint64]int

	// Restore replaces the index with snap.
	Restore(snap *index.Index)

	// Roll seals the active segment and returns the id of its replacement.
	Roll() (uint64, error)
}

// ErrIndexChanged is returned when a key moved while its record was being
// copied.
var ErrIndexChanged = errors.New("index changed during compaction")

// Result describes a finished compaction.
type Result struct {
	// Segment is the id of the compacted segment, 0 when nothing was live.
	Segment     uint64
	Active      uint64
	Entries     int
	BytesBefore int64
	BytesAfter  int64
	Retired     []uint64
	Kept        []uint64
	Duration    time.Duration
}

// Reclaimed returns the number of bytes the compaction freed.
func (r Result) Reclaimed() int64 {
	if r.BytesAfter >= r.BytesBefore {
		return 0
	}
	return r.BytesBefore - r.BytesAfter
}

// Options configures a Compactor.
type Options struct {
	Logger  log.Logger
	Metrics CompactionMetrics
}

// Compactor rewrites live records of a segment store.
type Compactor struct {
	store   *segment.Store
	logger  log.Logger
	metrics CompactionMetrics
}

// NewCompactor creates a compactor over store.
func NewCompactor(store *segment.Store, opts Options) *Compactor {
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewNoopCompactionMetrics()
	}
	return &Compactor{
		store:   store,
		logger:  opts.Logger.WithField("component", "compaction"),
		metrics: opts.Metrics,
	}
}

// Run compacts ks. The live entries of a snapshot are copied in key order
// into a fresh segment which is committed before the active segment is rolled
// and the older segments are retired, oldest first. A segment the index still
// points into is kept. If anything fails before
// the roll the index is restored and the original segments are untouched.
func (c *Compactor) Run(ks Keyspace) (Result, error) {
	ctx := context.Background()
	start := time.Now()

	inputs := c.store.List()
	res := Result{BytesBefore: c.store.DiskSize()}
	c.metrics.RecordCompactionStart(ctx, len(inputs), res.BytesBefore)

	snap := ks.Snapshot()
	compacted, err := c.rewrite(ks, snap)
	if err != nil {
		c.metrics.RecordCompactionComplete(ctx, time.Since(start), res.BytesBefore, 0, false)
		return res, err
	}
	res.Segment = compacted
	res.Entries = snap.Len()

	active, err := ks.Roll()
	if err != nil {
		c.discard(ks, snap, compacted, err)
		c.metrics.RecordCompactionComplete(ctx, time.Since(start), res.BytesBefore, 0, false)
		return Result{BytesBefore: res.BytesBefore}, fmt.Errorf("failed to roll active segment: %w", err)
	}
	res.Active = active

	live := ks.LiveSegments()
	for _, id := range c.store.List() {
		if id == compacted || id >= active {
			continue
		}
		if n := live[id]; n > 0 {
			c.logger.Warn("Keeping segment %d, it still holds %d live entries", id, n)
			res.Kept = append(res.Kept, id)
			continue
		}
		if err := c.store.Retire(id); err != nil {
			c.metrics.RecordCompactionComplete(ctx, time.Since(start), res.BytesBefore, 0, false)
			return res, fmt.Errorf("failed to retire segment %d: %w", id, err)
		}
		res.Retired = append(res.Retired, id)
	}
	c.metrics.RecordSegmentsRetired(ctx, len(res.Retired))

	res.BytesAfter = c.store.DiskSize()
	res.Duration = time.Since(start)
	c.metrics.RecordCompactionComplete(ctx, res.Duration, res.BytesBefore, res.BytesAfter, true)

	c.logger.Info("Compacted %d entries into segment %d, retired %d segments, %d -> %d bytes in %s",
		res.Entries, res.Segment, len(res.Retired), res.BytesBefore, res.BytesAfter, res.Duration)
	return res, nil
}

// rewrite copies the live records of snap into a temp segment and commits it.
// It returns 0 without creating anything when snap is empty.
func (c *Compactor) rewrite(ks Keyspace, snap *index.Index) (uint64, error) {
	if snap.Len() == 0 {
		return 0, nil
	}

	tmp, err := c.store.CreateTemp()
	if err != nil {
		return 0, fmt.Errorf("failed to create compaction segment: %w", err)
	}

	abort := func(cause error) (uint64, error) {
		return 0, c.discard(ks, snap, tmp, cause)
	}

	for key, loc := range snap.All() {
		raw, err := c.store.ReadAt(loc.SegmentID, loc.Offset, int(loc.Length))
		if err != nil {
			return abort(fmt.Errorf("failed to read %q at %s: %w", key, loc, err))
		}
		if err := verify(raw, key); err != nil {
			c.logger.Error("Corrupt record for %q at %s: %v", key, loc, err)
			return abort(err)
		}

		offset, err := c.store.Append(tmp, raw)
		if err != nil {
			return abort(fmt.Errorf("failed to write compaction segment: %w", err))
		}
		if !ks.Relocate(key, loc, index.Location{SegmentID: tmp, Offset: offset, Length: loc.Length}) {
			return abort(fmt.Errorf("%w: %q no longer at %s", ErrIndexChanged, key, loc))
		}
	}

	if err := c.store.Commit(tmp); err != nil {
		return abort(fmt.Errorf("failed to commit compaction segment: %w", err))
	}
	return tmp, nil
}

// discard puts snap back as the index and retires the segment compaction was
// writing. Readers that pinned it keep it until they are done.
func (c *Compactor) discard(ks Keyspace, snap *index.Index, id uint64, cause error) error {
	ks.Restore(snap)
	if id == 0 {
		return cause
	}
	if err := c.store.Retire(id); err != nil {
		c.logger.Error("Failed to discard compaction segment %d: %v", id, err)
		return errors.Join(cause, err)
	}
	return cause
}

// verify checks that raw holds exactly one intact Set record for key.
func verify(raw []byte, key string) error {
	rec, n, err := record.Decode(raw)
	if err != nil {
		return err
	}
	if n != len(raw) || rec.Kind != record.KindSet || !bytes.Equal(rec.Key, []byte(key)) {
		return fmt.Errorf("%w: index entry for %q does not hold its set record", record.ErrCorruptRecord, key)
	}
	return nil
}
