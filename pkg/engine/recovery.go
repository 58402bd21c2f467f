package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/KevoDB/kvs/pkg/index"
	"github.com/KevoDB/kvs/pkg/record"
	"github.com/KevoDB/kvs/pkg/stats"
	"github.com/KevoDB/kvs/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// errStopReplay ends a segment scan when the replay consumer stops early.
var errStopReplay = errors.New("replay stopped")

// recover rebuilds the index from the segments on disk, starting from the
// persisted snapshot when it still matches them.
func (e *Engine) recover() (*index.Index, error) {
	ctx, span := e.tel.StartSpan(context.Background(), "kvs.engine.recover",
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine))
	defer span.End()

	start := e.stats.StartRecovery()
	var result stats.RecoveryResult

	current, err := e.currentSegments()
	if err != nil {
		return nil, err
	}

	base, pending := e.loadSnapshot(current)
	result.SnapshotUsed = base != nil

	var scanErr error
	mutations := func(yield func(index.Mutation) bool) {
		for _, id := range pending {
			st, err := e.store.Scan(id, func(rec record.Record, offset int64, length int) error {
				m := index.Mutation{
					Remove: rec.Kind == record.KindRemove,
					Key:    rec.Key,
					Loc:    index.Location{SegmentID: id, Offset: offset, Length: uint32(length)},
				}
				if !yield(m) {
					return errStopReplay
				}
				return nil
			})
			if errors.Is(err, errStopReplay) {
				return
			}
			if err != nil {
				scanErr = err
				return
			}

			result.SegmentsReplayed++
			result.RecordsReplayed += uint64(st.Records)
			if st.TornTail {
				result.TornTails++
				result.TailBytesIgnored += uint64(st.TailBytes)
				e.logger.Debug("Ignoring %d trailing bytes of segment %d left by an interrupted write", st.TailBytes, id)
			}
		}
	}

	idx := index.Replay(base, mutations)
	if scanErr != nil {
		if errors.Is(scanErr, ErrCorruptRecord) {
			e.logger.Error("Recovery failed: %v", scanErr)
		}
		e.stats.TrackError("recover_" + errorType(scanErr))
		span.RecordError(scanErr)
		return nil, fmt.Errorf("failed to replay segments: %w", scanErr)
	}

	e.stats.FinishRecovery(start, result)
	e.metrics.RecordRecovery(ctx, time.Since(start), result)
	span.SetAttributes(
		attribute.Int64("segments", int64(result.SegmentsReplayed)),
		attribute.Int64("records", int64(result.RecordsReplayed)),
		attribute.Bool("snapshot", result.SnapshotUsed),
	)

	e.logger.Info("Recovered %d keys from %d records in %d segments (snapshot=%v, torn tails=%d)",
		idx.Len(), result.RecordsReplayed, result.SegmentsReplayed, result.SnapshotUsed, result.TornTails)
	return idx, nil
}

// currentSegments lists the segments to recover from, retiring empty ones.
func (e *Engine) currentSegments() ([]index.Coverage, error) {
	var current []index.Coverage
	for _, id := range e.store.List() {
		size, err := e.store.Size(id)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			if err := e.store.Retire(id); err != nil {
				return nil, err
			}
			e.logger.Debug("Retired empty segment %d", id)
			continue
		}
		current = append(current, index.Coverage{SegmentID: id, Size: size})
	}
	return current, nil
}

// loadSnapshot returns the persisted index and the segments still to replay
// on top of it, or a nil index and every segment when the snapshot is
// missing, disabled or stale.
func (e *Engine) loadSnapshot(current []index.Coverage) (*index.Index, []uint64) {
	all := make([]uint64, len(current))
	for i, c := range current {
		all[i] = c.SegmentID
	}
	if !e.cfg.IndexSnapshot {
		return nil, all
	}

	snap, err := index.ReadSnapshot(filepath.Join(e.dir, index.SnapshotFileName))
	if err != nil {
		if errors.Is(err, index.ErrSnapshotNotFound) {
			e.logger.Debug("No index snapshot, replaying %d segments", len(all))
		} else {
			e.logger.Warn("Ignoring unreadable index snapshot: %v", err)
		}
		return nil, all
	}

	pending, err := snap.Pending(current)
	if err != nil {
		e.logger.Warn("Ignoring stale index snapshot: %v", err)
		return nil, all
	}

	e.logger.Debug("Loaded index snapshot with %d keys, replaying %d newer segments", snap.Index.Len(), len(pending))
	return snap.Index, pending
}
