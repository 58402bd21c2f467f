package segment

import (
	"errors"
	"fmt"
	"io"

	"github.com/KevoDB/kvs/pkg/record"
)

// ScanStats describes one pass over a segment.
type ScanStats struct {
	Records int
	// ValidBytes is the length of the prefix made of whole, intact records.
	ValidBytes int64
	// TailBytes counts bytes after ValidBytes that were ignored as an
	// incomplete final write.
	TailBytes int64
	TornTail  bool
}

// ScanFunc receives each record of a segment with its offset and encoded length.
// The record aliases an internal buffer and is only valid during the call.
type ScanFunc func(rec record.Record, offset int64, length int) error

// Scan walks the records of a segment in order. A record cut short by the end
// of the segment, or a final record whose checksum does not match, is the
// remnant of an interrupted write: it is reported in the stats and not passed
// to fn. Corruption anywhere else fails with record.ErrCorruptRecord.
func (s *Store) Scan(id uint64, fn ScanFunc) (ScanStats, error) {
	var stats ScanStats

	h, err := s.Acquire(id)
	if err != nil {
		return stats, err
	}
	defer h.Release()

	size := h.Size()
	r := record.NewReader(io.NewSectionReader(h.seg.file, 0, size))

	for {
		rec, offset, n, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, record.ErrTruncated) || (errors.Is(err, record.ErrCorruptRecord) && r.AtEOF()) {
				stats.TornTail = true
				stats.TailBytes = size - r.Offset()
				break
			}
			if errors.Is(err, record.ErrCorruptRecord) {
				return stats, fmt.Errorf("segment %d: %w", id, err)
			}
			return stats, fmt.Errorf("%w: failed to scan segment %d: %w", ErrIO, id, err)
		}

		if err := fn(rec, offset, n); err != nil {
			return stats, err
		}
		stats.Records++
		stats.ValidBytes = r.Offset()
	}

	return stats, nil
}
