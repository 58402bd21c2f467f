package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

const (
	// SnapshotFileName is the name of the persisted index inside a data directory.
	SnapshotFileName = "INDEX"

	snapshotMagic   uint64 = 0x4B56534E44583031 // "KVSNDX01"
	snapshotVersion uint32 = 1

	// magic (8) | version (4) | checksum (8) | payload length (8)
	snapshotHeaderSize = 28
)

var (
	ErrSnapshotNotFound = errors.New("index snapshot not found")
	ErrCorruptSnapshot  = errors.New("corrupt index snapshot")
	ErrSnapshotMismatch = errors.New("index snapshot does not match segments")
)

// Coverage records the size a segment had when a snapshot was taken.
type Coverage struct {
	SegmentID uint64
	Size      int64
}

// Snapshot is a persisted index together with the segments it was built from.
type Snapshot struct {
	Index    *Index
	Segments []Coverage
}

// WriteSnapshot stores idx and its coverage at path, compressed with zstd at
// the named level. The file is replaced atomically.
func WriteSnapshot(path string, idx *Index, covered []Coverage, level string) error {
	body := make([]byte, 0, 64+idx.Len()*32)
	body = binary.AppendUvarint(body, uint64(len(covered)))
	for _, c := range covered {
		body = binary.AppendUvarint(body, c.SegmentID)
		body = binary.AppendUvarint(body, uint64(c.Size))
	}

	body = binary.AppendUvarint(body, uint64(idx.Len()))
	for key, loc := range idx.All() {
		body = binary.AppendUvarint(body, uint64(len(key)))
		body = append(body, key...)
		body = binary.AppendUvarint(body, loc.SegmentID)
		body = binary.AppendUvarint(body, uint64(loc.Offset))
		body = binary.AppendUvarint(body, uint64(loc.Length))
	}

	encLevel := zstd.SpeedDefault
	if level != "" {
		ok, l := zstd.EncoderLevelFromString(level)
		if !ok {
			return fmt.Errorf("unknown compression level %q", level)
		}
		encLevel = l
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	payload := enc.EncodeAll(body, nil)
	enc.Close()

	out := make([]byte, snapshotHeaderSize, snapshotHeaderSize+len(payload))
	binary.LittleEndian.PutUint64(out[0:8], snapshotMagic)
	binary.LittleEndian.PutUint32(out[8:12], snapshotVersion)
	binary.LittleEndian.PutUint64(out[12:20], xxhash.Sum64(payload))
	binary.LittleEndian.PutUint64(out[20:28], uint64(len(payload)))
	out = append(out, payload...)

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create index snapshot: %w", err)
	}
	if _, err := f.Write(out); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write index snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync index snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close index snapshot: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename index snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads a snapshot written by WriteSnapshot.
func ReadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to read index snapshot: %w", err)
	}

	if len(data) < snapshotHeaderSize {
		return nil, fmt.Errorf("%w: short header", ErrCorruptSnapshot)
	}
	if binary.LittleEndian.Uint64(data[0:8]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptSnapshot)
	}
	if v := binary.LittleEndian.Uint32(data[8:12]); v != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, v)
	}
	payload := data[snapshotHeaderSize:]
	if n := binary.LittleEndian.Uint64(data[20:28]); n != uint64(len(payload)) {
		return nil, fmt.Errorf("%w: payload length %d, have %d", ErrCorruptSnapshot, n, len(payload))
	}
	if xxhash.Sum64(payload) != binary.LittleEndian.Uint64(data[12:20]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	body, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}

	return decodeSnapshot(body)
}

type snapshotDecoder struct {
	buf []byte
	err error
}

func (d *snapshotDecoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = fmt.Errorf("%w: bad varint", ErrCorruptSnapshot)
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *snapshotDecoder) bytes(n uint64) []byte {
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.buf)) {
		d.err = fmt.Errorf("%w: key overruns payload", ErrCorruptSnapshot)
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func decodeSnapshot(body []byte) (*Snapshot, error) {
	d := &snapshotDecoder{buf: body}
	snap := &Snapshot{Index: New()}

	segments := d.uvarint()
	for i := uint64(0); i < segments && d.err == nil; i++ {
		id := d.uvarint()
		size := d.uvarint()
		snap.Segments = append(snap.Segments, Coverage{SegmentID: id, Size: int64(size)})
	}

	entries := d.uvarint()
	for i := uint64(0); i < entries && d.err == nil; i++ {
		key := d.bytes(d.uvarint())
		loc := Location{
			SegmentID: d.uvarint(),
			Offset:    int64(d.uvarint()),
			Length:    uint32(d.uvarint()),
		}
		if d.err == nil {
			snap.Index.Set(key, loc)
		}
	}

	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptSnapshot, len(d.buf))
	}
	return snap, nil
}

// Pending checks the snapshot against the segments currently on disk and
// returns the ids that still need replaying on top of it. Every covered
// segment must exist with its recorded size and every other segment must be
// newer than all covered ones; otherwise ErrSnapshotMismatch is returned.
func (s *Snapshot) Pending(current []Coverage) ([]uint64, error) {
	sizes := make(map[uint64]int64, len(current))
	for _, c := range current {
		sizes[c.SegmentID] = c.Size
	}

	var newest uint64
	covered := make(map[uint64]bool, len(s.Segments))
	for _, c := range s.Segments {
		size, ok := sizes[c.SegmentID]
		if !ok {
			return nil, fmt.Errorf("%w: segment %d missing", ErrSnapshotMismatch, c.SegmentID)
		}
		if size != c.Size {
			return nil, fmt.Errorf("%w: segment %d is %d bytes, snapshot saw %d", ErrSnapshotMismatch, c.SegmentID, size, c.Size)
		}
		covered[c.SegmentID] = true
		if c.SegmentID > newest {
			newest = c.SegmentID
		}
	}

	var pending []uint64
	for _, c := range current {
		if covered[c.SegmentID] {
			continue
		}
		if c.SegmentID < newest {
			return nil, fmt.Errorf("%w: segment %d predates the snapshot", ErrSnapshotMismatch, c.SegmentID)
		}
		pending = append(pending, c.SegmentID)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	for key, loc := range s.Index.All() {
		if !covered[loc.SegmentID] {
			return nil, fmt.Errorf("%w: key %q points at uncovered segment %d", ErrSnapshotMismatch, key, loc.SegmentID)
		}
	}
	return pending, nil
}
