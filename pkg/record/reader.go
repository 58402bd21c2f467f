package record

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Reader decodes a stream of records, tracking the offset of each one.
type Reader struct {
	r      *bufio.Reader
	offset int64
	buf    []byte
}

// NewReader returns a Reader over r, which must be positioned at a record boundary.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next record, the offset it starts at and its encoded length.
// It returns io.EOF at a clean end of stream and an error wrapping ErrTruncated
// when the stream ends inside a record. The returned record is only valid until
// the next call.
func (r *Reader) Next() (Record, int64, int, error) {
	start := r.offset

	if cap(r.buf) < HeaderSize {
		r.buf = make([]byte, HeaderSize, 4096)
	}
	header := r.buf[:HeaderSize]
	n, err := io.ReadFull(r.r, header)
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Record{}, start, 0, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, start, 0, fmt.Errorf("%w: %d header bytes at offset %d", ErrTruncated, n, start)
		}
		return Record{}, start, 0, err
	}

	keyLen := binary.LittleEndian.Uint32(header[1:5])
	valueLen := binary.LittleEndian.Uint32(header[5:9])
	if keyLen > MaxKeySize || valueLen > MaxValueSize {
		return Record{}, start, 0, fmt.Errorf("%w: invalid lengths key=%d value=%d at offset %d", ErrCorruptRecord, keyLen, valueLen, start)
	}

	total := HeaderSize + int(keyLen) + int(valueLen)
	if cap(r.buf) < total {
		grown := make([]byte, total)
		copy(grown, header)
		r.buf = grown
	}
	r.buf = r.buf[:total]
	if _, err := io.ReadFull(r.r, r.buf[HeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, start, 0, fmt.Errorf("%w: record at offset %d needs %d bytes", ErrTruncated, start, total)
		}
		return Record{}, start, 0, err
	}

	rec, _, err := Decode(r.buf)
	if err != nil {
		return Record{}, start, 0, fmt.Errorf("record at offset %d: %w", start, err)
	}
	r.offset += int64(total)
	return rec, start, total, nil
}

// AtEOF reports whether the stream has no bytes left after the last record read.
func (r *Reader) AtEOF() bool {
	_, err := r.r.Peek(1)
	return err != nil
}

// Offset returns the offset just past the last record read successfully.
func (r *Reader) Offset() int64 {
	return r.offset
}
