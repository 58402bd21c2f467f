// Package record implements the binary encoding of log records.
//
// A record is laid out as
//
//	tag (1) | key length (4) | value length (4) | checksum (8) | key | value
//
// with integers in little endian. The checksum is xxhash64 over every other
// byte of the record, so a record can be validated without any outside state.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Kind discriminates the record variants.
type Kind uint8

const (
	KindSet    Kind = 1
	KindRemove Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindSet:
		return "set"
	case KindRemove:
		return "remove"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

const (
	// HeaderSize is the fixed prefix preceding key and value bytes.
	HeaderSize = 1 + 4 + 4 + 8

	checksumOffset = 9

	// MaxKeySize and MaxValueSize bound the lengths the decoder accepts.
	MaxKeySize   = 64 * 1024
	MaxValueSize = 256 * 1024 * 1024
)

var (
	ErrCorruptRecord = errors.New("corrupt record")
	// ErrTruncated reports a record cut short by the end of the input. It
	// matches ErrCorruptRecord under errors.Is.
	ErrTruncated = fmt.Errorf("%w: truncated", ErrCorruptRecord)
)

// Record is a decoded log entry.
type Record struct {
	Kind  Kind
	Key   []byte
	Value []byte
}

// Set builds a Set record.
func Set(key, value []byte) Record {
	return Record{Kind: KindSet, Key: key, Value: value}
}

// Remove builds a Remove record.
func Remove(key []byte) Record {
	return Record{Kind: KindRemove, Key: key}
}

// Size returns the encoded length of rec.
func Size(rec Record) int {
	return HeaderSize + len(rec.Key) + len(rec.Value)
}

// Encode returns the encoded form of rec.
func Encode(rec Record) []byte {
	return AppendEncode(make([]byte, 0, Size(rec)), rec)
}

// AppendEncode appends the encoded form of rec to dst.
func AppendEncode(dst []byte, rec Record) []byte {
	start := len(dst)

	var header [HeaderSize]byte
	header[0] = byte(rec.Kind)
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(rec.Key)))
	binary.LittleEndian.PutUint32(header[5:9], uint32(len(rec.Value)))

	dst = append(dst, header[:]...)
	dst = append(dst, rec.Key...)
	dst = append(dst, rec.Value...)

	binary.LittleEndian.PutUint64(dst[start+checksumOffset:], checksum(dst[start:]))
	return dst
}

// checksum hashes an encoded record, skipping the checksum field itself.
func checksum(encoded []byte) uint64 {
	d := xxhash.New()
	d.Write(encoded[:checksumOffset])
	d.Write(encoded[HeaderSize:])
	return d.Sum64()
}

// Decode decodes the record at the start of buf and returns it together with
// the number of bytes it occupies. Key and Value alias buf.
func Decode(buf []byte) (Record, int, error) {
	if len(buf) < HeaderSize {
		return Record{}, 0, fmt.Errorf("%w: header needs %d bytes, have %d", ErrTruncated, HeaderSize, len(buf))
	}

	kind := Kind(buf[0])
	keyLen := binary.LittleEndian.Uint32(buf[1:5])
	valueLen := binary.LittleEndian.Uint32(buf[5:9])

	switch kind {
	case KindSet:
	case KindRemove:
		if valueLen != 0 {
			return Record{}, 0, fmt.Errorf("%w: remove record with %d value bytes", ErrCorruptRecord, valueLen)
		}
	default:
		return Record{}, 0, fmt.Errorf("%w: unknown tag %d", ErrCorruptRecord, buf[0])
	}

	if keyLen > MaxKeySize || valueLen > MaxValueSize {
		return Record{}, 0, fmt.Errorf("%w: invalid lengths key=%d value=%d", ErrCorruptRecord, keyLen, valueLen)
	}

	total := HeaderSize + int(keyLen) + int(valueLen)
	if len(buf) < total {
		return Record{}, 0, fmt.Errorf("%w: record needs %d bytes, have %d", ErrTruncated, total, len(buf))
	}

	encoded := buf[:total]
	want := binary.LittleEndian.Uint64(encoded[checksumOffset:HeaderSize])
	if got := checksum(encoded); got != want {
		return Record{}, 0, fmt.Errorf("%w: checksum mismatch (stored %x, computed %x)", ErrCorruptRecord, want, got)
	}

	keyEnd := HeaderSize + int(keyLen)
	rec := Record{
		Kind: kind,
		Key:  encoded[HeaderSize:keyEnd:keyEnd],
	}
	if kind == KindSet {
		rec.Value = encoded[keyEnd:total:total]
	}
	return rec, total, nil
}
