package engine

import (
	"errors"

	"github.com/KevoDB/kvs/pkg/record"
	"github.com/KevoDB/kvs/pkg/segment"
)

var (
	// ErrEngineClosed is returned when operations are performed on a closed engine
	ErrEngineClosed = errors.New("engine is closed")
	// ErrKeyNotFound is returned when removing a key that does not exist
	ErrKeyNotFound = errors.New("key not found")
	// ErrInvalidKey is returned for empty keys and keys over the configured limit
	ErrInvalidKey = errors.New("invalid key")
	// ErrValueTooLarge is returned for values over the configured limit
	ErrValueTooLarge = errors.New("value too large")

	// ErrIO wraps failures of the segment files
	ErrIO = segment.ErrIO
	// ErrCorruptRecord is returned when a stored record fails validation
	ErrCorruptRecord = record.ErrCorruptRecord
)
