// Package segment manages the append-only segment files of a store directory.
//
// Every segment is a file named by a zero padded numeric id with the .seg
// extension. Ids only grow, so listing the directory in id order yields the
// segments in creation order. A segment being written by compaction lives
// under a .seg.tmp name until it is committed, and a retired segment that is
// still being read is renamed to .seg.retired until its last reader is done.
package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/KevoDB/kvs/pkg/common/log"
	"github.com/KevoDB/kvs/pkg/config"
)

const (
	Extension        = ".seg"
	tempExtension    = Extension + ".tmp"
	retiredExtension = Extension + ".retired"
)

var (
	// ErrIO wraps every failure of the underlying storage.
	ErrIO              = errors.New("i/o error")
	ErrSegmentNotFound = fmt.Errorf("%w: segment not found", ErrIO)
	ErrOutOfRange      = fmt.Errorf("%w: read out of range", ErrIO)
	ErrSealed          = errors.New("segment is sealed")
	ErrStoreClosed     = errors.New("segment store is closed")
)

// Options configures a Store.
type Options struct {
	SyncMode  config.SyncMode
	SyncBytes int64
	Logger    log.Logger
}

// DefaultOptions syncs every append.
func DefaultOptions() Options {
	return Options{SyncMode: config.SyncImmediate}
}

// segment is one open segment file.
type segment struct {
	id   uint64
	path string
	file *os.File
	temp bool

	// guarded by mu; size only grows and is read by readers under mu as well
	mu       sync.RWMutex
	size     int64
	writable bool
	unsynced int64
}

func (s *segment) length() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Store owns the segment files of one directory.
type Store struct {
	dir     string
	opts    Options
	logger  log.Logger
	tracker *tracker

	mu       sync.Mutex
	segments map[uint64]*segment
	nextID   uint64
	closed   bool
}

// FileName returns the file name of the segment with the given id.
func FileName(id uint64) string {
	return fmt.Sprintf("%020d%s", id, Extension)
}

// ParseFileName extracts the id from a segment file name.
func ParseFileName(name string) (uint64, bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, Extension) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(base, Extension), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Open opens the segments found in dir, creating the directory if needed.
// Leftovers of interrupted compactions and retirements are removed.
func Open(dir string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create segment directory: %w", ErrIO, err)
	}

	s := &Store{
		dir:      dir,
		opts:     opts,
		logger:   opts.Logger.WithField("component", "segment"),
		tracker:  newTracker(),
		segments: make(map[uint64]*segment),
		nextID:   1,
	}

	for _, pattern := range []string{"*" + tempExtension, "*" + retiredExtension} {
		stale, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to glob %s: %w", ErrIO, pattern, err)
		}
		for _, path := range stale {
			s.logger.Info("Removing stale segment file %s", filepath.Base(path))
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: failed to remove %s: %w", ErrIO, path, err)
			}
		}
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*"+Extension))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to glob segment files: %w", ErrIO, err)
	}

	for _, path := range paths {
		id, ok := ParseFileName(path)
		if !ok {
			s.logger.Warn("Ignoring unrecognised file %s", filepath.Base(path))
			continue
		}

		file, err := os.Open(path)
		if err != nil {
			s.closeAll()
			return nil, fmt.Errorf("%w: failed to open segment %d: %w", ErrIO, id, err)
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			s.closeAll()
			return nil, fmt.Errorf("%w: failed to stat segment %d: %w", ErrIO, id, err)
		}

		s.segments[id] = &segment{id: id, path: path, file: file, size: info.Size()}
		if id >= s.nextID {
			s.nextID = id + 1
		}
	}

	return s, nil
}

// Dir returns the directory holding the segments.
func (s *Store) Dir() string {
	return s.dir
}

// List returns the ids of the committed, non-retired segments in ascending order.
func (s *Store) List() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uint64, 0, len(s.segments))
	for id, seg := range s.segments {
		if !seg.temp {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Create allocates a new writable segment with an id above every id handed out so far.
func (s *Store) Create() (uint64, error) {
	return s.create(false)
}

// CreateTemp allocates a writable segment that List does not report and that
// is discarded on the next Open unless Commit is called.
func (s *Store) CreateTemp() (uint64, error) {
	return s.create(true)
}

func (s *Store) create(temp bool) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	id := s.nextID
	path := filepath.Join(s.dir, FileName(id))
	if temp {
		path += ".tmp"
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create segment %d: %w", ErrIO, id, err)
	}
	if err := syncDir(s.dir); err != nil {
		file.Close()
		os.Remove(path)
		return 0, err
	}

	s.nextID++
	s.segments[id] = &segment{id: id, path: path, file: file, temp: temp, writable: true}
	s.logger.Debug("Created segment %d (temp=%v)", id, temp)
	return id, nil
}

func (s *Store) get(id uint64) (*segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	seg, ok := s.segments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSegmentNotFound, id)
	}
	return seg, nil
}

// Append writes data at the end of the segment and returns the offset the
// write began at. Depending on the sync mode the data is on stable storage
// when Append returns.
func (s *Store) Append(id uint64, data []byte) (int64, error) {
	seg, err := s.get(id)
	if err != nil {
		return 0, err
	}

	seg.mu.Lock()
	defer seg.mu.Unlock()

	if !seg.writable {
		return 0, fmt.Errorf("%w: %d", ErrSealed, id)
	}

	offset := seg.size
	// Bytes of a failed write are overwritten by the next append.
	if _, err := seg.file.WriteAt(data, offset); err != nil {
		return 0, fmt.Errorf("%w: failed to append to segment %d: %w", ErrIO, id, err)
	}
	seg.unsynced += int64(len(data))

	// Temp segments are synced once by Commit.
	if !seg.temp {
		if err := s.maybeSync(seg); err != nil {
			return 0, err
		}
	}

	seg.size += int64(len(data))
	return offset, nil
}

// maybeSync applies the sync policy. seg.mu must be held.
func (s *Store) maybeSync(seg *segment) error {
	needSync := false

	switch s.opts.SyncMode {
	case config.SyncImmediate:
		needSync = true
	case config.SyncBatch:
		needSync = seg.unsynced >= s.opts.SyncBytes
	case config.SyncNone:
	}

	if !needSync {
		return nil
	}
	return syncLocked(seg)
}

func syncLocked(seg *segment) error {
	if seg.unsynced == 0 {
		return nil
	}
	if err := seg.file.Sync(); err != nil {
		return fmt.Errorf("%w: failed to sync segment %d: %w", ErrIO, seg.id, err)
	}
	seg.unsynced = 0
	return nil
}

// Sync flushes a segment to stable storage regardless of the sync mode.
func (s *Store) Sync(id uint64) error {
	seg, err := s.get(id)
	if err != nil {
		return err
	}
	seg.mu.Lock()
	defer seg.mu.Unlock()
	return syncLocked(seg)
}

// Seal syncs the segment and rejects further appends. Its bytes never change
// afterwards.
func (s *Store) Seal(id uint64) error {
	seg, err := s.get(id)
	if err != nil {
		return err
	}

	seg.mu.Lock()
	defer seg.mu.Unlock()

	if err := syncLocked(seg); err != nil {
		return err
	}
	seg.writable = false
	return nil
}

// Commit seals a segment created by CreateTemp and makes it visible under
// its final name.
func (s *Store) Commit(id uint64) error {
	seg, err := s.get(id)
	if err != nil {
		return err
	}
	if !seg.temp {
		return nil
	}

	if err := s.Seal(id); err != nil {
		return err
	}

	final := filepath.Join(s.dir, FileName(id))
	if err := os.Rename(seg.path, final); err != nil {
		return fmt.Errorf("%w: failed to commit segment %d: %w", ErrIO, id, err)
	}

	s.mu.Lock()
	seg.path = final
	seg.temp = false
	s.mu.Unlock()

	if err := syncDir(s.dir); err != nil {
		return err
	}

	s.logger.Debug("Committed segment %d", id)
	return nil
}

// Size returns the number of bytes appended to the segment.
func (s *Store) Size(id uint64) (int64, error) {
	seg, err := s.get(id)
	if err != nil {
		return 0, err
	}
	return seg.length(), nil
}

// ReadAt reads length bytes starting at offset.
func (s *Store) ReadAt(id uint64, offset int64, length int) ([]byte, error) {
	h, err := s.Acquire(id)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	return h.ReadAt(offset, length)
}

// Acquire pins a segment so that retiring it does not delete its file until
// the returned handle is released.
func (s *Store) Acquire(id uint64) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	seg, ok := s.segments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSegmentNotFound, id)
	}
	s.tracker.pin(id)
	return &Handle{store: s, seg: seg}, nil
}

// Pinned returns the number of outstanding handles on a segment.
func (s *Store) Pinned(id uint64) int {
	return s.tracker.pinned(id)
}

// Retire removes a segment from the store. Its name disappears from the
// directory immediately; the file itself is deleted once no handle pins it.
// Callers retire segments in ascending id order, so a crash part way through
// leaves only the newest of them behind.
func (s *Store) Retire(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	seg, ok := s.segments[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrSegmentNotFound, id)
	}
	delete(s.segments, id)

	if s.tracker.markObsolete(seg) {
		retired := filepath.Join(s.dir, FileName(id)+".retired")
		if err := os.Rename(seg.path, retired); err != nil {
			return fmt.Errorf("%w: failed to retire segment %d: %w", ErrIO, id, err)
		}
		seg.path = retired
		s.logger.Debug("Segment %d retired with %d readers outstanding", id, s.tracker.pinned(id))
		return nil
	}

	return s.remove(seg)
}

// remove closes and deletes a segment file.
func (s *Store) remove(seg *segment) error {
	seg.file.Close()
	if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: failed to delete segment %d: %w", ErrIO, seg.id, err)
	}
	s.logger.Debug("Deleted segment %d", seg.id)
	return nil
}

func (s *Store) release(seg *segment) {
	// Retire marks and renames under s.mu, so a final unpin never races it.
	s.mu.Lock()
	done := s.tracker.unpin(seg.id)
	s.mu.Unlock()

	if done != nil {
		if err := s.remove(done); err != nil {
			s.logger.Error("Failed to delete retired segment %d: %v", done.id, err)
		}
	}
}

// DiskSize returns the total size of the committed segments.
func (s *Store) DiskSize() int64 {
	s.mu.Lock()
	segs := make([]*segment, 0, len(s.segments))
	for _, seg := range s.segments {
		if !seg.temp {
			segs = append(segs, seg)
		}
	}
	s.mu.Unlock()

	var total int64
	for _, seg := range segs {
		total += seg.length()
	}
	return total
}

// Close syncs and closes every segment. Retired segments still pinned are
// closed too; their files are removed on the next Open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, seg := range s.segments {
		seg.mu.Lock()
		if err := syncLocked(seg); err != nil && firstErr == nil {
			firstErr = err
		}
		seg.writable = false
		seg.mu.Unlock()
	}
	s.closeAll()
	for _, seg := range s.tracker.pending() {
		seg.file.Close()
	}

	return firstErr
}

func (s *Store) closeAll() {
	for _, seg := range s.segments {
		seg.file.Close()
	}
}

// syncDir makes file creations and renames in dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: failed to open directory: %w", ErrIO, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("%w: failed to sync directory: %w", ErrIO, err)
	}
	return nil
}

// Handle is a pinned reference to a segment.
type Handle struct {
	store    *Store
	seg      *segment
	released bool
}

// ID returns the id of the pinned segment.
func (h *Handle) ID() uint64 {
	return h.seg.id
}

// Size returns the current size of the pinned segment.
func (h *Handle) Size() int64 {
	return h.seg.length()
}

// ReadAt reads length bytes at offset from the pinned segment.
func (h *Handle) ReadAt(offset int64, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+int64(length) > h.seg.length() {
		return nil, fmt.Errorf("%w: segment %d offset %d length %d size %d",
			ErrOutOfRange, h.seg.id, offset, length, h.seg.length())
	}

	buf := make([]byte, length)
	if _, err := h.seg.file.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("%w: failed to read segment %d: %w", ErrIO, h.seg.id, err)
	}
	return buf, nil
}

// Release drops the pin. Releasing twice is a no-op.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.store.release(h.seg)
}
