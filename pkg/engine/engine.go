// Package engine implements a crash-safe key-value store on top of an
// append-only segmented log.
//
// Every Set or Remove is encoded as a record and appended to the active
// segment; an in-memory index maps each live key to the location of its most
// recent Set record. Opening an engine rebuilds the index by replaying the
// segments, and compaction rewrites the live records into a fresh segment so
// that superseded ones can be deleted.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/kvs/pkg/common/log"
	"github.com/KevoDB/kvs/pkg/compaction"
	"github.com/KevoDB/kvs/pkg/config"
	"github.com/KevoDB/kvs/pkg/index"
	"github.com/KevoDB/kvs/pkg/record"
	"github.com/KevoDB/kvs/pkg/segment"
	"github.com/KevoDB/kvs/pkg/stats"
	"github.com/KevoDB/kvs/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// State is the lifecycle stage of an Engine.
type State int32

const (
	StateClosed State = iota
	StateRecovering
	StateReady
	StateCompacting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateRecovering:
		return "recovering"
	case StateReady:
		return "ready"
	case StateCompacting:
		return "compacting"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Option customises an Engine at open time.
type Option func(*options)

type options struct {
	logger    log.Logger
	telemetry telemetry.Telemetry
	collector stats.Collector
	overrides []func(*config.Config)
}

// WithLogger sets the logger used by the engine and its components.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTelemetry sets the telemetry the engine records metrics and spans to.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(o *options) { o.telemetry = tel }
}

// WithConfigOverride adjusts the configuration for this process only. The
// manifest on disk is left unchanged.
func WithConfigOverride(fn func(*config.Config)) Option {
	return func(o *options) { o.overrides = append(o.overrides, fn) }
}

// WithStatsCollector replaces the default in-process statistics collector.
func WithStatsCollector(c stats.Collector) Option {
	return func(o *options) { o.collector = c }
}

// Engine is a key-value store backed by a directory of segment files.
//
// Set, Remove and compaction are serialised by writeMu. mu guards the index
// and is held only for lookups and updates, never across file I/O, so Get
// runs concurrently with writers and with the copy phase of compaction.
type Engine struct {
	cfg    *config.Config
	dir    string
	logger log.Logger

	tel               telemetry.Telemetry
	metrics           EngineMetrics
	compactionMetrics compaction.CompactionMetrics
	stats             stats.Collector

	store     *segment.Store
	compactor *compaction.Compactor
	worker    *compaction.Worker

	writeMu sync.Mutex
	mu      sync.RWMutex
	idx     *index.Index

	active      atomic.Uint64
	state       atomic.Int32
	compacting  atomic.Bool
	uncompacted atomic.Int64
	compactions atomic.Uint64
}

// Open opens the store in dir, creating it with the default configuration if
// it does not exist. The configuration is kept in the directory's manifest.
func Open(dir string, opts ...Option) (*Engine, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create data directory: %w", ErrIO, err)
	}

	cfg, err := config.LoadConfigFromManifest(dir)
	if err != nil {
		if !errors.Is(err, config.ErrManifestNotFound) {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = config.NewDefaultConfig(dir)
		if err := cfg.SaveManifest(dir); err != nil {
			return nil, fmt.Errorf("failed to save configuration: %w", err)
		}
	}
	// The directory may have moved since the manifest was written.
	cfg.Update(func(c *config.Config) { c.DataDir = dir })

	return OpenWithConfig(cfg, opts...)
}

// OpenWithConfig opens the store described by cfg, replaying its segments
// into a fresh index. The engine always starts a new active segment.
func OpenWithConfig(cfg *config.Config, opts ...Option) (*Engine, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	cfg = cfg.Clone()
	for _, fn := range o.overrides {
		cfg.Update(fn)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = log.GetDefaultLogger()
	}
	if o.telemetry == nil {
		o.telemetry = telemetry.NewNoop()
	}
	if o.collector == nil {
		o.collector = stats.NewAtomicCollector()
	}

	e := &Engine{
		cfg:               cfg,
		dir:               cfg.DataDir,
		logger:            o.logger.WithField("component", "engine"),
		tel:               o.telemetry,
		metrics:           NewEngineMetrics(o.telemetry),
		compactionMetrics: compaction.NewCompactionMetrics(o.telemetry),
		stats:             o.collector,
	}
	e.state.Store(int32(StateRecovering))

	store, err := segment.Open(cfg.DataDir, segment.Options{
		SyncMode:  cfg.SyncMode,
		SyncBytes: cfg.SyncBytes,
		Logger:    o.logger,
	})
	if err != nil {
		e.state.Store(int32(StateClosed))
		return nil, err
	}
	e.store = store

	idx, err := e.recover()
	if err != nil {
		store.Close()
		e.state.Store(int32(StateClosed))
		return nil, err
	}
	e.idx = idx

	active, err := store.Create()
	if err != nil {
		store.Close()
		e.state.Store(int32(StateClosed))
		return nil, fmt.Errorf("failed to create active segment: %w", err)
	}
	e.active.Store(active)

	e.uncompacted.Store(store.DiskSize() - idx.LiveBytes())
	e.stats.TrackLiveBytes(uint64(idx.LiveBytes()))

	e.compactor = compaction.NewCompactor(store, compaction.Options{
		Logger:  o.logger,
		Metrics: e.compactionMetrics,
	})

	e.state.Store(int32(StateReady))
	e.logger.Info("Opened %s with %d keys, active segment %d", e.dir, idx.Len(), active)

	if cfg.CompactionInterval > 0 {
		e.worker = compaction.NewWorker(compactionTrigger{e},
			time.Duration(cfg.CompactionInterval)*time.Second,
			compaction.Options{Logger: o.logger, Metrics: e.compactionMetrics})
		e.worker.Start()
	}

	return e, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) closed() bool {
	return e.State() == StateClosed
}

func (e *Engine) checkKey(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if len(key) > e.cfg.MaxKeySize {
		return fmt.Errorf("%w: key is %d bytes, limit %d", ErrInvalidKey, len(key), e.cfg.MaxKeySize)
	}
	return nil
}

// Set stores value under key. Crossing the compaction threshold compacts the
// store before Set returns.
func (e *Engine) Set(key, value []byte) error {
	if e.closed() {
		return ErrEngineClosed
	}
	if err := e.checkKey(key); err != nil {
		return err
	}
	if len(value) > e.cfg.MaxValueSize {
		return fmt.Errorf("%w: value is %d bytes, limit %d", ErrValueTooLarge, len(value), e.cfg.MaxValueSize)
	}

	start := time.Now()
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed() {
		return ErrEngineClosed
	}

	raw := record.Encode(record.Set(key, value))
	loc, err := e.appendLocked(raw)
	if err != nil {
		e.trackError(telemetry.OpTypeSet, err)
		return err
	}

	e.mu.Lock()
	e.idx.Set(key, loc)
	live := e.idx.LiveBytes()
	e.mu.Unlock()

	latency := time.Since(start)
	e.stats.TrackOperationWithLatency(stats.OpSet, uint64(latency.Nanoseconds()))
	e.stats.TrackBytes(true, uint64(len(raw)))
	e.stats.TrackLiveBytes(uint64(live))
	e.metrics.RecordSet(context.Background(), latency, int64(len(raw)))

	if e.uncompacted.Add(int64(len(raw))) >= e.cfg.CompactionThreshold {
		e.compactionMetrics.RecordTrigger(context.Background(), compaction.TriggerThreshold)
		if err := e.compactLocked(compaction.TriggerThreshold); err != nil {
			// The write itself is durable; a failed compaction is retried on
			// the next trigger.
			e.logger.Error("Compaction after set failed: %v", err)
		}
	}
	return nil
}

// Get returns the value stored under key. found is false when the key does
// not exist.
func (e *Engine) Get(key []byte) (value []byte, found bool, err error) {
	if e.closed() {
		return nil, false, ErrEngineClosed
	}
	if err := e.checkKey(key); err != nil {
		return nil, false, err
	}

	start := time.Now()

	e.mu.RLock()
	loc, ok := e.idx.Get(key)
	var h *segment.Handle
	if ok {
		h, err = e.store.Acquire(loc.SegmentID)
	}
	e.mu.RUnlock()

	if !ok {
		latency := time.Since(start)
		e.stats.TrackOperationWithLatency(stats.OpGet, uint64(latency.Nanoseconds()))
		e.metrics.RecordGet(context.Background(), latency, false)
		return nil, false, nil
	}
	if err != nil {
		if errors.Is(err, segment.ErrStoreClosed) {
			return nil, false, ErrEngineClosed
		}
		e.trackError(telemetry.OpTypeGet, err)
		return nil, false, err
	}
	defer h.Release()

	raw, err := h.ReadAt(loc.Offset, int(loc.Length))
	if err != nil {
		e.trackError(telemetry.OpTypeGet, err)
		return nil, false, err
	}

	rec, _, err := record.Decode(raw)
	if err == nil && (rec.Kind != record.KindSet || !bytes.Equal(rec.Key, key)) {
		err = fmt.Errorf("%w: %s holds a %s record for %q", ErrCorruptRecord, loc, rec.Kind, rec.Key)
	}
	if err != nil {
		e.logger.Error("Index entry for %q at %s is unusable: %v", key, loc, err)
		e.trackError(telemetry.OpTypeGet, err)
		return nil, false, err
	}

	latency := time.Since(start)
	e.stats.TrackOperationWithLatency(stats.OpGet, uint64(latency.Nanoseconds()))
	e.stats.TrackBytes(false, uint64(len(raw)))
	e.metrics.RecordGet(context.Background(), latency, true)
	return rec.Value, true, nil
}

// Remove deletes key. It fails with ErrKeyNotFound if the key does not exist.
func (e *Engine) Remove(key []byte) error {
	if e.closed() {
		return ErrEngineClosed
	}
	if err := e.checkKey(key); err != nil {
		return err
	}

	start := time.Now()
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed() {
		return ErrEngineClosed
	}

	e.mu.RLock()
	_, ok := e.idx.Get(key)
	e.mu.RUnlock()
	if !ok {
		e.stats.TrackOperation(stats.OpRemove)
		e.metrics.RecordRemove(context.Background(), time.Since(start), false)
		return ErrKeyNotFound
	}

	raw := record.Encode(record.Remove(key))
	if _, err := e.appendLocked(raw); err != nil {
		e.trackError(telemetry.OpTypeRemove, err)
		return err
	}

	e.mu.Lock()
	e.idx.Remove(key)
	live := e.idx.LiveBytes()
	e.mu.Unlock()

	latency := time.Since(start)
	e.stats.TrackOperationWithLatency(stats.OpRemove, uint64(latency.Nanoseconds()))
	e.stats.TrackBytes(true, uint64(len(raw)))
	e.stats.TrackLiveBytes(uint64(live))
	e.metrics.RecordRemove(context.Background(), latency, true)

	e.uncompacted.Add(int64(len(raw)))
	return nil
}

// appendLocked writes raw to the active segment, rolling first when the
// segment is full. writeMu must be held.
func (e *Engine) appendLocked(raw []byte) (index.Location, error) {
	active := e.active.Load()
	size, err := e.store.Size(active)
	if err != nil {
		return index.Location{}, err
	}
	if size > 0 && size+int64(len(raw)) > e.cfg.SegmentMaxSize {
		if active, err = e.roll(); err != nil {
			return index.Location{}, err
		}
	}

	offset, err := e.store.Append(active, raw)
	if err != nil {
		return index.Location{}, err
	}
	return index.Location{SegmentID: active, Offset: offset, Length: uint32(len(raw))}, nil
}

// roll makes a new segment active and seals the previous one. writeMu must
// be held. The new segment is active even if sealing the old one fails.
func (e *Engine) roll() (uint64, error) {
	prev := e.active.Load()
	next, err := e.store.Create()
	if err != nil {
		return 0, fmt.Errorf("failed to create segment: %w", err)
	}
	e.active.Store(next)

	e.stats.TrackOperation(stats.OpRoll)
	e.metrics.RecordRoll(context.Background(), next)
	e.logger.Debug("Rolled active segment %d -> %d", prev, next)

	if err := e.store.Seal(prev); err != nil {
		return next, fmt.Errorf("failed to seal segment %d: %w", prev, err)
	}
	return next, nil
}

// Compact rewrites the live records into a new segment and retires the
// segments they came from. It is a no-op while another compaction runs.
func (e *Engine) Compact() error {
	if e.closed() {
		return ErrEngineClosed
	}
	e.compactionMetrics.RecordTrigger(context.Background(), compaction.TriggerManual)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.compactLocked(compaction.TriggerManual)
}

// compactLocked runs one compaction pass requested for reason. writeMu must
// be held.
func (e *Engine) compactLocked(reason string) error {
	if e.closed() {
		return ErrEngineClosed
	}
	if !e.compacting.CompareAndSwap(false, true) {
		return nil
	}
	defer e.compacting.Store(false)

	e.state.Store(int32(StateCompacting))
	defer e.state.CompareAndSwap(int32(StateCompacting), int32(StateReady))

	_, span := e.tel.StartSpan(context.Background(), "kvs.engine.compact",
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrReason, reason))
	defer span.End()
	e.logger.Debug("Starting %s compaction", reason)

	res, err := e.compactor.Run(keyspace{e})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.trackError(telemetry.OpTypeCompact, err)
		return fmt.Errorf("compaction failed: %w", err)
	}

	e.uncompacted.Store(0)
	e.compactions.Add(1)
	e.stats.TrackOperationWithLatency(stats.OpCompact, uint64(res.Duration.Nanoseconds()))
	e.stats.TrackCompaction(uint64(res.Reclaimed()), res.Duration)
	span.SetAttributes(
		attribute.Int("entries", res.Entries),
		attribute.Int64("reclaimed_bytes", res.Reclaimed()),
		attribute.Int("segments_retired", len(res.Retired)),
		attribute.Int("segments_kept", len(res.Kept)),
	)
	return nil
}

// needsCompaction reports whether garbage has reached the threshold.
func (e *Engine) needsCompaction() bool {
	return !e.closed() && e.uncompacted.Load() >= e.cfg.CompactionThreshold
}

// Close stops background work, persists the index snapshot if enabled and
// closes the segment files. Closing a closed engine is a no-op.
func (e *Engine) Close() error {
	if e.closed() {
		return nil
	}
	if e.worker != nil {
		e.worker.Stop()
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed() {
		return nil
	}

	var errs []error
	if err := e.store.Seal(e.active.Load()); err != nil {
		errs = append(errs, err)
	}
	if e.cfg.IndexSnapshot && len(errs) == 0 {
		if err := e.writeSnapshot(); err != nil {
			// Replay rebuilds the index without it.
			e.logger.Warn("Failed to write index snapshot: %v", err)
		}
	}

	e.mu.Lock()
	e.state.Store(int32(StateClosed))
	e.mu.Unlock()

	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, e.metrics.Close(), e.compactionMetrics.Close())

	e.logger.Info("Closed %s", e.dir)
	return errors.Join(errs...)
}

// writeSnapshot persists the index together with the sizes of the segments
// it was built from. Empty segments are left out since Open retires them.
func (e *Engine) writeSnapshot() error {
	var covered []index.Coverage
	for _, id := range e.store.List() {
		size, err := e.store.Size(id)
		if err != nil {
			return err
		}
		if size > 0 {
			covered = append(covered, index.Coverage{SegmentID: id, Size: size})
		}
	}

	e.mu.RLock()
	snap := e.idx.Snapshot()
	e.mu.RUnlock()

	path := filepath.Join(e.dir, index.SnapshotFileName)
	if err := index.WriteSnapshot(path, snap, covered, e.cfg.IndexSnapshotLevel); err != nil {
		return err
	}
	e.logger.Debug("Wrote index snapshot with %d keys over %d segments", snap.Len(), len(covered))
	return nil
}

// GetStats returns operation statistics merged with the current shape of the store.
func (e *Engine) GetStats() map[string]interface{} {
	out := e.stats.GetStats()

	e.mu.RLock()
	out["live_keys"] = e.idx.Len()
	out["live_bytes"] = e.idx.LiveBytes()
	e.mu.RUnlock()

	out["state"] = e.State().String()
	out["active_segment"] = e.active.Load()
	out["uncompacted_bytes"] = e.uncompacted.Load()
	out["compactions"] = e.compactions.Load()
	if !e.closed() {
		out["segments"] = len(e.store.List())
		out["disk_bytes"] = e.store.DiskSize()
	}
	return out
}

// Config returns a copy of the engine's configuration.
func (e *Engine) Config() *config.Config {
	return e.cfg.Clone()
}

func (e *Engine) trackError(op string, err error) {
	kind := errorType(err)
	e.stats.TrackError(op + "_" + kind)
	e.metrics.RecordError(context.Background(), op, err)
}

// errorType classifies an error for counters.
func errorType(err error) string {
	switch {
	case errors.Is(err, ErrCorruptRecord):
		return "corrupt"
	case errors.Is(err, ErrIO):
		return "io"
	case errors.Is(err, ErrEngineClosed), errors.Is(err, segment.ErrStoreClosed):
		return "closed"
	case errors.Is(err, ErrKeyNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidKey), errors.Is(err, ErrValueTooLarge):
		return "invalid"
	default:
		return "other"
	}
}

// keyspace exposes the engine's index to the compactor.
type keyspace struct {
	e *Engine
}

func (k keyspace) Snapshot() *index.Index {
	k.e.mu.RLock()
	defer k.e.mu.RUnlock()
	return k.e.idx.Snapshot()
}

func (k keyspace) Relocate(key string, from, to index.Location) bool {
	k.e.mu.Lock()
	defer k.e.mu.Unlock()
	return k.e.idx.Relocate(key, from, to)
}

func (k keyspace) LiveSegments() map[uint64]int {
	k.e.mu.RLock()
	defer k.e.mu.RUnlock()
	return k.e.idx.Segments()
}

func (k keyspace) Restore(snap *index.Index) {
	k.e.mu.Lock()
	defer k.e.mu.Unlock()
	k.e.idx = snap
}

func (k keyspace) Roll() (uint64, error) {
	return k.e.roll()
}

// compactionTrigger lets the background worker drive compaction.
type compactionTrigger struct {
	e *Engine
}

func (t compactionTrigger) NeedsCompaction() bool {
	return t.e.needsCompaction()
}

func (t compactionTrigger) RunCompaction(reason string) error {
	t.e.writeMu.Lock()
	defer t.e.writeMu.Unlock()
	if !t.e.needsCompaction() {
		return nil
	}
	return t.e.compactLocked(reason)
}
