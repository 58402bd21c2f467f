package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

const (
	OpSet     OperationType = "set"
	OpGet     OperationType = "get"
	OpRemove  OperationType = "remove"
	OpCompact OperationType = "compact"
	OpRoll    OperationType = "roll"
)

// AtomicCollector collects statistics with atomic counters. Maps are only
// locked when a new operation or error type is first seen.
type AtomicCollector struct {
	counts   map[OperationType]*opCounter
	countsMu sync.RWMutex

	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64
	liveBytes         atomic.Uint64

	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex

	compactionCount    atomic.Uint64
	reclaimedBytes     atomic.Uint64
	lastCompactionNs   atomic.Int64
	lastCompactionTime atomic.Int64

	recovery recoveryStats

	latencies   map[OperationType]*LatencyTracker
	latenciesMu sync.RWMutex
}

type opCounter struct {
	count  atomic.Uint64
	lastNs atomic.Int64 // unix nanoseconds of the last occurrence
}

type recoveryStats struct {
	segmentsReplayed atomic.Uint64
	recordsReplayed  atomic.Uint64
	tornTails        atomic.Uint64
	tailBytes        atomic.Uint64
	snapshotUsed     atomic.Bool
	durationNs       atomic.Int64
}

// LatencyTracker maintains running statistics about operation latencies
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64 // nanoseconds
	max   atomic.Uint64 // nanoseconds
	min   atomic.Uint64 // nanoseconds, 0 until the first sample
}

func (t *LatencyTracker) record(latencyNs uint64) {
	t.count.Add(1)
	t.sum.Add(latencyNs)

	for {
		current := t.max.Load()
		if latencyNs <= current || t.max.CompareAndSwap(current, latencyNs) {
			break
		}
	}

	for {
		current := t.min.Load()
		if current != 0 && latencyNs >= current {
			break
		}
		if t.min.CompareAndSwap(current, latencyNs) {
			break
		}
	}
}

// NewAtomicCollector creates a new atomic statistics collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counts:    make(map[OperationType]*opCounter),
		errors:    make(map[string]*atomic.Uint64),
		latencies: make(map[OperationType]*LatencyTracker),
	}
}

// TrackOperation increments the counter for the specified operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	counter := c.getOrCreateCounter(op)
	counter.count.Add(1)
	counter.lastNs.Store(time.Now().UnixNano())
}

// TrackOperationWithLatency tracks an operation and its latency
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.TrackOperation(op)
	c.getOrCreateLatencyTracker(op).record(latencyNs)
}

// TrackError increments the counter for the specified error type
func (c *AtomicCollector) TrackError(errorType string) {
	c.errorsMu.RLock()
	counter, exists := c.errors[errorType]
	c.errorsMu.RUnlock()

	if !exists {
		c.errorsMu.Lock()
		if counter, exists = c.errors[errorType]; !exists {
			counter = &atomic.Uint64{}
			c.errors[errorType] = counter
		}
		c.errorsMu.Unlock()
	}

	counter.Add(1)
}

// TrackBytes adds the specified number of bytes to the read or write counter
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackLiveBytes records the encoded size of the live records
func (c *AtomicCollector) TrackLiveBytes(size uint64) {
	c.liveBytes.Store(size)
}

// TrackCompaction records a finished compaction pass
func (c *AtomicCollector) TrackCompaction(reclaimedBytes uint64, duration time.Duration) {
	c.compactionCount.Add(1)
	c.reclaimedBytes.Add(reclaimedBytes)
	c.lastCompactionNs.Store(duration.Nanoseconds())
	c.lastCompactionTime.Store(time.Now().UnixNano())
}

// StartRecovery resets recovery statistics and returns the start time
func (c *AtomicCollector) StartRecovery() time.Time {
	c.recovery.segmentsReplayed.Store(0)
	c.recovery.recordsReplayed.Store(0)
	c.recovery.tornTails.Store(0)
	c.recovery.tailBytes.Store(0)
	c.recovery.snapshotUsed.Store(false)
	c.recovery.durationNs.Store(0)

	return time.Now()
}

// FinishRecovery completes recovery statistics
func (c *AtomicCollector) FinishRecovery(startTime time.Time, result RecoveryResult) {
	c.recovery.segmentsReplayed.Store(result.SegmentsReplayed)
	c.recovery.recordsReplayed.Store(result.RecordsReplayed)
	c.recovery.tornTails.Store(result.TornTails)
	c.recovery.tailBytes.Store(result.TailBytesIgnored)
	c.recovery.snapshotUsed.Store(result.SnapshotUsed)
	c.recovery.durationNs.Store(time.Since(startTime).Nanoseconds())
}

// GetStats returns all statistics as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.count.Load()
		stats["last_"+string(op)+"_time"] = counter.lastNs.Load()
	}
	c.countsMu.RUnlock()

	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()
	stats["live_bytes"] = c.liveBytes.Load()

	compaction := map[string]interface{}{
		"count":           c.compactionCount.Load(),
		"reclaimed_bytes": c.reclaimedBytes.Load(),
	}
	if last := c.lastCompactionTime.Load(); last > 0 {
		compaction["last_time"] = last
		compaction["last_duration_ms"] = c.lastCompactionNs.Load() / int64(time.Millisecond)
	}
	stats["compaction"] = compaction

	c.errorsMu.RLock()
	errorStats := make(map[string]uint64, len(c.errors))
	for errType, counter := range c.errors {
		errorStats[errType] = counter.Load()
	}
	c.errorsMu.RUnlock()
	stats["errors"] = errorStats

	recovery := map[string]interface{}{
		"segments_replayed":  c.recovery.segmentsReplayed.Load(),
		"records_replayed":   c.recovery.recordsReplayed.Load(),
		"torn_tails":         c.recovery.tornTails.Load(),
		"tail_bytes_ignored": c.recovery.tailBytes.Load(),
		"snapshot_used":      c.recovery.snapshotUsed.Load(),
	}
	if d := c.recovery.durationNs.Load(); d > 0 {
		recovery["duration_ms"] = d / int64(time.Millisecond)
	}
	stats["recovery"] = recovery

	c.latenciesMu.RLock()
	for op, tracker := range c.latencies {
		count := tracker.count.Load()
		if count == 0 {
			continue
		}

		latencyStats := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
		}
		if min := tracker.min.Load(); min != 0 {
			latencyStats["min_ns"] = min
		}
		if max := tracker.max.Load(); max != 0 {
			latencyStats["max_ns"] = max
		}

		stats[string(op)+"_latency"] = latencyStats
	}
	c.latenciesMu.RUnlock()

	return stats
}

// GetStatsFiltered returns statistics whose key starts with prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	filtered := make(map[string]interface{})
	for key, value := range c.GetStats() {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}
	return filtered
}

func (c *AtomicCollector) getOrCreateCounter(op OperationType) *opCounter {
	c.countsMu.RLock()
	counter, exists := c.counts[op]
	c.countsMu.RUnlock()

	if !exists {
		c.countsMu.Lock()
		if counter, exists = c.counts[op]; !exists {
			counter = &opCounter{}
			c.counts[op] = counter
		}
		c.countsMu.Unlock()
	}

	return counter
}

func (c *AtomicCollector) getOrCreateLatencyTracker(op OperationType) *LatencyTracker {
	c.latenciesMu.RLock()
	tracker, exists := c.latencies[op]
	c.latenciesMu.RUnlock()

	if !exists {
		c.latenciesMu.Lock()
		if tracker, exists = c.latencies[op]; !exists {
			tracker = &LatencyTracker{}
			c.latencies[op] = tracker
		}
		c.latenciesMu.Unlock()
	}

	return tracker
}
