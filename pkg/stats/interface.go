package stats

import "time"

// Provider defines the interface for components that provide statistics
type Provider interface {
	// GetStats returns all statistics
	GetStats() map[string]interface{}

	// GetStatsFiltered returns statistics whose key starts with prefix
	GetStatsFiltered(prefix string) map[string]interface{}
}

// Collector interface defines methods for collecting statistics
type Collector interface {
	Provider

	// TrackOperation records a single operation
	TrackOperation(op OperationType)

	// TrackOperationWithLatency records an operation with its latency
	TrackOperationWithLatency(op OperationType, latencyNs uint64)

	// TrackError increments the counter for the specified error type
	TrackError(errorType string)

	// TrackBytes adds the specified number of bytes to the read or write counter
	TrackBytes(isWrite bool, bytes uint64)

	// TrackLiveBytes records the encoded size of the live records
	TrackLiveBytes(size uint64)

	// TrackCompaction records a finished compaction pass
	TrackCompaction(reclaimedBytes uint64, duration time.Duration)

	// StartRecovery initializes recovery statistics
	StartRecovery() time.Time

	// FinishRecovery completes recovery statistics
	FinishRecovery(startTime time.Time, result RecoveryResult)
}

// RecoveryResult summarises one startup replay.
type RecoveryResult struct {
	SegmentsReplayed uint64
	RecordsReplayed  uint64
	TornTails        uint64
	TailBytesIgnored uint64
	SnapshotUsed     bool
}

var _ Collector = (*AtomicCollector)(nil)
