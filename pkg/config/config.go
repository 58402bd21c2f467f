package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/KevoDB/kvs/pkg/record"
)

const (
	DefaultManifestFileName = "MANIFEST"
	CurrentManifestVersion  = 1
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

// SyncMode controls when appended segment bytes are flushed to stable storage.
type SyncMode int

const (
	// SyncNone leaves flushing to the operating system.
	SyncNone SyncMode = iota
	// SyncBatch syncs once SyncBytes have been appended since the last sync.
	SyncBatch
	// SyncImmediate syncs before every append returns.
	SyncImmediate
)

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncBatch:
		return "batch"
	case SyncImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("SyncMode(%d)", int(m))
	}
}

// ParseSyncMode converts "none", "batch" or "immediate" into a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return SyncNone, nil
	case "batch":
		return SyncBatch, nil
	case "immediate", "":
		return SyncImmediate, nil
	default:
		return SyncImmediate, fmt.Errorf("%w: unknown sync mode %q", ErrInvalidConfig, s)
	}
}

type Config struct {
	Version int `json:"version"`

	DataDir string `json:"data_dir"`

	// Segment configuration
	SyncMode       SyncMode `json:"sync_mode"`
	SyncBytes      int64    `json:"sync_bytes"`
	SegmentMaxSize int64    `json:"segment_max_size"`

	// Compaction configuration
	CompactionThreshold int64 `json:"compaction_threshold"`
	CompactionInterval  int64 `json:"compaction_interval"` // seconds, 0 disables the background worker

	// Limits
	MaxKeySize   int `json:"max_key_size"`
	MaxValueSize int `json:"max_value_size"`

	// Index snapshot written on clean shutdown
	IndexSnapshot      bool   `json:"index_snapshot"`
	IndexSnapshotLevel string `json:"index_snapshot_level"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig(dbPath string) *Config {
	return &Config{
		Version: CurrentManifestVersion,
		DataDir: dbPath,

		SyncMode:       SyncImmediate,
		SyncBytes:      1024 * 1024,      // 1MB
		SegmentMaxSize: 16 * 1024 * 1024, // 16MB

		CompactionThreshold: 4 * 1024 * 1024, // 4MB
		CompactionInterval:  0,

		MaxKeySize:   4096,
		MaxValueSize: 10 * 1024 * 1024, // 10MB

		IndexSnapshot:      true,
		IndexSnapshotLevel: "default",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validateLocked()
}

func (c *Config) validateLocked() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.DataDir == "" {
		return fmt.Errorf("%w: data directory not specified", ErrInvalidConfig)
	}

	if c.SyncMode < SyncNone || c.SyncMode > SyncImmediate {
		return fmt.Errorf("%w: unknown sync mode %d", ErrInvalidConfig, c.SyncMode)
	}

	if c.SyncMode == SyncBatch && c.SyncBytes <= 0 {
		return fmt.Errorf("%w: sync bytes must be positive in batch mode", ErrInvalidConfig)
	}

	if c.SegmentMaxSize <= 0 {
		return fmt.Errorf("%w: segment max size must be positive", ErrInvalidConfig)
	}

	if c.CompactionThreshold <= 0 {
		return fmt.Errorf("%w: compaction threshold must be positive", ErrInvalidConfig)
	}

	if c.CompactionInterval < 0 {
		return fmt.Errorf("%w: compaction interval must not be negative", ErrInvalidConfig)
	}

	if c.MaxKeySize <= 0 {
		return fmt.Errorf("%w: max key size must be positive", ErrInvalidConfig)
	}

	if c.MaxValueSize < 0 {
		return fmt.Errorf("%w: max value size must not be negative", ErrInvalidConfig)
	}

	// Records the decoder would reject must never be written.
	if c.MaxKeySize > record.MaxKeySize {
		return fmt.Errorf("%w: max key size %d exceeds record limit %d", ErrInvalidConfig, c.MaxKeySize, record.MaxKeySize)
	}

	if c.MaxValueSize > record.MaxValueSize {
		return fmt.Errorf("%w: max value size %d exceeds record limit %d", ErrInvalidConfig, c.MaxValueSize, record.MaxValueSize)
	}

	switch c.IndexSnapshotLevel {
	case "", "fastest", "default", "better", "best":
	default:
		return fmt.Errorf("%w: unknown index snapshot level %q", ErrInvalidConfig, c.IndexSnapshotLevel)
	}

	return nil
}

// Clone returns a copy of the configuration that shares no state with c.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := &Config{}
	out.copyFrom(c)
	return out
}

// LoadConfigFromManifest loads the current configuration entry from the manifest file
func LoadConfigFromManifest(dbPath string) (*Config, error) {
	m, err := LoadManifest(dbPath)
	if err != nil {
		return nil, err
	}
	return m.Config(), nil
}

// SaveManifest records the configuration in the manifest file, appending a new
// entry to an existing manifest or creating one.
func (c *Config) SaveManifest(dbPath string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	m, err := LoadManifest(dbPath)
	switch {
	case errors.Is(err, ErrManifestNotFound):
		m, err = NewManifest(dbPath, c.Clone())
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		snapshot := c.Clone()
		if err := m.UpdateConfig(func(next *Config) { next.copyFrom(snapshot) }); err != nil {
			return err
		}
	}

	return m.Save()
}

func (c *Config) copyFrom(o *Config) {
	c.Version = o.Version
	c.DataDir = o.DataDir
	c.SyncMode = o.SyncMode
	c.SyncBytes = o.SyncBytes
	c.SegmentMaxSize = o.SegmentMaxSize
	c.CompactionThreshold = o.CompactionThreshold
	c.CompactionInterval = o.CompactionInterval
	c.MaxKeySize = o.MaxKeySize
	c.MaxValueSize = o.MaxValueSize
	c.IndexSnapshot = o.IndexSnapshot
	c.IndexSnapshotLevel = o.IndexSnapshotLevel
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
