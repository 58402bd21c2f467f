package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ManifestEntry is one revision of the store configuration.
type ManifestEntry struct {
	Timestamp int64   `json:"timestamp"`
	Version   int     `json:"version"`
	Config    *Config `json:"config"`
}

// Manifest is the configuration history kept in the data directory. The last
// entry is the configuration in effect.
type Manifest struct {
	mu      sync.RWMutex
	dir     string
	entries []ManifestEntry
}

func newEntry(cfg *Config) ManifestEntry {
	return ManifestEntry{Timestamp: time.Now().Unix(), Version: CurrentManifestVersion, Config: cfg}
}

// NewManifest starts a history for dir whose only entry is cfg, or the
// default configuration when cfg is nil.
func NewManifest(dir string, cfg *Config) (*Manifest, error) {
	if cfg == nil {
		cfg = NewDefaultConfig(dir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manifest{dir: dir, entries: []ManifestEntry{newEntry(cfg)}}, nil
}

// LoadManifest reads the history stored in dir. It returns
// ErrManifestNotFound when there is none.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, DefaultManifestFileName))
	if os.IsNotExist(err) {
		return nil, ErrManifestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	m := &Manifest{dir: dir}
	if err := json.Unmarshal(data, &m.entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if len(m.entries) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrInvalidManifest)
	}
	for i, e := range m.entries {
		if e.Config == nil {
			return nil, fmt.Errorf("%w: entry %d has no config", ErrInvalidManifest, i)
		}
	}
	if err := m.current().Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manifest) current() *Config {
	return m.entries[len(m.entries)-1].Config
}

// Dir returns the directory the manifest is stored in
func (m *Manifest) Dir() string {
	return m.dir
}

// Config returns the configuration in effect
func (m *Manifest) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current()
}

// History returns every entry, oldest first
func (m *Manifest) History() []ManifestEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ManifestEntry(nil), m.entries...)
}

// UpdateConfig applies fn to a copy of the current configuration and records
// the result as a new entry. An update that changes nothing is dropped.
func (m *Manifest) UpdateConfig(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	before, err := json.Marshal(m.current())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	next := m.current().Clone()
	fn(next)
	if err := next.Validate(); err != nil {
		return err
	}

	after, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if !bytes.Equal(before, after) {
		m.entries = append(m.entries, newEntry(next))
	}
	return nil
}

// Save writes the history to dir. The file is synced before it replaces the
// previous manifest.
func (m *Manifest) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.current().Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	path := filepath.Join(m.dir, DefaultManifestFileName)
	tmp := path + ".tmp"
	if err := writeSynced(tmp, data); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename manifest: %w", err)
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
