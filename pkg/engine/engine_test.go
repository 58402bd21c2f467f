package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/KevoDB/kvs/pkg/common/log"
	"github.com/KevoDB/kvs/pkg/compaction"
	"github.com/KevoDB/kvs/pkg/config"
	"github.com/KevoDB/kvs/pkg/record"
	"github.com/KevoDB/kvs/pkg/segment"
	"github.com/KevoDB/kvs/pkg/telemetry"
)

func openTestEngine(t *testing.T, dir string, mutate func(*config.Config)) *Engine {
	t.Helper()

	cfg := config.NewDefaultConfig(dir)
	cfg.SyncMode = config.SyncNone
	if mutate != nil {
		mutate(cfg)
	}

	e, err := OpenWithConfig(cfg, WithLogger(log.NewNop()))
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	return e
}

func mustSet(t *testing.T, e *Engine, key, value string) {
	t.Helper()
	if err := e.Set([]byte(key), []byte(value)); err != nil {
		t.Fatalf("Failed to set %q: %v", key, err)
	}
}

func expectValue(t *testing.T, e *Engine, key, want string) {
	t.Helper()
	value, found, err := e.Get([]byte(key))
	if err != nil {
		t.Fatalf("Failed to get %q: %v", key, err)
	}
	if !found {
		t.Fatalf("Expected %q to be found", key)
	}
	if string(value) != want {
		t.Errorf("Get(%q) = %q, want %q", key, value, want)
	}
}

func expectMissing(t *testing.T, e *Engine, key string) {
	t.Helper()
	value, found, err := e.Get([]byte(key))
	if err != nil {
		t.Fatalf("Failed to get %q: %v", key, err)
	}
	if found {
		t.Errorf("Expected %q to be missing, got %q", key, value)
	}
}

func TestEngine_BasicOperations(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	defer e.Close()

	if e.State() != StateReady {
		t.Errorf("Expected state ready, got %s", e.State())
	}

	mustSet(t, e, "key1", "value1")
	expectValue(t, e, "key1", "value1")
	expectMissing(t, e, "nope")

	mustSet(t, e, "key1", "value2")
	expectValue(t, e, "key1", "value2")

	if err := e.Set([]byte("empty"), nil); err != nil {
		t.Fatalf("Failed to set empty value: %v", err)
	}
	expectValue(t, e, "empty", "")

	if err := e.Remove([]byte("key1")); err != nil {
		t.Fatalf("Failed to remove key1: %v", err)
	}
	expectMissing(t, e, "key1")

	if err := e.Remove([]byte("key1")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound on second remove, got %v", err)
	}
	if err := e.Remove([]byte("never")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound for missing key, got %v", err)
	}
}

func TestEngine_Limits(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), func(c *config.Config) {
		c.MaxKeySize = 8
		c.MaxValueSize = 16
	})
	defer e.Close()

	tests := []struct {
		name  string
		key   []byte
		value []byte
		want  error
	}{
		{"empty key", nil, []byte("v"), ErrInvalidKey},
		{"long key", bytes.Repeat([]byte("k"), 9), []byte("v"), ErrInvalidKey},
		{"large value", []byte("k"), bytes.Repeat([]byte("v"), 17), ErrValueTooLarge},
		{"at limits", bytes.Repeat([]byte("k"), 8), bytes.Repeat([]byte("v"), 16), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Set(tt.key, tt.value)
			if !errors.Is(err, tt.want) {
				t.Errorf("Set() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, _, err := e.Get(nil); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey from Get, got %v", err)
	}
	if err := e.Remove(nil); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey from Remove, got %v", err)
	}
}

func TestEngine_Lifecycle(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	mustSet(t, e, "a", "1")

	if err := e.Close(); err != nil {
		t.Fatalf("Failed to close engine: %v", err)
	}
	if e.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", e.State())
	}
	if err := e.Close(); err != nil {
		t.Errorf("Second close returned error: %v", err)
	}

	if err := e.Set([]byte("a"), []byte("2")); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Expected ErrEngineClosed from Set, got %v", err)
	}
	if _, _, err := e.Get([]byte("a")); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Expected ErrEngineClosed from Get, got %v", err)
	}
	if err := e.Remove([]byte("a")); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Expected ErrEngineClosed from Remove, got %v", err)
	}
	if err := e.Compact(); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Expected ErrEngineClosed from Compact, got %v", err)
	}
}

func TestEngine_OpenCreatesManifest(t *testing.T) {
	dir := t.TempDir()

	e, err := Open(dir, WithLogger(log.NewNop()))
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	mustSet(t, e, "a", "1")
	if err := e.Close(); err != nil {
		t.Fatalf("Failed to close engine: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, config.DefaultManifestFileName)); err != nil {
		t.Fatalf("Expected manifest to exist: %v", err)
	}

	e, err = Open(dir, WithLogger(log.NewNop()))
	if err != nil {
		t.Fatalf("Failed to reopen engine: %v", err)
	}
	defer e.Close()
	expectValue(t, e, "a", "1")

	if got := e.Config().CompactionThreshold; got != 4*1024*1024 {
		t.Errorf("Expected default compaction threshold, got %d", got)
	}
}

func TestEngine_ConfigOverride(t *testing.T) {
	dir := t.TempDir()

	e, err := Open(dir, WithLogger(log.NewNop()), WithConfigOverride(func(c *config.Config) {
		c.MaxKeySize = 4
		c.SyncMode = config.SyncNone
	}))
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	if err := e.Set([]byte("toolong"), []byte("v")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey under the overridden limit, got %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Failed to close engine: %v", err)
	}

	cfg, err := config.LoadConfigFromManifest(dir)
	if err != nil {
		t.Fatalf("Failed to load manifest: %v", err)
	}
	if cfg.MaxKeySize != 4096 {
		t.Errorf("Expected the manifest to keep the default key limit, got %d", cfg.MaxKeySize)
	}

	_, err = Open(dir, WithLogger(log.NewNop()), WithConfigOverride(func(c *config.Config) {
		c.SegmentMaxSize = 0
	}))
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for an invalid override, got %v", err)
	}
}

func TestEngine_KeyLimitHeldToRecordLimit(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(dir, WithLogger(log.NewNop()), WithConfigOverride(func(c *config.Config) {
		c.MaxKeySize = 1 << 20
	}))
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("Expected ErrInvalidConfig for a key limit above the record limit, got %v", err)
	}

	largest := func(c *config.Config) {
		c.MaxKeySize = record.MaxKeySize
		c.IndexSnapshot = false
		c.SyncMode = config.SyncNone
	}
	e, err := Open(dir, WithLogger(log.NewNop()), WithConfigOverride(largest))
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}

	key := string(bytes.Repeat([]byte("k"), record.MaxKeySize))
	mustSet(t, e, key, "v")
	expectValue(t, e, key, "v")
	if err := e.Set(bytes.Repeat([]byte("k"), record.MaxKeySize+1), []byte("v")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey, got %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Failed to close engine: %v", err)
	}

	e, err = Open(dir, WithLogger(log.NewNop()), WithConfigOverride(largest))
	if err != nil {
		t.Fatalf("Failed to reopen engine: %v", err)
	}
	defer e.Close()
	expectValue(t, e, key, "v")
}

// TestEngine_ExampleScenario walks set a, set b, overwrite a, remove b across
// reopens and compaction.
func TestEngine_ExampleScenario(t *testing.T) {
	for _, snapshot := range []bool{true, false} {
		t.Run(fmt.Sprintf("snapshot=%v", snapshot), func(t *testing.T) {
			dir := t.TempDir()
			mutate := func(c *config.Config) { c.IndexSnapshot = snapshot }

			e := openTestEngine(t, dir, mutate)
			mustSet(t, e, "a", "1")
			mustSet(t, e, "b", "2")
			mustSet(t, e, "a", "3")
			if err := e.Remove([]byte("b")); err != nil {
				t.Fatalf("Failed to remove b: %v", err)
			}

			check := func(e *Engine) {
				t.Helper()
				expectValue(t, e, "a", "3")
				expectMissing(t, e, "b")
			}
			check(e)
			if err := e.Close(); err != nil {
				t.Fatalf("Failed to close engine: %v", err)
			}

			e = openTestEngine(t, dir, mutate)
			check(e)
			if err := e.Compact(); err != nil {
				t.Fatalf("Failed to compact: %v", err)
			}
			check(e)
			if err := e.Close(); err != nil {
				t.Fatalf("Failed to close engine: %v", err)
			}

			e = openTestEngine(t, dir, mutate)
			defer e.Close()
			check(e)

			recovery := e.GetStats()["recovery"].(map[string]interface{})
			if recovery["snapshot_used"] != snapshot {
				t.Errorf("Expected snapshot_used=%v, got %v", snapshot, recovery["snapshot_used"])
			}
		})
	}
}

func TestEngine_RecoveryIgnoresTruncatedTail(t *testing.T) {
	lastLen := record.Size(record.Set([]byte("k4"), []byte("value4")))

	for cut := 1; cut <= lastLen; cut++ {
		t.Run(fmt.Sprintf("cut=%d", cut), func(t *testing.T) {
			dir := t.TempDir()
			e := openTestEngine(t, dir, nil)
			for i := 0; i < 5; i++ {
				mustSet(t, e, fmt.Sprintf("k%d", i), fmt.Sprintf("value%d", i))
			}
			path := filepath.Join(dir, segment.FileName(e.active.Load()))
			if err := e.Close(); err != nil {
				t.Fatalf("Failed to close engine: %v", err)
			}

			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("Failed to stat segment: %v", err)
			}
			if err := os.Truncate(path, info.Size()-int64(cut)); err != nil {
				t.Fatalf("Failed to truncate segment: %v", err)
			}

			e = openTestEngine(t, dir, nil)
			defer e.Close()

			for i := 0; i < 4; i++ {
				expectValue(t, e, fmt.Sprintf("k%d", i), fmt.Sprintf("value%d", i))
			}
			expectMissing(t, e, "k4")

			mustSet(t, e, "k4", "again")
			expectValue(t, e, "k4", "again")

			recovery := e.GetStats()["recovery"].(map[string]interface{})
			if cut < lastLen && recovery["torn_tails"] != uint64(1) {
				t.Errorf("Expected one torn tail, got %v", recovery["torn_tails"])
			}
			if recovery["snapshot_used"] != false {
				t.Error("A truncated segment must invalidate the index snapshot")
			}
		})
	}
}

// corruptByte flips one byte of the given segment file.
func corruptByte(t *testing.T, path string, offset int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("Failed to open segment: %v", err)
	}
	defer f.Close()

	b := make([]byte, 1)
	if _, err := f.ReadAt(b, offset); err != nil {
		t.Fatalf("Failed to read segment: %v", err)
	}
	b[0] ^= 0xFF
	if _, err := f.WriteAt(b, offset); err != nil {
		t.Fatalf("Failed to write segment: %v", err)
	}
}

func TestEngine_RecoveryCorruption(t *testing.T) {
	t.Run("middle record fails open", func(t *testing.T) {
		dir := t.TempDir()
		e := openTestEngine(t, dir, func(c *config.Config) { c.IndexSnapshot = false })
		mustSet(t, e, "a", "1")
		mustSet(t, e, "b", "2")
		mustSet(t, e, "c", "3")
		path := filepath.Join(dir, segment.FileName(e.active.Load()))
		e.Close()

		// Last byte of the first record's value.
		corruptByte(t, path, int64(record.Size(record.Set([]byte("a"), []byte("1"))))-1)

		cfg := config.NewDefaultConfig(dir)
		_, err := OpenWithConfig(cfg, WithLogger(log.NewNop()))
		if !errors.Is(err, ErrCorruptRecord) {
			t.Fatalf("Expected ErrCorruptRecord, got %v", err)
		}
	})

	t.Run("final record is a torn write", func(t *testing.T) {
		dir := t.TempDir()
		e := openTestEngine(t, dir, func(c *config.Config) { c.IndexSnapshot = false })
		mustSet(t, e, "a", "1")
		mustSet(t, e, "b", "2")
		path := filepath.Join(dir, segment.FileName(e.active.Load()))
		e.Close()

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Failed to stat segment: %v", err)
		}
		corruptByte(t, path, info.Size()-1)

		e = openTestEngine(t, dir, nil)
		defer e.Close()
		expectValue(t, e, "a", "1")
		expectMissing(t, e, "b")
	})
}

func TestEngine_CompactionBoundsDiskSize(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, nil)

	for round := 0; round < 20; round++ {
		for k := 0; k < 10; k++ {
			mustSet(t, e, fmt.Sprintf("key%02d", k), fmt.Sprintf("round%02d", round))
		}
	}
	for k := 5; k < 10; k++ {
		if err := e.Remove([]byte(fmt.Sprintf("key%02d", k))); err != nil {
			t.Fatalf("Failed to remove: %v", err)
		}
	}

	before := e.store.DiskSize()
	if err := e.Compact(); err != nil {
		t.Fatalf("Failed to compact: %v", err)
	}
	after := e.store.DiskSize()

	stats := e.GetStats()
	if after != stats["live_bytes"].(int64) {
		t.Errorf("Expected disk size %d to equal live bytes %v", after, stats["live_bytes"])
	}
	if after >= before {
		t.Errorf("Compaction did not shrink the store: %d -> %d", before, after)
	}
	if stats["uncompacted_bytes"].(int64) != 0 {
		t.Errorf("Expected uncompacted bytes to reset, got %v", stats["uncompacted_bytes"])
	}
	if stats["compactions"].(uint64) != 1 {
		t.Errorf("Expected 1 compaction, got %v", stats["compactions"])
	}
	if e.State() != StateReady {
		t.Errorf("Expected state ready after compaction, got %s", e.State())
	}

	verify := func(e *Engine) {
		t.Helper()
		for k := 0; k < 5; k++ {
			expectValue(t, e, fmt.Sprintf("key%02d", k), "round19")
		}
		for k := 5; k < 10; k++ {
			expectMissing(t, e, fmt.Sprintf("key%02d", k))
		}
	}
	verify(e)

	if err := e.Close(); err != nil {
		t.Fatalf("Failed to close engine: %v", err)
	}
	e = openTestEngine(t, dir, nil)
	defer e.Close()
	verify(e)
}

func TestEngine_ThresholdTriggersCompaction(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), func(c *config.Config) {
		c.CompactionThreshold = 1024
	})
	defer e.Close()

	value := bytes.Repeat([]byte("x"), 100)
	for i := 0; i < 50; i++ {
		if err := e.Set([]byte("hot"), value); err != nil {
			t.Fatalf("Failed to set: %v", err)
		}
	}

	stats := e.GetStats()
	if stats["compactions"].(uint64) == 0 {
		t.Fatal("Expected the threshold to trigger compaction")
	}
	if disk := e.store.DiskSize(); disk > 1024+int64(record.Size(record.Set([]byte("hot"), value))) {
		t.Errorf("Disk size %d exceeds threshold plus one record", disk)
	}
	expectValue(t, e, "hot", string(value))
}

func TestEngine_SegmentRoll(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, func(c *config.Config) {
		c.SegmentMaxSize = 256
	})

	for i := 0; i < 50; i++ {
		mustSet(t, e, fmt.Sprintf("key%02d", i), "some value that takes room")
	}
	if n := len(e.store.List()); n < 2 {
		t.Fatalf("Expected several segments, got %d", n)
	}
	for _, id := range e.store.List() {
		size, _ := e.store.Size(id)
		if size > 256 {
			t.Errorf("Segment %d is %d bytes, over the limit", id, size)
		}
	}
	e.Close()

	e = openTestEngine(t, dir, func(c *config.Config) { c.SegmentMaxSize = 256 })
	defer e.Close()
	for i := 0; i < 50; i++ {
		expectValue(t, e, fmt.Sprintf("key%02d", i), "some value that takes room")
	}
}

func TestEngine_EmptySegmentsRetiredOnOpen(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		e := openTestEngine(t, dir, nil)
		if err := e.Close(); err != nil {
			t.Fatalf("Failed to close engine: %v", err)
		}
	}

	segments, err := filepath.Glob(filepath.Join(dir, "*"+segment.Extension))
	if err != nil {
		t.Fatalf("Failed to list segments: %v", err)
	}
	if len(segments) != 1 {
		t.Errorf("Expected only the last empty active segment, got %v", segments)
	}
}

func TestEngine_StaleSnapshotFallsBackToReplay(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, nil)
	mustSet(t, e, "a", "1")
	e.Close()

	// A second session that crashes without writing a new snapshot.
	e = openTestEngine(t, dir, nil)
	mustSet(t, e, "a", "2")
	mustSet(t, e, "b", "3")
	if err := e.Compact(); err != nil {
		t.Fatalf("Failed to compact: %v", err)
	}
	e.store.Close()

	e = openTestEngine(t, dir, nil)
	defer e.Close()
	expectValue(t, e, "a", "2")
	expectValue(t, e, "b", "3")

	recovery := e.GetStats()["recovery"].(map[string]interface{})
	if recovery["snapshot_used"] != false {
		t.Error("Expected the stale snapshot to be ignored")
	}
}

func TestEngine_SnapshotWithNewerSegments(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, nil)
	mustSet(t, e, "a", "1")
	mustSet(t, e, "b", "1")
	e.Close()

	e = openTestEngine(t, dir, nil)
	mustSet(t, e, "a", "2")
	if err := e.Remove([]byte("b")); err != nil {
		t.Fatalf("Failed to remove: %v", err)
	}
	e.store.Close()

	e = openTestEngine(t, dir, nil)
	defer e.Close()
	expectValue(t, e, "a", "2")
	expectMissing(t, e, "b")

	recovery := e.GetStats()["recovery"].(map[string]interface{})
	if recovery["snapshot_used"] != true {
		t.Error("Expected the snapshot to be used with newer segments replayed on top")
	}
	if recovery["segments_replayed"] != uint64(1) {
		t.Errorf("Expected 1 replayed segment, got %v", recovery["segments_replayed"])
	}
}

func TestEngine_ConcurrentGetDuringCompaction(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	defer e.Close()

	for i := 0; i < 100; i++ {
		mustSet(t, e, fmt.Sprintf("key%03d", i), fmt.Sprintf("value%03d", i))
	}

	stop := make(chan struct{})
	errs := make(chan error, 8)
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; ; n++ {
				select {
				case <-stop:
					return
				default:
				}
				key := fmt.Sprintf("key%03d", n%100)
				value, found, err := e.Get([]byte(key))
				if err != nil || !found || string(value) != fmt.Sprintf("value%03d", n%100) {
					errs <- fmt.Errorf("Get(%s) = %q, %v, %v", key, value, found, err)
					return
				}
			}
		}()
	}

	for i := 0; i < 10; i++ {
		if err := e.Compact(); err != nil {
			t.Fatalf("Failed to compact: %v", err)
		}
	}
	close(stop)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestEngine_GetDetectsIndexMismatch(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	defer e.Close()

	mustSet(t, e, "a", "1")
	mustSet(t, e, "b", "2")

	e.mu.Lock()
	loc, _ := e.idx.Get([]byte("b"))
	e.idx.Set([]byte("a"), loc)
	e.mu.Unlock()

	if _, _, err := e.Get([]byte("a")); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("Expected ErrCorruptRecord, got %v", err)
	}
	if e.State() != StateReady {
		t.Errorf("Read errors must not change state, got %s", e.State())
	}
}

func TestEngine_BackgroundWorker(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, nil)
	for i := 0; i < 50; i++ {
		mustSet(t, e, "key", fmt.Sprintf("value%02d", i))
	}
	e.Close()

	e = openTestEngine(t, dir, func(c *config.Config) {
		c.CompactionThreshold = 256
		c.CompactionInterval = 1
	})
	defer e.Close()

	deadline := time.Now().Add(5 * time.Second)
	for e.GetStats()["compactions"].(uint64) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Background worker did not compact")
		}
		time.Sleep(50 * time.Millisecond)
	}
	expectValue(t, e, "key", "value49")
}

func TestEngine_ReplayRebuildsSameIndex(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, func(c *config.Config) { c.IndexSnapshot = false })
	mustSet(t, e, "x", "1")
	mustSet(t, e, "y", "2")
	if err := e.Remove([]byte("x")); err != nil {
		t.Fatalf("Failed to remove: %v", err)
	}
	e.mu.RLock()
	want := e.idx.Snapshot()
	e.mu.RUnlock()
	e.Close()

	e = openTestEngine(t, dir, func(c *config.Config) { c.IndexSnapshot = false })
	defer e.Close()

	e.mu.RLock()
	got := e.idx.Snapshot()
	e.mu.RUnlock()

	if got.Len() != want.Len() {
		t.Fatalf("Expected %d keys, got %d", want.Len(), got.Len())
	}
	for key, loc := range want.All() {
		if l, ok := got.Get([]byte(key)); !ok || l != loc {
			t.Errorf("Key %q at %s, want %s", key, l, loc)
		}
	}
}

func TestEngine_CompactionSpanCarriesReason(t *testing.T) {
	tel, _, recorder, err := telemetry.NewInMemory()
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	defer tel.Shutdown(context.Background())

	dir := t.TempDir()
	cfg := config.NewDefaultConfig(dir)
	cfg.SyncMode = config.SyncNone
	cfg.CompactionThreshold = 64
	e, err := OpenWithConfig(cfg, WithLogger(log.NewNop()), WithTelemetry(tel))
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	defer e.Close()

	mustSet(t, e, "a", "1")
	if err := e.Compact(); err != nil {
		t.Fatalf("Failed to compact: %v", err)
	}
	for i := 0; i < 4; i++ {
		mustSet(t, e, "a", "overwritten value")
	}

	reasons := map[string]bool{}
	for _, span := range recorder.Ended() {
		if span.Name() != "kvs.engine.compact" {
			continue
		}
		for _, kv := range span.Attributes() {
			if string(kv.Key) == telemetry.AttrReason {
				reasons[kv.Value.AsString()] = true
			}
		}
	}
	for _, want := range []string{compaction.TriggerManual, compaction.TriggerThreshold} {
		if !reasons[want] {
			t.Errorf("Expected a compaction span with reason %q, got %v", want, reasons)
		}
	}
}
