package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/KevoDB/kvs/pkg/common/log"
	"github.com/KevoDB/kvs/pkg/config"
	"github.com/KevoDB/kvs/pkg/engine"
)

const (
	defaultValueSize = 100
	defaultKeyCount  = 100000
)

var (
	// Command line flags
	benchmarkType = flag.String("type", "all", "Type of benchmark to run (write, read, mixed, compaction, or all)")
	duration      = flag.Duration("duration", 10*time.Second, "Duration to run each benchmark")
	numKeys       = flag.Int("keys", defaultKeyCount, "Number of distinct keys to use")
	valueSize     = flag.Int("value-size", defaultValueSize, "Size of values in bytes")
	dataDir       = flag.String("data-dir", "./benchmark-data", "Directory to store benchmark data")
	sequential    = flag.Bool("sequential", false, "Use sequential keys instead of random")
	syncMode      = flag.String("sync", "none", "Segment sync mode: none, batch or immediate")
	threshold     = flag.Int64("compaction-threshold", 64*1024*1024, "Uncompacted bytes that trigger compaction")
	cpuProfile    = flag.String("cpu-profile", "", "Write CPU profile to file")
	memProfile    = flag.String("mem-profile", "", "Write memory profile to file")
	resultsFile   = flag.String("results", "", "CSV file to append results to")
)

func main() {
	flag.Parse()

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	if _, err := os.Stat(*dataDir); err == nil {
		fmt.Println("Cleaning previous benchmark data...")
		if err := os.RemoveAll(*dataDir); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to clean benchmark directory: %v\n", err)
		}
	}

	e, err := openEngine(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open storage engine: %v\n", err)
		os.Exit(1)
	}
	defer e.Close()

	fmt.Printf("Benchmark Report (%s)\n", time.Now().Format(time.RFC3339))
	fmt.Printf("Keys: %d, Value Size: %d bytes, Duration: %s, Mode: %s, Sync: %s\n",
		*numKeys, *valueSize, *duration, keyMode(), *syncMode)

	var results []BenchmarkResult
	for _, typ := range strings.Split(*benchmarkType, ",") {
		switch strings.ToLower(strings.TrimSpace(typ)) {
		case "write":
			results = append(results, runWriteBenchmark(e))
		case "read":
			results = append(results, runReadBenchmark(e))
		case "mixed":
			results = append(results, runMixedBenchmark(e))
		case "compaction":
			results = append(results, runCompactionBenchmark(e))
		case "all":
			results = append(results,
				runWriteBenchmark(e),
				runReadBenchmark(e),
				runMixedBenchmark(e),
				runCompactionBenchmark(e),
			)
		default:
			fmt.Fprintf(os.Stderr, "Unknown benchmark type: %s\n", typ)
			os.Exit(1)
		}
	}

	for _, r := range results {
		fmt.Println(r.String())
	}
	fmt.Println(formatStats(e.GetStats()))

	if *resultsFile != "" {
		if err := SaveResultCSV(results, *resultsFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write results to file: %v\n", err)
		}
	}

	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create memory profile: %v\n", err)
		} else {
			defer f.Close()
			runtime.GC()
			if err := pprof.WriteHeapProfile(f); err != nil {
				fmt.Fprintf(os.Stderr, "Could not write memory profile: %v\n", err)
			}
		}
	}
}

func openEngine(dir string) (*engine.Engine, error) {
	mode, err := config.ParseSyncMode(*syncMode)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	cfg := config.NewDefaultConfig(dir)
	cfg.SyncMode = mode
	cfg.CompactionThreshold = *threshold
	cfg.IndexSnapshot = false
	return engine.OpenWithConfig(cfg, engine.WithLogger(log.NewNop()))
}

// keyMode returns a string describing the key generation mode
func keyMode() string {
	if *sequential {
		return "Sequential"
	}
	return "Random"
}

func makeValue(size int) []byte {
	value := make([]byte, size)
	for i := range value {
		value[i] = byte(i % 256)
	}
	return value
}

// keyGen returns the key for operation i
func keyGen(r *rand.Rand) func(i int) []byte {
	return func(i int) []byte {
		n := i % *numKeys
		if !*sequential {
			n = r.Intn(*numKeys)
		}
		return []byte(fmt.Sprintf("key-%010d", n))
	}
}

// runWriteBenchmark overwrites keys from the key space for the configured duration
func runWriteBenchmark(e *engine.Engine) BenchmarkResult {
	fmt.Println("Running Write Benchmark...")

	value := makeValue(*valueSize)
	key := keyGen(rand.New(rand.NewSource(time.Now().UnixNano())))

	start := time.Now()
	deadline := start.Add(*duration)
	var ops, errs int
	for time.Now().Before(deadline) {
		if err := e.Set(key(ops), value); err != nil {
			errs++
			if errs >= 10 {
				fmt.Fprintf(os.Stderr, "Too many write errors, stopping benchmark: %v\n", err)
				break
			}
			continue
		}
		ops++
	}

	return newResult("write", ops, time.Since(start))
}

// runReadBenchmark loads the key space if needed and reads random keys
func runReadBenchmark(e *engine.Engine) BenchmarkResult {
	fmt.Println("Running Read Benchmark...")

	preload(e)
	key := keyGen(rand.New(rand.NewSource(time.Now().UnixNano())))

	start := time.Now()
	deadline := start.Add(*duration)
	var ops, hits int
	for time.Now().Before(deadline) {
		_, found, err := e.Get(key(ops))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
			break
		}
		if found {
			hits++
		}
		ops++
	}

	r := newResult("read", ops, time.Since(start))
	if ops > 0 {
		r.HitRate = float64(hits) / float64(ops)
	}
	return r
}

// runMixedBenchmark runs 75% reads and 25% writes over the key space
func runMixedBenchmark(e *engine.Engine) BenchmarkResult {
	fmt.Println("Running Mixed Benchmark (75% reads, 25% writes)...")

	preload(e)
	value := makeValue(*valueSize)
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	key := keyGen(r)

	start := time.Now()
	deadline := start.Add(*duration)
	var ops, reads, writes int
	for time.Now().Before(deadline) {
		if r.Intn(4) == 0 {
			if err := e.Set(key(ops), value); err != nil {
				fmt.Fprintf(os.Stderr, "Write error: %v\n", err)
				break
			}
			writes++
		} else {
			if _, _, err := e.Get(key(ops)); err != nil {
				fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
				break
			}
			reads++
		}
		ops++
	}

	res := newResult("mixed", ops, time.Since(start))
	if ops > 0 {
		res.ReadRatio = float64(reads) / float64(ops)
		res.WriteRatio = float64(writes) / float64(ops)
	}
	return res
}

// runCompactionBenchmark overwrites the whole key space several times and
// times an explicit compaction of the resulting garbage
func runCompactionBenchmark(e *engine.Engine) BenchmarkResult {
	fmt.Println("Running Compaction Benchmark...")

	value := makeValue(*valueSize)
	for round := 0; round < 3; round++ {
		for i := 0; i < *numKeys; i++ {
			if err := e.Set([]byte(fmt.Sprintf("key-%010d", i)), value); err != nil {
				fmt.Fprintf(os.Stderr, "Write error: %v\n", err)
				return newResult("compaction", 0, 0)
			}
		}
	}

	before := statInt(e.GetStats(), "disk_bytes")
	start := time.Now()
	if err := e.Compact(); err != nil {
		fmt.Fprintf(os.Stderr, "Compaction failed: %v\n", err)
	}
	elapsed := time.Since(start)
	after := statInt(e.GetStats(), "disk_bytes")

	res := newResult("compaction", *numKeys, elapsed)
	res.BytesBefore = before
	res.BytesAfter = after
	return res
}

// preload writes every key once unless the key space is already populated
func preload(e *engine.Engine) {
	if statInt(e.GetStats(), "live_keys") >= int64(*numKeys) {
		return
	}
	value := makeValue(*valueSize)
	for i := 0; i < *numKeys; i++ {
		if err := e.Set([]byte(fmt.Sprintf("key-%010d", i)), value); err != nil {
			fmt.Fprintf(os.Stderr, "Preload error: %v\n", err)
			return
		}
	}
}

func statInt(st map[string]interface{}, key string) int64 {
	switch v := st[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case uint64:
		return int64(v)
	default:
		return 0
	}
}
