package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// BenchmarkResult stores the results of a benchmark
type BenchmarkResult struct {
	BenchmarkType string
	NumKeys       int
	ValueSize     int
	Mode          string
	Operations    int
	Duration      float64
	Throughput    float64
	Latency       float64 // µs/op
	HitRate       float64 // For read benchmarks
	ReadRatio     float64 // For mixed benchmarks
	WriteRatio    float64 // For mixed benchmarks
	BytesBefore   int64   // For compaction benchmarks
	BytesAfter    int64   // For compaction benchmarks
	Timestamp     time.Time
}

func newResult(typ string, ops int, elapsed time.Duration) BenchmarkResult {
	r := BenchmarkResult{
		BenchmarkType: typ,
		NumKeys:       *numKeys,
		ValueSize:     *valueSize,
		Mode:          keyMode(),
		Operations:    ops,
		Duration:      elapsed.Seconds(),
		Timestamp:     time.Now(),
	}
	if r.Duration > 0 && ops > 0 {
		r.Throughput = float64(ops) / r.Duration
		r.Latency = 1000000.0 / r.Throughput
	}
	return r
}

// String formats the result for the console
func (r BenchmarkResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s Benchmark Results:", strings.ToUpper(r.BenchmarkType[:1])+r.BenchmarkType[1:])
	fmt.Fprintf(&b, "\n  Key Mode: %s", r.Mode)
	fmt.Fprintf(&b, "\n  Operations: %d", r.Operations)
	fmt.Fprintf(&b, "\n  Time: %.2f seconds", r.Duration)

	switch r.BenchmarkType {
	case "compaction":
		fmt.Fprintf(&b, "\n  Disk Before: %.2f MB", float64(r.BytesBefore)/(1024*1024))
		fmt.Fprintf(&b, "\n  Disk After: %.2f MB", float64(r.BytesAfter)/(1024*1024))
		if r.Duration > 0 {
			fmt.Fprintf(&b, "\n  Rewrite Rate: %.2f keys/sec", float64(r.Operations)/r.Duration)
		}
		return b.String()
	case "read":
		fmt.Fprintf(&b, "\n  Hit Rate: %.2f%%", r.HitRate*100)
	case "mixed":
		fmt.Fprintf(&b, "\n  Reads: %.0f%%, Writes: %.0f%%", r.ReadRatio*100, r.WriteRatio*100)
	}

	mbPerSecond := r.Throughput * float64(r.ValueSize) / (1024 * 1024)
	fmt.Fprintf(&b, "\n  Throughput: %.2f ops/sec (%.2f MB/sec)", r.Throughput, mbPerSecond)
	fmt.Fprintf(&b, "\n  Latency: %.3f µs/op", r.Latency)
	return b.String()
}

// SaveResultCSV appends benchmark results to a CSV file, writing the header
// when the file is new
func SaveResultCSV(results []BenchmarkResult, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}

	_, statErr := os.Stat(filename)
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if os.IsNotExist(statErr) {
		header := []string{
			"Timestamp", "BenchmarkType", "NumKeys", "ValueSize", "Mode",
			"Operations", "Duration", "Throughput", "Latency", "HitRate",
			"ReadRatio", "WriteRatio", "BytesBefore", "BytesAfter",
		}
		if err := writer.Write(header); err != nil {
			return err
		}
	}

	for _, r := range results {
		record := []string{
			r.Timestamp.Format(time.RFC3339),
			r.BenchmarkType,
			strconv.Itoa(r.NumKeys),
			strconv.Itoa(r.ValueSize),
			r.Mode,
			strconv.Itoa(r.Operations),
			fmt.Sprintf("%.2f", r.Duration),
			fmt.Sprintf("%.2f", r.Throughput),
			fmt.Sprintf("%.3f", r.Latency),
			fmt.Sprintf("%.2f", r.HitRate),
			fmt.Sprintf("%.2f", r.ReadRatio),
			fmt.Sprintf("%.2f", r.WriteRatio),
			strconv.FormatInt(r.BytesBefore, 10),
			strconv.FormatInt(r.BytesAfter, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// formatStats renders the engine's top-level counters
func formatStats(st map[string]interface{}) string {
	keys := make([]string, 0, len(st))
	for k, v := range st {
		if _, nested := v.(map[string]interface{}); !nested {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("\nEngine Statistics:")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n  %s: %v", k, st[k])
	}
	return b.String()
}
