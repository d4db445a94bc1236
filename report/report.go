// Package report aggregates benchmark samples, persists them as
// timestamped CSV result files, and formats comparison summaries.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/mkarlsen/graphbench/bench"
)

// columns is the fixed result-file schema.
var columns = []string{
	"backend", "query_name", "dataset_size", "iteration_index",
	"elapsed_ms", "utilization_pct", "memory_mb", "timestamp",
}

// Aggregator accumulates samples across a whole sweep. Flush writes
// the complete accumulated set each time; it never appends to or
// overwrites an existing file.
type Aggregator struct {
	samples []bench.Sample
	now     func() time.Time
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{now: time.Now}
}

// Append adds one sample.
func (a *Aggregator) Append(s bench.Sample) {
	a.samples = append(a.samples, s)
}

// AppendAll adds samples in order.
func (a *Aggregator) AppendAll(samples []bench.Sample) {
	a.samples = append(a.samples, samples...)
}

// Len returns the number of accumulated samples.
func (a *Aggregator) Len() int { return len(a.samples) }

// Samples returns the accumulated samples in append order.
func (a *Aggregator) Samples() []bench.Sample { return a.samples }

// Flush writes every accumulated row to a new CSV file under dir,
// named with a generation timestamp. If a file for the same second
// already exists a numeric suffix is added, so prior runs are never
// clobbered. Returns the written path.
func (a *Aggregator) Flush(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create results dir %s: %w", dir, err)
	}

	stamp := a.now().Format("20060102_150405")

	f, path, err := createUnique(dir, stamp)
	if err != nil {
		return "", err
	}

	w := csv.NewWriter(f)

	if err := w.Write(columns); err != nil {
		f.Close()

		return "", fmt.Errorf("write header: %w", err)
	}

	for _, s := range a.samples {
		if err := w.Write(formatRow(s)); err != nil {
			f.Close()

			return "", fmt.Errorf("write row: %w", err)
		}
	}

	w.Flush()

	if err := w.Error(); err != nil {
		f.Close()

		return "", fmt.Errorf("flush %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}

	return path, nil
}

func createUnique(dir, stamp string) (*os.File, string, error) {
	for suffix := 0; ; suffix++ {
		name := fmt.Sprintf("benchmarks_%s.csv", stamp)
		if suffix > 0 {
			name = fmt.Sprintf("benchmarks_%s_%d.csv", stamp, suffix)
		}

		path := filepath.Join(dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}

		if !os.IsExist(err) {
			return nil, "", fmt.Errorf("create %s: %w", path, err)
		}
	}
}

// formatRow renders one sample. A failed sample has an empty
// elapsed_ms cell; absent device stats leave their cells empty.
func formatRow(s bench.Sample) []string {
	elapsed := ""
	if !s.Failed {
		elapsed = strconv.FormatFloat(s.ElapsedMs, 'f', 3, 64)
	}

	util, mem := "", ""
	if s.HasDeviceStats {
		util = strconv.FormatFloat(s.UtilizationPct, 'f', 1, 64)
		mem = strconv.FormatFloat(s.MemoryMB, 'f', 1, 64)
	}

	return []string{
		s.Backend,
		s.Query,
		s.DatasetSize,
		strconv.Itoa(s.Iteration),
		elapsed,
		util,
		mem,
		s.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// GroupStats summarizes one (backend, query, dataset) combination.
type GroupStats struct {
	Backend     string  `json:"backend"`
	Query       string  `json:"query"`
	DatasetSize string  `json:"dataset_size"`
	Runs        int     `json:"runs"`
	Failures    int     `json:"failures"`
	AvgMs       float64 `json:"avg_ms"`
	MinMs       float64 `json:"min_ms"`
	MaxMs       float64 `json:"max_ms"`
}

// Aggregate groups samples by (backend, query, dataset) and computes
// timing statistics over the successful iterations, sorted for stable
// output.
func Aggregate(samples []bench.Sample) []GroupStats {
	type key struct{ backend, query, dataset string }

	groups := make(map[key]*GroupStats)
	order := make([]key, 0)

	for _, s := range samples {
		k := key{s.Backend, s.Query, s.DatasetSize}

		g, ok := groups[k]
		if !ok {
			g = &GroupStats{
				Backend:     s.Backend,
				Query:       s.Query,
				DatasetSize: s.DatasetSize,
				MinMs:       math.MaxFloat64,
			}
			groups[k] = g
			order = append(order, k)
		}

		g.Runs++

		if s.Failed {
			g.Failures++

			continue
		}

		g.AvgMs += s.ElapsedMs
		g.MinMs = math.Min(g.MinMs, s.ElapsedMs)
		g.MaxMs = math.Max(g.MaxMs, s.ElapsedMs)
	}

	out := make([]GroupStats, 0, len(order))

	for _, k := range order {
		g := groups[k]

		succeeded := g.Runs - g.Failures
		if succeeded > 0 {
			g.AvgMs /= float64(succeeded)
		} else {
			g.AvgMs, g.MinMs, g.MaxMs = 0, 0, 0
		}

		out = append(out, *g)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Query != out[j].Query {
			return out[i].Query < out[j].Query
		}
		if out[i].DatasetSize != out[j].DatasetSize {
			return out[i].DatasetSize < out[j].DatasetSize
		}

		return out[i].Backend < out[j].Backend
	})

	return out
}

// Summary writes a markdown comparison table. The speedup column is
// relative to the fastest backend for the same (query, dataset) pair.
func Summary(w io.Writer, samples []bench.Sample) error {
	if len(samples) == 0 {
		return fmt.Errorf("no samples to report")
	}

	stats := Aggregate(samples)
	fastest := fastestPerPair(stats)

	fmt.Fprintln(w, "## Benchmark Results")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "| Backend | Query | Dataset | Runs | Failed "+
		"| Avg | Min | Max | Speedup |")
	fmt.Fprintln(w, "|---------|-------|---------|------|--------"+
		"|-----|-----|-----|---------|")

	for _, g := range stats {
		speedup := "-"

		base := fastest[g.Query+"/"+g.DatasetSize]
		if base > 0 && g.AvgMs > 0 {
			speedup = fmt.Sprintf("%.2fx", g.AvgMs/base)
		}

		fmt.Fprintf(w, "| %s | %s | %s | %d | %d | %s | %s | %s | %s |\n",
			g.Backend, g.Query, g.DatasetSize, g.Runs, g.Failures,
			formatMs(g.AvgMs), formatMs(g.MinMs), formatMs(g.MaxMs),
			speedup,
		)
	}

	return nil
}

// SummaryJSON writes the grouped statistics as JSON.
func SummaryJSON(w io.Writer, samples []bench.Sample) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(Aggregate(samples))
}

func fastestPerPair(stats []GroupStats) map[string]float64 {
	fastest := make(map[string]float64)

	for _, g := range stats {
		if g.AvgMs <= 0 {
			continue
		}

		k := g.Query + "/" + g.DatasetSize
		if cur, ok := fastest[k]; !ok || g.AvgMs < cur {
			fastest[k] = g.AvgMs
		}
	}

	return fastest
}

func formatMs(ms float64) string {
	switch {
	case ms == 0:
		return "-"
	case ms < 1000:
		return fmt.Sprintf("%.1fms", ms)
	default:
		return fmt.Sprintf("%.2fs", ms/1000)
	}
}
