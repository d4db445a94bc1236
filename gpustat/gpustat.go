// Package gpustat samples GPU utilization and memory usage through the
// nvidia-smi query interface. Sampling is best-effort: on machines
// without a GPU (or without the binary) every sample reports absent
// stats and the benchmark proceeds without device columns.
package gpustat

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// Stats holds one device reading.
type Stats struct {
	UtilizationPct float64
	MemoryUsedMB   float64
}

// Sampler polls device counters for GPU index 0.
type Sampler struct {
	binary    string
	available bool
	logger    *slog.Logger
}

// NewSampler creates a Sampler using the given nvidia-smi binary
// (empty means "nvidia-smi" from PATH). Availability is probed once;
// an absent binary makes every Sample report no stats.
func NewSampler(binary string, logger *slog.Logger) *Sampler {
	if binary == "" {
		binary = "nvidia-smi"
	}

	_, err := exec.LookPath(binary)
	if err != nil {
		logger.Debug("device sampler unavailable",
			slog.String("binary", binary),
			slog.String("error", err.Error()),
		)
	}

	return &Sampler{
		binary:    binary,
		available: err == nil,
		logger:    logger,
	}
}

// Sample reads current utilization and memory usage. The second return
// value is false when no reading could be taken; that is never an
// error for the caller.
func (s *Sampler) Sample(ctx context.Context) (Stats, bool) {
	if !s.available {
		return Stats{}, false
	}

	cmd := exec.CommandContext(ctx, s.binary,
		"--query-gpu=utilization.gpu,memory.used",
		"--format=csv,noheader,nounits",
		"--id=0",
	)

	out, err := cmd.Output()
	if err != nil {
		s.logger.Debug("device query failed",
			slog.String("error", err.Error()),
		)

		return Stats{}, false
	}

	stats, err := parseStats(string(out))
	if err != nil {
		s.logger.Debug("device query output unparseable",
			slog.String("output", strings.TrimSpace(string(out))),
			slog.String("error", err.Error()),
		)

		return Stats{}, false
	}

	return stats, true
}

// parseStats decodes one "util, memory" line of nvidia-smi CSV output.
func parseStats(out string) (Stats, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")

	fields := strings.Split(line, ",")
	if len(fields) != 2 {
		return Stats{}, fmt.Errorf("want 2 fields, got %d in %q",
			len(fields), line)
	}

	util, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return Stats{}, fmt.Errorf("parse utilization: %w", err)
	}

	mem, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return Stats{}, fmt.Errorf("parse memory: %w", err)
	}

	return Stats{UtilizationPct: util, MemoryUsedMB: mem}, nil
}
