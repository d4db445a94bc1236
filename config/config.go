// Package config holds the harness configuration: directory layout,
// iteration counts, timeouts, threshold policy, and the GPU engine's
// invocation details. Everything has a compiled-in default; a TOML
// file overlays it.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mkarlsen/graphbench/backend"
)

// Duration is a time.Duration that decodes from TOML strings like
// "30s" or "5m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for toml.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	d.Duration = parsed

	return nil
}

// BufferSizes is the GPU device-buffer sizing for one dataset size.
// These are configuration inputs, never derived from the data.
type BufferSizes struct {
	Min string `toml:"min"`
	Max string `toml:"max"`
}

// SiriusSection configures the GPU engine child process.
type SiriusSection struct {
	Binary        string                 `toml:"binary"`
	FailureMarker string                 `toml:"failure_marker"`
	InitTimeout   Duration               `toml:"init_timeout"`
	Buffers       map[string]BufferSizes `toml:"buffers"`
	DefaultBuffer BufferSizes            `toml:"default_buffer"`
}

// ThresholdSection controls the query variator sequence.
type ThresholdSection struct {
	Base int64 `toml:"base"`
	Step int64 `toml:"step"`
}

// GPUStatSection configures the device sampler.
type GPUStatSection struct {
	Binary string `toml:"binary"`
}

// Config is the full harness configuration.
type Config struct {
	DataDir                string   `toml:"data_dir"`
	SQLDir                 string   `toml:"sql_dir"`
	ResultsDir             string   `toml:"results_dir"`
	Iterations             int      `toml:"iterations"`
	QuickIterations        int      `toml:"quick_iterations"`
	QueryTimeout           Duration `toml:"query_timeout"`
	MaxConsecutiveFailures int      `toml:"max_consecutive_failures"`

	Threshold ThresholdSection `toml:"threshold"`
	Sirius    SiriusSection    `toml:"sirius"`
	GPUStat   GPUStatSection   `toml:"gpustat"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		DataDir:                "data/processed",
		SQLDir:                 "sql",
		ResultsDir:             "results",
		Iterations:             100,
		QuickIterations:        10,
		QueryTimeout:           Duration{5 * time.Minute},
		MaxConsecutiveFailures: 3,
		Threshold:              ThresholdSection{Base: 0, Step: 1},
		Sirius: SiriusSection{
			Binary:        "sirius/build/release/duckdb",
			FailureMarker: backend.DefaultFailureMarker,
			InitTimeout:   Duration{10 * time.Minute},
			Buffers: map[string]BufferSizes{
				"10k":  {Min: "256 MB", Max: "512 MB"},
				"50k":  {Min: "512 MB", Max: "1 GB"},
				"100k": {Min: "1 GB", Max: "2 GB"},
				"full": {Min: "2 GB", Max: "4 GB"},
				"5m":   {Min: "4 GB", Max: "8 GB"},
			},
			DefaultBuffer: BufferSizes{Min: "512 MB", Max: "1 GB"},
		},
	}
}

// Load overlays the TOML file at path onto the defaults. Unknown keys
// are a configuration error rather than a silent no-op.
func Load(path string) (Config, error) {
	cfg := Default()

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return Config{}, fmt.Errorf(
			"config %s has unknown keys: %s",
			path, strings.Join(keys, ", "),
		)
	}

	return cfg, nil
}

// Buffers returns the GPU buffer sizing for a dataset size, falling
// back to the default pair for sizes without an explicit entry.
func (c Config) Buffers(size string) BufferSizes {
	if b, ok := c.Sirius.Buffers[size]; ok {
		return b
	}

	return c.DefaultBuffers()
}

// DefaultBuffers returns the fallback buffer pair.
func (c Config) DefaultBuffers() BufferSizes {
	if c.Sirius.DefaultBuffer != (BufferSizes{}) {
		return c.Sirius.DefaultBuffer
	}

	return BufferSizes{Min: "512 MB", Max: "1 GB"}
}

// Dataset resolves the CSV pair for a dataset size.
func (c Config) Dataset(size string) backend.Dataset {
	return backend.ResolveDataset(c.DataDir, size)
}

// Validate checks everything that must hold before any session opens:
// dataset files present, threshold policy sane, and the GPU engine
// binary present when the sirius backend is selected.
func (c Config) Validate(sizes []string, useSirius bool) error {
	if c.Threshold.Step <= 0 {
		return fmt.Errorf(
			"threshold step must be positive, got %d", c.Threshold.Step,
		)
	}

	for _, size := range sizes {
		if err := c.Dataset(size).Check(); err != nil {
			return err
		}
	}

	if useSirius {
		if _, err := os.Stat(c.Sirius.Binary); err != nil {
			return fmt.Errorf("sirius binary: %w", err)
		}
	}

	return nil
}
