// Package main provides the CLI entry point for graphbench, a
// CPU-vs-GPU SQL benchmarking tool for graph-traversal queries over a
// cryptocurrency transaction graph.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mkarlsen/graphbench/backend"
	"github.com/mkarlsen/graphbench/bench"
	"github.com/mkarlsen/graphbench/config"
	"github.com/mkarlsen/graphbench/gpustat"
	"github.com/mkarlsen/graphbench/query"
	"github.com/mkarlsen/graphbench/report"
)

func main() {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	root := newRootCmd(logger, level)
	if err := root.Execute(); err != nil {
		logger.Error("graphbench failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger, level *slog.LevelVar) *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "graphbench",
		Short: "CPU vs GPU SQL benchmark for transaction-graph queries",
		Long: `Graphbench runs graph-traversal queries against DuckDB (CPU) and the
Sirius GPU engine from persistent sessions, varying each query to defeat
result caching, and records per-query timings and device stats to
timestamped CSV result files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if verbose {
				level.Set(slog.LevelDebug)
			}
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging, including captured engine output")

	root.AddCommand(newRunCmd(logger))
	root.AddCommand(newQueriesCmd())

	return root
}

func newQueriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queries",
		Short: "List known query names",
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range query.KnownQueries() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}

func newRunCmd(logger *slog.Logger) *cobra.Command {
	var (
		backends   []string
		sizes      []string
		queries    []string
		iterations int
		quick      bool
		configPath string
		resultsDir string
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the benchmark sweep",
		Long: `Open one persistent session per (backend, dataset size, query)
combination and run the configured number of varied query iterations
through each, writing a timestamped CSV result file at the end.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd.Context(), logger, runConfig{
				backends:   backends,
				sizes:      sizes,
				queries:    queries,
				iterations: iterations,
				quick:      quick,
				configPath: configPath,
				resultsDir: resultsDir,
				outputJSON: outputJSON,
			})
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&backends, "backends", []string{"duckdb"},
		"Backends to benchmark (duckdb,sirius)")
	flags.StringSliceVar(&sizes, "sizes", []string{"10k"},
		"Dataset sizes to test (e.g. 10k,50k,100k,full)")
	flags.StringSliceVar(&queries, "queries", nil,
		"Query names to run (default: all known queries)")
	flags.IntVar(&iterations, "iterations", 0,
		"Iterations per session (0 = use config value)")
	flags.BoolVar(&quick, "quick", false,
		"Quick mode: use the reduced iteration count from config")
	flags.StringVar(&configPath, "config", "",
		"Path to TOML config file (default: compiled-in defaults)")
	flags.StringVar(&resultsDir, "results-dir", "",
		"Directory for result CSV files (overrides config)")
	flags.BoolVar(&outputJSON, "json", false,
		"Print the summary as JSON instead of a table")

	return cmd
}

type runConfig struct {
	backends   []string
	sizes      []string
	queries    []string
	iterations int
	quick      bool
	configPath string
	resultsDir string
	outputJSON bool
}

func runSweep(
	ctx context.Context,
	logger *slog.Logger,
	rc runConfig,
) error {
	// Step 1: Load configuration.
	cfg := config.Default()

	if rc.configPath != "" {
		var err error

		cfg, err = config.Load(rc.configPath)
		if err != nil {
			return err
		}
	}

	if rc.resultsDir != "" {
		cfg.ResultsDir = rc.resultsDir
	}

	iterations := cfg.Iterations
	if rc.quick {
		iterations = cfg.QuickIterations
	}

	if rc.iterations > 0 {
		iterations = rc.iterations
	}

	queries := rc.queries
	if len(queries) == 0 {
		queries = query.KnownQueries()
	}

	useSirius := false

	for _, name := range rc.backends {
		switch name {
		case "duckdb":
		case "sirius":
			useSirius = true
		default:
			return fmt.Errorf("unknown backend %q (want duckdb or sirius)", name)
		}
	}

	logger.Info("starting sweep",
		slog.Any("backends", rc.backends),
		slog.Any("sizes", rc.sizes),
		slog.Any("queries", queries),
		slog.Int("iterations", iterations),
	)

	// Step 2: Validate configuration before any session opens.
	if err := cfg.Validate(rc.sizes, useSirius); err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	// Step 3: Load all query templates up front; a malformed template
	// is a configuration failure, not a mid-sweep surprise.
	specs := make(map[string]map[string]query.Spec, len(rc.backends))

	for _, backendName := range rc.backends {
		specs[backendName] = make(map[string]query.Spec, len(queries))

		for _, queryName := range queries {
			spec, err := query.Load(cfg.SQLDir, backendName, queryName)
			if err != nil {
				return fmt.Errorf("configuration: %w", err)
			}

			specs[backendName][queryName] = spec
		}
	}

	// Step 4: Build the session plans, one per combination. Sirius
	// sessions get per-size GPU buffers and the device sampler.
	var sampler *gpustat.Sampler
	if useSirius {
		sampler = gpustat.NewSampler(cfg.GPUStat.Binary, logger)
	}

	var plans []bench.Plan

	for _, backendName := range rc.backends {
		for _, size := range rc.sizes {
			ds := cfg.Dataset(size)

			var (
				b           backend.Backend
				planSampler bench.DeviceSampler
			)

			switch backendName {
			case "duckdb":
				b = backend.NewDuckDB(cfg.QueryTimeout.Duration, logger)
			case "sirius":
				buffers := cfg.Buffers(size)
				b = backend.NewSirius(backend.SiriusConfig{
					Binary:        cfg.Sirius.Binary,
					BufferMin:     buffers.Min,
					BufferMax:     buffers.Max,
					FailureMarker: cfg.Sirius.FailureMarker,
					QueryTimeout:  cfg.QueryTimeout.Duration,
					InitTimeout:   cfg.Sirius.InitTimeout.Duration,
				}, logger)
				planSampler = sampler
			}

			for _, queryName := range queries {
				plans = append(plans, bench.Plan{
					Backend: b,
					Dataset: ds,
					Spec:    specs[backendName][queryName],
					Sampler: planSampler,
				})
			}
		}
	}

	// Step 5: Run every session sequentially.
	variator, err := query.NewVariator(cfg.Threshold.Base, cfg.Threshold.Step)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	controller := &bench.Controller{
		Variator:               variator,
		Logger:                 logger,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
	}

	samples, failedSessions := controller.RunSweep(ctx, plans, iterations)

	// Step 6: Persist results and print the summary.
	agg := report.NewAggregator()
	agg.AppendAll(samples)

	if agg.Len() > 0 {
		path, err := agg.Flush(cfg.ResultsDir)
		if err != nil {
			return fmt.Errorf("write results: %w", err)
		}

		logger.Info("results written", slog.String("path", path))

		if rc.outputJSON {
			if err := report.SummaryJSON(os.Stdout, samples); err != nil {
				return fmt.Errorf("summarize: %w", err)
			}
		} else {
			if err := report.Summary(os.Stdout, samples); err != nil {
				return fmt.Errorf("summarize: %w", err)
			}
		}
	}

	if failedSessions > 0 {
		return fmt.Errorf("%d of %d sessions failed", failedSessions, len(plans))
	}

	logger.Info("sweep complete",
		slog.Int("sessions", len(plans)),
		slog.Int("samples", agg.Len()),
	)

	return nil
}
