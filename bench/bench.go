// Package bench drives persistent benchmark sessions: one open engine
// session per (backend, dataset, query) combination, N strictly
// sequential varied-query iterations per session, with per-iteration
// device sampling and failure accounting.
package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkarlsen/graphbench/backend"
	"github.com/mkarlsen/graphbench/gpustat"
	"github.com/mkarlsen/graphbench/query"
)

// Sample is the record produced for every iteration, failed or not.
type Sample struct {
	Backend        string
	Query          string
	DatasetSize    string
	Iteration      int
	ElapsedMs      float64
	Failed         bool
	UtilizationPct float64
	MemoryMB       float64
	HasDeviceStats bool
	Timestamp      time.Time
}

// State is the lifecycle of one session.
type State int

const (
	StateOpening State = iota
	StateRunning
	StateFailed
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DeviceSampler reads device counters after each query. gpustat's
// Sampler satisfies it; tests use a canned one.
type DeviceSampler interface {
	Sample(ctx context.Context) (gpustat.Stats, bool)
}

// DefaultMaxConsecutiveFailures is the fatal threshold: this many
// failed iterations in a row abort the session.
const DefaultMaxConsecutiveFailures = 3

// Controller runs sessions and sweeps. Iterations within a session and
// sessions within a sweep are strictly sequential; the engines under
// test are not assumed thread-safe and interleaving would corrupt
// timing attribution.
type Controller struct {
	Variator *query.Variator
	Logger   *slog.Logger

	// MaxConsecutiveFailures overrides the fatal threshold when > 0.
	MaxConsecutiveFailures int
}

// SessionResult is everything one session produced.
type SessionResult struct {
	Samples []Sample
	State   State
}

// Failed reports whether the session ended in the failed state.
func (r SessionResult) Failed() bool { return r.State == StateFailed }

// Plan names one session of a sweep. Sampler is optional and only set
// for backends with a meaningful device to poll; plans without one
// produce samples with absent device stats.
type Plan struct {
	Backend backend.Backend
	Dataset backend.Dataset
	Spec    query.Spec
	Sampler DeviceSampler
}

// RunSession opens one session and runs iterations varied queries
// through it. Every iteration yields a sample, failed or not; a fatal
// error or the consecutive-failure threshold aborts the remaining
// iterations. The session handle is released on every exit path. The
// returned error is non-nil only when the session could not open.
func (c *Controller) RunSession(
	ctx context.Context,
	plan Plan,
	iterations int,
) (result SessionResult, err error) {
	b, ds, spec := plan.Backend, plan.Dataset, plan.Spec

	logger := c.Logger.With(
		slog.String("backend", b.Name()),
		slog.String("query", spec.Name),
		slog.String("dataset", ds.Size),
	)

	logger.Debug("session state", slog.String("state", StateOpening.String()))

	sess, err := b.Open(ctx, ds)
	if err != nil {
		return SessionResult{State: StateFailed},
			fmt.Errorf("open session: %w", err)
	}

	result = SessionResult{
		Samples: make([]Sample, 0, iterations),
		State:   StateRunning,
	}

	defer func() {
		logger.Debug("session state",
			slog.String("state", StateClosing.String()),
		)

		if cerr := sess.Close(); cerr != nil {
			logger.Warn("session close failed",
				slog.String("error", cerr.Error()),
			)
		}

		if result.State != StateFailed {
			result.State = StateClosed
		}

		logger.Info("session done",
			slog.String("state", result.State.String()),
			slog.Int("samples", len(result.Samples)),
		)
	}()

	threshold := c.MaxConsecutiveFailures
	if threshold <= 0 {
		threshold = DefaultMaxConsecutiveFailures
	}

	consecutive := 0

	for i := 0; i < iterations; i++ {
		if ctx.Err() != nil {
			logger.Warn("sweep cancelled mid-session")
			result.State = StateFailed

			break
		}

		vq := c.Variator.Vary(spec, i)

		elapsed, execErr := sess.Execute(ctx, vq.Text)

		smp := Sample{
			Backend:     b.Name(),
			Query:       spec.Name,
			DatasetSize: ds.Size,
			Iteration:   vq.Index,
			Timestamp:   time.Now(),
		}

		if execErr != nil {
			smp.Failed = true
			consecutive++
			logger.Warn("query failed",
				slog.Int("iteration", i),
				slog.String("error", execErr.Error()),
			)
		} else {
			smp.ElapsedMs = float64(elapsed) / float64(time.Millisecond)
			consecutive = 0
		}

		// Device stats are read after the query so sampling never
		// skews the timed region.
		if plan.Sampler != nil {
			if stats, ok := plan.Sampler.Sample(ctx); ok {
				smp.UtilizationPct = stats.UtilizationPct
				smp.MemoryMB = stats.MemoryUsedMB
				smp.HasDeviceStats = true
			}
		}

		result.Samples = append(result.Samples, smp)

		if execErr == nil {
			continue
		}

		if errors.Is(execErr, backend.ErrSessionFatal) {
			logger.Error("session unrecoverable, aborting remaining iterations",
				slog.Int("completed", i+1),
				slog.Int("requested", iterations),
			)
			result.State = StateFailed

			break
		}

		if consecutive >= threshold {
			logger.Error("consecutive failure threshold reached, aborting",
				slog.Int("consecutive", consecutive),
				slog.Int("threshold", threshold),
			)
			result.State = StateFailed

			break
		}
	}

	return result, nil
}

// RunSweep runs every planned session in order and returns all samples
// plus the number of failed sessions. A session that fails to open is
// counted as failed and the sweep moves on; sessions never share
// handles, so one failure cannot contaminate the next combination.
func (c *Controller) RunSweep(
	ctx context.Context,
	plans []Plan,
	iterations int,
) ([]Sample, int) {
	var (
		samples []Sample
		failed  int
	)

	for _, plan := range plans {
		result, err := c.RunSession(ctx, plan, iterations)
		if err != nil {
			c.Logger.Error("session did not open",
				slog.String("backend", plan.Backend.Name()),
				slog.String("query", plan.Spec.Name),
				slog.String("dataset", plan.Dataset.Size),
				slog.String("error", err.Error()),
			)
		}

		samples = append(samples, result.Samples...)

		if result.Failed() {
			failed++
		}
	}

	return samples, failed
}
