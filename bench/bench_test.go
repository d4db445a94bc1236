package bench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mkarlsen/graphbench/backend"
	"github.com/mkarlsen/graphbench/gpustat"
	"github.com/mkarlsen/graphbench/query"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSession scripts per-iteration outcomes.
type fakeSession struct {
	executed []string
	errs     []error // error per call, nil entries succeed; exhausted = success
	closed   bool
}

func (s *fakeSession) Execute(
	_ context.Context,
	sql string,
) (time.Duration, error) {
	call := len(s.executed)
	s.executed = append(s.executed, sql)

	if call < len(s.errs) && s.errs[call] != nil {
		return 0, s.errs[call]
	}

	return 5 * time.Millisecond, nil
}

func (s *fakeSession) Close() error {
	s.closed = true

	return nil
}

type fakeBackend struct {
	name    string
	session *fakeSession
	openErr error
	opens   int
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Open(
	context.Context,
	backend.Dataset,
) (backend.Session, error) {
	b.opens++

	if b.openErr != nil {
		return nil, b.openErr
	}

	return b.session, nil
}

type fakeSampler struct {
	stats gpustat.Stats
	ok    bool
}

func (s *fakeSampler) Sample(context.Context) (gpustat.Stats, bool) {
	return s.stats, s.ok
}

func newController(t *testing.T) *Controller {
	t.Helper()

	v, err := query.NewVariator(0, 1)
	if err != nil {
		t.Fatal(err)
	}

	return &Controller{Variator: v, Logger: discard()}
}

func testSpec() query.Spec {
	return query.Spec{
		Name:     "1_hop",
		Backend:  "duckdb",
		Template: "SELECT * FROM nodes WHERE txId > {threshold}",
	}
}

func planFor(b backend.Backend) Plan {
	return Plan{
		Backend: b,
		Dataset: backend.ResolveDataset("data", "100k"),
		Spec:    testSpec(),
	}
}

func TestRunSessionCompleteness(t *testing.T) {
	sess := &fakeSession{
		errs: []error{nil, errors.New("transient"), nil},
	}
	b := &fakeBackend{name: "duckdb", session: sess}

	c := newController(t)

	result, err := c.RunSession(context.Background(), planFor(b), 10)
	if err != nil {
		t.Fatalf("RunSession failed: %v", err)
	}

	// One sample per iteration, failures included.
	if len(result.Samples) != 10 {
		t.Fatalf("got %d samples, want 10", len(result.Samples))
	}
	if result.State != StateClosed {
		t.Errorf("state = %v, want closed", result.State)
	}
	if !sess.closed {
		t.Error("session not closed")
	}

	if !result.Samples[1].Failed {
		t.Error("iteration 1 should be failure-flagged")
	}
	if result.Samples[1].ElapsedMs != 0 {
		t.Error("failed sample must carry no elapsed time")
	}

	for i, smp := range result.Samples {
		if smp.Iteration != i {
			t.Errorf("sample %d has iteration %d", i, smp.Iteration)
		}
		if smp.Backend != "duckdb" || smp.Query != "1_hop" ||
			smp.DatasetSize != "100k" {
			t.Errorf("sample %d metadata wrong: %+v", i, smp)
		}
		if !smp.Failed && smp.ElapsedMs <= 0 {
			t.Errorf("sample %d elapsed = %v, want > 0", i, smp.ElapsedMs)
		}
	}
}

func TestRunSessionQueriesAreUnique(t *testing.T) {
	sess := &fakeSession{}
	b := &fakeBackend{name: "duckdb", session: sess}

	c := newController(t)

	_, err := c.RunSession(context.Background(), planFor(b), 100)
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]bool, len(sess.executed))
	for _, q := range sess.executed {
		if seen[q] {
			t.Fatalf("query text repeated within session: %q", q)
		}

		seen[q] = true
	}
}

func TestRunSessionZeroIterations(t *testing.T) {
	sess := &fakeSession{}
	b := &fakeBackend{name: "duckdb", session: sess}

	c := newController(t)

	result, err := c.RunSession(context.Background(), planFor(b), 0)
	if err != nil {
		t.Fatalf("RunSession failed: %v", err)
	}

	if len(result.Samples) != 0 {
		t.Errorf("got %d samples, want 0", len(result.Samples))
	}
	if result.State != StateClosed {
		t.Errorf("state = %v, want closed", result.State)
	}
	if !sess.closed {
		t.Error("session not closed")
	}
}

func TestRunSessionSingleIteration(t *testing.T) {
	sess := &fakeSession{}
	b := &fakeBackend{name: "duckdb", session: sess}

	c := newController(t)

	result, err := c.RunSession(context.Background(), planFor(b), 1)
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Samples) != 1 {
		t.Fatalf("got %d samples, want 1", len(result.Samples))
	}
}

func TestRunSessionConsecutiveFailuresAreFatal(t *testing.T) {
	boom := errors.New("engine error")
	sess := &fakeSession{
		errs: []error{nil, boom, boom, boom, nil},
	}
	b := &fakeBackend{name: "sirius", session: sess}

	c := newController(t)

	result, err := c.RunSession(context.Background(), planFor(b), 10)
	if err != nil {
		t.Fatal(err)
	}

	// 1 success + 3 consecutive failures, then abort.
	if len(result.Samples) != 4 {
		t.Fatalf("got %d samples, want 4", len(result.Samples))
	}
	if result.State != StateFailed {
		t.Errorf("state = %v, want failed", result.State)
	}
	if !sess.closed {
		t.Error("failed session must still be closed")
	}
}

func TestRunSessionFailuresResetOnSuccess(t *testing.T) {
	boom := errors.New("engine error")
	sess := &fakeSession{
		errs: []error{boom, boom, nil, boom, boom, nil},
	}
	b := &fakeBackend{name: "sirius", session: sess}

	c := newController(t)

	result, err := c.RunSession(context.Background(), planFor(b), 6)
	if err != nil {
		t.Fatal(err)
	}

	// Never three in a row, so the session runs to completion.
	if len(result.Samples) != 6 {
		t.Fatalf("got %d samples, want 6", len(result.Samples))
	}
	if result.State != StateClosed {
		t.Errorf("state = %v, want closed", result.State)
	}
}

func TestRunSessionFatalErrorAbortsImmediately(t *testing.T) {
	fatal := fmt.Errorf("child died: %w", backend.ErrSessionFatal)
	sess := &fakeSession{
		errs: []error{nil, nil, fatal},
	}
	b := &fakeBackend{name: "sirius", session: sess}

	c := newController(t)

	result, err := c.RunSession(context.Background(), planFor(b), 10)
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Samples) != 3 {
		t.Fatalf("got %d samples, want 3 (no retries after fatal)",
			len(result.Samples))
	}
	if result.State != StateFailed {
		t.Errorf("state = %v, want failed", result.State)
	}
	if !sess.closed {
		t.Error("session handle not released after fatal error")
	}
}

func TestRunSessionAttachesDeviceStats(t *testing.T) {
	sess := &fakeSession{}
	b := &fakeBackend{name: "sirius", session: sess}

	c := newController(t)

	plan := planFor(b)
	plan.Sampler = &fakeSampler{
		stats: gpustat.Stats{UtilizationPct: 90, MemoryUsedMB: 4096},
		ok:    true,
	}

	result, err := c.RunSession(context.Background(), plan, 2)
	if err != nil {
		t.Fatal(err)
	}

	for i, smp := range result.Samples {
		if !smp.HasDeviceStats {
			t.Fatalf("sample %d missing device stats", i)
		}
		if smp.UtilizationPct != 90 || smp.MemoryMB != 4096 {
			t.Errorf("sample %d stats = %+v", i, smp)
		}
	}
}

func TestRunSessionSamplerUnavailable(t *testing.T) {
	sess := &fakeSession{}
	b := &fakeBackend{name: "sirius", session: sess}

	c := newController(t)

	plan := planFor(b)
	plan.Sampler = &fakeSampler{ok: false}

	result, err := c.RunSession(context.Background(), plan, 2)
	if err != nil {
		t.Fatal(err)
	}

	for i, smp := range result.Samples {
		if smp.HasDeviceStats {
			t.Errorf("sample %d has stats from unavailable sampler", i)
		}
		if smp.Failed {
			t.Errorf("sampler absence must not fail iteration %d", i)
		}
	}
}

func TestRunSessionNoSamplerForCPUBackend(t *testing.T) {
	sess := &fakeSession{}
	b := &fakeBackend{name: "duckdb", session: sess}

	c := newController(t)

	result, err := c.RunSession(context.Background(), planFor(b), 1)
	if err != nil {
		t.Fatal(err)
	}

	if result.Samples[0].HasDeviceStats {
		t.Error("plan without sampler must produce absent device stats")
	}
}

func TestRunSweepContinuesPastFailedSession(t *testing.T) {
	fatal := fmt.Errorf("child died: %w", backend.ErrSessionFatal)

	dead := &fakeBackend{
		name:    "sirius",
		session: &fakeSession{errs: []error{fatal}},
	}
	healthy := &fakeBackend{name: "duckdb", session: &fakeSession{}}

	c := newController(t)

	plans := []Plan{planFor(dead), planFor(healthy)}

	samples, failed := c.RunSweep(context.Background(), plans, 5)

	if failed != 1 {
		t.Errorf("failed sessions = %d, want 1", failed)
	}

	// 1 sample from the dead session, 5 from the healthy one.
	if len(samples) != 6 {
		t.Errorf("got %d samples, want 6", len(samples))
	}

	if healthy.opens != 1 {
		t.Errorf("healthy backend opened %d times, want 1", healthy.opens)
	}
	if !healthy.session.closed {
		t.Error("healthy session not closed")
	}
}

func TestRunSweepCountsOpenFailure(t *testing.T) {
	broken := &fakeBackend{
		name:    "sirius",
		openErr: errors.New("binary not found"),
	}
	healthy := &fakeBackend{name: "duckdb", session: &fakeSession{}}

	c := newController(t)

	plans := []Plan{planFor(broken), planFor(healthy)}

	samples, failed := c.RunSweep(context.Background(), plans, 3)

	if failed != 1 {
		t.Errorf("failed sessions = %d, want 1", failed)
	}
	if len(samples) != 3 {
		t.Errorf("got %d samples, want 3", len(samples))
	}
}
