package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// SiriusConfig holds everything needed to drive the GPU engine's
// interactive CLI. The failure marker is configuration, not a
// hardcoded constant: it tracks the engine's diagnostic output, which
// changes between engine versions.
type SiriusConfig struct {
	Binary        string
	BufferMin     string
	BufferMax     string
	FailureMarker string
	QueryTimeout  time.Duration
	InitTimeout   time.Duration
}

// DefaultFailureMarker is the diagnostic string current engine builds
// print when a query could not run on the GPU.
const DefaultFailureMarker = "Error in GPUExecuteQuery"

const (
	defaultQueryTimeout = 5 * time.Minute
	defaultInitTimeout  = 10 * time.Minute
	closeTimeout        = 5 * time.Second
)

// syncPrefix prefixes the per-statement sentinel echoed through the
// engine to detect statement completion on its output stream.
const syncPrefix = "GRAPHBENCH_SYNC_"

// Sirius is the GPU backend. Each session owns one long-lived child
// process of the Sirius-patched duckdb CLI; queries are written to its
// stdin and completion is read back from its combined stdout/stderr.
type Sirius struct {
	cfg    SiriusConfig
	logger *slog.Logger
}

// NewSirius creates the GPU backend, filling config defaults.
func NewSirius(cfg SiriusConfig, logger *slog.Logger) *Sirius {
	if cfg.FailureMarker == "" {
		cfg.FailureMarker = DefaultFailureMarker
	}

	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}

	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaultInitTimeout
	}

	return &Sirius{
		cfg:    cfg,
		logger: logger.With(slog.String("backend", "sirius")),
	}
}

// Name implements Backend.
func (s *Sirius) Name() string { return "sirius" }

// Open starts the child process, loads the dataset, and initializes
// the GPU buffers before any query runs.
func (s *Sirius) Open(ctx context.Context, ds Dataset) (Session, error) {
	binary := s.cfg.Binary

	sess := &siriusSession{
		cfg:    s.cfg,
		ds:     ds,
		logger: s.logger.With(slog.String("dataset", ds.Size)),
		start: func() (engine, error) {
			return startEngine(binary)
		},
	}

	if err := sess.spawn(ctx); err != nil {
		return nil, err
	}

	return sess, nil
}

// engine is the narrow surface of the child process the session
// depends on. Tests substitute a scripted implementation so the
// fragile read-until-marker logic is exercised without a real engine.
type engine interface {
	send(text string) error
	lines() <-chan string
	kill()
	quit(timeout time.Duration) error
}

type siriusSession struct {
	cfg    SiriusConfig
	ds     Dataset
	logger *slog.Logger
	start  func() (engine, error)

	eng    engine
	seq    int
	closed bool
}

// spawn starts a fresh engine process and replays the full session
// initialization: dataset tables, then GPU buffer sizing.
func (s *siriusSession) spawn(ctx context.Context) error {
	eng, err := s.start()
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	s.eng = eng

	stmts := append(loadStatements(s.ds), fmt.Sprintf(
		"call gpu_buffer_init('%s', '%s');",
		quoteSQLString(s.cfg.BufferMin), quoteSQLString(s.cfg.BufferMax),
	))

	for _, stmt := range stmts {
		out, err := s.roundTrip(ctx, stmt, s.cfg.InitTimeout)
		s.logOutput("init", out)

		if err != nil {
			eng.kill()

			return fmt.Errorf("initialize session: %w", err)
		}

		if line, found := findMarker(out, s.cfg.FailureMarker); found {
			eng.kill()

			return fmt.Errorf(
				"initialize session: %q: %w", line, ErrEngineFallback,
			)
		}
	}

	s.logger.Info("session opened",
		slog.String("buffer_min", s.cfg.BufferMin),
		slog.String("buffer_max", s.cfg.BufferMax),
	)

	return nil
}

// Execute wraps the query in the engine's GPU invocation call and
// times the stdin-to-completion round trip. All engine output is
// captured and scanned for the failure marker; a marker hit is a
// transient failure, a dead process is fatal, and a timeout kills and
// respawns the child so a hung query cannot stall the whole sweep.
func (s *siriusSession) Execute(
	ctx context.Context,
	sql string,
) (time.Duration, error) {
	wrapped := wrapGPU(sql)

	start := time.Now()
	out, err := s.roundTrip(ctx, wrapped, s.cfg.QueryTimeout)
	elapsed := time.Since(start)

	s.logOutput("query", out)

	switch {
	case err == nil:
		if line, found := findMarker(out, s.cfg.FailureMarker); found {
			return 0, fmt.Errorf("%q: %w", line, ErrEngineFallback)
		}

		return elapsed, nil

	case errors.Is(err, ErrQueryTimeout):
		s.logger.Warn("query timed out, restarting engine",
			slog.Duration("timeout", s.cfg.QueryTimeout),
		)
		s.eng.kill()

		if rerr := s.spawn(ctx); rerr != nil {
			return 0, fmt.Errorf(
				"respawn after timeout: %v: %w", rerr, ErrSessionFatal,
			)
		}

		return 0, err

	case errors.Is(err, ErrEngineExited):
		return 0, fmt.Errorf("%v: %w", err, ErrSessionFatal)

	default:
		return 0, err
	}
}

func (s *siriusSession) Close() error {
	if s.closed || s.eng == nil {
		return nil
	}

	s.closed = true

	if err := s.eng.quit(closeTimeout); err != nil {
		s.logger.Warn("engine did not exit cleanly",
			slog.String("error", err.Error()),
		)

		return err
	}

	s.logger.Debug("session closed")

	return nil
}

// roundTrip writes one statement followed by a sentinel SELECT, then
// reads output lines until the sentinel appears. Every line before the
// sentinel is returned to the caller; nothing is discarded, since the
// captured text is the only signal for backend-side fallback.
func (s *siriusSession) roundTrip(
	ctx context.Context,
	stmt string,
	timeout time.Duration,
) ([]string, error) {
	s.seq++
	marker := fmt.Sprintf("%s%d", syncPrefix, s.seq)

	payload := stmt + "\nSELECT '" + marker + "' AS sync;\n"
	if err := s.eng.send(payload); err != nil {
		return nil, fmt.Errorf(
			"write to engine: %v: %w", err, ErrEngineExited,
		)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var captured []string

	for {
		select {
		case line, ok := <-s.eng.lines():
			if !ok {
				return captured, fmt.Errorf(
					"engine output closed before sync marker: %w",
					ErrEngineExited,
				)
			}

			if strings.Contains(line, marker) {
				return captured, nil
			}

			captured = append(captured, line)

		case <-timer.C:
			return captured, ErrQueryTimeout

		case <-ctx.Done():
			return captured, ctx.Err()
		}
	}
}

func (s *siriusSession) logOutput(stage string, lines []string) {
	for _, line := range lines {
		s.logger.Debug("engine output",
			slog.String("stage", stage),
			slog.String("line", line),
		)
	}
}

// wrapGPU wraps a bare SQL statement in the engine's GPU invocation
// call, doubling single quotes per SQL literal rules.
func wrapGPU(sql string) string {
	return "call gpu_processing('" + quoteSQLString(sql) + "');"
}

// findMarker returns the first captured line containing the failure
// marker. An empty marker disables detection.
func findMarker(lines []string, marker string) (string, bool) {
	if marker == "" {
		return "", false
	}

	for _, line := range lines {
		if strings.Contains(line, marker) {
			return line, true
		}
	}

	return "", false
}

// engineProc is the real child process behind the engine interface.
// One goroutine pumps the combined stdout/stderr into a line channel;
// that pump is the only concurrency in the harness and exists so a
// per-query timeout can be enforced over a blocking pipe read.
type engineProc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   chan string
	done  chan struct{}
}

func startEngine(binary string) (engine, error) {
	cmd := exec.Command(binary)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()

		return nil, fmt.Errorf("start %s: %w", binary, err)
	}

	e := &engineProc{
		cmd:   cmd,
		stdin: stdin,
		out:   make(chan string, 256),
		done:  make(chan struct{}),
	}

	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

		for scanner.Scan() {
			e.out <- scanner.Text()
		}

		close(e.out)
	}()

	go func() {
		err := cmd.Wait()
		pw.CloseWithError(err)
		close(e.done)
	}()

	return e, nil
}

func (e *engineProc) send(text string) error {
	_, err := io.WriteString(e.stdin, text)

	return err
}

func (e *engineProc) lines() <-chan string { return e.out }

func (e *engineProc) kill() {
	if e.cmd.Process != nil {
		e.cmd.Process.Kill()
	}
}

// quit asks the CLI to exit via its dot command and waits briefly,
// killing the process if it lingers. The session must never leak a
// child across exit paths.
func (e *engineProc) quit(timeout time.Duration) error {
	io.WriteString(e.stdin, ".quit\n")
	e.stdin.Close()

	select {
	case <-e.done:
		return nil
	case <-time.After(timeout):
		e.kill()

		return fmt.Errorf("engine ignored .quit, killed")
	}
}
