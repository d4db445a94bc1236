package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DuckDB is the CPU reference backend, running an embedded in-memory
// DuckDB instance in-process.
type DuckDB struct {
	queryTimeout time.Duration
	logger       *slog.Logger
}

// NewDuckDB creates the CPU backend. A non-positive queryTimeout
// disables the per-query deadline.
func NewDuckDB(queryTimeout time.Duration, logger *slog.Logger) *DuckDB {
	return &DuckDB{
		queryTimeout: queryTimeout,
		logger:       logger.With(slog.String("backend", "duckdb")),
	}
}

// Name implements Backend.
func (d *DuckDB) Name() string { return "duckdb" }

// Open creates an in-memory database and loads the dataset CSVs into
// it. Load time is deliberately outside the per-query timed region.
func (d *DuckDB) Open(ctx context.Context, ds Dataset) (Session, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	loadStart := time.Now()

	for _, stmt := range loadStatements(ds) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()

			return nil, fmt.Errorf("load dataset %s: %w", ds.Size, err)
		}
	}

	d.logger.Info("session opened",
		slog.String("dataset", ds.Size),
		slog.Duration("load_time", time.Since(loadStart)),
	)

	return &duckdbSession{
		db:           db,
		queryTimeout: d.queryTimeout,
		logger:       d.logger,
	}, nil
}

type duckdbSession struct {
	db           *sql.DB
	queryTimeout time.Duration
	logger       *slog.Logger
}

// Execute runs one query and drains its row set. The rows themselves
// are discarded; only the wall time around execute-and-drain is kept,
// matching how the GPU backend is measured.
func (s *duckdbSession) Execute(
	ctx context.Context,
	query string,
) (time.Duration, error) {
	if s.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
	}

	start := time.Now()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("duckdb query: %w", ErrQueryTimeout)
		}

		return 0, fmt.Errorf("duckdb query: %w", err)
	}

	for rows.Next() {
	}

	if err := rows.Err(); err != nil {
		rows.Close()

		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("duckdb drain: %w", ErrQueryTimeout)
		}

		return 0, fmt.Errorf("duckdb drain: %w", err)
	}

	if err := rows.Close(); err != nil {
		return 0, fmt.Errorf("duckdb close rows: %w", err)
	}

	return time.Since(start), nil
}

func (s *duckdbSession) Close() error {
	s.logger.Debug("closing session")

	return s.db.Close()
}
