// Package backend abstracts the two SQL engines under comparison
// behind a uniform open/execute/close session contract. The CPU engine
// runs in-process through database/sql; the GPU engine runs as a
// long-lived child process driven over stdin/stdout.
package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Errors callers branch on. ErrSessionFatal marks conditions the
// session cannot recover from; everything else is a transient failure
// of a single query.
var (
	ErrQueryTimeout   = errors.New("query timed out")
	ErrEngineFallback = errors.New("engine reported execution failure")
	ErrEngineExited   = errors.New("engine process exited")
	ErrSessionFatal   = errors.New("session is unrecoverable")
)

// Dataset names the CSV pair holding one size of the transaction graph.
type Dataset struct {
	Size      string
	NodesPath string
	EdgesPath string
}

// Check verifies both CSV files exist. Used during startup validation
// so a missing dataset fails before any session opens.
func (d Dataset) Check() error {
	for _, path := range []string{d.NodesPath, d.EdgesPath} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("dataset %s: %w", d.Size, err)
		}
	}

	return nil
}

// ResolveDataset builds the conventional nodes/edges file pair for a
// dataset size under dataDir.
func ResolveDataset(dataDir, size string) Dataset {
	return Dataset{
		Size:      size,
		NodesPath: filepath.Join(dataDir, "nodes_"+size+".csv"),
		EdgesPath: filepath.Join(dataDir, "edges_"+size+".csv"),
	}
}

// Session is one open connection (or child process) with the dataset
// loaded. Execute runs a single query and returns the elapsed wall
// time of the execution only; setup cost is paid at open. Sessions are
// not safe for concurrent use and the harness never shares them.
type Session interface {
	Execute(ctx context.Context, sql string) (time.Duration, error)
	Close() error
}

// Backend opens sessions against one engine.
type Backend interface {
	Name() string
	Open(ctx context.Context, ds Dataset) (Session, error)
}

// quoteSQLString escapes a value for embedding inside a single-quoted
// SQL string literal.
func quoteSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// loadStatements returns the table-creation statements both engines
// execute at session open. The row sets never leave the engine; only
// the table shape matters to the harness.
func loadStatements(ds Dataset) []string {
	return []string{
		fmt.Sprintf(
			"CREATE TABLE nodes AS SELECT * FROM read_csv_auto('%s');",
			quoteSQLString(ds.NodesPath),
		),
		fmt.Sprintf(
			"CREATE TABLE edges AS SELECT * FROM read_csv_auto('%s');",
			quoteSQLString(ds.EdgesPath),
		),
	}
}
