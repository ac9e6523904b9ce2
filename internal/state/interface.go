package state

import (
	"context"
	"database/sql"
	"io"
	"time"
)

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// SQLStore is the narrow SQL surface the queue and transparency log build on.
type SQLStore interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error
	Ping(ctx context.Context) error
}

// RunStore handles run record persistence.
type RunStore interface {
	CreateRun(r *Run) error
	GetRun(id string) (*Run, error)
	FinishRun(id string, status RunStatus, runErr string, at time.Time) error
	ListRuns(status *RunStatus, limit int) ([]Run, error)
	UpsertRunTask(t *RunTask) error
	ListRunTasks(runID string) ([]RunTask, error)
}

// StateStore composes everything the orchestrator persists.
type StateStore interface {
	io.Closer
	Migrator
	SQLStore
	RunStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ StateStore = (*DB)(nil)
	_ Migrator   = (*DB)(nil)
	_ SQLStore   = (*DB)(nil)
	_ RunStore   = (*DB)(nil)
)
