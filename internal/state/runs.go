package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus represents the status of an orchestrated run.
type RunStatus string

const (
	RunActive      RunStatus = "active"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunCanceled    RunStatus = "canceled"
	RunInterrupted RunStatus = "interrupted"
)

// Run records one Execute call: the request and its outcome.
type Run struct {
	ID          string     `json:"id"`
	Request     string     `json:"request"`
	WorkspaceID string     `json:"workspace_id"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// RunTask is the last known state of one task in a run.
type RunTask struct {
	RunID     string    `json:"run_id"`
	TaskID    string    `json:"task_id"`
	Title     string    `json:"title"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	SessionID string    `json:"session_id,omitempty"`
	DependsOn []string  `json:"depends_on,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateRun creates a new run record.
func (db *DB) CreateRun(r *Run) error {
	_, err := db.Exec(`
		INSERT INTO runs (id, request, workspace_id, status, started_at, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.Request, r.WorkspaceID, string(r.Status), formatTime(r.StartedAt), r.Error)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. Returns nil, nil when it does not exist.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.QueryRow(`
		SELECT id, request, workspace_id, status, started_at, finished_at, error
		FROM runs WHERE id = ?
	`, id)

	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// FinishRun sets a run's terminal status.
func (db *DB) FinishRun(id string, status RunStatus, runErr string, at time.Time) error {
	_, err := db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?
	`, string(status), runErr, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// ListRuns lists runs newest first, optionally filtered by status.
// A limit <= 0 returns all runs.
func (db *DB) ListRuns(status *RunStatus, limit int) ([]Run, error) {
	query := `SELECT id, request, workspace_id, status, started_at, finished_at, error FROM runs`
	var args []any
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// UpsertRunTask records the current state of a task in a run.
func (db *DB) UpsertRunTask(t *RunTask) error {
	deps, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}
	if t.DependsOn == nil {
		deps = []byte("[]")
	}

	_, err = db.Exec(`
		INSERT INTO run_tasks (run_id, task_id, title, role, status, session_id, depends_on, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, task_id) DO UPDATE SET
			status = excluded.status,
			session_id = excluded.session_id,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, t.RunID, t.TaskID, t.Title, t.Role, t.Status, t.SessionID, string(deps), t.Error, formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert run task: %w", err)
	}
	return nil
}

// ListRunTasks returns the tasks recorded for a run.
func (db *DB) ListRunTasks(runID string) ([]RunTask, error) {
	rows, err := db.Query(`
		SELECT run_id, task_id, title, role, status, session_id, depends_on, error, updated_at
		FROM run_tasks WHERE run_id = ? ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run tasks: %w", err)
	}
	defer rows.Close()

	var tasks []RunTask
	for rows.Next() {
		var t RunTask
		var deps, updatedAt string
		if err := rows.Scan(&t.RunID, &t.TaskID, &t.Title, &t.Role, &t.Status, &t.SessionID, &deps, &t.Error, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan run task: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
			return nil, fmt.Errorf("unmarshal depends_on: %w", err)
		}
		t.UpdatedAt, _ = parseTime(updatedAt)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// MarkInterruptedRuns flags runs left active by a process that exited
// without finishing them. Returns the number of runs updated.
func (db *DB) MarkInterruptedRuns(at time.Time) (int64, error) {
	result, err := db.Exec(`
		UPDATE runs SET status = ?, finished_at = ? WHERE status = ?
	`, string(RunInterrupted), formatTime(at), string(RunActive))
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	return result.RowsAffected()
}

// PurgeOldRuns deletes finished runs that started before now-olderThan.
// Returns the number of runs deleted.
func (db *DB) PurgeOldRuns(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	result, err := db.Exec(`
		DELETE FROM runs WHERE started_at < ? AND status != ?
	`, cutoff, string(RunActive))
	if err != nil {
		return 0, fmt.Errorf("purge old runs: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var startedAt string
	var finishedAt sql.NullString
	if err := row.Scan(&r.ID, &r.Request, &r.WorkspaceID, &r.Status, &startedAt, &finishedAt, &r.Error); err != nil {
		return nil, err
	}
	r.StartedAt, _ = parseTime(startedAt)
	r.FinishedAt = parseNullableTime(finishedAt)
	return &r, nil
}
