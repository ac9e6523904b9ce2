package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/conclave/internal/errs"
	"github.com/ShayCichocki/conclave/internal/logging"
	"github.com/ShayCichocki/conclave/internal/state"
	"github.com/ShayCichocki/conclave/internal/transparency"
)

// Queue is the SQLite-backed coordination queue. Mutual exclusion between
// claimants comes from conditional updates on the lease columns, so several
// processes may share one database file.
type Queue struct {
	store         state.SQLStore
	leaseDuration time.Duration
	now           func() time.Time
	logger        *logging.Logger
	recorder      transparency.Recorder
}

// Option configures a Queue.
type Option func(*Queue)

// WithLeaseDuration overrides DefaultLeaseDuration.
func WithLeaseDuration(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.leaseDuration = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithRecorder sets where lease conflicts and store failures are recorded.
func WithRecorder(r transparency.Recorder) Option {
	return func(q *Queue) { q.recorder = r }
}

// New creates a Queue over a migrated store.
func New(store state.SQLStore, opts ...Option) *Queue {
	q := &Queue{
		store:         store,
		leaseDuration: DefaultLeaseDuration,
		now:           time.Now,
		logger:        logging.Nop(),
		recorder:      transparency.Nop{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// LeaseDuration returns the configured lease length.
func (q *Queue) LeaseDuration() time.Duration {
	return q.leaseDuration
}

const taskColumns = `id, kind, workspace_id, payload, status, lease_id, lease_owner, lease_expiry,
	attempts, result, error, created_at, updated_at, completed_at`

// Enqueue inserts a queued task and returns its id.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return "", errs.Validation("payload is not valid JSON")
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := state.UnixMilli(q.now())

	_, err := q.store.ExecContext(ctx, `
		INSERT INTO queue_tasks (id, kind, workspace_id, payload, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	`, id, req.Kind, req.WorkspaceID, string(payload), string(StatusQueued), now, now)
	if err != nil {
		return "", q.persistence(ctx, err, "enqueue task")
	}
	q.logger.Debug("task enqueued", "task_id", id, "kind", req.Kind, "workspace_id", req.WorkspaceID)
	return id, nil
}

// EnqueueLeased inserts a task already leased to owner, so no other
// claimant can observe it in the queued state.
func (q *Queue) EnqueueLeased(ctx context.Context, req EnqueueRequest, owner string) (*Lease, error) {
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return nil, errs.Validation("payload is not valid JSON")
	}
	if owner == "" {
		return nil, errs.Validation("lease owner is required")
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := q.now()
	leaseID := uuid.New().String()
	expiry := now.Add(q.leaseDuration)

	var task *Task
	err := q.store.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue_tasks (id, kind, workspace_id, payload, status, lease_id, lease_owner, lease_expiry,
				attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		`, id, req.Kind, req.WorkspaceID, string(payload), string(StatusLeased), leaseID, owner,
			state.UnixMilli(expiry), state.UnixMilli(now), state.UnixMilli(now)); err != nil {
			return err
		}
		var err error
		task, err = scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM queue_tasks WHERE id = ?`, id))
		return err
	})
	if err != nil {
		return nil, q.persistence(ctx, err, "enqueue leased task")
	}
	q.logger.Debug("task enqueued leased", "task_id", id, "kind", req.Kind, "owner", owner)
	return &Lease{Task: task, LeaseID: leaseID, ExpiresAt: expiry.UTC()}, nil
}

// LeaseNext claims the oldest queued or lease-expired task matching f.
// It returns nil, nil when nothing is available; it never waits for work.
func (q *Queue) LeaseNext(ctx context.Context, owner string, f Filter) (*Lease, error) {
	now := q.now()
	leaseID := uuid.New().String()
	expiry := now.Add(q.leaseDuration)

	cond := `(status = ? OR (status = ? AND lease_expiry <= ?))`
	args := []any{string(StatusQueued), string(StatusLeased), state.UnixMilli(now)}
	if f.Kind != "" {
		cond += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if f.WorkspaceID != "" {
		cond += ` AND workspace_id = ?`
		args = append(args, f.WorkspaceID)
	}
	if f.TaskID != "" {
		cond += ` AND id = ?`
		args = append(args, f.TaskID)
	}

	var task *Task
	err := q.store.Transaction(ctx, func(tx *sql.Tx) error {
		updateArgs := append([]any{string(StatusLeased), leaseID, owner, state.UnixMilli(expiry), state.UnixMilli(now)}, args...)
		res, err := tx.ExecContext(ctx, `
			UPDATE queue_tasks
			SET status = ?, lease_id = ?, lease_owner = ?, lease_expiry = ?, attempts = attempts + 1, updated_at = ?
			WHERE id = (SELECT id FROM queue_tasks WHERE `+cond+` ORDER BY created_at, rowid LIMIT 1)
		`, updateArgs...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return err
		}
		task, err = scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM queue_tasks WHERE lease_id = ?`, leaseID))
		return err
	})
	if err != nil {
		return nil, q.persistence(ctx, err, "lease next task")
	}
	if task == nil {
		return nil, nil
	}

	q.logger.Debug("task leased", "task_id", task.ID, "owner", owner, "attempts", task.Attempts)
	return &Lease{Task: task, LeaseID: leaseID, ExpiresAt: expiry.UTC()}, nil
}

// Complete marks a leased task completed. Completing again with the same
// lease is a no-op. An expired or reassigned lease yields ErrLeaseConflict.
func (q *Queue) Complete(ctx context.Context, taskID, leaseID string, result json.RawMessage) error {
	if len(result) > 0 && !json.Valid(result) {
		quoted, _ := json.Marshal(string(result))
		result = quoted
	}
	var resultArg any
	if len(result) > 0 {
		resultArg = string(result)
	}
	now := state.UnixMilli(q.now())

	res, err := q.store.ExecContext(ctx, `
		UPDATE queue_tasks
		SET status = ?, result = ?, completed_at = ?, updated_at = ?, lease_expiry = NULL
		WHERE id = ? AND status = ? AND lease_id = ? AND lease_expiry > ?
	`, string(StatusCompleted), resultArg, now, now, taskID, string(StatusLeased), leaseID, now)
	if err != nil {
		return q.persistence(ctx, err, "complete task")
	}
	return q.checkLeaseUpdate(ctx, res, taskID, leaseID, StatusCompleted, "complete")
}

// Fail marks a leased task failed. Failed tasks are not requeued.
func (q *Queue) Fail(ctx context.Context, taskID, leaseID, reason string) error {
	now := state.UnixMilli(q.now())

	res, err := q.store.ExecContext(ctx, `
		UPDATE queue_tasks
		SET status = ?, error = ?, completed_at = ?, updated_at = ?, lease_expiry = NULL
		WHERE id = ? AND status = ? AND lease_id = ? AND lease_expiry > ?
	`, string(StatusFailed), reason, now, now, taskID, string(StatusLeased), leaseID, now)
	if err != nil {
		return q.persistence(ctx, err, "fail task")
	}
	return q.checkLeaseUpdate(ctx, res, taskID, leaseID, StatusFailed, "fail")
}

// Renew extends a live lease by the lease duration and returns the new expiry.
func (q *Queue) Renew(ctx context.Context, taskID, leaseID string) (time.Time, error) {
	now := q.now()
	expiry := now.Add(q.leaseDuration)

	res, err := q.store.ExecContext(ctx, `
		UPDATE queue_tasks SET lease_expiry = ?, updated_at = ?
		WHERE id = ? AND status = ? AND lease_id = ? AND lease_expiry > ?
	`, state.UnixMilli(expiry), state.UnixMilli(now), taskID, string(StatusLeased), leaseID, state.UnixMilli(now))
	if err != nil {
		return time.Time{}, q.persistence(ctx, err, "renew lease")
	}
	if err := q.checkLeaseUpdate(ctx, res, taskID, leaseID, "", "renew"); err != nil {
		return time.Time{}, err
	}
	return expiry.UTC(), nil
}

// Release returns a leased task to the queue without counting it as failed.
func (q *Queue) Release(ctx context.Context, taskID, leaseID string) error {
	res, err := q.store.ExecContext(ctx, `
		UPDATE queue_tasks SET status = ?, lease_id = NULL, lease_owner = NULL, lease_expiry = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND lease_id = ?
	`, string(StatusQueued), state.UnixMilli(q.now()), taskID, string(StatusLeased), leaseID)
	if err != nil {
		return q.persistence(ctx, err, "release lease")
	}
	return q.checkLeaseUpdate(ctx, res, taskID, leaseID, "", "release")
}

// ReleaseOwner returns every task leased by owner to the queue.
func (q *Queue) ReleaseOwner(ctx context.Context, owner string) (int64, error) {
	res, err := q.store.ExecContext(ctx, `
		UPDATE queue_tasks SET status = ?, lease_id = NULL, lease_owner = NULL, lease_expiry = NULL, updated_at = ?
		WHERE lease_owner = ? AND status = ?
	`, string(StatusQueued), state.UnixMilli(q.now()), owner, string(StatusLeased))
	if err != nil {
		return 0, q.persistence(ctx, err, "release owner leases")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Debug("leases released", "owner", owner, "count", n)
	}
	return n, nil
}

// FailOwner fails every task leased by owner with reason.
func (q *Queue) FailOwner(ctx context.Context, owner, reason string) (int64, error) {
	now := state.UnixMilli(q.now())
	res, err := q.store.ExecContext(ctx, `
		UPDATE queue_tasks SET status = ?, error = ?, completed_at = ?, updated_at = ?, lease_expiry = NULL
		WHERE lease_owner = ? AND status = ?
	`, string(StatusFailed), reason, now, now, owner, string(StatusLeased))
	if err != nil {
		return 0, q.persistence(ctx, err, "fail owner leases")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Cancel fails a queued or leased task regardless of who holds the lease.
// It reports whether the task was still open.
func (q *Queue) Cancel(ctx context.Context, taskID, reason string) (bool, error) {
	now := state.UnixMilli(q.now())
	res, err := q.store.ExecContext(ctx, `
		UPDATE queue_tasks SET status = ?, error = ?, completed_at = ?, updated_at = ?,
			lease_id = NULL, lease_owner = NULL, lease_expiry = NULL
		WHERE id = ? AND status IN (?, ?)
	`, string(StatusFailed), reason, now, now, taskID, string(StatusQueued), string(StatusLeased))
	if err != nil {
		return false, q.persistence(ctx, err, "cancel task")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FailWorkspace fails every open task of a workspace with reason and
// returns how many were still open.
func (q *Queue) FailWorkspace(ctx context.Context, workspaceID, reason string) (int64, error) {
	if workspaceID == "" {
		return 0, errs.Validation("workspace id is required")
	}
	now := state.UnixMilli(q.now())
	res, err := q.store.ExecContext(ctx, `
		UPDATE queue_tasks SET status = ?, error = ?, completed_at = ?, updated_at = ?,
			lease_id = NULL, lease_owner = NULL, lease_expiry = NULL
		WHERE workspace_id = ? AND status IN (?, ?)
	`, string(StatusFailed), reason, now, now, workspaceID, string(StatusQueued), string(StatusLeased))
	if err != nil {
		return 0, q.persistence(ctx, err, "fail workspace tasks")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Debug("workspace tasks failed", "workspace_id", workspaceID, "count", n)
	}
	return n, nil
}

// Status returns a task by id, or ErrNotFound.
func (q *Queue) Status(ctx context.Context, taskID string) (*Task, error) {
	task, err := scanTask(q.store.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM queue_tasks WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("queue task %s", taskID)
	}
	if err != nil {
		return nil, q.persistence(ctx, err, "task status")
	}
	return task, nil
}

// List returns tasks oldest first.
func (q *Queue) List(ctx context.Context, f ListFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM queue_tasks WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.WorkspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, f.WorkspaceID)
	}
	query += ` ORDER BY created_at, rowid`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := q.store.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, q.persistence(ctx, err, "list tasks")
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, q.persistence(ctx, err, "scan task")
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, q.persistence(ctx, err, "iterate tasks")
	}
	return tasks, nil
}

// Health reports aggregate queue state. Store failures come back as
// OK=false together with an ErrPersistence error.
func (q *Queue) Health(ctx context.Context) (Health, error) {
	h := Health{Counts: map[Status]int{
		StatusQueued: 0, StatusLeased: 0, StatusCompleted: 0, StatusFailed: 0,
	}}
	fail := func(err error, op string) (Health, error) {
		perr := errs.Persistence(err, op)
		h.OK = false
		h.Error = perr.Error()
		return h, perr
	}

	if err := q.store.Ping(ctx); err != nil {
		return fail(err, "ping store")
	}

	rows, err := q.store.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_tasks GROUP BY status`)
	if err != nil {
		return fail(err, "count tasks")
	}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			rows.Close()
			return fail(err, "scan counts")
		}
		h.Counts[Status(s)] = n
		h.Total += n
	}
	rows.Close()

	now := q.now()
	var oldest sql.NullInt64
	err = q.store.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM queue_tasks WHERE status = ? AND lease_expiry <= ?),
			(SELECT MIN(created_at) FROM queue_tasks WHERE status = ?)
	`, string(StatusLeased), state.UnixMilli(now), string(StatusQueued)).Scan(&h.ExpiredLeases, &oldest)
	if err != nil {
		return fail(err, "lease stats")
	}
	if oldest.Valid {
		h.OldestQueuedAge = now.Sub(state.FromUnixMilli(oldest.Int64))
	}

	h.OK = true
	return h, nil
}

// Cleanup deletes completed and failed tasks last updated before now-olderThan.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := state.UnixMilli(q.now().Add(-olderThan))
	res, err := q.store.ExecContext(ctx, `
		DELETE FROM queue_tasks WHERE status IN (?, ?) AND updated_at < ?
	`, string(StatusCompleted), string(StatusFailed), cutoff)
	if err != nil {
		return 0, q.persistence(ctx, err, "cleanup tasks")
	}
	return res.RowsAffected()
}

// checkLeaseUpdate turns a zero-row conditional update into the right error.
// idempotent is the status that makes a repeat call with the same lease a no-op.
func (q *Queue) checkLeaseUpdate(ctx context.Context, res sql.Result, taskID, leaseID string, idempotent Status, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return q.persistence(ctx, err, op+" rows affected")
	}
	if n > 0 {
		return nil
	}

	task, err := q.Status(ctx, taskID)
	if err != nil {
		return err
	}
	if idempotent != "" && task.Status == idempotent && task.LeaseID == leaseID {
		return nil
	}

	reason := "lease expired"
	switch {
	case task.LeaseID != leaseID:
		reason = "lease reassigned"
	case task.Status != StatusLeased:
		reason = "task is " + string(task.Status)
	}
	conflict := errs.LeaseConflict("%s task %s: %s", op, taskID, reason)
	q.recorder.Record(ctx, transparency.Event{
		Type:    transparency.EventLeaseConflict,
		AgentID: task.LeaseOwner,
		Success: transparency.Bool(false),
		Error:   conflict.Error(),
		Metadata: map[string]any{
			"task_id":  taskID,
			"lease_id": leaseID,
			"op":       op,
		},
	})
	return conflict
}

func (q *Queue) persistence(ctx context.Context, err error, op string) error {
	perr := errs.Persistence(err, op)
	q.logger.Error("queue store failure", "op", op, "error", err)
	q.recorder.Record(ctx, transparency.Failure(transparency.EventError, perr))
	return perr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var payload string
	var status string
	var leaseID, leaseOwner, result, errMsg sql.NullString
	var leaseExpiry, completedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&t.ID, &t.Kind, &t.WorkspaceID, &payload, &status, &leaseID, &leaseOwner, &leaseExpiry,
		&t.Attempts, &result, &errMsg, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	t.Payload = json.RawMessage(payload)
	t.Status = Status(status)
	t.LeaseID = leaseID.String
	t.LeaseOwner = leaseOwner.String
	t.LeaseExpiry = state.NullableMilli(leaseExpiry)
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.Error = errMsg.String
	t.CreatedAt = state.FromUnixMilli(createdAt)
	t.UpdatedAt = state.FromUnixMilli(updatedAt)
	t.CompletedAt = state.NullableMilli(completedAt)
	return &t, nil
}
