// Package dispatch defers pipeline invocations: a durable job queue, a worker
// that drains it, and the targets and HTTP processor that run the pipeline.
package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/convo-relay/relay/conversation/ports"
	"github.com/google/uuid"
)

// Status is the lifecycle state of a queued job.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Job is one deferred pipeline invocation.
type Job struct {
	Seq       int64
	ID        string
	Dispatch  ports.Dispatch
	NotBefore time.Time
	Status    Status
	Attempts  int
}

// Stats counts jobs per status.
type Stats struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
}

// Queue is a scheduler whose jobs are drained by a Worker. A job is due when
// it is pending and its delay has elapsed, or when it is running under an
// expired lease.
type Queue interface {
	ports.Scheduler
	Due(ctx context.Context, limit int) ([]Job, error)
	// Claim leases a due job. It reports false when another worker won.
	Claim(ctx context.Context, seq int64) (bool, error)
	Complete(ctx context.Context, seq int64) error
	Fail(ctx context.Context, seq int64, reason string) error
	Stats(ctx context.Context) (Stats, error)
}

// LibSQLQueue stores jobs in the dispatch_jobs table.
type LibSQLQueue struct {
	db    *sql.DB
	lease time.Duration
	now   func() time.Time
}

// NewLibSQLQueue creates a queue over an already migrated database.
func NewLibSQLQueue(db *sql.DB, lease time.Duration) *LibSQLQueue {
	return &LibSQLQueue{db: db, lease: lease, now: time.Now}
}

// Enqueue schedules d to run no earlier than delay from now.
func (q *LibSQLQueue) Enqueue(ctx context.Context, d ports.Dispatch, delay time.Duration) error {
	if d.ContactID == "" || d.TurnID == "" {
		return fmt.Errorf("dispatch requires contact and turn ids")
	}
	now := q.now()

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO dispatch_jobs (id, contact_id, turn_id, not_before, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), d.ContactID, d.TurnID, now.Add(delay).UnixNano(), now.UnixNano())
	if err != nil {
		return &ports.StorageError{Op: "enqueue dispatch", Err: err}
	}
	return nil
}

const dueCondition = `((status = 'pending' AND not_before <= ?) OR (status = 'running' AND leased_until <= ?))`

// Due lists up to limit due jobs, oldest first.
func (q *LibSQLQueue) Due(ctx context.Context, limit int) ([]Job, error) {
	now := q.now().UnixNano()

	rows, err := q.db.QueryContext(ctx, `
		SELECT seq, id, contact_id, turn_id, not_before, status, attempts
		FROM dispatch_jobs
		WHERE `+dueCondition+`
		ORDER BY not_before, seq
		LIMIT ?
	`, now, now, limit)
	if err != nil {
		return nil, &ports.StorageError{Op: "query due jobs", Err: err}
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var (
			job       Job
			notBefore int64
			status    string
		)
		if err := rows.Scan(&job.Seq, &job.ID, &job.Dispatch.ContactID, &job.Dispatch.TurnID, &notBefore, &status, &job.Attempts); err != nil {
			return nil, &ports.StorageError{Op: "scan job", Err: err}
		}
		job.NotBefore = time.Unix(0, notBefore)
		job.Status = Status(status)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, &ports.StorageError{Op: "iterate due jobs", Err: err}
	}
	return jobs, nil
}

// Claim moves a due job to running with a fresh lease. The conditional
// update makes concurrent claims of the same job exclusive.
func (q *LibSQLQueue) Claim(ctx context.Context, seq int64) (bool, error) {
	now := q.now()

	res, err := q.db.ExecContext(ctx, `
		UPDATE dispatch_jobs
		SET status = 'running', attempts = attempts + 1, leased_until = ?
		WHERE seq = ? AND `+dueCondition,
		now.Add(q.lease).UnixNano(), seq, now.UnixNano(), now.UnixNano())
	if err != nil {
		return false, &ports.StorageError{Op: "claim job", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &ports.StorageError{Op: "claim job", Err: err}
	}
	return n == 1, nil
}

func (q *LibSQLQueue) Complete(ctx context.Context, seq int64) error {
	return q.finish(ctx, seq, StatusDone, "")
}

func (q *LibSQLQueue) Fail(ctx context.Context, seq int64, reason string) error {
	return q.finish(ctx, seq, StatusFailed, reason)
}

func (q *LibSQLQueue) finish(ctx context.Context, seq int64, status Status, reason string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE dispatch_jobs SET status = ?, last_error = ?, leased_until = 0
		WHERE seq = ? AND status = 'running'
	`, string(status), reason, seq)
	if err != nil {
		return &ports.StorageError{Op: "finish job", Err: err}
	}
	return nil
}

// Stats counts jobs per status.
func (q *LibSQLQueue) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM dispatch_jobs GROUP BY status`)
	if err != nil {
		return Stats{}, &ports.StorageError{Op: "queue stats", Err: err}
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, &ports.StorageError{Op: "queue stats", Err: err}
		}
		stats.add(Status(status), count)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, &ports.StorageError{Op: "queue stats", Err: err}
	}
	return stats, nil
}

func (s *Stats) add(status Status, n int) {
	switch status {
	case StatusPending:
		s.Pending += n
	case StatusRunning:
		s.Running += n
	case StatusDone:
		s.Done += n
	case StatusFailed:
		s.Failed += n
	}
}

// Ensure LibSQLQueue implements the Queue interface.
var _ Queue = (*LibSQLQueue)(nil)
