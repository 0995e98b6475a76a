package dispatch

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/convo-relay/relay/conversation/ports"
	"github.com/google/uuid"
)

// MemoryQueue is a process-local Queue. Jobs are lost on restart.
type MemoryQueue struct {
	mu    sync.Mutex
	jobs  map[int64]*memoryJob
	next  int64
	lease time.Duration
	now   func() time.Time
}

type memoryJob struct {
	Job
	leasedUntil time.Time
	lastError   string
}

func NewMemoryQueue(lease time.Duration) *MemoryQueue {
	return &MemoryQueue{jobs: make(map[int64]*memoryJob), lease: lease, now: time.Now}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, d ports.Dispatch, delay time.Duration) error {
	if d.ContactID == "" || d.TurnID == "" {
		return fmt.Errorf("dispatch requires contact and turn ids")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.next++
	q.jobs[q.next] = &memoryJob{Job: Job{
		Seq:       q.next,
		ID:        uuid.NewString(),
		Dispatch:  d,
		NotBefore: q.now().Add(delay),
		Status:    StatusPending,
	}}
	return nil
}

func (q *MemoryQueue) due(j *memoryJob, now time.Time) bool {
	switch j.Status {
	case StatusPending:
		return !j.NotBefore.After(now)
	case StatusRunning:
		return !j.leasedUntil.After(now)
	default:
		return false
	}
}

func (q *MemoryQueue) Due(ctx context.Context, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var jobs []Job
	for _, j := range q.jobs {
		if q.due(j, now) {
			jobs = append(jobs, j.Job)
		}
	}
	slices.SortFunc(jobs, func(a, b Job) int {
		if c := a.NotBefore.Compare(b.NotBefore); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (q *MemoryQueue) Claim(ctx context.Context, seq int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	j, ok := q.jobs[seq]
	if !ok || !q.due(j, now) {
		return false, nil
	}
	j.Status = StatusRunning
	j.Attempts++
	j.leasedUntil = now.Add(q.lease)
	return true, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, seq int64) error {
	q.finish(seq, StatusDone, "")
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, seq int64, reason string) error {
	q.finish(seq, StatusFailed, reason)
	return nil
}

func (q *MemoryQueue) finish(seq int64, status Status, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[seq]; ok && j.Status == StatusRunning {
		j.Status = status
		j.lastError = reason
		j.leasedUntil = time.Time{}
	}
}

func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stats Stats
	for _, j := range q.jobs {
		stats.add(j.Status, 1)
	}
	return stats, nil
}

// Ensure MemoryQueue implements the Queue interface.
var _ Queue = (*MemoryQueue)(nil)
