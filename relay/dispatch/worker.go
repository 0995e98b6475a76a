package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// WorkerOptions tunes a Worker. Zero values select the defaults.
type WorkerOptions struct {
	PollInterval time.Duration // default 1s
	Concurrency  int           // default 4
	BatchSize    int           // default 16
	// JobTimeout bounds one target call. It should not exceed the queue
	// lease or the job may be re-delivered while still running.
	JobTimeout time.Duration
}

// Worker polls a Queue and runs due jobs on a bounded pool. A job whose
// target fails is marked failed and never retried; only jobs whose lease
// expires are delivered again.
type Worker struct {
	queue  Queue
	target Target
	opts   WorkerOptions
	logger zerolog.Logger

	mu       sync.Mutex
	inflight *roaring64.Bitmap
}

func NewWorker(queue Queue, target Target, opts WorkerOptions, logger zerolog.Logger) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 16
	}
	return &Worker{
		queue:    queue,
		target:   target,
		opts:     opts,
		logger:   logger.With().Str("component", "dispatch_worker").Logger(),
		inflight: roaring64.New(),
	}
}

// Run polls until ctx is cancelled, then waits for running jobs to finish.
// Running jobs are not cancelled with ctx so a reply is never cut short
// halfway through delivery.
func (w *Worker) Run(ctx context.Context) error {
	p := pool.New().WithMaxGoroutines(w.opts.Concurrency)
	defer p.Wait()

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	w.logger.Info().
		Dur("poll_interval", w.opts.PollInterval).
		Int("concurrency", w.opts.Concurrency).
		Msg("dispatch worker started")

	for {
		if err := w.poll(ctx, p); err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("poll dispatch queue")
		}
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("dispatch worker stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// InFlight returns the number of jobs currently executing.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int(w.inflight.GetCardinality())
}

func (w *Worker) poll(ctx context.Context, p *pool.Pool) error {
	jobs, err := w.queue.Due(ctx, w.opts.BatchSize)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return nil
		}
		if !w.markInFlight(job.Seq) {
			continue
		}
		claimed, err := w.queue.Claim(ctx, job.Seq)
		if err != nil || !claimed {
			w.clearInFlight(job.Seq)
			if err != nil {
				return err
			}
			continue
		}

		// Go blocks while the pool is full.
		p.Go(func() {
			defer w.clearInFlight(job.Seq)
			w.execute(context.WithoutCancel(ctx), job)
		})
	}
	return nil
}

func (w *Worker) execute(ctx context.Context, job Job) {
	logger := w.logger.With().
		Int64("seq", job.Seq).
		Str("contact_id", job.Dispatch.ContactID).
		Str("turn_id", job.Dispatch.TurnID).
		Int("attempt", job.Attempts+1).
		Logger()

	runCtx := ctx
	if w.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.opts.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := w.target.Dispatch(runCtx, job.Dispatch); err != nil {
		logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("dispatch failed")
		if err := w.queue.Fail(ctx, job.Seq, err.Error()); err != nil {
			logger.Error().Err(err).Msg("mark job failed")
		}
		return
	}

	logger.Debug().Dur("duration", time.Since(start)).Msg("dispatch done")
	if err := w.queue.Complete(ctx, job.Seq); err != nil {
		logger.Error().Err(err).Msg("mark job done")
	}
}

// markInFlight reports false when seq is already executing in this process,
// which happens when its lease expires while the first run is still going.
func (w *Worker) markInFlight(seq int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inflight.Contains(uint64(seq)) {
		return false
	}
	w.inflight.Add(uint64(seq))
	return true
}

func (w *Worker) clearInFlight(seq int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight.Remove(uint64(seq))
}
