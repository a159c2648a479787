package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/scanq/scanq/internal/jobqueue"
	"github.com/scanq/scanq/internal/scorer"
	logpkg "github.com/scanq/scanq/pkg/log"
)

// Options tunes the dispatcher's polling and sweep cadence.
type Options struct {
	// PollInterval is how long an idle worker slot waits before the next
	// claim attempt.
	PollInterval time.Duration
	// SweepInterval is how often each queue's expired leases are
	// reclaimed.
	SweepInterval time.Duration
}

func (o *Options) fill() {
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Second
	}
}

// Dispatcher drives worker slots over the registered queues.
type Dispatcher struct {
	queues map[string]*jobqueue.Queue
	sc     scorer.Scorer
	events *Broadcaster
	logger logpkg.Logger
	opts   Options

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds a Dispatcher over the given queues.
func New(queues map[string]*jobqueue.Queue, sc scorer.Scorer, events *Broadcaster, logger logpkg.Logger, opts Options) *Dispatcher {
	opts.fill()
	return &Dispatcher{
		queues: queues,
		sc:     sc,
		events: events,
		logger: logger.With(logpkg.Component("dispatch")),
		opts:   opts,
	}
}

// Start launches the worker slots and lease sweepers. It returns
// immediately; Stop blocks until all slots have drained.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.group, ctx = errgroup.WithContext(ctx)

	for name, q := range d.queues {
		q := q
		cfg := q.Config()
		workers := cfg.Workers
		if workers <= 0 {
			workers = 1
		}
		d.logger.Info("starting workers",
			logpkg.Str("queue", name), logpkg.Int("workers", workers))

		for i := 0; i < workers; i++ {
			workerID := name + "-" + uuid.NewString()[:8]
			d.group.Go(func() error {
				d.runWorker(ctx, q, workerID)
				return nil
			})
		}
		q.StartSweeper(ctx, d.opts.SweepInterval)
	}
}

// Stop halts claiming and waits for in-flight scorer calls to settle.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	_ = d.group.Wait()
	for _, q := range d.queues {
		q.StopSweeper()
	}
}

func (d *Dispatcher) runWorker(ctx context.Context, q *jobqueue.Queue, workerID string) {
	timer := time.NewTimer(d.opts.PollInterval)
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := d.dispatchOnce(ctx, q, workerID, 0)
		if err != nil {
			d.logger.Error("dispatch failed",
				logpkg.Str("queue", q.Name()), logpkg.Str("worker", workerID), logpkg.Err(err))
		}
		if processed {
			continue
		}
		timer.Reset(d.opts.PollInterval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// dispatchOnce claims and processes at most one job. It reports whether
// a job was processed so idle slots can back off.
func (d *Dispatcher) dispatchOnce(ctx context.Context, q *jobqueue.Queue, workerID string, nowMs int64) (bool, error) {
	job, err := q.Claim(ctx, workerID, 0, nowMs)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	cfg := q.Config()
	timeout := time.Duration(cfg.ScoreTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	res, scoreErr := d.sc.Score(sctx, cfg.ScorerPath, job.Payload)
	cancel()

	// A failure during shutdown says nothing about the job; hand it back
	// with its attempt intact instead of spending a retry on it.
	if scoreErr != nil && ctx.Err() != nil {
		if err := q.Release(context.Background(), job.ID, nowMs); err != nil && !errors.Is(err, jobqueue.ErrNotActive) {
			return true, err
		}
		return true, nil
	}

	if scoreErr == nil {
		if err := q.Complete(ctx, job.ID, res.Raw, nowMs); err != nil {
			// Lease expired mid-call; the sweeper already took the job back.
			if errors.Is(err, jobqueue.ErrNotActive) {
				return true, nil
			}
			return true, err
		}
		d.publish(q, job.ID.String(), jobqueue.StateCompleted, job.Attempts, "", nowMs)
		return true, nil
	}

	var serr *scorer.Error
	if errors.As(scoreErr, &serr) && !serr.Retryable() {
		if err := q.FailTerminal(ctx, job.ID, scoreErr.Error(), nowMs); err != nil {
			if errors.Is(err, jobqueue.ErrNotActive) {
				return true, nil
			}
			return true, err
		}
		d.logger.Warn("job failed terminally",
			logpkg.Str("queue", q.Name()), logpkg.Str("job_id", job.ID.String()),
			logpkg.Str("kind", serr.Kind.String()))
		d.publish(q, job.ID.String(), jobqueue.StateFailed, job.Attempts, scoreErr.Error(), nowMs)
		return true, nil
	}

	state, err := q.Fail(ctx, job.ID, scoreErr.Error(), nowMs)
	if err != nil {
		if errors.Is(err, jobqueue.ErrNotActive) {
			return true, nil
		}
		return true, err
	}
	if state == jobqueue.StateFailed {
		d.logger.Warn("job exhausted attempts",
			logpkg.Str("queue", q.Name()), logpkg.Str("job_id", job.ID.String()),
			logpkg.Int("attempts", job.Attempts))
	} else {
		d.logger.Debug("job rescheduled",
			logpkg.Str("queue", q.Name()), logpkg.Str("job_id", job.ID.String()),
			logpkg.Int("attempts", job.Attempts))
	}
	d.publish(q, job.ID.String(), state, job.Attempts, scoreErr.Error(), nowMs)
	return true, nil
}

func (d *Dispatcher) publish(q *jobqueue.Queue, jobID string, state jobqueue.State, attempts int, errMsg string, nowMs int64) {
	if d.events == nil {
		return
	}
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	d.events.Publish(Event{
		Queue:    q.Name(),
		JobID:    jobID,
		State:    state,
		Attempts: attempts,
		Error:    errMsg,
		AtMs:     nowMs,
	})
}
