package jobqueue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/scanq/scanq/internal/config"
	pebblestore "github.com/scanq/scanq/internal/storage/pebble"
	idpkg "github.com/scanq/scanq/pkg/id"
	logpkg "github.com/scanq/scanq/pkg/log"
)

// ErrNotActive is returned when complete/fail targets a job that is not
// currently leased.
var ErrNotActive = errors.New("jobqueue: job is not active")

// Queue owns the job records for a single registered queue name.
type Queue struct {
	db     *pebblestore.DB
	name   string
	cfg    config.QueueConfig
	logger logpkg.Logger
	gen    *idpkg.Generator

	mu     sync.Mutex
	counts stateCounts

	sweepStop chan struct{}
}

type stateCounts struct {
	waiting   int64
	active    int64
	completed int64
	failed    int64
	cancelled int64
}

// EnqueueOptions tunes a single enqueue call.
type EnqueueOptions struct {
	// Priority overrides the queue's default priority when non-nil.
	Priority *uint32
	// DelayMs holds the job back from claim for the given duration.
	DelayMs int64
}

// Open initializes a Queue and restores state counters from the store.
func Open(db *pebblestore.DB, cfg config.QueueConfig, logger logpkg.Logger) (*Queue, error) {
	q := &Queue{
		db:     db,
		name:   cfg.Name,
		cfg:    cfg,
		logger: logger.With(logpkg.Str("queue", cfg.Name)),
		gen:    idpkg.NewGenerator(),
	}
	if err := q.restoreCounts(); err != nil {
		return nil, fmt.Errorf("restore counts: %w", err)
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Config returns the queue's static configuration.
func (q *Queue) Config() config.QueueConfig { return q.cfg }

func (q *Queue) restoreCounts() error {
	ready, err := q.countPrefix(ReadyPrefix(q.name))
	if err != nil {
		return err
	}
	delayed, err := q.countPrefix(DelayPrefix(q.name))
	if err != nil {
		return err
	}
	active, err := q.countPrefix(LeasePrefix(q.name))
	if err != nil {
		return err
	}
	failed, err := q.countPrefix(FailedPrefix(q.name))
	if err != nil {
		return err
	}
	q.counts.waiting = ready + delayed
	q.counts.active = active
	q.counts.failed = failed

	// The done index mixes COMPLETED and CANCELLED; split by record state.
	prefix := DonePrefix(q.name)
	it, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return err
	}
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		jid, ok2 := idFromIndexKey(it.Key())
		if !ok2 {
			continue
		}
		job, err := q.loadJob(jid)
		if err != nil || job == nil {
			continue
		}
		if job.State == StateCancelled {
			q.counts.cancelled++
		} else {
			q.counts.completed++
		}
	}
	return nil
}

func (q *Queue) countPrefix(prefix []byte) (int64, error) {
	it, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer it.Close()
	var n int64
	for ok := it.First(); ok; ok = it.Next() {
		n++
	}
	return n, nil
}

func (q *Queue) loadJob(jid idpkg.ID) (*Job, error) {
	b, err := q.db.Get(JobKey(q.name, jid))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return decodeJob(b)
}

// Enqueue inserts a WAITING job and returns its ID.
// If nowMs <= 0, time.Now().UnixMilli() is used.
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage, opts EnqueueOptions, nowMs int64) (idpkg.ID, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	priority := q.cfg.Priority
	if opts.Priority != nil {
		priority = *opts.Priority
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	jid := q.gen.Next()
	job := &Job{
		ID:          jid,
		Queue:       q.name,
		Payload:     payload,
		Priority:    priority,
		State:       StateWaiting,
		Attempts:    0,
		MaxAttempts: q.cfg.MaxAttempts,
		CreatedAtMs: nowMs,
		NextRunAtMs: nowMs + opts.DelayMs,
	}

	b := q.db.NewBatch()
	defer b.Close()
	rec, err := encodeJob(job)
	if err != nil {
		return jid, err
	}
	if err := b.Set(JobKey(q.name, jid), rec, nil); err != nil {
		return jid, err
	}
	if opts.DelayMs > 0 {
		var prio [4]byte
		binary.BigEndian.PutUint32(prio[:], priority)
		if err := b.Set(DelayKey(q.name, job.NextRunAtMs, jid), prio[:], nil); err != nil {
			return jid, err
		}
	} else {
		if err := b.Set(ReadyKey(q.name, priority, jid), nil, nil); err != nil {
			return jid, err
		}
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return jid, err
	}
	q.counts.waiting++
	return jid, nil
}

// promoteDue moves delayed jobs whose nextRunAt has passed into the ready
// index. Caller holds q.mu; mutations go into the provided batch.
func (q *Queue) promoteDue(b *pebble.Batch, nowMs int64, max int) error {
	prefix := DelayPrefix(q.name)
	it, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return err
	}
	defer it.Close()

	promoted := 0
	for ok := it.First(); ok; ok = it.Next() {
		runAt, ok2 := timeFromIndexKey(it.Key(), prefix)
		if !ok2 {
			continue
		}
		if runAt > nowMs {
			break
		}
		jid, ok2 := idFromIndexKey(it.Key())
		if !ok2 {
			continue
		}
		val := it.Value()
		if len(val) < 4 {
			continue
		}
		prio := binary.BigEndian.Uint32(val[0:4])
		if err := b.Delete(append([]byte{}, it.Key()...), nil); err != nil {
			return err
		}
		if err := b.Set(ReadyKey(q.name, prio, jid), nil, nil); err != nil {
			return err
		}
		promoted++
		if max > 0 && promoted >= max {
			break
		}
	}
	return nil
}

// Claim atomically transitions the best eligible WAITING job to ACTIVE
// under a lease owned by workerID. Returns nil when no job is eligible.
// Eligible jobs are served lowest priority value first, FIFO within a
// priority band. If leaseMs <= 0, the queue's configured lease applies.
func (q *Queue) Claim(ctx context.Context, workerID string, leaseMs int64, nowMs int64) (*Job, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	if leaseMs <= 0 {
		leaseMs = q.cfg.LeaseMs
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// Promotions must land before the ready scan below can see them.
	pb := q.db.NewBatch()
	if err := q.promoteDue(pb, nowMs, 256); err != nil {
		pb.Close()
		return nil, err
	}
	if err := q.db.CommitBatch(ctx, pb); err != nil {
		pb.Close()
		return nil, err
	}
	pb.Close()

	b := q.db.NewBatch()
	defer b.Close()

	prefix := ReadyPrefix(q.name)
	it, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	for ok := it.First(); ok; ok = it.Next() {
		jid, ok2 := idFromIndexKey(it.Key())
		if !ok2 {
			continue
		}
		job, err := q.loadJob(jid)
		if err != nil {
			return nil, err
		}
		if job == nil || job.State != StateWaiting {
			// stray index entry
			_ = b.Delete(append([]byte{}, it.Key()...), nil)
			continue
		}

		job.State = StateActive
		job.Attempts++
		job.LeaseOwner = workerID
		job.LeaseExpiresAtMs = nowMs + leaseMs

		rec, err := encodeJob(job)
		if err != nil {
			return nil, err
		}
		if err := b.Delete(append([]byte{}, it.Key()...), nil); err != nil {
			return nil, err
		}
		if err := b.Set(LeaseKey(q.name, job.LeaseExpiresAtMs, jid), nil, nil); err != nil {
			return nil, err
		}
		if err := b.Set(JobKey(q.name, jid), rec, nil); err != nil {
			return nil, err
		}
		if err := q.db.CommitBatch(ctx, b); err != nil {
			return nil, err
		}
		q.counts.waiting--
		q.counts.active++
		return job, nil
	}

	// No claimable job; flush any stray-index cleanup.
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	return nil, nil
}

// Complete records a successful result and moves the job to COMPLETED.
func (q *Queue) Complete(ctx context.Context, jid idpkg.ID, result json.RawMessage, nowMs int64) error {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.loadJob(jid)
	if err != nil {
		return err
	}
	if job == nil || job.State != StateActive {
		return ErrNotActive
	}

	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Delete(LeaseKey(q.name, job.LeaseExpiresAtMs, jid), nil); err != nil {
		return err
	}
	job.State = StateCompleted
	job.Result = result
	job.FinishedAtMs = nowMs
	job.LeaseOwner = ""
	job.LeaseExpiresAtMs = 0
	rec, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := b.Set(JobKey(q.name, jid), rec, nil); err != nil {
		return err
	}
	if err := b.Set(DoneKey(q.name, nowMs, jid), nil, nil); err != nil {
		return err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	q.counts.active--
	q.counts.completed++

	return q.evictTerminalLocked(ctx, terminalDone, nowMs)
}

// Fail records a failed attempt. While attempts remain the job returns to
// WAITING with its next run pushed out by the backoff policy; at the
// attempt ceiling it goes terminally FAILED. The resulting state is
// returned so callers can log the outcome.
func (q *Queue) Fail(ctx context.Context, jid idpkg.ID, errMsg string, nowMs int64) (State, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.loadJob(jid)
	if err != nil {
		return "", err
	}
	if job == nil || job.State != StateActive {
		return "", ErrNotActive
	}

	if job.Attempts >= job.MaxAttempts {
		if err := q.failTerminalLocked(ctx, job, errMsg, nowMs); err != nil {
			return "", err
		}
		return StateFailed, nil
	}

	delay := BackoffDelayMs(q.cfg.Backoff, job.Attempts)
	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Delete(LeaseKey(q.name, job.LeaseExpiresAtMs, jid), nil); err != nil {
		return "", err
	}
	job.State = StateWaiting
	job.LastError = errMsg
	job.NextRunAtMs = nowMs + delay
	job.LeaseOwner = ""
	job.LeaseExpiresAtMs = 0
	rec, err := encodeJob(job)
	if err != nil {
		return "", err
	}
	if err := b.Set(JobKey(q.name, jid), rec, nil); err != nil {
		return "", err
	}
	var prio [4]byte
	binary.BigEndian.PutUint32(prio[:], job.Priority)
	if err := b.Set(DelayKey(q.name, job.NextRunAtMs, jid), prio[:], nil); err != nil {
		return "", err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return "", err
	}
	q.counts.active--
	q.counts.waiting++
	return StateWaiting, nil
}

// FailTerminal marks an ACTIVE job terminally FAILED regardless of
// remaining attempts. Used for non-retryable scorer errors.
func (q *Queue) FailTerminal(ctx context.Context, jid idpkg.ID, errMsg string, nowMs int64) error {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.loadJob(jid)
	if err != nil {
		return err
	}
	if job == nil || job.State != StateActive {
		return ErrNotActive
	}
	return q.failTerminalLocked(ctx, job, errMsg, nowMs)
}

// failTerminalLocked finishes an ACTIVE job as FAILED. Caller holds q.mu.
func (q *Queue) failTerminalLocked(ctx context.Context, job *Job, errMsg string, nowMs int64) error {
	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Delete(LeaseKey(q.name, job.LeaseExpiresAtMs, job.ID), nil); err != nil {
		return err
	}
	job.State = StateFailed
	job.LastError = errMsg
	job.FinishedAtMs = nowMs
	job.LeaseOwner = ""
	job.LeaseExpiresAtMs = 0
	rec, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := b.Set(JobKey(q.name, job.ID), rec, nil); err != nil {
		return err
	}
	if err := b.Set(FailedKey(q.name, nowMs, job.ID), nil, nil); err != nil {
		return err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	q.counts.active--
	q.counts.failed++
	return q.evictTerminalLocked(ctx, terminalFailed, nowMs)
}

// Cancel transitions a WAITING job to CANCELLED. It returns false without
// error when the job is unknown, already ACTIVE, or terminal: an in-flight
// scorer call is never interrupted.
func (q *Queue) Cancel(ctx context.Context, jid idpkg.ID, nowMs int64) (bool, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.loadJob(jid)
	if err != nil {
		return false, err
	}
	if job == nil || job.State != StateWaiting {
		return false, nil
	}

	b := q.db.NewBatch()
	defer b.Close()
	// The job sits in exactly one of the two waiting indexes; deleting the
	// absent key is a no-op.
	if err := b.Delete(ReadyKey(q.name, job.Priority, jid), nil); err != nil {
		return false, err
	}
	if err := b.Delete(DelayKey(q.name, job.NextRunAtMs, jid), nil); err != nil {
		return false, err
	}
	job.State = StateCancelled
	job.FinishedAtMs = nowMs
	rec, err := encodeJob(job)
	if err != nil {
		return false, err
	}
	if err := b.Set(JobKey(q.name, jid), rec, nil); err != nil {
		return false, err
	}
	if err := b.Set(DoneKey(q.name, nowMs, jid), nil, nil); err != nil {
		return false, err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return false, err
	}
	q.counts.waiting--
	q.counts.cancelled++
	if err := q.evictTerminalLocked(ctx, terminalDone, nowMs); err != nil {
		return false, err
	}
	return true, nil
}

// Release returns an ACTIVE job to WAITING and gives its attempt back.
// Used when a worker hands a job back unprocessed, e.g. when shutdown
// interrupted the scorer call before it ran.
func (q *Queue) Release(ctx context.Context, jid idpkg.ID, nowMs int64) error {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.loadJob(jid)
	if err != nil {
		return err
	}
	if job == nil || job.State != StateActive {
		return ErrNotActive
	}

	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Delete(LeaseKey(q.name, job.LeaseExpiresAtMs, jid), nil); err != nil {
		return err
	}
	job.State = StateWaiting
	if job.Attempts > 0 {
		job.Attempts--
	}
	job.NextRunAtMs = nowMs
	job.LeaseOwner = ""
	job.LeaseExpiresAtMs = 0
	rec, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := b.Set(JobKey(q.name, jid), rec, nil); err != nil {
		return err
	}
	if err := b.Set(ReadyKey(q.name, job.Priority, jid), nil, nil); err != nil {
		return err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	q.counts.active--
	q.counts.waiting++
	return nil
}

// Get returns the job record or nil when unknown (possibly evicted).
func (q *Queue) Get(_ context.Context, jid idpkg.ID) (*Job, error) {
	return q.loadJob(jid)
}

// ReclaimExpired returns stalled ACTIVE jobs whose lease expired to
// WAITING, or terminally fails them when their attempts are exhausted.
// The attempt consumed by the stalled claim stays consumed, bounding
// infinite stalls.
func (q *Queue) ReclaimExpired(ctx context.Context, nowMs int64, max int) (int, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	prefix := LeasePrefix(q.name)
	it, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer it.Close()

	reclaimed := 0
	for ok := it.First(); ok; ok = it.Next() {
		exp, ok2 := timeFromIndexKey(it.Key(), prefix)
		if !ok2 {
			continue
		}
		if exp > nowMs {
			break
		}
		jid, ok2 := idFromIndexKey(it.Key())
		if !ok2 {
			continue
		}
		job, err := q.loadJob(jid)
		if err != nil {
			return reclaimed, err
		}
		if job == nil || job.State != StateActive {
			_ = q.db.Delete(append([]byte{}, it.Key()...))
			continue
		}

		// Stalls are logged apart from scorer failures.
		q.logger.Warn("lease expired, reclaiming job",
			logpkg.Str("job_id", jid.String()),
			logpkg.Str("lease_owner", job.LeaseOwner),
			logpkg.Int("attempts", job.Attempts),
		)

		if job.Attempts >= job.MaxAttempts {
			if err := q.failTerminalLocked(ctx, job, "lease expired before completion", nowMs); err != nil {
				return reclaimed, err
			}
		} else {
			b := q.db.NewBatch()
			if err := b.Delete(append([]byte{}, it.Key()...), nil); err != nil {
				b.Close()
				return reclaimed, err
			}
			job.State = StateWaiting
			job.LastError = "lease expired before completion"
			job.NextRunAtMs = nowMs
			job.LeaseOwner = ""
			job.LeaseExpiresAtMs = 0
			rec, err := encodeJob(job)
			if err != nil {
				b.Close()
				return reclaimed, err
			}
			if err := b.Set(JobKey(q.name, jid), rec, nil); err != nil {
				b.Close()
				return reclaimed, err
			}
			if err := b.Set(ReadyKey(q.name, job.Priority, jid), nil, nil); err != nil {
				b.Close()
				return reclaimed, err
			}
			if err := q.db.CommitBatch(ctx, b); err != nil {
				b.Close()
				return reclaimed, err
			}
			b.Close()
			q.counts.active--
			q.counts.waiting++
		}
		reclaimed++
		if max > 0 && reclaimed >= max {
			break
		}
	}
	return reclaimed, nil
}
