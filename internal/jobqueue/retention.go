package jobqueue

import (
	"context"
	"math/rand"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/scanq/scanq/internal/config"
	logpkg "github.com/scanq/scanq/pkg/log"
)

type terminalKind int

const (
	terminalDone terminalKind = iota
	terminalFailed
)

// evictTerminalLocked applies the retention policy for one terminal index,
// dropping the oldest records past MaxCount and anything older than
// MaxAgeSeconds. Caller holds q.mu.
func (q *Queue) evictTerminalLocked(ctx context.Context, kind terminalKind, nowMs int64) error {
	var (
		policy config.RetentionConfig
		prefix []byte
		total  int64
	)
	switch kind {
	case terminalDone:
		policy = q.cfg.CompletedRetention
		prefix = DonePrefix(q.name)
		total = q.counts.completed + q.counts.cancelled
	case terminalFailed:
		policy = q.cfg.FailedRetention
		prefix = FailedPrefix(q.name)
		total = q.counts.failed
	}
	if policy.MaxCount <= 0 && policy.MaxAgeSeconds <= 0 {
		return nil
	}

	var cutoff int64
	if policy.MaxAgeSeconds > 0 {
		cutoff = nowMs - policy.MaxAgeSeconds*1000
	}
	overCount := int64(0)
	if policy.MaxCount > 0 && total > int64(policy.MaxCount) {
		overCount = total - int64(policy.MaxCount)
	}
	if overCount == 0 && cutoff == 0 {
		return nil
	}

	it, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return err
	}
	defer it.Close()

	b := q.db.NewBatch()
	defer b.Close()
	var evicted, completed, cancelled, failed int64
	for ok := it.First(); ok; ok = it.Next() {
		at, ok2 := timeFromIndexKey(it.Key(), prefix)
		if !ok2 {
			continue
		}
		if evicted >= overCount && (cutoff == 0 || at >= cutoff) {
			break
		}
		jid, ok2 := idFromIndexKey(it.Key())
		if !ok2 {
			continue
		}
		if err := b.Delete(append([]byte{}, it.Key()...), nil); err != nil {
			return err
		}
		if kind == terminalDone {
			job, err := q.loadJob(jid)
			if err != nil {
				return err
			}
			if job != nil && job.State == StateCancelled {
				cancelled++
			} else {
				completed++
			}
		} else {
			failed++
		}
		if err := b.Delete(JobKey(q.name, jid), nil); err != nil {
			return err
		}
		evicted++
	}
	if evicted == 0 {
		return nil
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	// Counters track the stored population, so they move only once the
	// deletes are durable.
	q.counts.completed -= completed
	q.counts.cancelled -= cancelled
	q.counts.failed -= failed
	return nil
}

// StartSweeper runs periodic lease reclaim in the background until
// StopSweeper is called. A small jitter keeps sweepers for different
// queues from ticking in lockstep.
func (q *Queue) StartSweeper(ctx context.Context, interval time.Duration) {
	if q.sweepStop != nil {
		return
	}
	stop := make(chan struct{})
	q.sweepStop = stop

	go func() {
		var jitter time.Duration
		if n := int64(interval) / 4; n > 0 {
			jitter = time.Duration(rand.Int63n(n))
		}
		timer := time.NewTimer(interval + jitter)
		defer timer.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-timer.C:
				n, err := q.ReclaimExpired(ctx, 0, 512)
				if err != nil {
					q.logger.Error("lease sweep failed", logpkg.Err(err))
				} else if n > 0 {
					q.logger.Info("reclaimed stalled jobs", logpkg.Int("count", n))
				}
				timer.Reset(interval)
			}
		}
	}()
}

// StopSweeper stops the background lease sweeper.
func (q *Queue) StopSweeper() {
	if q.sweepStop == nil {
		return
	}
	close(q.sweepStop)
	q.sweepStop = nil
}
