package jobqueue

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/cockroachdb/pebble"
)

// Stats is a point-in-time snapshot of a queue's job population.
type Stats struct {
	Queue     string `json:"queue"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Cancelled int64  `json:"cancelled"`
}

// Stats returns current per-state counts. Reading the snapshot does not
// mutate any job, so repeated calls observe identical numbers absent
// other activity.
func (q *Queue) Stats(_ context.Context) Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Queue:     q.name,
		Waiting:   q.counts.waiting,
		Active:    q.counts.active,
		Completed: q.counts.completed,
		Failed:    q.counts.failed,
		Cancelled: q.counts.cancelled,
	}
}

// ListTerminal returns up to limit recently finished jobs, newest first.
// failed selects the failed index instead of the completed/cancelled one.
func (q *Queue) ListTerminal(_ context.Context, failed bool, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	prefix := DonePrefix(q.name)
	if failed {
		prefix = FailedPrefix(q.name)
	}
	it, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	jobs := make([]*Job, 0, limit)
	for ok := it.Last(); ok && len(jobs) < limit; ok = it.Prev() {
		jid, ok2 := idFromIndexKey(it.Key())
		if !ok2 {
			continue
		}
		job, err := q.loadJob(jid)
		if err != nil {
			return nil, err
		}
		if job == nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// FinishedSince counts jobs that reached a terminal state within the given
// window, for throughput reporting.
func (q *Queue) FinishedSince(_ context.Context, window time.Duration, nowMs int64) (completed int64, failed int64, err error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	since := nowMs - window.Milliseconds()
	completed, err = q.countIndexSince(DonePrefix(q.name), since)
	if err != nil {
		return 0, 0, err
	}
	failed, err = q.countIndexSince(FailedPrefix(q.name), since)
	if err != nil {
		return 0, 0, err
	}
	return completed, failed, nil
}

func (q *Queue) countIndexSince(prefix []byte, sinceMs int64) (int64, error) {
	var t [8]byte
	binary.BigEndian.PutUint64(t[:], uint64(sinceMs))
	lower := append(append([]byte{}, prefix...), t[:]...)
	it, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upperBound(prefix)})
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
