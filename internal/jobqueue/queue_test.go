package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/scanq/scanq/internal/config"
	pebblestore "github.com/scanq/scanq/internal/storage/pebble"
	logpkg "github.com/scanq/scanq/pkg/log"
)

func testDB(t *testing.T) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testQueueCfg() config.QueueConfig {
	return config.QueueConfig{
		Name:        "text-scan",
		Priority:    10,
		MaxAttempts: 3,
		Backoff: config.BackoffConfig{
			Type:        config.BackoffExponential,
			BaseDelayMs: 1000,
			MaxDelayMs:  30000,
		},
		CompletedRetention: config.RetentionConfig{MaxCount: 1000},
		FailedRetention:    config.RetentionConfig{MaxCount: 1000},
		Workers:            1,
		LeaseMs:            30000,
	}
}

func openTestQueue(t *testing.T, cfg config.QueueConfig) *Queue {
	t.Helper()
	q, err := Open(testDB(t), cfg, logpkg.NewTestLogger())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q
}

func TestEnqueueClaimComplete(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, testQueueCfg())
	now := int64(1_000_000)

	jid, err := q.Enqueue(ctx, json.RawMessage(`{"text":"hi"}`), EnqueueOptions{}, now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := q.Claim(ctx, "w1", 0, now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil || job.ID != jid {
		t.Fatalf("claimed wrong job: %v", job)
	}
	if job.State != StateActive || job.Attempts != 1 {
		t.Fatalf("state=%s attempts=%d", job.State, job.Attempts)
	}
	if job.LeaseOwner != "w1" || job.LeaseExpiresAtMs != now+30000 {
		t.Fatalf("lease owner=%q expires=%d", job.LeaseOwner, job.LeaseExpiresAtMs)
	}

	if err := q.Complete(ctx, jid, json.RawMessage(`{"spam":false}`), now+100); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := q.Get(ctx, jid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateCompleted || got.FinishedAtMs != now+100 {
		t.Fatalf("state=%s finished=%d", got.State, got.FinishedAtMs)
	}
	if string(got.Result) != `{"spam":false}` {
		t.Fatalf("result=%s", got.Result)
	}

	st := q.Stats(ctx)
	if st.Waiting != 0 || st.Active != 0 || st.Completed != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestClaimOrderPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, testQueueCfg())
	now := int64(1_000_000)

	low := uint32(90)
	high := uint32(5)
	a, _ := q.Enqueue(ctx, json.RawMessage(`1`), EnqueueOptions{Priority: &low}, now)
	b, _ := q.Enqueue(ctx, json.RawMessage(`2`), EnqueueOptions{}, now)
	c, _ := q.Enqueue(ctx, json.RawMessage(`3`), EnqueueOptions{}, now)
	d, _ := q.Enqueue(ctx, json.RawMessage(`4`), EnqueueOptions{Priority: &high}, now)

	want := []string{d.String(), b.String(), c.String(), a.String()}
	for i, w := range want {
		job, err := q.Claim(ctx, "w1", 0, now)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if job == nil || job.ID.String() != w {
			t.Fatalf("claim %d: got %v want %s", i, job, w)
		}
	}
	if job, _ := q.Claim(ctx, "w1", 0, now); job != nil {
		t.Fatalf("expected empty queue, got %v", job)
	}
}

func TestDelayedJobNotClaimableUntilDue(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, testQueueCfg())
	now := int64(1_000_000)

	jid, err := q.Enqueue(ctx, json.RawMessage(`{}`), EnqueueOptions{DelayMs: 5000}, now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job, _ := q.Claim(ctx, "w1", 0, now+4999); job != nil {
		t.Fatalf("claimed before due: %v", job)
	}
	job, err := q.Claim(ctx, "w1", 0, now+5000)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil || job.ID != jid {
		t.Fatalf("expected delayed job at due time, got %v", job)
	}
}

func TestFailRetriesWithExponentialBackoff(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, testQueueCfg())
	now := int64(1_000_000)

	jid, _ := q.Enqueue(ctx, json.RawMessage(`{}`), EnqueueOptions{}, now)

	// Attempt 1 fails: retry due at now+1000.
	if _, err := q.Claim(ctx, "w1", 0, now); err != nil {
		t.Fatalf("claim 1: %v", err)
	}
	state, err := q.Fail(ctx, jid, "connection refused", now)
	if err != nil {
		t.Fatalf("fail 1: %v", err)
	}
	if state != StateWaiting {
		t.Fatalf("state after fail 1: %s", state)
	}
	got, _ := q.Get(ctx, jid)
	if got.NextRunAtMs != now+1000 {
		t.Fatalf("next run after fail 1: %d want %d", got.NextRunAtMs, now+1000)
	}
	if got.LastError != "connection refused" {
		t.Fatalf("last error: %q", got.LastError)
	}
	if job, _ := q.Claim(ctx, "w1", 0, now+999); job != nil {
		t.Fatalf("claimed before backoff elapsed")
	}

	// Attempt 2 fails: retry due 2000ms later.
	t2 := now + 1000
	if job, _ := q.Claim(ctx, "w1", 0, t2); job == nil || job.Attempts != 2 {
		t.Fatalf("claim 2: %v", job)
	}
	if state, _ = q.Fail(ctx, jid, "connection refused", t2); state != StateWaiting {
		t.Fatalf("state after fail 2: %s", state)
	}
	got, _ = q.Get(ctx, jid)
	if got.NextRunAtMs != t2+2000 {
		t.Fatalf("next run after fail 2: %d want %d", got.NextRunAtMs, t2+2000)
	}

	// Attempt 3 fails: attempts exhausted, terminal.
	t3 := t2 + 2000
	if job, _ := q.Claim(ctx, "w1", 0, t3); job == nil || job.Attempts != 3 {
		t.Fatalf("claim 3: %v", job)
	}
	if state, _ = q.Fail(ctx, jid, "connection refused", t3); state != StateFailed {
		t.Fatalf("state after fail 3: %s", state)
	}
	got, _ = q.Get(ctx, jid)
	if got.State != StateFailed || got.Attempts != 3 {
		t.Fatalf("final state=%s attempts=%d", got.State, got.Attempts)
	}

	st := q.Stats(ctx)
	if st.Failed != 1 || st.Waiting != 0 || st.Active != 0 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestFailTerminalSkipsRemainingAttempts(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, testQueueCfg())
	now := int64(1_000_000)

	jid, _ := q.Enqueue(ctx, json.RawMessage(`{}`), EnqueueOptions{}, now)
	if _, err := q.Claim(ctx, "w1", 0, now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.FailTerminal(ctx, jid, "scorer rejected payload", now); err != nil {
		t.Fatalf("fail terminal: %v", err)
	}
	got, _ := q.Get(ctx, jid)
	if got.State != StateFailed || got.Attempts != 1 {
		t.Fatalf("state=%s attempts=%d", got.State, got.Attempts)
	}
}

func TestCancelOnlyWaitingJobs(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, testQueueCfg())
	now := int64(1_000_000)

	claimed, _ := q.Enqueue(ctx, json.RawMessage(`{}`), EnqueueOptions{}, now)
	ready, _ := q.Enqueue(ctx, json.RawMessage(`{}`), EnqueueOptions{}, now)
	delayed, _ := q.Enqueue(ctx, json.RawMessage(`{}`), EnqueueOptions{DelayMs: 60000}, now)

	// Claim takes the oldest ready job.
	job, _ := q.Claim(ctx, "w1", 0, now)
	if job == nil || job.ID != claimed {
		t.Fatalf("claim: %v", job)
	}

	if ok, _ := q.Cancel(ctx, claimed, now); ok {
		t.Fatalf("cancelled an active job")
	}
	ok, err := q.Cancel(ctx, ready, now)
	if err != nil || !ok {
		t.Fatalf("cancel waiting: ok=%v err=%v", ok, err)
	}
	ok, err = q.Cancel(ctx, delayed, now)
	if err != nil || !ok {
		t.Fatalf("cancel delayed: ok=%v err=%v", ok, err)
	}

	// Cancelled jobs are not claim-eligible afterwards.
	if job, _ := q.Claim(ctx, "w1", 0, now+120000); job != nil {
		t.Fatalf("claimed cancelled job: %v", job)
	}

	got, _ := q.Get(ctx, ready)
	if got.State != StateCancelled {
		t.Fatalf("state=%s", got.State)
	}
	// Second cancel is a no-op.
	if ok, _ := q.Cancel(ctx, ready, now); ok {
		t.Fatalf("cancel of terminal job reported true")
	}

	st := q.Stats(ctx)
	if st.Cancelled != 2 || st.Active != 1 || st.Waiting != 0 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, testQueueCfg())
	other := openTestQueue(t, testQueueCfg())

	jid, _ := other.Enqueue(ctx, json.RawMessage(`{}`), EnqueueOptions{}, 1)
	ok, err := q.Cancel(ctx, jid, 1)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok {
		t.Fatalf("cancel of unknown job reported true")
	}
}

func TestReclaimExpiredRequeuesStalledJob(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, testQueueCfg())
	now := int64(1_000_000)

	jid, _ := q.Enqueue(ctx, json.RawMessage(`{}`), EnqueueOptions{}, now)
	if _, err := q.Claim(ctx, "w1", 1000, now); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Lease still live.
	n, err := q.ReclaimExpired(ctx, now+999, 0)
	if err != nil || n != 0 {
		t.Fatalf("reclaim early: n=%d err=%v", n, err)
	}

	n, err = q.ReclaimExpired(ctx, now+1001, 0)
	if err != nil || n != 1 {
		t.Fatalf("reclaim: n=%d err=%v", n, err)
	}
	got, _ := q.Get(ctx, jid)
	if got.State != StateWaiting || got.Attempts != 1 {
		t.Fatalf("state=%s attempts=%d", got.State, got.Attempts)
	}

	// The stalled attempt stays consumed on the next claim.
	job, _ := q.Claim(ctx, "w2", 1000, now+1001)
	if job == nil || job.Attempts != 2 {
		t.Fatalf("reclaimed claim: %v", job)
	}
}

func TestReclaimExpiredFailsJobAtAttemptCeiling(t *testing.T) {
	ctx := context.Background()
	cfg := testQueueCfg()
	cfg.MaxAttempts = 1
	q := openTestQueue(t, cfg)
	now := int64(1_000_000)

	jid, _ := q.Enqueue(ctx, json.RawMessage(`{}`), EnqueueOptions{}, now)
	if _, err := q.Claim(ctx, "w1", 1000, now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := q.ReclaimExpired(ctx, now+2000, 0); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	got, _ := q.Get(ctx, jid)
	if got.State != StateFailed {
		t.Fatalf("state=%s", got.State)
	}
	if got.LastError == "" {
		t.Fatalf("missing last error on stalled job")
	}
}

func TestCompletedRetentionEvictsOldest(t *testing.T) {
	ctx := context.Background()
	cfg := testQueueCfg()
	cfg.CompletedRetention = config.RetentionConfig{MaxCount: 2}
	q := openTestQueue(t, cfg)
	now := int64(1_000_000)

	var ids []string
	var first string
	for i := 0; i < 3; i++ {
		at := now + int64(i)*10
		jid, _ := q.Enqueue(ctx, json.RawMessage(`{}`), EnqueueOptions{}, at)
		if _, err := q.Claim(ctx, "w1", 0, at); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if err := q.Complete(ctx, jid, nil, at+1); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
		if i == 0 {
			first = jid.String()
		}
		ids = append(ids, jid.String())
	}

	st := q.Stats(ctx)
	if st.Completed != 2 {
		t.Fatalf("completed=%d want 2", st.Completed)
	}
	jobs, err := q.ListTerminal(ctx, false, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("listed %d jobs", len(jobs))
	}
	for _, j := range jobs {
		if j.ID.String() == first {
			t.Fatalf("oldest completed job survived eviction")
		}
	}
	_ = ids
}

func TestStatsSnapshotIsReadOnly(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, testQueueCfg())
	now := int64(1_000_000)

	q.Enqueue(ctx, json.RawMessage(`{}`), EnqueueOptions{}, now)
	q.Enqueue(ctx, json.RawMessage(`{}`), EnqueueOptions{DelayMs: 5000}, now)

	a := q.Stats(ctx)
	b := q.Stats(ctx)
	if a != b {
		t.Fatalf("stats changed between reads: %+v vs %+v", a, b)
	}
	if a.Waiting != 2 {
		t.Fatalf("waiting=%d want 2", a.Waiting)
	}
}

func TestCountsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	cfg := testQueueCfg()
	q, err := Open(db, cfg, logpkg.NewTestLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	now := int64(1_000_000)

	q.Enqueue(ctx, json.RawMessage(`{}`), EnqueueOptions{}, now)
	jid, _ := q.Enqueue(ctx, json.RawMessage(`{}`), EnqueueOptions{}, now)
	last, _ := q.Enqueue(ctx, json.RawMessage(`{}`), EnqueueOptions{}, now)

	if _, err := q.Claim(ctx, "w1", 0, now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job, _ := q.Claim(ctx, "w1", 0, now); job == nil || job.ID != jid {
		t.Fatalf("claim 2: %v", job)
	}
	if err := q.Complete(ctx, jid, nil, now); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if ok, _ := q.Cancel(ctx, last, now); !ok {
		t.Fatalf("cancel waiting job failed")
	}

	reopened, err := Open(db, cfg, logpkg.NewTestLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	st := reopened.Stats(ctx)
	if st.Waiting != 0 || st.Active != 1 || st.Completed != 1 || st.Cancelled != 1 {
		t.Fatalf("restored stats: %+v", st)
	}
}

func TestGetUnknownReturnsNil(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, testQueueCfg())
	other := openTestQueue(t, testQueueCfg())
	jid, _ := other.Enqueue(ctx, json.RawMessage(`{}`), EnqueueOptions{}, 1)

	got, err := q.Get(ctx, jid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestClaimSeesFullPriorityRange(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, testQueueCfg())
	now := int64(1_000_000)

	// Priorities whose big-endian encoding starts with 0xFF must still
	// fall inside the ready scan bound.
	top := uint32(0xFFFFFFFF)
	high := uint32(0xFF000000)
	low := uint32(1)
	topID, err := q.Enqueue(ctx, json.RawMessage(`{"n":"top"}`), EnqueueOptions{Priority: &top}, now)
	if err != nil {
		t.Fatalf("enqueue top: %v", err)
	}
	highID, err := q.Enqueue(ctx, json.RawMessage(`{"n":"high"}`), EnqueueOptions{Priority: &high}, now)
	if err != nil {
		t.Fatalf("enqueue high: %v", err)
	}
	lowID, err := q.Enqueue(ctx, json.RawMessage(`{"n":"low"}`), EnqueueOptions{Priority: &low}, now)
	if err != nil {
		t.Fatalf("enqueue low: %v", err)
	}

	for i, want := range []string{lowID.String(), highID.String(), topID.String()} {
		job, err := q.Claim(ctx, "w1", 0, now)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if job == nil {
			t.Fatalf("claim %d: no job, want %s", i, want)
		}
		if job.ID.String() != want {
			t.Fatalf("claim %d: got %s want %s", i, job.ID.String(), want)
		}
	}
}

func TestReleaseReturnsAttempt(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, testQueueCfg())
	now := int64(1_000_000)

	jid, err := q.Enqueue(ctx, json.RawMessage(`{"text":"hi"}`), EnqueueOptions{}, now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := q.Claim(ctx, "w1", 0, now)
	if err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts after claim: %d", job.Attempts)
	}

	if err := q.Release(ctx, jid, now); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, err := q.Get(ctx, jid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateWaiting || got.Attempts != 0 {
		t.Fatalf("after release: state=%s attempts=%d", got.State, got.Attempts)
	}

	// Immediately claimable again, with the attempt count starting over.
	job, err = q.Claim(ctx, "w2", 0, now)
	if err != nil || job == nil {
		t.Fatalf("reclaim: %v %v", job, err)
	}
	if job.ID != jid || job.Attempts != 1 {
		t.Fatalf("reclaim: id=%s attempts=%d", job.ID.String(), job.Attempts)
	}
}

func TestReleaseRequiresActiveJob(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, testQueueCfg())
	now := int64(1_000_000)

	jid, err := q.Enqueue(ctx, json.RawMessage(`{}`), EnqueueOptions{}, now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Release(ctx, jid, now); err != ErrNotActive {
		t.Fatalf("release waiting job: %v", err)
	}
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, testQueueCfg())
	now := int64(1_000_000)

	const jobs = 32
	for i := 0; i < jobs; i++ {
		if _, err := q.Enqueue(ctx, json.RawMessage(`{}`), EnqueueOptions{}, now+int64(i)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int, jobs)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := q.Claim(ctx, worker, 60_000, now+jobs)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				seen[job.ID.String()]++
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("claimed %d distinct jobs, want %d", len(seen), jobs)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestRetentionEvictionKeepsCountsConsistent(t *testing.T) {
	ctx := context.Background()
	cfg := testQueueCfg()
	cfg.CompletedRetention = config.RetentionConfig{MaxCount: 2}
	q := openTestQueue(t, cfg)
	now := int64(1_000_000)

	// Two completions and two cancellations share the completed index;
	// retention keeps the newest two and the counters must follow the
	// records that actually remain.
	for i := 0; i < 2; i++ {
		jid, err := q.Enqueue(ctx, json.RawMessage(`{}`), EnqueueOptions{}, now+int64(i))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if _, err := q.Claim(ctx, "w1", 0, now+int64(i)); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if err := q.Complete(ctx, jid, nil, now+10+int64(i)); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		jid, err := q.Enqueue(ctx, json.RawMessage(`{}`), EnqueueOptions{}, now+100+int64(i))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if ok, err := q.Cancel(ctx, jid, now+200+int64(i)); err != nil || !ok {
			t.Fatalf("cancel: %v %v", ok, err)
		}
	}

	st := q.Stats(ctx)
	if st.Completed+st.Cancelled != 2 {
		t.Fatalf("terminal counts: completed=%d cancelled=%d", st.Completed, st.Cancelled)
	}
	list, err := q.ListTerminal(ctx, false, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if int64(len(list)) != st.Completed+st.Cancelled {
		t.Fatalf("counters say %d, index holds %d", st.Completed+st.Cancelled, len(list))
	}
}
