package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/scanq/scanq/internal/jobqueue"
	"github.com/scanq/scanq/internal/runtime"
	idpkg "github.com/scanq/scanq/pkg/id"
	logpkg "github.com/scanq/scanq/pkg/log"
)

// ErrUnknownQueue is returned for names outside the registered set.
var ErrUnknownQueue = errors.New("jobs: unknown queue")

// ErrNotFound is returned when a job id resolves to nothing.
var ErrNotFound = errors.New("jobs: job not found")

// ErrInvalidPayload is returned for submissions without a JSON body.
var ErrInvalidPayload = errors.New("jobs: payload must be a JSON object")

// defaultStatsWindow bounds throughput reporting when a queue has no
// age-based retention configured.
const defaultStatsWindow = time.Hour

// Service provides job operations over the runtime.
type Service struct {
	rt     *runtime.Runtime
	logger logpkg.Logger
}

// New creates the jobs service.
func New(rt *runtime.Runtime, logger logpkg.Logger) *Service {
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	return &Service{rt: rt, logger: logger.With(logpkg.Component("jobs"))}
}

// SubmitOptions tunes one submission.
type SubmitOptions struct {
	Priority *uint32
	DelayMs  int64
}

// Submit validates and enqueues a scan job, returning its id.
func (s *Service) Submit(ctx context.Context, queueName string, payload json.RawMessage, opts SubmitOptions) (string, error) {
	q, ok := s.rt.Queue(queueName)
	if !ok {
		return "", ErrUnknownQueue
	}
	if !json.Valid(payload) || len(payload) == 0 {
		return "", ErrInvalidPayload
	}

	jid, err := q.Enqueue(ctx, payload, jobqueue.EnqueueOptions{Priority: opts.Priority, DelayMs: opts.DelayMs}, 0)
	if err != nil {
		return "", err
	}
	s.logger.Debug("job submitted",
		logpkg.Str("queue", queueName), logpkg.Str("job_id", jid.String()))
	return jid.String(), nil
}

// Status returns the current view of a job, or ErrNotFound.
func (s *Service) Status(ctx context.Context, queueName, jobID string) (*JobStatus, error) {
	q, ok := s.rt.Queue(queueName)
	if !ok {
		return nil, ErrUnknownQueue
	}
	jid, err := idpkg.Parse(jobID)
	if err != nil {
		return nil, ErrNotFound
	}
	job, err := q.Get(ctx, jid)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrNotFound
	}
	return statusFromJob(job), nil
}

// Cancel attempts to cancel a WAITING job. False means the job was
// unknown, already running, or terminal.
func (s *Service) Cancel(ctx context.Context, queueName, jobID string) (bool, error) {
	q, ok := s.rt.Queue(queueName)
	if !ok {
		return false, ErrUnknownQueue
	}
	jid, err := idpkg.Parse(jobID)
	if err != nil {
		return false, nil
	}
	return q.Cancel(ctx, jid, 0)
}

// QueueStats returns counts and recent throughput for one queue.
func (s *Service) QueueStats(ctx context.Context, queueName string) (*QueueStatsReport, error) {
	q, ok := s.rt.Queue(queueName)
	if !ok {
		return nil, ErrUnknownQueue
	}
	return s.statsFor(ctx, q)
}

// AllQueueStats returns stats for every registered queue, in name order.
func (s *Service) AllQueueStats(ctx context.Context) ([]*QueueStatsReport, error) {
	names := s.rt.Registry().Names()
	out := make([]*QueueStatsReport, 0, len(names))
	for _, name := range names {
		q, _ := s.rt.Queue(name)
		rep, err := s.statsFor(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, nil
}

func (s *Service) statsFor(ctx context.Context, q *jobqueue.Queue) (*QueueStatsReport, error) {
	window := defaultStatsWindow
	if age := q.Config().CompletedRetention.MaxAgeSeconds; age > 0 {
		window = time.Duration(age) * time.Second
	}
	completed, failed, err := q.FinishedSince(ctx, window, 0)
	if err != nil {
		return nil, err
	}
	return &QueueStatsReport{
		Stats:           q.Stats(ctx),
		RecentCompleted: completed,
		RecentFailed:    failed,
		WindowMs:        window.Milliseconds(),
	}, nil
}

// Recent lists recently finished jobs for one queue, newest first.
func (s *Service) Recent(ctx context.Context, queueName string, failed bool, limit int) ([]*JobStatus, error) {
	q, ok := s.rt.Queue(queueName)
	if !ok {
		return nil, ErrUnknownQueue
	}
	list, err := q.ListTerminal(ctx, failed, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*JobStatus, 0, len(list))
	for _, j := range list {
		out = append(out, statusFromJob(j))
	}
	return out, nil
}
