package jobs

import (
	"encoding/json"

	"github.com/scanq/scanq/internal/jobqueue"
)

// JobStatus is the API view of a job record.
type JobStatus struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Status      jobqueue.State  `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
	NextRunAt   int64           `json:"nextRunAt,omitempty"`
	FinishedAt  int64           `json:"finishedAt,omitempty"`
}

func statusFromJob(j *jobqueue.Job) *JobStatus {
	s := &JobStatus{
		ID:          j.ID.String(),
		Queue:       j.Queue,
		Status:      j.State,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Result:      j.Result,
		Error:       j.LastError,
		CreatedAt:   j.CreatedAtMs,
		FinishedAt:  j.FinishedAtMs,
	}
	if j.State == jobqueue.StateWaiting {
		s.NextRunAt = j.NextRunAtMs
	}
	return s
}

// QueueStatsReport is per-state counts plus recent terminal throughput.
type QueueStatsReport struct {
	jobqueue.Stats
	RecentCompleted int64 `json:"recentCompleted"`
	RecentFailed    int64 `json:"recentFailed"`
	WindowMs        int64 `json:"windowMs"`
}
