package jobqueue

import (
	"encoding/json"

	"github.com/scanq/scanq/pkg/id"
)

// State is a job's position in the lifecycle FSM.
type State string

const (
	StateWaiting   State = "WAITING"
	StateActive    State = "ACTIVE"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether no further transition can occur.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Job is the unit of work owned by a Queue. Workers hold a time-bounded
// lease while processing but never mutate the record directly; all
// transitions go through Queue methods.
type Job struct {
	ID          id.ID           `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Priority    uint32          `json:"priority"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	CreatedAtMs int64           `json:"createdAtMs"`
	// NextRunAtMs is when the job becomes eligible for claim; backoff
	// pushes it into the future.
	NextRunAtMs int64           `json:"nextRunAtMs"`
	Result      json.RawMessage `json:"result,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	// LeaseOwner and LeaseExpiresAtMs are set while ACTIVE.
	LeaseOwner       string `json:"leaseOwner,omitempty"`
	LeaseExpiresAtMs int64  `json:"leaseExpiresAtMs,omitempty"`
	// FinishedAtMs is set on entry to a terminal state.
	FinishedAtMs int64 `json:"finishedAtMs,omitempty"`
}

func encodeJob(j *Job) ([]byte, error) { return json.Marshal(j) }

func decodeJob(b []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s State) String() string { return string(s) }
