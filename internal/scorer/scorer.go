package scorer

import (
	"context"
	"encoding/json"
	"fmt"
)

// Kind classifies a scoring failure.
type Kind int

const (
	KindOther Kind = iota
	KindConnectionRefused
	KindTimeout
	KindBadRequest
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindConnectionRefused:
		return "connection_refused"
	case KindTimeout:
		return "timeout"
	case KindBadRequest:
		return "bad_request"
	case KindUnavailable:
		return "service_unavailable"
	default:
		return "other"
	}
}

// Error is a typed scoring failure.
type Error struct {
	Kind   Kind
	Status int
	Msg    string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("scorer: %s (status %d): %s", e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("scorer: %s: %s", e.Kind, e.Msg)
}

// Retryable reports whether another attempt could succeed. A payload the
// service rejected stays rejected; everything else is transient.
func (e *Error) Retryable() bool {
	return e.Kind != KindBadRequest
}

// Result is a classification verdict. Raw carries the service's full
// response body for callers that persist it.
type Result struct {
	Label      string          `json:"prediction"`
	Confidence float64         `json:"confidence"`
	Raw        json.RawMessage `json:"-"`
}

// Scorer performs one classification call. The context carries the
// per-queue deadline; path selects the scan-type endpoint.
type Scorer interface {
	Score(ctx context.Context, path string, payload json.RawMessage) (*Result, error)
}
