package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/scanq/scanq/internal/config"
	logpkg "github.com/scanq/scanq/pkg/log"
)

func testClient(baseURL string) *Client {
	return NewClient(config.ScorerConfig{BaseURL: baseURL}, logpkg.NewTestLogger())
}

func TestScoreDecodesVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict" {
			t.Errorf("path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"prediction":"spam","confidence":0.97,"risk_level":"high"}`))
	}))
	defer srv.Close()

	res, err := testClient(srv.URL).Score(context.Background(), "/predict", json.RawMessage(`{"text":"win money now"}`))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if res.Label != "spam" || res.Confidence != 0.97 {
		t.Fatalf("verdict: %+v", res)
	}
	if len(res.Raw) == 0 {
		t.Fatalf("raw body missing")
	}
}

func TestScoreClassifiesBadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "text field required", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Score(context.Background(), "/predict", json.RawMessage(`{}`))
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("want *Error, got %v", err)
	}
	if serr.Kind != KindBadRequest {
		t.Fatalf("kind=%s", serr.Kind)
	}
	if serr.Retryable() {
		t.Fatalf("bad request marked retryable")
	}
}

func TestScoreClassifiesUnavailable(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusBadGateway} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		_, err := testClient(srv.URL).Score(context.Background(), "/predict", nil)
		srv.Close()

		var serr *Error
		if !errors.As(err, &serr) {
			t.Fatalf("status %d: want *Error, got %v", status, err)
		}
		if serr.Kind != KindUnavailable || !serr.Retryable() {
			t.Fatalf("status %d: kind=%s retryable=%v", status, serr.Kind, serr.Retryable())
		}
	}
}

func TestScoreClassifiesTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := testClient(srv.URL).Score(ctx, "/predict", nil)

	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("want *Error, got %v", err)
	}
	if serr.Kind != KindTimeout || !serr.Retryable() {
		t.Fatalf("kind=%s retryable=%v", serr.Kind, serr.Retryable())
	}
}

func TestScoreClassifiesConnectionRefused(t *testing.T) {
	// Reserve a port, then close the listener so nothing is accepting.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	_, err := testClient(addr).Score(context.Background(), "/predict", nil)
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("want *Error, got %v", err)
	}
	if serr.Kind != KindConnectionRefused || !serr.Retryable() {
		t.Fatalf("kind=%s retryable=%v", serr.Kind, serr.Retryable())
	}
}

func TestClassifyKinds(t *testing.T) {
	if e := classify(syscall.ECONNREFUSED, 0, ""); e.Kind != KindConnectionRefused {
		t.Fatalf("econnrefused: %s", e.Kind)
	}
	if e := classify(context.DeadlineExceeded, 0, ""); e.Kind != KindTimeout {
		t.Fatalf("deadline: %s", e.Kind)
	}
	if e := classify(nil, 500, "boom"); e.Kind != KindOther {
		t.Fatalf("500: %s", e.Kind)
	}
	if e := classify(nil, 404, ""); e.Kind != KindBadRequest {
		t.Fatalf("404: %s", e.Kind)
	}
}
