package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	jobsvc "github.com/scanq/scanq/internal/services/jobs"
	logpkg "github.com/scanq/scanq/pkg/log"
)

const maxPayloadBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitResp struct {
	JobID  string `json:"jobId"`
	Queue  string `json:"queue"`
	Status string `json:"status"`
}

// routeSubmit dispatches to the queue's admission-wrapped handler.
// Unknown queues fall through to handleSubmit, which rejects them.
func (s *Server) routeSubmit(w http.ResponseWriter, r *http.Request) {
	if h, ok := s.submit[chi.URLParam(r, "queueName")]; ok {
		h.ServeHTTP(w, r)
		return
	}
	s.handleSubmit(w, r)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queueName")

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	var opts jobsvc.SubmitOptions
	if p := r.URL.Query().Get("priority"); p != "" {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid priority")
			return
		}
		prio := uint32(v)
		opts.Priority = &prio
	}
	if d := r.URL.Query().Get("delayMs"); d != "" {
		v, err := strconv.ParseInt(d, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid delayMs")
			return
		}
		opts.DelayMs = v
	}

	jobID, err := s.jobs.Submit(r.Context(), queueName, payload, opts)
	if err != nil {
		switch {
		case errors.Is(err, jobsvc.ErrUnknownQueue):
			writeError(w, http.StatusBadRequest, "unknown queue")
		case errors.Is(err, jobsvc.ErrInvalidPayload):
			writeError(w, http.StatusBadRequest, "payload must be valid JSON")
		default:
			s.logger.Error("submit failed", logpkg.Str("queue", queueName), logpkg.Err(err))
			writeError(w, http.StatusInternalServerError, "submit failed")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{JobID: jobID, Queue: queueName, Status: "WAITING"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queueName")
	jobID := chi.URLParam(r, "jobID")

	st, err := s.jobs.Status(r.Context(), queueName, jobID)
	if err != nil {
		switch {
		case errors.Is(err, jobsvc.ErrUnknownQueue):
			writeError(w, http.StatusBadRequest, "unknown queue")
		case errors.Is(err, jobsvc.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found")
		default:
			s.logger.Error("status failed", logpkg.Str("queue", queueName), logpkg.Err(err))
			writeError(w, http.StatusInternalServerError, "status failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queueName")
	jobID := chi.URLParam(r, "jobID")

	ok, err := s.jobs.Cancel(r.Context(), queueName, jobID)
	if err != nil {
		if errors.Is(err, jobsvc.ErrUnknownQueue) {
			writeError(w, http.StatusBadRequest, "unknown queue")
			return
		}
		s.logger.Error("cancel failed", logpkg.Str("queue", queueName), logpkg.Err(err))
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "not cancellable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queueName")
	rep, err := s.jobs.QueueStats(r.Context(), queueName)
	if err != nil {
		if errors.Is(err, jobsvc.ErrUnknownQueue) {
			writeError(w, http.StatusBadRequest, "unknown queue")
			return
		}
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleAllStats(w http.ResponseWriter, r *http.Request) {
	reps, err := s.jobs.AllQueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"queues": reps})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queueName")
	failed := r.URL.Query().Get("state") == "failed"
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = v
	}

	list, err := s.jobs.Recent(r.Context(), queueName, failed, limit)
	if err != nil {
		if errors.Is(err, jobsvc.ErrUnknownQueue) {
			writeError(w, http.StatusBadRequest, "unknown queue")
			return
		}
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": list})
}
