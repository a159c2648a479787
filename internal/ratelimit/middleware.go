package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// Middleware enforces the limiter on an HTTP handler chain. Every
// response carries X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset; rejections answer 429 with a retry hint.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	keyFn := l.cfg.KeyGenerator
	if keyFn == nil {
		keyFn = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			d := l.Admit(r.Context(), key, 0)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAtMs/1000, 10))

			if !d.Allowed {
				retryAfterMs := d.RetryAfterMs(0)
				w.Header().Set("Retry-After", strconv.FormatInt((retryAfterMs+999)/1000, 10))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"message":    "Too many requests, please try again later",
					"error":      "Rate limit exceeded",
					"retryAfter": retryAfterMs,
				})
				return
			}

			if !l.cfg.SkipSuccessful && !l.cfg.SkipFailed {
				next.ServeHTTP(w, r)
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if (l.cfg.SkipSuccessful && rec.status < 400) || (l.cfg.SkipFailed && rec.status >= 400) {
				l.Forgive(r.Context(), d)
			}
		})
	}
}

// ClientIP is the default key generator: the first hop in
// X-Forwarded-For when present, otherwise the connection peer.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
