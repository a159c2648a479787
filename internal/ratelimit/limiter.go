package ratelimit

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	logpkg "github.com/scanq/scanq/pkg/log"
)

// Config is a limiter policy. Presets for the service's endpoint classes
// live in presets.go.
type Config struct {
	// Name namespaces the policy's keys in the store, so limiters with
	// different windows can share one Store without mixing logs.
	Name string
	// WindowMs is the sliding window length.
	WindowMs int64
	// Max is the number of requests admitted per key per window.
	Max int
	// KeyGenerator maps a request to its limit key. Nil means client IP.
	KeyGenerator func(*http.Request) string
	// SkipSuccessful uncounts an admitted request whose response status
	// is below 400. Used where only failures should spend budget.
	SkipSuccessful bool
	// SkipFailed uncounts an admitted request whose response status is
	// 400 or above.
	SkipFailed bool
	// Whitelist lists keys exempt from limiting.
	Whitelist []string
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAtMs is when the oldest counted request leaves the window.
	ResetAtMs int64

	key  string
	tsMs int64
}

// RetryAfterMs returns how long a rejected caller should wait.
// If nowMs <= 0, time.Now().UnixMilli() is used.
func (d Decision) RetryAfterMs(nowMs int64) int64 {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	if d.ResetAtMs <= nowMs {
		return 0
	}
	return d.ResetAtMs - nowMs
}

// Limiter gates requests for a single policy over a shared Store.
type Limiter struct {
	cfg       Config
	store     Store
	logger    logpkg.Logger
	whitelist map[string]struct{}

	sweepStop chan struct{}
}

// New builds a Limiter from a policy and store.
func New(cfg Config, store Store, logger logpkg.Logger) *Limiter {
	wl := make(map[string]struct{}, len(cfg.Whitelist))
	for _, k := range cfg.Whitelist {
		wl[k] = struct{}{}
	}
	return &Limiter{
		cfg:       cfg,
		store:     store,
		logger:    logger.With(logpkg.Component("ratelimit")),
		whitelist: wl,
	}
}

// Config returns the limiter's policy.
func (l *Limiter) Config() Config { return l.cfg }

// Admit decides whether a request from key proceeds. It never returns an
// error: if the store fails, the request is admitted and the failure
// logged. If nowMs <= 0, time.Now().UnixMilli() is used.
func (l *Limiter) Admit(ctx context.Context, key string, nowMs int64) Decision {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	if _, ok := l.whitelist[key]; ok {
		return Decision{
			Allowed:   true,
			Limit:     l.cfg.Max,
			Remaining: l.cfg.Max,
			ResetAtMs: nowMs + l.cfg.WindowMs,
		}
	}

	// The policy name scopes the stored window, so limiters sharing a
	// store never mix logs. The whitelist above matches the bare key.
	storeKey := key
	if l.cfg.Name != "" {
		storeKey = l.cfg.Name + ":" + key
	}

	allowed, count, oldest, err := l.store.Take(ctx, storeKey, nowMs, l.cfg.WindowMs, l.cfg.Max)
	if err != nil {
		l.logger.Error("admission store failure, admitting request",
			logpkg.Str("key", key), logpkg.Err(err))
		return Decision{Allowed: true, Limit: l.cfg.Max, Remaining: 0, ResetAtMs: nowMs + l.cfg.WindowMs}
	}

	resetAt := nowMs + l.cfg.WindowMs
	if oldest > 0 {
		resetAt = oldest + l.cfg.WindowMs
	}
	remaining := l.cfg.Max - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed,
		Limit:     l.cfg.Max,
		Remaining: remaining,
		ResetAtMs: resetAt,
		key:       storeKey,
		tsMs:      nowMs,
	}
}

// Forgive retroactively uncounts an admitted request, per SkipSuccessful
// or SkipFailed policy. No-op for rejected or whitelisted decisions.
func (l *Limiter) Forgive(ctx context.Context, d Decision) {
	if !d.Allowed || d.key == "" {
		return
	}
	if err := l.store.Forgive(ctx, d.key, d.tsMs); err != nil {
		l.logger.Warn("forgive failed", logpkg.Str("key", d.key), logpkg.Err(err))
	}
}

// StartSweeper periodically drops idle keys from the store until
// StopSweeper is called. retention bounds how long an idle key's window
// survives.
func (l *Limiter) StartSweeper(ctx context.Context, interval, retention time.Duration) {
	if l.sweepStop != nil {
		return
	}
	stop := make(chan struct{})
	l.sweepStop = stop

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
				cutoff := time.Now().Add(-retention).UnixMilli()
				if err := l.store.Sweep(ctx, cutoff); err != nil {
					l.logger.Error("window sweep failed", logpkg.Err(err))
				}
				timer.Reset(interval)
			}
		}
	}()
}

// StopSweeper stops the background key sweeper.
func (l *Limiter) StopSweeper() {
	if l.sweepStop == nil {
		return
	}
	close(l.sweepStop)
	l.sweepStop = nil
}
