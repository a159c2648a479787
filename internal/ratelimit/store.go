package ratelimit

import (
	"context"
	"sync"
)

// Store holds per-key request timestamp logs.
type Store interface {
	// Take prunes timestamps older than nowMs-windowMs, then appends nowMs
	// if fewer than max remain. It reports whether the request was
	// admitted, the count inside the window after the call, and the oldest
	// timestamp still counted (0 when the window is empty).
	Take(ctx context.Context, key string, nowMs, windowMs int64, max int) (allowed bool, count int, oldestMs int64, err error)

	// Forgive removes one occurrence of tsMs from the key's log, undoing a
	// previously admitted request.
	Forgive(ctx context.Context, key string, tsMs int64) error

	// Sweep drops keys whose newest timestamp is older than cutoffMs.
	Sweep(ctx context.Context, cutoffMs int64) error

	Close() error
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]int64
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]int64)}
}

func (s *MemoryStore) Take(_ context.Context, key string, nowMs, windowMs int64, max int) (bool, int, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.windows[key]
	floor := nowMs - windowMs
	i := 0
	for i < len(log) && log[i] <= floor {
		i++
	}
	log = log[i:]

	if len(log) >= max {
		s.windows[key] = log
		return false, len(log), log[0], nil
	}

	log = append(log, nowMs)
	s.windows[key] = log
	return true, len(log), log[0], nil
}

func (s *MemoryStore) Forgive(_ context.Context, key string, tsMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.windows[key]
	// Newest first: the forgiven timestamp is almost always the last appended.
	for i := len(log) - 1; i >= 0; i-- {
		if log[i] == tsMs {
			s.windows[key] = append(log[:i], log[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, cutoffMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, log := range s.windows {
		if len(log) == 0 || log[len(log)-1] < cutoffMs {
			delete(s.windows, key)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// keys returns the number of tracked keys, for tests.
func (s *MemoryStore) keys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
