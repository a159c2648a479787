package jobqueue

import (
	"sort"

	"github.com/scanq/scanq/internal/config"
)

// Registry is the catalog of registered queue names and their static
// configuration. The queue set is closed: callers must validate names
// against the registry before addressing a queue.
type Registry struct {
	byName map[string]config.QueueConfig
}

// NewRegistry builds a registry from config. Queues with zeroed fields
// inherit from config.DefaultQueue.
func NewRegistry(queues []config.QueueConfig) *Registry {
	r := &Registry{byName: make(map[string]config.QueueConfig, len(queues))}
	for _, q := range queues {
		r.byName[q.Name] = fillQueueDefaults(q)
	}
	return r
}

func fillQueueDefaults(q config.QueueConfig) config.QueueConfig {
	def := config.DefaultQueue(q.Name)
	if q.MaxAttempts == 0 {
		q.MaxAttempts = def.MaxAttempts
	}
	if q.Backoff.Type == "" {
		q.Backoff = def.Backoff
	}
	if q.CompletedRetention == (config.RetentionConfig{}) {
		q.CompletedRetention = def.CompletedRetention
	}
	if q.FailedRetention == (config.RetentionConfig{}) {
		q.FailedRetention = def.FailedRetention
	}
	if q.Workers == 0 {
		q.Workers = def.Workers
	}
	if q.LeaseMs == 0 {
		q.LeaseMs = def.LeaseMs
	}
	if q.ScoreTimeoutMs == 0 {
		q.ScoreTimeoutMs = def.ScoreTimeoutMs
	}
	if q.ScorerPath == "" {
		q.ScorerPath = def.ScorerPath
	}
	return q
}

// Get returns the configuration for a registered queue name.
func (r *Registry) Get(name string) (config.QueueConfig, bool) {
	cfg, ok := r.byName[name]
	return cfg, ok
}

// Has reports whether name belongs to the registered queue set.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Names returns the registered queue names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
