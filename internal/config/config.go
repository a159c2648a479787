package config

import (
	"fmt"
	"os"

	"encoding/json"
)

// BackoffType selects the retry delay rule for a queue.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// BackoffConfig is a queue's retry delay policy.
type BackoffConfig struct {
	Type        BackoffType `json:"type"`
	BaseDelayMs int64       `json:"baseDelayMs"`
	// MaxDelayMs caps exponential growth. 0 means uncapped.
	MaxDelayMs int64 `json:"maxDelayMs"`
	// Jitter adds up to 10% random slack to each delay.
	Jitter bool `json:"jitter"`
}

// RetentionConfig bounds how long terminal job records are kept.
type RetentionConfig struct {
	MaxCount      int   `json:"maxCount"`
	MaxAgeSeconds int64 `json:"maxAgeSeconds"`
}

// QueueConfig is the static, per-queue-name configuration.
type QueueConfig struct {
	Name string `json:"name"`
	// Priority is the default priority for enqueued jobs; lower serves first.
	Priority uint32 `json:"priority"`
	// MaxAttempts bounds claims per job, stalls included.
	MaxAttempts int           `json:"maxAttempts"`
	Backoff     BackoffConfig `json:"backoff"`
	// Completed and Failed retention are separate; failed records are
	// typically kept longer for postmortem.
	CompletedRetention RetentionConfig `json:"completedRetention"`
	FailedRetention    RetentionConfig `json:"failedRetention"`
	// Workers is the number of concurrent scorer calls for this queue.
	Workers int   `json:"workers"`
	LeaseMs int64 `json:"leaseMs"`
	// ScoreTimeoutMs bounds a single scorer call.
	ScoreTimeoutMs int64 `json:"scoreTimeoutMs"`
	// ScorerPath is the scorer service endpoint for this scan type.
	ScorerPath string `json:"scorerPath"`
	// SubmitPolicy names the rate-limit preset guarding submissions to
	// this queue: scan, upload, strict, general or auth. Empty means scan.
	SubmitPolicy string `json:"submitPolicy"`
}

// LimiterConfig selects the rate limiter's window store.
type LimiterConfig struct {
	// Store is "memory" (default) or "redis". The memory store is
	// process-local: under horizontal scaling the limit applies per
	// instance, not globally.
	Store string      `json:"store"`
	Redis RedisConfig `json:"redis"`
	// SweepIntervalMs controls the idle-key sweep period.
	SweepIntervalMs int64 `json:"sweepIntervalMs"`
	// KeyRetentionMs is how long an idle key's window survives before the
	// sweep drops it.
	KeyRetentionMs int64 `json:"keyRetentionMs"`
}

// RedisConfig locates the optional Redis window store.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// ScorerConfig locates the external classification service.
type ScorerConfig struct {
	BaseURL string `json:"baseUrl"`
	// RequestsPerSecond paces outbound scorer calls; 0 disables pacing.
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	Burst             int     `json:"burst"`
}

// Config is the top-level configuration loaded from file/env.
type Config struct {
	HTTPAddr string        `json:"httpAddr"`
	Limiter  LimiterConfig `json:"limiter"`
	Scorer   ScorerConfig  `json:"scorer"`
	Queues   []QueueConfig `json:"queues"`
}

// Default returns built-in defaults, including the closed queue set.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		Limiter: LimiterConfig{
			Store:           "memory",
			SweepIntervalMs: 60_000,
			KeyRetentionMs:  3_600_000,
		},
		Scorer: ScorerConfig{
			BaseURL:           "http://127.0.0.1:8000",
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Queues: []QueueConfig{
			{
				Name:               "text-scan",
				Priority:           10,
				MaxAttempts:        3,
				Backoff:            BackoffConfig{Type: BackoffExponential, BaseDelayMs: 1000, MaxDelayMs: 30_000, Jitter: true},
				CompletedRetention: RetentionConfig{MaxCount: 1000, MaxAgeSeconds: 3600},
				FailedRetention:    RetentionConfig{MaxCount: 2000, MaxAgeSeconds: 86_400},
				Workers:            4,
				LeaseMs:            30_000,
				ScoreTimeoutMs:     10_000,
				ScorerPath:         "/predict",
				SubmitPolicy:       "scan",
			},
			{
				// Voice scoring is expensive; fewer retries, longer lease.
				Name:               "voice-scan",
				Priority:           20,
				MaxAttempts:        2,
				Backoff:            BackoffConfig{Type: BackoffExponential, BaseDelayMs: 5000, MaxDelayMs: 60_000, Jitter: true},
				CompletedRetention: RetentionConfig{MaxCount: 500, MaxAgeSeconds: 3600},
				FailedRetention:    RetentionConfig{MaxCount: 1000, MaxAgeSeconds: 86_400},
				Workers:            2,
				LeaseMs:            60_000,
				ScoreTimeoutMs:     30_000,
				ScorerPath:         "/predict-voice",
				SubmitPolicy:       "upload",
			},
			{
				Name:               "url-scan",
				Priority:           10,
				MaxAttempts:        3,
				Backoff:            BackoffConfig{Type: BackoffExponential, BaseDelayMs: 2000, MaxDelayMs: 30_000, Jitter: true},
				CompletedRetention: RetentionConfig{MaxCount: 1000, MaxAgeSeconds: 3600},
				FailedRetention:    RetentionConfig{MaxCount: 2000, MaxAgeSeconds: 86_400},
				Workers:            4,
				LeaseMs:            30_000,
				ScoreTimeoutMs:     15_000,
				ScorerPath:         "/scan-url",
				SubmitPolicy:       "scan",
			},
			{
				// Cheap and idempotent; retried generously.
				Name:               "feedback-processing",
				Priority:           50,
				MaxAttempts:        5,
				Backoff:            BackoffConfig{Type: BackoffFixed, BaseDelayMs: 10_000},
				CompletedRetention: RetentionConfig{MaxCount: 200, MaxAgeSeconds: 3600},
				FailedRetention:    RetentionConfig{MaxCount: 500, MaxAgeSeconds: 86_400},
				Workers:            1,
				LeaseMs:            30_000,
				ScoreTimeoutMs:     20_000,
				ScorerPath:         "/retraining/feedback",
				SubmitPolicy:       "general",
			},
			{
				Name:               "retraining",
				Priority:           90,
				MaxAttempts:        1,
				Backoff:            BackoffConfig{Type: BackoffFixed, BaseDelayMs: 60_000},
				CompletedRetention: RetentionConfig{MaxCount: 50, MaxAgeSeconds: 86_400},
				FailedRetention:    RetentionConfig{MaxCount: 100, MaxAgeSeconds: 7 * 86_400},
				Workers:            1,
				LeaseMs:            300_000,
				ScoreTimeoutMs:     120_000,
				ScorerPath:         "/retraining/run",
				SubmitPolicy:       "strict",
			},
		},
	}
}

// DefaultQueue is the fallback applied when a queue appears in config
// without explicit values for a field.
func DefaultQueue(name string) QueueConfig {
	return QueueConfig{
		Name:               name,
		Priority:           50,
		MaxAttempts:        3,
		Backoff:            BackoffConfig{Type: BackoffExponential, BaseDelayMs: 1000, MaxDelayMs: 30_000, Jitter: true},
		CompletedRetention: RetentionConfig{MaxCount: 1000, MaxAgeSeconds: 3600},
		FailedRetention:    RetentionConfig{MaxCount: 2000, MaxAgeSeconds: 86_400},
		Workers:            2,
		LeaseMs:            30_000,
		ScoreTimeoutMs:     10_000,
		ScorerPath:         "/predict",
		SubmitPolicy:       "scan",
	}
}

// Load reads configuration from a JSON file. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configs the pipeline cannot honor.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Queues))
	for i := range c.Queues {
		q := &c.Queues[i]
		if q.Name == "" {
			return fmt.Errorf("queue %d: name required", i)
		}
		if _, dup := seen[q.Name]; dup {
			return fmt.Errorf("queue %q: duplicate name", q.Name)
		}
		seen[q.Name] = struct{}{}
		if q.MaxAttempts < 1 {
			return fmt.Errorf("queue %q: maxAttempts must be >= 1", q.Name)
		}
		switch q.Backoff.Type {
		case BackoffExponential, BackoffFixed:
		default:
			return fmt.Errorf("queue %q: unknown backoff type %q", q.Name, q.Backoff.Type)
		}
		if q.Backoff.BaseDelayMs <= 0 {
			return fmt.Errorf("queue %q: baseDelayMs must be > 0", q.Name)
		}
		switch q.SubmitPolicy {
		case "", "scan", "upload", "strict", "general", "auth":
		default:
			return fmt.Errorf("queue %q: unknown submitPolicy %q", q.Name, q.SubmitPolicy)
		}
	}
	switch c.Limiter.Store {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("limiter: unknown store %q", c.Limiter.Store)
	}
	return nil
}
