package config

import (
	"os"
	"strconv"
)

// FromEnv overlays SCANQ_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("SCANQ_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("SCANQ_SCORER_URL"); v != "" {
		cfg.Scorer.BaseURL = v
	}
	if v := os.Getenv("SCANQ_SCORER_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Scorer.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("SCANQ_SCORER_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scorer.Burst = n
		}
	}
	if v := os.Getenv("SCANQ_LIMITER_STORE"); v != "" {
		cfg.Limiter.Store = v
	}
	if v := os.Getenv("SCANQ_LIMITER_SWEEP_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Limiter.SweepIntervalMs = n
		}
	}
	if v := os.Getenv("SCANQ_REDIS_ADDR"); v != "" {
		cfg.Limiter.Redis.Addr = v
	}
	if v := os.Getenv("SCANQ_REDIS_PASSWORD"); v != "" {
		cfg.Limiter.Redis.Password = v
	}
	if v := os.Getenv("SCANQ_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limiter.Redis.DB = n
		}
	}
}
