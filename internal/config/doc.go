// Package config provides loading and environment overlay for scanq
// configuration: the registered queue set, rate-limiter store selection,
// and the external scorer endpoint. It exposes a Default() baseline, a
// JSON file loader, and a SCANQ_* env overlay.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/scanq.json"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
package config
