package serverrun

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	cfgpkg "github.com/scanq/scanq/internal/config"
	"github.com/scanq/scanq/internal/dispatch"
	"github.com/scanq/scanq/internal/ratelimit"
	"github.com/scanq/scanq/internal/runtime"
	"github.com/scanq/scanq/internal/scorer"
	httpserver "github.com/scanq/scanq/internal/server/http"
	jobsvc "github.com/scanq/scanq/internal/services/jobs"
	pebblestore "github.com/scanq/scanq/internal/storage/pebble"
	logpkg "github.com/scanq/scanq/pkg/log"
)

func getenvDefault(key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// small wrapper to allow testing; replaced by os.Getenv at build time
var getenv = func(key string) string { return os.Getenv(key) }

type Options struct {
	DataDir       string
	HTTPAddr      string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
}

// Run starts the queue node: storage, worker pool, limiter sweep, and
// the HTTP API. It blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	if opts.HTTPAddr == "" {
		opts.HTTPAddr = opts.Config.HTTPAddr
	}

	logCfg := &logpkg.Config{
		Level:  getenvDefault("SCANQ_LOG_LEVEL", "info"),
		Format: getenvDefault("SCANQ_LOG_FORMAT", "text"),
	}
	procLogger, err := logpkg.ApplyConfig(logCfg)
	if err != nil {
		lvl := logpkg.InfoLevel
		if l, e := logpkg.ParseLevel(logCfg.Level); e == nil {
			lvl = l
		}
		procLogger = logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}

	// Redirect stdlib logs (e.g., Pebble) to our logger
	logpkg.RedirectStdLog(procLogger)

	storeDir := filepath.Join(opts.DataDir, "store")
	rt, err := runtime.Open(runtime.Options{
		DataDir:       storeDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Config:        opts.Config,
		Logger:        procLogger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	procLogger.Info("Starting scanq server",
		logpkg.Str("http", opts.HTTPAddr),
		logpkg.Str("data_dir", opts.DataDir),
		logpkg.Str("scorer", opts.Config.Scorer.BaseURL),
		logpkg.Int("queues", len(rt.Queues())),
		logpkg.Str("level", logCfg.Level),
		logpkg.Str("format", logCfg.Format),
	)

	// Admission store: in-process by default, Redis when configured.
	var store ratelimit.Store
	if opts.Config.Limiter.Store == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     opts.Config.Limiter.Redis.Addr,
			Password: opts.Config.Limiter.Redis.Password,
			DB:       opts.Config.Limiter.Redis.DB,
		})
		store = ratelimit.NewRedisStore(client)
	} else {
		store = ratelimit.NewMemoryStore()
	}
	defer store.Close()

	sweepInterval := time.Duration(opts.Config.Limiter.SweepIntervalMs) * time.Millisecond
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	keyRetention := time.Duration(opts.Config.Limiter.KeyRetentionMs) * time.Millisecond
	if keyRetention <= 0 {
		keyRetention = time.Hour
	}

	// One limiter per policy in use; queues sharing a policy share its
	// windows, and all policies share the store.
	limiters := make(map[string]*ratelimit.Limiter)
	submitLimiters := make(map[string]*ratelimit.Limiter, len(rt.Queues()))
	for name, q := range rt.Queues() {
		pcfg, ok := ratelimit.Preset(q.Config().SubmitPolicy)
		if !ok {
			pcfg = ratelimit.Scan()
		}
		lim := limiters[pcfg.Name]
		if lim == nil {
			lim = ratelimit.New(pcfg, store, procLogger)
			lim.StartSweeper(sctx, sweepInterval, keyRetention)
			limiters[pcfg.Name] = lim
		}
		submitLimiters[name] = lim
	}
	defer func() {
		for _, lim := range limiters {
			lim.StopSweeper()
		}
	}()

	events := dispatch.NewBroadcaster()
	sc := scorer.NewClient(opts.Config.Scorer, procLogger)
	dispatcher := dispatch.New(rt.Queues(), sc, events, procLogger, dispatch.Options{})
	dispatcher.Start(sctx)
	defer dispatcher.Stop()

	jobsSvc := jobsvc.New(rt, procLogger)
	hsrv := httpserver.New(rt, jobsSvc, events, submitLimiters, procLogger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, opts.HTTPAddr); err != nil && sctx.Err() == nil {
			procLogger.Error("http server failed", logpkg.Err(err))
		}
	}()

	<-sctx.Done()
	// Stop the server and workers before closing the runtime/DB to avoid races.
	hsrv.Close()
	wg.Wait()
	return nil
}
