package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	cfgpkg "github.com/scanq/scanq/internal/config"
	"github.com/scanq/scanq/internal/jobqueue"
	pebblestore "github.com/scanq/scanq/internal/storage/pebble"
	logpkg "github.com/scanq/scanq/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	Logger        logpkg.Logger
}

// Runtime wires storage, config, and the registered queues for a
// single-node instance.
type Runtime struct {
	db       *pebblestore.DB
	config   cfgpkg.Config
	registry *jobqueue.Registry
	queues   map[string]*jobqueue.Queue
}

// Open initializes storage and opens every registered queue.
func Open(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.DataDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
	})
	if err != nil {
		return nil, err
	}

	registry := jobqueue.NewRegistry(opts.Config.Queues)
	queues := make(map[string]*jobqueue.Queue, len(opts.Config.Queues))
	for _, name := range registry.Names() {
		qcfg, _ := registry.Get(name)
		q, err := jobqueue.Open(db, qcfg, logger)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open queue %s: %w", name, err)
		}
		queues[name] = q
	}

	return &Runtime{db: db, config: opts.Config, registry: registry, queues: queues}, nil
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple storage health check.
func (r *Runtime) CheckHealth(_ context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	return r.db.CheckHealth()
}

// Queue returns the open queue for a registered name.
func (r *Runtime) Queue(name string) (*jobqueue.Queue, bool) {
	q, ok := r.queues[name]
	return q, ok
}

// Queues returns all open queues keyed by name.
func (r *Runtime) Queues() map[string]*jobqueue.Queue { return r.queues }

// Registry returns the queue catalog.
func (r *Runtime) Registry() *jobqueue.Registry { return r.registry }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
