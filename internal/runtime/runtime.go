package runtime

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/rzbill/xs/internal/cas"
	cfgpkg "github.com/rzbill/xs/internal/config"
	"github.com/rzbill/xs/internal/evaluator"
	"github.com/rzbill/xs/internal/evaluator/lua"
	"github.com/rzbill/xs/internal/eventlog"
	"github.com/rzbill/xs/internal/executor"
	"github.com/rzbill/xs/internal/lifecycle"
	"github.com/rzbill/xs/internal/metrics"
	pebblestore "github.com/rzbill/xs/internal/storage/pebble"
	"github.com/rzbill/xs/internal/workers"
	logpkg "github.com/rzbill/xs/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config  cfgpkg.Config
	Logger  logpkg.Logger
	Metrics *metrics.Metrics
	// Evaluator replaces the Lua evaluator.
	Evaluator evaluator.Evaluator
}

// Runtime wires storage, the event log, and the worker reconcilers for a
// single-node instance.
type Runtime struct {
	config  cfgpkg.Config
	logger  logpkg.Logger
	metrics *metrics.Metrics

	db   *pebblestore.DB
	cas  *cas.Store
	log  *eventlog.Log
	exec *executor.Executor

	reconcilers []*lifecycle.Reconciler

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runErrs *multierror.Error
	closed  bool
}

// Open initializes storage and the log. Reconcilers run once Start is called.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	dataDir := cfg.ResolvedDataDir()

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       filepath.Join(dataDir, "store"),
		Fsync:         cfg.FsyncMode(),
		FsyncInterval: cfg.Store.FsyncInterval(),
		Metrics:       opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	store, err := cas.Open(filepath.Join(dataDir, "cas"), cas.Options{Metrics: opts.Metrics, Logger: opts.Logger})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	l, err := eventlog.Open(eventlog.Options{
		DB:                 db,
		CAS:                store,
		Logger:             opts.Logger,
		Metrics:            opts.Metrics,
		SweepInterval:      cfg.Store.SweepInterval(),
		MaxPending:         cfg.Store.MaxPending,
		MaxEphemeralBytes:  int64(cfg.Store.MaxEphemeralBytes),
		EphemeralCacheSize: cfg.Store.EphemeralCacheSize,
		FrameCacheSize:     cfg.Store.FrameCacheSize,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	ev := opts.Evaluator
	if ev == nil {
		ev = lua.New(lua.Options{MaxInstructions: cfg.Workers.LuaMaxInstructions})
	}
	exec := executor.New(ev, executor.Options{Workers: cfg.Workers.PoolSize, Metrics: opts.Metrics})

	rt := &Runtime{
		config:  cfg,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		db:      db,
		cas:     store,
		log:     l,
		exec:    exec,
	}
	for _, kind := range rt.kinds() {
		if !cfg.KindEnabled(kind.Name()) {
			continue
		}
		rt.reconcilers = append(rt.reconcilers, lifecycle.New(lifecycle.Options{
			Log:             l,
			Kind:            kind,
			Policy:          cfg.Policy(kind.Name()),
			ShutdownTimeout: cfg.Workers.ShutdownTimeout(),
			Logger:          opts.Logger,
			Metrics:         opts.Metrics,
		}))
	}
	return rt, nil
}

func (r *Runtime) kinds() []lifecycle.Kind {
	deps := func(kind string) workers.Deps {
		return workers.Deps{Log: r.log, Eval: r.exec.For(kind), Logger: r.logger}
	}
	return []lifecycle.Kind{
		workers.NewHandler(deps("handler")),
		workers.NewGenerator(deps("generator")),
		workers.NewAction(deps("action")),
		workers.NewActor(deps("actor")),
	}
}

// Start appends xs.start and launches one reconciler per enabled kind. They
// run until Close.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return eventlog.ErrClosed
	}
	if r.started {
		return errors.New("runtime: already started")
	}
	r.started = true
	if _, err := r.log.Append(ctx, eventlog.Frame{Topic: eventlog.TopicStart}, nil); err != nil {
		return fmt.Errorf("append %s: %w", eventlog.TopicStart, err)
	}
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	for _, rec := range r.reconcilers {
		rec := rec
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := rec.Run(rctx); err != nil {
				r.logger.Error("reconciler exited", logpkg.Err(err))
				r.mu.Lock()
				r.runErrs = multierror.Append(r.runErrs, err)
				r.mu.Unlock()
			}
		}()
	}
	r.logger.Info("runtime started", logpkg.Int("reconcilers", len(r.reconcilers)))
	return nil
}

// Close stops the reconcilers, the pool, the log, and the database, in that
// order, and reports every failure.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.exec.Stop()

	r.mu.Lock()
	errs := r.runErrs
	r.mu.Unlock()
	if err := r.log.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := r.db.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return eventlog.ErrClosed
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// Running lists the live workers of every kind.
func (r *Runtime) Running() []lifecycle.Running {
	var out []lifecycle.Running
	for _, rec := range r.reconcilers {
		out = append(out, rec.Running()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DefinitionID.Compare(out[j].DefinitionID) < 0 })
	return out
}

// Log returns the event log.
func (r *Runtime) Log() *eventlog.Log { return r.log }

// CAS returns the content store.
func (r *Runtime) CAS() *cas.Store { return r.cas }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Metrics returns the process collectors.
func (r *Runtime) Metrics() *metrics.Metrics { return r.metrics }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
