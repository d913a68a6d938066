package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/rzbill/xs/internal/eventlog"
	"github.com/rzbill/xs/internal/metrics"
	"github.com/rzbill/xs/pkg/id"
	logpkg "github.com/rzbill/xs/pkg/log"
)

// Options configures a Reconciler.
type Options struct {
	Log  *eventlog.Log
	Kind Kind

	// ContextID restricts the reconciler to one context. Nil follows all.
	ContextID *id.ID
	// Policy overrides the kind's duplicate policy when not PolicyDefault.
	Policy DuplicatePolicy
	// ShutdownTimeout bounds how long Run waits for workers after ctx ends.
	ShutdownTimeout time.Duration

	Logger  logpkg.Logger
	Metrics *metrics.Metrics
}

// Running describes one live worker.
type Running struct {
	Kind         string `json:"kind"`
	Base         string `json:"base"`
	ContextID    id.ID  `json:"context_id"`
	DefinitionID id.ID  `json:"definition_id"`
}

type key struct {
	ctx  id.ID
	base string
}

type entry struct {
	key    key
	def    eventlog.Frame
	worker Worker
	cancel context.CancelFunc
	once   sync.Once

	// Set by stop. reason is recorded on the stop frame once the worker
	// exits; next is the definition to start in its place.
	reason string
	next   *eventlog.Frame
}

type exit struct {
	e *entry
}

// Reconciler maintains one worker per (context, base topic) for a Kind.
type Reconciler struct {
	opts   Options
	log    *eventlog.Log
	kind   Kind
	policy DuplicatePolicy
	logger logpkg.Logger
	m      *metrics.Metrics

	mu       sync.Mutex
	running  map[key]*entry
	stopping map[key]*entry

	exited chan exit
	quit   chan struct{}
}

// New returns a Reconciler. Run drives it.
func New(opts Options) *Reconciler {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	policy := opts.Policy
	if policy == PolicyDefault {
		policy = opts.Kind.Policy()
	}
	return &Reconciler{
		opts:    opts,
		log:     opts.Log,
		kind:    opts.Kind,
		policy:  policy,
		logger:  opts.Logger.WithComponent("lifecycle").WithField("kind", opts.Kind.Name()),
		m:       opts.Metrics,
		running:  make(map[key]*entry),
		stopping: make(map[key]*entry),
		exited:   make(chan exit, 16),
		quit:     make(chan struct{}),
	}
}

// Running returns the live workers ordered by definition id.
func (r *Reconciler) Running() []Running {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Running, 0, len(r.running))
	for k, e := range r.running {
		out = append(out, Running{Kind: r.kind.Name(), Base: k.base, ContextID: k.ctx, DefinitionID: e.def.ID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DefinitionID.Compare(out[j].DefinitionID) < 0 })
	return out
}

// Run follows the log until ctx ends, then stops every worker within
// ShutdownTimeout. No stop frames are appended on shutdown.
func (r *Reconciler) Run(ctx context.Context) (err error) {
	sub, err := r.log.Read(ctx, eventlog.ReadOptions{ContextID: r.opts.ContextID, Follow: eventlog.FollowOn})
	if err != nil {
		return err
	}
	defer sub.Close()
	defer func() {
		if serr := r.shutdown(); serr != nil {
			err = multierror.Append(err, serr).ErrorOrNil()
		}
	}()

	compacted := make(map[key]eventlog.Frame)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return sub.Err()
			}
			switch ev.Kind {
			case eventlog.EventHistorical:
				r.compact(compacted, ev.Frame)
			case eventlog.EventThreshold:
				r.reconcile(ctx, compacted, ev.Frame.ID)
				compacted = nil
			case eventlog.EventLive:
				r.handleLive(ctx, ev.Frame)
			}
		case ex := <-r.exited:
			r.handleExit(ctx, ex.e)
		case <-ctx.Done():
			return nil
		}
	}
}

// compact folds one replayed frame into the definition table.
func (r *Reconciler) compact(table map[key]eventlog.Frame, f eventlog.Frame) {
	if base, suffix, ok := SplitTopic(f.Topic); ok && suffix == SuffixError {
		k := key{f.ContextID, base}
		if def, ok := table[k]; ok && f.MetaString("source_id") == def.ID.String() {
			delete(table, k)
		}
		return
	}
	base, sig := r.kind.Classify(f)
	k := key{f.ContextID, base}
	switch sig {
	case SignalDefine:
		table[k] = f
	case SignalTerminate:
		if def, ok := table[k]; ok && r.terminates(def, f) {
			delete(table, k)
		}
	}
}

func (r *Reconciler) terminates(def, term eventlog.Frame) bool {
	if m, ok := r.kind.(TerminationMatcher); ok {
		return m.Matches(def, term)
	}
	return true
}

func (r *Reconciler) reconcile(ctx context.Context, table map[key]eventlog.Frame, boundary id.ID) {
	defs := make([]eventlog.Frame, 0, len(table))
	for _, f := range table {
		defs = append(defs, f)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID.Compare(defs[j].ID) < 0 })
	r.logger.Info("replay complete", logpkg.Int("definitions", len(defs)), logpkg.Str("threshold", boundary.String()))
	for _, def := range defs {
		base, _ := r.kind.Classify(def)
		r.start(ctx, key{def.ContextID, base}, def, boundary)
	}
}

func (r *Reconciler) handleLive(ctx context.Context, f eventlog.Frame) {
	if _, suffix, ok := SplitTopic(f.Topic); ok && (suffix == SuffixError || suffix == SuffixStart || suffix == SuffixStop) {
		return
	}
	base, sig := r.kind.Classify(f)
	k := key{f.ContextID, base}
	r.mu.Lock()
	cur := r.running[k]
	draining := r.stopping[k]
	r.mu.Unlock()

	if cur == nil && draining != nil {
		switch sig {
		case SignalDefine:
			draining.next = &f
		case SignalTerminate:
			if draining.next != nil && r.terminates(*draining.next, f) {
				draining.next = nil
			}
		}
		return
	}

	switch sig {
	case SignalDefine:
		if cur != nil {
			switch r.policy {
			case PolicyIgnore:
				r.logger.Debug("definition ignored, worker already running",
					logpkg.Str("base", base), logpkg.Str("id", f.ID.String()))
				return
			case PolicyRestartOnChange:
				if sameDefinition(cur.def, f) {
					r.logger.Debug("definition unchanged", logpkg.Str("base", base))
					return
				}
			}
			r.stop(cur, ReasonUpdate, &f)
			return
		}
		r.start(ctx, k, f, f.ID)
	case SignalTerminate:
		if cur != nil && r.terminates(cur.def, f) {
			r.stop(cur, ReasonTerminate, nil)
		}
	}
}

func sameDefinition(a, b eventlog.Frame) bool {
	if (a.Hash == nil) != (b.Hash == nil) {
		return false
	}
	if a.Hash != nil && *a.Hash != *b.Hash {
		return false
	}
	return bytes.Equal(a.Meta, b.Meta)
}

func (r *Reconciler) start(ctx context.Context, k key, def eventlog.Frame, from id.ID) {
	r.emit(ctx, k, SuffixStart, map[string]interface{}{"source_id": def.ID.String()})

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w, err := r.kind.Start(wctx, def, from)
	if err != nil {
		cancel()
		r.logger.Warn("worker failed to start", logpkg.Str("base", k.base), logpkg.Err(err))
		r.m.WorkerErrors.WithLabelValues(r.kind.Name()).Inc()
		r.emit(ctx, k, SuffixError, map[string]interface{}{
			"source_id": def.ID.String(),
			"reason":    err.Error(),
			"phase":     "start",
		})
		return
	}
	e := &entry{key: k, def: def, worker: w, cancel: cancel}
	r.mu.Lock()
	r.running[k] = e
	r.mu.Unlock()
	r.m.WorkerStarts.WithLabelValues(r.kind.Name()).Inc()
	r.m.WorkersActive.WithLabelValues(r.kind.Name()).Inc()
	r.logger.Info("worker started", logpkg.Str("base", k.base), logpkg.Str("definition", def.ID.String()))

	go func() {
		select {
		case <-w.Done():
			r.notifyExit(e)
		case <-r.quit:
		}
	}()
}

// notifyExit hands e back to Run at most once.
func (r *Reconciler) notifyExit(e *entry) {
	e.once.Do(func() {
		select {
		case r.exited <- exit{e: e}:
		case <-r.quit:
		}
	})
}

// stop asks e to finish without blocking Run. The stop frame is recorded
// when the worker exits, or after ShutdownTimeout when its context is
// cancelled and it is abandoned. next, if set, starts afterwards.
func (r *Reconciler) stop(e *entry, reason string, next *eventlog.Frame) {
	r.mu.Lock()
	if r.running[e.key] == e {
		delete(r.running, e.key)
	}
	r.stopping[e.key] = e
	r.mu.Unlock()

	e.reason = reason
	e.next = next
	e.worker.Stop()
	go func() {
		t := time.NewTimer(r.opts.ShutdownTimeout)
		defer t.Stop()
		select {
		case <-e.worker.Done():
			return
		case <-r.quit:
			return
		case <-t.C:
		}
		r.logger.Warn("worker slow to stop, cancelling", logpkg.Str("base", e.key.base))
		e.cancel()
		r.notifyExit(e)
	}()
}

// handleExit records a worker that finished, either on its own or after
// stop.
func (r *Reconciler) handleExit(ctx context.Context, e *entry) {
	r.mu.Lock()
	if r.stopping[e.key] == e {
		delete(r.stopping, e.key)
		r.mu.Unlock()
		r.finishStop(ctx, e)
		return
	}
	if r.running[e.key] != e {
		r.mu.Unlock()
		return
	}
	delete(r.running, e.key)
	r.mu.Unlock()
	e.cancel()

	reason := ReasonFinished
	if err := e.worker.Err(); err != nil && !errors.Is(err, context.Canceled) {
		reason = ReasonError
		r.m.WorkerErrors.WithLabelValues(r.kind.Name()).Inc()
		r.logger.Warn("worker failed", logpkg.Str("base", e.key.base), logpkg.Err(err))
		r.emit(ctx, e.key, SuffixError, map[string]interface{}{
			"source_id": e.def.ID.String(),
			"reason":    err.Error(),
			"phase":     "run",
		})
	}
	r.m.WorkersActive.WithLabelValues(r.kind.Name()).Dec()
	r.m.WorkerStops.WithLabelValues(r.kind.Name(), reason).Inc()
	r.emit(ctx, e.key, SuffixStop, map[string]interface{}{"source_id": e.def.ID.String(), "reason": reason})
}

func (r *Reconciler) finishStop(ctx context.Context, e *entry) {
	e.cancel()
	r.m.WorkersActive.WithLabelValues(r.kind.Name()).Dec()
	r.m.WorkerStops.WithLabelValues(r.kind.Name(), e.reason).Inc()
	r.emit(ctx, e.key, SuffixStop, map[string]interface{}{"source_id": e.def.ID.String(), "reason": e.reason})
	r.logger.Info("worker stopped", logpkg.Str("base", e.key.base), logpkg.Str("reason", e.reason))
	if e.next != nil {
		r.start(ctx, e.key, *e.next, e.next.ID)
	}
}

func (r *Reconciler) emit(ctx context.Context, k key, suffix string, meta map[string]interface{}) {
	f := eventlog.Frame{Topic: k.base + "." + suffix, ContextID: k.ctx, Meta: eventlog.MetaOf(meta)}
	if _, err := r.log.Append(context.WithoutCancel(ctx), f, nil); err != nil && !errors.Is(err, eventlog.ErrClosed) {
		r.logger.Error("append lifecycle frame", logpkg.Str("topic", f.Topic), logpkg.Err(err))
	}
}

// shutdown stops every worker, waits up to ShutdownTimeout, then cancels
// the stragglers.
func (r *Reconciler) shutdown() error {
	close(r.quit)
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.running)+len(r.stopping))
	for _, e := range r.running {
		entries = append(entries, e)
	}
	for _, e := range r.stopping {
		entries = append(entries, e)
	}
	r.running = make(map[key]*entry)
	r.stopping = make(map[key]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.worker.Stop()
	}
	deadline := time.NewTimer(r.opts.ShutdownTimeout)
	defer deadline.Stop()

	var (
		result  *multierror.Error
		expired bool
	)
	for _, e := range entries {
		if !expired {
			select {
			case <-e.worker.Done():
			case <-deadline.C:
				expired = true
			}
		}
		if expired {
			select {
			case <-e.worker.Done():
			default:
				r.logger.Warn("worker did not stop in time", logpkg.Str("base", e.key.base))
				result = multierror.Append(result, fmt.Errorf("%s %q: did not stop within %s", r.kind.Name(), e.key.base, r.opts.ShutdownTimeout))
			}
		}
		e.cancel()
		r.m.WorkersActive.WithLabelValues(r.kind.Name()).Dec()
	}
	return result.ErrorOrNil()
}
