// Package executor runs evaluator invocations on a bounded pool so that
// blocking user code never runs on log or reconciler goroutines.
package executor

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/rzbill/xs/internal/evaluator"
	"github.com/rzbill/xs/internal/metrics"
)

// ErrStopped is returned for work submitted after Stop.
var ErrStopped = errors.New("executor: stopped")

// Options configures an Executor.
type Options struct {
	// Workers bounds concurrent invocations. Zero uses GOMAXPROCS.
	Workers int
	Metrics *metrics.Metrics
}

// Executor submits evaluations to a pond pool.
type Executor struct {
	pool    pond.Pool
	ev      evaluator.Evaluator
	metrics *metrics.Metrics
}

// New wraps ev with a pool.
func New(ev evaluator.Evaluator, opts Options) *Executor {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Executor{
		pool:    pond.NewPool(opts.Workers),
		ev:      ev,
		metrics: opts.Metrics,
	}
}

// Evaluate runs req on the pool and waits for it or for ctx.
func (x *Executor) Evaluate(ctx context.Context, req evaluator.Request) (evaluator.Output, error) {
	return x.run(ctx, "", req)
}

// Check validates a definition on the pool.
func (x *Executor) Check(ctx context.Context, definition []byte) error {
	_, err := x.submit(ctx, func() (evaluator.Output, error) {
		return evaluator.Output{}, evaluator.Check(ctx, x.ev, definition)
	})
	return err
}

// For returns an Evaluator that records latency under the given kind label.
func (x *Executor) For(kind string) evaluator.Evaluator {
	return kindEvaluator{x: x, kind: kind}
}

// Stop waits for in-flight invocations and rejects new ones.
func (x *Executor) Stop() {
	x.pool.StopAndWait()
}

func (x *Executor) run(ctx context.Context, kind string, req evaluator.Request) (evaluator.Output, error) {
	start := time.Now()
	out, err := x.submit(ctx, func() (evaluator.Output, error) {
		return x.ev.Evaluate(ctx, req)
	})
	if kind != "" {
		x.metrics.EvalLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
	return out, err
}

func (x *Executor) submit(ctx context.Context, fn func() (evaluator.Output, error)) (evaluator.Output, error) {
	if err := ctx.Err(); err != nil {
		return evaluator.Output{}, err
	}
	if x.pool.Stopped() {
		return evaluator.Output{}, ErrStopped
	}
	var out evaluator.Output
	task := x.pool.SubmitErr(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		out, err = fn()
		return err
	})
	select {
	case <-task.Done():
		if err := task.Wait(); err != nil {
			if errors.Is(err, pond.ErrPoolStopped) {
				return evaluator.Output{}, ErrStopped
			}
			return evaluator.Output{}, err
		}
		return out, nil
	case <-ctx.Done():
		// The evaluator observes ctx and unwinds on its own.
		return evaluator.Output{}, ctx.Err()
	}
}

type kindEvaluator struct {
	x    *Executor
	kind string
}

func (k kindEvaluator) Evaluate(ctx context.Context, req evaluator.Request) (evaluator.Output, error) {
	return k.x.run(ctx, k.kind, req)
}

func (k kindEvaluator) Check(ctx context.Context, definition []byte) error {
	return k.x.Check(ctx, definition)
}
