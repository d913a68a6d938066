package workers

import (
	"context"
	"sync"

	"github.com/rzbill/xs/internal/evaluator"
	"github.com/rzbill/xs/internal/eventlog"
	"github.com/rzbill/xs/internal/lifecycle"
	"github.com/rzbill/xs/pkg/id"
	logpkg "github.com/rzbill/xs/pkg/log"
)

// Action topics: <base>.define defines. Once ready, every <base>.call
// appended after the definition is answered with <base>.response frames
// (one per output, or a single empty frame) or one <base>.error.
type Action struct {
	d Deps
}

// NewAction returns the action kind.
func NewAction(d Deps) *Action { return &Action{d: d} }

func (a *Action) Name() string { return "action" }

func (a *Action) Policy() lifecycle.DuplicatePolicy { return lifecycle.PolicyRestart }

func (a *Action) Classify(f eventlog.Frame) (string, lifecycle.Signal) {
	base, suffix, ok := lifecycle.SplitTopic(f.Topic)
	if !ok {
		return "", lifecycle.SignalNone
	}
	if suffix == "define" {
		return base, lifecycle.SignalDefine
	}
	return base, lifecycle.SignalNone
}

func (a *Action) Start(ctx context.Context, def eventlog.Frame, from id.ID) (lifecycle.Worker, error) {
	src, err := loadDefinition(ctx, a.d, def)
	if err != nil {
		return nil, err
	}
	ret, err := parseReturn(def, "response")
	if err != nil {
		return nil, err
	}
	base, _ := a.Classify(def)
	run := &actionRun{
		d:      a.d,
		def:    def,
		base:   base,
		src:    src,
		ret:    ret,
		logger: a.d.logger("action").WithField("base", base),
	}

	// Subscribe before announcing readiness so no call appended after
	// .ready can be missed.
	after := from
	sub, err := a.d.Log.Read(ctx, eventlog.ReadOptions{
		After:     &after,
		Topic:     base + ".call",
		ContextID: &def.ContextID,
		Follow:    eventlog.FollowOn,
	})
	if err != nil {
		return nil, err
	}
	if _, err := emit(ctx, a.d.Log, base+".ready", def.ContextID, nil, eventlog.Forever,
		map[string]interface{}{"action_id": def.ID.String()}); err != nil {
		sub.Close()
		return nil, err
	}
	return lifecycle.Go(ctx, func(ctx context.Context) error {
		defer sub.Close()
		return run.serve(ctx, sub)
	}), nil
}

type actionRun struct {
	d      Deps
	def    eventlog.Frame
	base   string
	src    []byte
	ret    returnOptions
	logger logpkg.Logger
}

// serve answers calls concurrently and waits for in-flight calls before
// returning.
func (r *actionRun) serve(ctx context.Context, sub *eventlog.Subscription) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for ev := range sub.Events() {
		if ev.Kind != eventlog.EventHistorical && ev.Kind != eventlog.EventLive {
			continue
		}
		call := ev.Frame
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.call(ctx, call)
		}()
	}
	if err := sub.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (r *actionRun) call(ctx context.Context, call eventlog.Frame) {
	input, err := readPayload(r.d.Log, call)
	if err == nil {
		var out evaluator.Output
		out, err = r.d.Eval.Evaluate(ctx, evaluator.Request{Definition: r.src, Frame: call, Input: input})
		if err == nil {
			r.respond(ctx, call, out.Values)
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	r.logger.Warn("call failed", logpkg.Str("call", call.ID.String()), logpkg.Err(err))
	_, aerr := emit(context.WithoutCancel(ctx), r.d.Log, r.base+"."+lifecycle.SuffixError, r.def.ContextID, nil, eventlog.Forever,
		map[string]interface{}{
			"action_id": r.def.ID.String(),
			"source_id": call.ID.String(),
			"reason":    err.Error(),
			"phase":     "call",
		})
	if aerr != nil {
		r.logger.Error("append call error", logpkg.Err(aerr))
	}
}

func (r *actionRun) respond(ctx context.Context, call eventlog.Frame, values [][]byte) {
	meta := map[string]interface{}{
		"action_id": r.def.ID.String(),
		"source_id": call.ID.String(),
		"frame_id":  call.ID.String(),
	}
	if len(values) == 0 {
		values = [][]byte{nil}
	}
	for _, v := range values {
		if _, err := emit(context.WithoutCancel(ctx), r.d.Log, r.base+"."+r.ret.suffix, r.def.ContextID, v, r.ret.ttl, meta); err != nil {
			r.logger.Error("append response", logpkg.Str("call", call.ID.String()), logpkg.Err(err))
			return
		}
	}
}
