package workers

import (
	"context"
	"time"

	"github.com/rzbill/xs/internal/evaluator"
	"github.com/rzbill/xs/internal/eventlog"
	"github.com/rzbill/xs/internal/lifecycle"
	"github.com/rzbill/xs/pkg/id"
	logpkg "github.com/rzbill/xs/pkg/log"
)

// Generator topics: <base>.spawn defines, <base>.terminate terminates.
//
// A generator runs its definition once, every interval_ms, or, with
// duplex set, once per <base>.send frame. Outputs are appended as
// <base>.recv unless return_suffix says otherwise.
type Generator struct {
	d Deps
}

// NewGenerator returns the generator kind.
func NewGenerator(d Deps) *Generator { return &Generator{d: d} }

func (g *Generator) Name() string { return "generator" }

func (g *Generator) Policy() lifecycle.DuplicatePolicy { return lifecycle.PolicyRestart }

func (g *Generator) Classify(f eventlog.Frame) (string, lifecycle.Signal) {
	base, suffix, ok := lifecycle.SplitTopic(f.Topic)
	if !ok {
		return "", lifecycle.SignalNone
	}
	switch suffix {
	case "spawn":
		return base, lifecycle.SignalDefine
	case "terminate":
		return base, lifecycle.SignalTerminate
	}
	return base, lifecycle.SignalNone
}

func (g *Generator) Start(ctx context.Context, def eventlog.Frame, from id.ID) (lifecycle.Worker, error) {
	src, err := loadDefinition(ctx, g.d, def)
	if err != nil {
		return nil, err
	}
	ret, err := parseReturn(def, "recv")
	if err != nil {
		return nil, err
	}
	base, _ := g.Classify(def)
	run := &generatorRun{
		d:      g.d,
		def:    def,
		base:   base,
		src:    src,
		ret:    ret,
		state:  savedState(g.d.Log, def, base, "source_id"),
		logger: g.d.logger("generator").WithField("base", base),
	}

	if def.MetaBool("duplex") {
		after := from
		sub, err := g.d.Log.Read(ctx, eventlog.ReadOptions{
			After:     &after,
			Topic:     base + ".send",
			ContextID: &def.ContextID,
			Follow:    eventlog.FollowOn,
		})
		if err != nil {
			return nil, err
		}
		return lifecycle.Go(ctx, func(ctx context.Context) error {
			defer sub.Close()
			return run.duplex(ctx, sub)
		}), nil
	}
	interval, _ := def.MetaInt("interval_ms")
	return lifecycle.Go(ctx, func(ctx context.Context) error {
		return run.tick(ctx, time.Duration(interval)*time.Millisecond)
	}), nil
}

type generatorRun struct {
	d      Deps
	def    eventlog.Frame
	base   string
	src    []byte
	ret    returnOptions
	state  []byte
	logger logpkg.Logger
}

// tick runs the definition immediately and then every interval. A zero
// interval runs it exactly once.
func (r *generatorRun) tick(ctx context.Context, interval time.Duration) error {
	done, err := r.invoke(ctx, eventlog.Frame{}, nil)
	if err != nil || done || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		done, err := r.invoke(ctx, eventlog.Frame{}, nil)
		if err != nil || done {
			return err
		}
	}
}

// duplex runs the definition once per <base>.send frame.
func (r *generatorRun) duplex(ctx context.Context, sub *eventlog.Subscription) error {
	for ev := range sub.Events() {
		if ev.Kind != eventlog.EventHistorical && ev.Kind != eventlog.EventLive {
			continue
		}
		input, err := readPayload(r.d.Log, ev.Frame)
		if err != nil {
			r.logger.Warn("payload unavailable", logpkg.Str("frame", ev.Frame.ID.String()), logpkg.Err(err))
		}
		done, err := r.invoke(ctx, ev.Frame, input)
		if err != nil || done {
			return err
		}
	}
	if err := sub.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (r *generatorRun) invoke(ctx context.Context, f eventlog.Frame, input []byte) (bool, error) {
	out, err := r.d.Eval.Evaluate(ctx, evaluator.Request{Definition: r.src, Frame: f, Input: input, State: r.state})
	if err != nil {
		return false, err
	}
	meta := map[string]interface{}{"source_id": r.def.ID.String()}
	if !f.ID.IsZero() {
		meta["frame_id"] = f.ID.String()
	}
	for _, v := range out.Values {
		if _, err := emit(ctx, r.d.Log, r.base+"."+r.ret.suffix, r.def.ContextID, v, r.ret.ttl, meta); err != nil {
			return false, err
		}
	}
	if string(out.State) != string(r.state) {
		r.state = out.State
		if _, err := emit(ctx, r.d.Log, r.base+".state", r.def.ContextID, out.State, eventlog.Head(1), meta); err != nil {
			return false, err
		}
	}
	r.logger.Debug("generated", logpkg.Int("outputs", len(out.Values)), logpkg.Bool("done", out.Done))
	return out.Done, nil
}
