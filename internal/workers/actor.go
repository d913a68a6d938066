package workers

import (
	"context"

	"github.com/rzbill/xs/internal/evaluator"
	"github.com/rzbill/xs/internal/eventlog"
	"github.com/rzbill/xs/internal/lifecycle"
	"github.com/rzbill/xs/pkg/id"
	logpkg "github.com/rzbill/xs/pkg/log"
)

// Actor topics: <base>.register with kind: actor meta defines;
// <base>.unregister and <base>.inactive terminate the actor named by their
// actor_id meta, or any actor when an unregister has kind: actor instead.
//
// An actor folds every frame of its context into its state, starting at
// its registration, or at the beginning of the log with start: first.
// Outputs go to <base>.out. When the evaluator reports done the actor
// appends <base>.inactive and finishes.
type Actor struct {
	d Deps
}

// NewActor returns the actor kind.
func NewActor(d Deps) *Actor { return &Actor{d: d} }

func (a *Actor) Name() string { return "actor" }

func (a *Actor) Policy() lifecycle.DuplicatePolicy { return lifecycle.PolicyIgnore }

func (a *Actor) Classify(f eventlog.Frame) (string, lifecycle.Signal) {
	base, suffix, ok := lifecycle.SplitTopic(f.Topic)
	if !ok {
		return "", lifecycle.SignalNone
	}
	switch suffix {
	case "register":
		if isActorFrame(f) {
			return base, lifecycle.SignalDefine
		}
	case "unregister", "inactive":
		return base, lifecycle.SignalTerminate
	}
	return base, lifecycle.SignalNone
}

func (a *Actor) Matches(def, term eventlog.Frame) bool {
	if target := term.MetaString("actor_id"); target != "" {
		return target == def.ID.String()
	}
	return isActorFrame(term)
}

func actorCursor(def eventlog.Frame) string { return "actor/" + def.ID.String() }

func (a *Actor) Start(ctx context.Context, def eventlog.Frame, from id.ID) (lifecycle.Worker, error) {
	src, err := loadDefinition(ctx, a.d, def)
	if err != nil {
		return nil, err
	}
	ret, err := parseReturn(def, "out")
	if err != nil {
		return nil, err
	}
	base, _ := a.Classify(def)
	run := &actorRun{
		d:      a.d,
		def:    def,
		base:   base,
		src:    src,
		ret:    ret,
		state:  savedState(a.d.Log, def, base, "actor_id"),
		logger: a.d.logger("actor").WithField("base", base),
	}

	opts := eventlog.ReadOptions{ContextID: &def.ContextID, Follow: eventlog.FollowOn}
	if cur, ok := a.d.Log.Cursor(actorCursor(def)); ok {
		opts.After = &cur
	} else if def.MetaString("start") != "first" {
		after := def.ID
		opts.After = &after
	}
	return lifecycle.Go(ctx, func(ctx context.Context) error { return run.loop(ctx, opts) }), nil
}

type actorRun struct {
	d      Deps
	def    eventlog.Frame
	base   string
	src    []byte
	ret    returnOptions
	state  []byte
	logger logpkg.Logger
}

func (r *actorRun) loop(ctx context.Context, opts eventlog.ReadOptions) error {
	sub, err := r.d.Log.Read(ctx, opts)
	if err != nil {
		return err
	}
	defer sub.Close()
	for ev := range sub.Events() {
		if ev.Kind != eventlog.EventHistorical && ev.Kind != eventlog.EventLive {
			continue
		}
		if ownTopic(r.base, ev.Frame.Topic) {
			continue
		}
		done, err := r.process(ctx, ev.Frame)
		if err != nil {
			return err
		}
		if err := r.d.Log.CommitCursor(actorCursor(r.def), ev.Frame.ID); err != nil {
			return err
		}
		if done {
			r.logger.Info("actor inactive", logpkg.Str("actor", r.def.ID.String()))
			_, err := emit(context.WithoutCancel(ctx), r.d.Log, r.base+".inactive", r.def.ContextID, nil, eventlog.Forever,
				map[string]interface{}{"actor_id": r.def.ID.String()})
			return err
		}
	}
	if err := sub.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (r *actorRun) process(ctx context.Context, f eventlog.Frame) (bool, error) {
	input, err := readPayload(r.d.Log, f)
	if err != nil {
		r.logger.Warn("payload unavailable", logpkg.Str("frame", f.ID.String()), logpkg.Err(err))
	}
	out, err := r.d.Eval.Evaluate(ctx, evaluator.Request{Definition: r.src, Frame: f, Input: input, State: r.state})
	if err != nil {
		return false, err
	}
	meta := map[string]interface{}{"actor_id": r.def.ID.String(), "frame_id": f.ID.String()}
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
	return out.Done, nil
}
