package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/rzbill/xs/internal/evaluator"
	"github.com/rzbill/xs/internal/eventlog"
	"github.com/rzbill/xs/internal/filter"
	"github.com/rzbill/xs/internal/lifecycle"
	"github.com/rzbill/xs/pkg/id"
	logpkg "github.com/rzbill/xs/pkg/log"
)

// Handler topics: <base>.register defines, <base>.unregister terminates.
// Frames whose kind meta is "actor" belong to the actor kind.
//
// Definition meta:
//
//	filter         CEL expression frames must match
//	stateful       keep state between frames in <base>.state
//	initial_state  first state of a stateful handler
//	pulse          heartbeat interval in ms; heartbeats are processed as
//	               xs.pulse frames
//	start          "new" skips frames that existed before the handler ran
//	return_suffix  output suffix, default "out"
//	return_ttl     output ttl
type Handler struct {
	d Deps
}

// NewHandler returns the handler kind.
func NewHandler(d Deps) *Handler { return &Handler{d: d} }

func (h *Handler) Name() string { return "handler" }

func (h *Handler) Policy() lifecycle.DuplicatePolicy { return lifecycle.PolicyRestartOnChange }

func (h *Handler) Classify(f eventlog.Frame) (string, lifecycle.Signal) {
	base, suffix, ok := lifecycle.SplitTopic(f.Topic)
	if !ok {
		return "", lifecycle.SignalNone
	}
	if isActorFrame(f) {
		return base, lifecycle.SignalNone
	}
	switch suffix {
	case "register":
		return base, lifecycle.SignalDefine
	case "unregister":
		return base, lifecycle.SignalTerminate
	}
	return base, lifecycle.SignalNone
}

// Matches lets an unregister carrying handler_id target one definition.
func (h *Handler) Matches(def, term eventlog.Frame) bool {
	if term.MetaString("actor_id") != "" {
		return false
	}
	target := term.MetaString("handler_id")
	return target == "" || target == def.ID.String()
}

func handlerCursor(def eventlog.Frame) string { return "handler/" + def.ID.String() }

func (h *Handler) Start(ctx context.Context, def eventlog.Frame, from id.ID) (lifecycle.Worker, error) {
	src, err := loadDefinition(ctx, h.d, def)
	if err != nil {
		return nil, err
	}
	flt, err := filter.Compile(def.MetaString("filter"))
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	ret, err := parseReturn(def, "out")
	if err != nil {
		return nil, err
	}
	base, _ := h.Classify(def)
	run := &handlerRun{
		d:        h.d,
		def:      def,
		base:     base,
		src:      src,
		filter:   flt,
		ret:      ret,
		stateful: def.MetaBool("stateful"),
		logger:   h.d.logger("handler").WithField("base", base),
	}
	if run.stateful {
		run.state = savedState(h.d.Log, def, base, "handler_id")
	}

	after := def.ID
	if cur, ok := h.d.Log.Cursor(handlerCursor(def)); ok {
		after = cur
	} else if def.MetaString("start") == "new" {
		after = from
	}
	follow := eventlog.FollowOn
	if pulse, ok := def.MetaInt("pulse"); ok && pulse > 0 {
		follow = eventlog.FollowWithHeartbeat(time.Duration(pulse) * time.Millisecond)
	}
	opts := eventlog.ReadOptions{After: &after, ContextID: &def.ContextID, Follow: follow}
	return lifecycle.Go(ctx, func(ctx context.Context) error { return run.loop(ctx, opts) }), nil
}

type handlerRun struct {
	d        Deps
	def      eventlog.Frame
	base     string
	src      []byte
	filter   *filter.Filter
	ret      returnOptions
	stateful bool
	state    []byte
	logger   logpkg.Logger
}

func (r *handlerRun) loop(ctx context.Context, opts eventlog.ReadOptions) error {
	sub, err := r.d.Log.Read(ctx, opts)
	if err != nil {
		return err
	}
	defer sub.Close()
	for ev := range sub.Events() {
		switch ev.Kind {
		case eventlog.EventHistorical, eventlog.EventLive:
			if ownTopic(r.base, ev.Frame.Topic) || !r.filter.Match(ev.Frame) {
				continue
			}
		case eventlog.EventHeartbeat:
		default:
			continue
		}
		done, err := r.process(ctx, ev.Frame)
		if err != nil {
			return err
		}
		if ev.Kind != eventlog.EventHeartbeat {
			if err := r.d.Log.CommitCursor(handlerCursor(r.def), ev.Frame.ID); err != nil {
				return err
			}
		}
		if done {
			_, err := emit(context.WithoutCancel(ctx), r.d.Log, r.base+".unregister", r.def.ContextID, nil, eventlog.Forever,
				map[string]interface{}{"handler_id": r.def.ID.String(), "reason": "done"})
			return err
		}
	}
	if err := sub.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (r *handlerRun) process(ctx context.Context, f eventlog.Frame) (bool, error) {
	input, err := readPayload(r.d.Log, f)
	if err != nil {
		r.logger.Warn("payload unavailable", logpkg.Str("frame", f.ID.String()), logpkg.Err(err))
	}
	req := evaluator.Request{Definition: r.src, Frame: f, Input: input}
	if r.stateful {
		req.State = r.state
	}
	out, err := r.d.Eval.Evaluate(ctx, req)
	if err != nil {
		return false, err
	}
	meta := map[string]interface{}{"handler_id": r.def.ID.String(), "frame_id": f.ID.String()}
	for _, v := range out.Values {
		if _, err := emit(ctx, r.d.Log, r.base+"."+r.ret.suffix, r.def.ContextID, v, r.ret.ttl, meta); err != nil {
			return false, err
		}
	}
	if r.stateful && string(out.State) != string(r.state) {
		r.state = out.State
		if _, err := emit(ctx, r.d.Log, r.base+".state", r.def.ContextID, out.State, eventlog.Head(1), meta); err != nil {
			return false, err
		}
	}
	return out.Done, nil
}
