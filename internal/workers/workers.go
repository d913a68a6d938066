// Package workers provides the lifecycle kinds built on the evaluator:
// handlers, generators, actions and actors.
package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rzbill/xs/internal/evaluator"
	"github.com/rzbill/xs/internal/eventlog"
	"github.com/rzbill/xs/internal/lifecycle"
	"github.com/rzbill/xs/pkg/id"
	logpkg "github.com/rzbill/xs/pkg/log"
)

// Deps are shared by every kind.
type Deps struct {
	Log    *eventlog.Log
	Eval   evaluator.Evaluator
	Logger logpkg.Logger
}

func (d Deps) logger(kind string) logpkg.Logger {
	if d.Logger == nil {
		return logpkg.NewNopLogger().WithComponent(kind)
	}
	return d.Logger.WithComponent(kind)
}

// loadDefinition reads and validates the source carried by def.
func loadDefinition(ctx context.Context, d Deps, def eventlog.Frame) ([]byte, error) {
	if def.Hash == nil {
		return nil, fmt.Errorf("%w: no payload", lifecycle.ErrInvalidDefinition)
	}
	src, err := readPayload(d.Log, def)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	if err := evaluator.Check(ctx, d.Eval, src); err != nil {
		return nil, fmt.Errorf("%w: %w", lifecycle.ErrInvalidDefinition, err)
	}
	return src, nil
}

// readPayload returns the payload of f, or nil when it has none.
func readPayload(l *eventlog.Log, f eventlog.Frame) ([]byte, error) {
	if f.Hash == nil {
		return nil, nil
	}
	rc, err := l.Payload(*f.Hash)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// returnOptions control the topic suffix and TTL of output frames.
type returnOptions struct {
	suffix string
	ttl    eventlog.TTL
}

func parseReturn(def eventlog.Frame, defaultSuffix string) (returnOptions, error) {
	ro := returnOptions{suffix: defaultSuffix, ttl: eventlog.Forever}
	if s := strings.TrimPrefix(def.MetaString("return_suffix"), "."); s != "" {
		ro.suffix = s
	}
	if s := def.MetaString("return_ttl"); s != "" {
		ttl, err := eventlog.ParseTTL(s)
		if err != nil {
			return ro, err
		}
		ro.ttl = ttl
	}
	return ro, nil
}

// emit appends one frame carrying value as its payload.
func emit(ctx context.Context, l *eventlog.Log, topic string, ctxID id.ID, value []byte, ttl eventlog.TTL, meta map[string]interface{}) (eventlog.Frame, error) {
	var payload io.Reader
	if len(value) > 0 {
		payload = bytes.NewReader(value)
	}
	return l.Append(ctx, eventlog.Frame{Topic: topic, ContextID: ctxID, TTL: ttl, Meta: eventlog.MetaOf(meta)}, payload)
}

// isActorFrame reports whether f carries kind: actor, which moves
// .register and .unregister frames from handlers to actors.
func isActorFrame(f eventlog.Frame) bool { return f.MetaString("kind") == "actor" }

// ownTopic reports whether topic belongs to base or is reserved, so
// workers never react to their own output.
func ownTopic(base, topic string) bool {
	return strings.HasPrefix(topic, base+".") || strings.HasPrefix(topic, "xs.")
}

// savedState returns the newest <base>.state payload written by def, or
// the definition's initial_state meta.
func savedState(l *eventlog.Log, def eventlog.Frame, base, owner string) []byte {
	if f, err := l.Head(base+".state", def.ContextID); err == nil && f.MetaString(owner) == def.ID.String() {
		if b, err := readPayload(l, f); err == nil {
			return b
		}
	}
	v, ok := def.MetaValue("initial_state")
	if !ok {
		return nil
	}
	if s, isString := v.(string); isString {
		return []byte(s)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
