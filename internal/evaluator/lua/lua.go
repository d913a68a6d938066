// Package lua evaluates definitions written in Lua 5.2.
//
// A definition is a chunk that defines a global function
//
//	function process(frame, input, state)
//	  return outputs, state, done
//	end
//
// frame is a table with id, topic, context_id, hash, ttl and meta fields;
// input and state are strings or nil. outputs may be nil, a string, or an
// array of strings.
package lua

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	glua "github.com/Shopify/go-lua"

	"github.com/rzbill/xs/internal/evaluator"
)

const entryPoint = "process"

// hookEvery is the instruction interval between cancellation checks.
const hookEvery = 1000

// Options configures an Evaluator.
type Options struct {
	// MaxInstructions aborts an invocation after roughly this many VM
	// instructions. Zero means no limit.
	MaxInstructions int
}

// Evaluator runs each invocation in a fresh Lua state, so invocations share
// nothing but the state string they pass along.
type Evaluator struct {
	opts Options
}

var (
	_ evaluator.Evaluator = (*Evaluator)(nil)
	_ evaluator.Checker   = (*Evaluator)(nil)
)

// New returns a Lua evaluator.
func New(opts Options) *Evaluator { return &Evaluator{opts: opts} }

// Check loads definition and verifies it defines process.
func (e *Evaluator) Check(ctx context.Context, definition []byte) error {
	l, err := e.load(ctx, definition)
	if err != nil {
		return err
	}
	l.SetTop(0)
	return nil
}

// Evaluate calls process with the request and converts its results.
func (e *Evaluator) Evaluate(ctx context.Context, req evaluator.Request) (evaluator.Output, error) {
	l, err := e.load(ctx, req.Definition)
	if err != nil {
		return evaluator.Output{}, err
	}
	l.Global(entryPoint)
	pushFrame(l, req)
	pushBytes(l, req.Input)
	pushBytes(l, req.State)
	if err := l.ProtectedCall(3, 3, 0); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return evaluator.Output{}, ctxErr
		}
		return evaluator.Output{}, &evaluator.Error{Phase: "run", Msg: err.Error()}
	}

	var out evaluator.Output
	out.Values, err = pullOutputs(l, -3)
	if err != nil {
		return evaluator.Output{}, err
	}
	switch {
	case l.IsNil(-2):
	case l.IsString(-2):
		s, _ := l.ToString(-2)
		out.State = []byte(s)
	default:
		return evaluator.Output{}, &evaluator.Error{Phase: "run", Msg: "state must be a string or nil, got " + glua.TypeNameOf(l, -2)}
	}
	out.Done = l.ToBoolean(-1)
	l.Pop(3)
	return out, nil
}

// load creates a state, installs the cancellation hook, and runs the
// definition chunk.
func (e *Evaluator) load(ctx context.Context, definition []byte) (*glua.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := glua.NewState()
	glua.OpenLibraries(l)
	for _, name := range []string{"io", "os", "dofile", "loadfile", "require"} {
		l.PushNil()
		l.SetGlobal(name)
	}

	steps := 0
	glua.SetDebugHook(l, func(l *glua.State, _ glua.Debug) {
		if ctx.Err() != nil {
			glua.Errorf(l, "execution cancelled")
		}
		steps += hookEvery
		if e.opts.MaxInstructions > 0 && steps > e.opts.MaxInstructions {
			glua.Errorf(l, "instruction limit %d exceeded", e.opts.MaxInstructions)
		}
	}, glua.MaskCount, hookEvery)

	if err := glua.LoadBuffer(l, string(definition), "definition", "t"); err != nil {
		return nil, &evaluator.Error{Phase: "load", Msg: err.Error()}
	}
	if err := l.ProtectedCall(0, 0, 0); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &evaluator.Error{Phase: "load", Msg: err.Error()}
	}
	l.Global(entryPoint)
	if !l.IsFunction(-1) {
		return nil, &evaluator.Error{Phase: "load", Msg: "definition does not define function " + entryPoint}
	}
	l.Pop(1)
	return l, nil
}

func pushBytes(l *glua.State, b []byte) {
	if b == nil {
		l.PushNil()
		return
	}
	l.PushString(string(b))
}

func pushFrame(l *glua.State, req evaluator.Request) {
	f := req.Frame
	l.NewTable()
	if f.ID.IsZero() {
		return
	}
	l.PushString(f.ID.String())
	l.SetField(-2, "id")
	l.PushString(f.Topic)
	l.SetField(-2, "topic")
	l.PushString(f.ContextID.String())
	l.SetField(-2, "context_id")
	l.PushString(f.TTL.String())
	l.SetField(-2, "ttl")
	if f.Hash != nil {
		l.PushString(f.Hash.String())
		l.SetField(-2, "hash")
	}
	if len(f.Meta) > 0 {
		var meta interface{}
		if err := json.Unmarshal(f.Meta, &meta); err == nil {
			pushValue(l, meta)
			l.SetField(-2, "meta")
		}
	}
}

// pushValue pushes a decoded JSON value.
func pushValue(l *glua.State, v interface{}) {
	switch t := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(t)
	case float64:
		l.PushNumber(t)
	case string:
		l.PushString(t)
	case []interface{}:
		l.CreateTable(len(t), 0)
		for i, item := range t {
			pushValue(l, item)
			l.RawSetInt(-2, i+1)
		}
	case map[string]interface{}:
		l.CreateTable(0, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			pushValue(l, t[k])
			l.SetField(-2, k)
		}
	default:
		l.PushString(fmt.Sprint(t))
	}
}

func pullOutputs(l *glua.State, idx int) ([][]byte, error) {
	idx = l.AbsIndex(idx)
	switch l.TypeOf(idx) {
	case glua.TypeNil:
		return nil, nil
	case glua.TypeString, glua.TypeNumber:
		s, _ := l.ToString(idx)
		return [][]byte{[]byte(s)}, nil
	case glua.TypeTable:
		n := glua.LengthEx(l, idx)
		out := make([][]byte, 0, n)
		for i := 1; i <= n; i++ {
			l.RawGetInt(idx, i)
			s, ok := l.ToString(-1)
			l.Pop(1)
			if !ok {
				return nil, &evaluator.Error{Phase: "run", Msg: fmt.Sprintf("output %d is not a string", i)}
			}
			out = append(out, []byte(s))
		}
		return out, nil
	default:
		return nil, &evaluator.Error{Phase: "run", Msg: "outputs must be nil, a string, or an array, got " + glua.TypeNameOf(l, idx)}
	}
}
