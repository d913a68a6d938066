// Package filter compiles CEL expressions into frame predicates used by
// reads and handlers.
package filter

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/xs/internal/eventlog"
)

// Filter wraps a compiled CEL program. The zero value (or an empty
// expression) matches every frame.
type Filter struct {
	expr    string
	prog    cel.Program
	enabled bool
}

var _ eventlog.Matcher = (*Filter)(nil)

// Compile parses and type-checks expr. The expression sees:
//
//	id, topic, context_id, hash, ttl  string
//	ts_ms, now_ms                     int
//	meta                              dyn (decoded frame meta)
func Compile(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("topic", cel.StringType),
		cel.Variable("context_id", cel.StringType),
		cel.Variable("hash", cel.StringType),
		cel.Variable("ttl", cel.StringType),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("meta", cel.DynType),
		// Current time in ms for windowed filters
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return nil, iss2.Err()
	}
	if ot := checked.OutputType(); !ot.IsExactType(cel.BoolType) && !ot.IsExactType(cel.DynType) {
		return nil, &TypeError{Expr: expr, Got: ot.String()}
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	return &Filter{expr: expr, prog: prog, enabled: true}, nil
}

// TypeError reports an expression that cannot yield a bool.
type TypeError struct {
	Expr string
	Got  string
}

func (e *TypeError) Error() string {
	return "filter: expression " + e.Expr + " yields " + e.Got + ", want bool"
}

// String returns the source expression.
func (f *Filter) String() string { return f.expr }

// Enabled reports whether the filter has an expression.
func (f *Filter) Enabled() bool { return f != nil && f.enabled }

// Match evaluates the expression against a frame. Evaluation errors and
// non-bool results do not match.
func (f *Filter) Match(fr eventlog.Frame) bool {
	if !f.Enabled() {
		return true
	}
	var meta any = map[string]any{}
	if len(fr.Meta) > 0 {
		var m any
		if err := json.Unmarshal(fr.Meta, &m); err == nil {
			meta = m
		}
	}
	hash := ""
	if fr.Hash != nil {
		hash = fr.Hash.String()
	}
	out, _, err := f.prog.Eval(map[string]any{
		"id":         fr.ID.String(),
		"topic":      fr.Topic,
		"context_id": fr.ContextID.String(),
		"hash":       hash,
		"ttl":        fr.TTL.String(),
		"ts_ms":      int64(fr.ID.Ms()),
		"meta":       meta,
		"now_ms":     time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
