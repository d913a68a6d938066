// Package evaluator defines the capability workers use to run user-supplied
// definitions against frames.
package evaluator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rzbill/xs/internal/eventlog"
)

// Request is one invocation of a definition.
type Request struct {
	// Definition is the source carried by the defining frame's payload.
	Definition []byte
	// Frame is the frame being processed. Zero for generator ticks.
	Frame eventlog.Frame
	// Input is the payload of Frame, if any.
	Input []byte
	// State is the value returned by the previous invocation, if any.
	State []byte
}

// Output is the result of one invocation.
type Output struct {
	// Values become output frame payloads, in order.
	Values [][]byte
	// State is carried to the next invocation. Nil clears it.
	State []byte
	// Done asks the worker to finish.
	Done bool
}

// Evaluator runs definitions. Implementations may block; callers run them
// on the executor pool.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (Output, error)
}

// Checker is implemented by evaluators that can validate a definition
// before any frame is processed.
type Checker interface {
	Check(ctx context.Context, definition []byte) error
}

// ErrEval marks failures raised by user code, as opposed to cancellation or
// host errors.
var ErrEval = errors.New("evaluator: evaluation failed")

// Error wraps a user-code failure with the phase it happened in.
type Error struct {
	Phase string
	Msg   string
}

func (e *Error) Error() string {
	if e.Phase == "" {
		return fmt.Sprintf("evaluator: %s", e.Msg)
	}
	return fmt.Sprintf("evaluator: %s: %s", e.Phase, e.Msg)
}

func (e *Error) Unwrap() error { return ErrEval }

// Check validates definition with ev when it implements Checker.
func Check(ctx context.Context, ev Evaluator, definition []byte) error {
	if c, ok := ev.(Checker); ok {
		return c.Check(ctx, definition)
	}
	return nil
}

// Func adapts a function to Evaluator.
type Func func(ctx context.Context, req Request) (Output, error)

func (fn Func) Evaluate(ctx context.Context, req Request) (Output, error) { return fn(ctx, req) }
