package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rzbill/xs/internal/evaluator"
)

func TestEvaluateRunsOnPool(t *testing.T) {
	x := New(evaluator.Func(func(_ context.Context, req evaluator.Request) (evaluator.Output, error) {
		return evaluator.Output{Values: [][]byte{req.Input}}, nil
	}), Options{Workers: 2})
	defer x.Stop()

	out, err := x.For("handler").Evaluate(context.Background(), evaluator.Request{Input: []byte("hi")})
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("hi")}, out.Values)
}

func TestConcurrencyBounded(t *testing.T) {
	var running, peak int32
	x := New(evaluator.Func(func(context.Context, evaluator.Request) (evaluator.Output, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return evaluator.Output{}, nil
	}), Options{Workers: 2})
	defer x.Stop()

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			_, _ = x.Evaluate(context.Background(), evaluator.Request{})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestContextCancelReturnsEarly(t *testing.T) {
	release := make(chan struct{})
	x := New(evaluator.Func(func(ctx context.Context, _ evaluator.Request) (evaluator.Output, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return evaluator.Output{}, ctx.Err()
	}), Options{Workers: 1})
	defer x.Stop()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := x.Evaluate(ctx, evaluator.Request{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestErrorsPropagate(t *testing.T) {
	boom := &evaluator.Error{Phase: "run", Msg: "boom"}
	x := New(evaluator.Func(func(context.Context, evaluator.Request) (evaluator.Output, error) {
		return evaluator.Output{}, boom
	}), Options{Workers: 1})
	defer x.Stop()
	_, err := x.Evaluate(context.Background(), evaluator.Request{})
	require.True(t, errors.Is(err, evaluator.ErrEval))
}

func TestStopRejectsNewWork(t *testing.T) {
	x := New(evaluator.Func(func(context.Context, evaluator.Request) (evaluator.Output, error) {
		return evaluator.Output{}, nil
	}), Options{Workers: 1})
	x.Stop()
	_, err := x.Evaluate(context.Background(), evaluator.Request{})
	require.ErrorIs(t, err, ErrStopped)
}
