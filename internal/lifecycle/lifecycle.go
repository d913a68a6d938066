// Package lifecycle keeps exactly one live worker per base topic, driven by
// definition and termination frames in the event log.
//
// A Reconciler follows the log from the beginning. While replaying it only
// compacts definitions (newest wins, terminations and recorded start errors
// remove them). At the threshold it starts one worker per surviving
// definition in ascending id order, then reacts to live frames: a new
// definition hot-reloads the worker according to the kind's duplicate
// policy and a termination stops it.
package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rzbill/xs/internal/eventlog"
	"github.com/rzbill/xs/pkg/id"
)

// ErrInvalidDefinition is returned by Kind.Start when a definition frame
// cannot be turned into a worker.
var ErrInvalidDefinition = errors.New("lifecycle: invalid definition")

// Signal is what a frame means to a kind.
type Signal uint8

const (
	SignalNone Signal = iota
	SignalDefine
	SignalTerminate
)

// DuplicatePolicy decides what a live definition does to a running worker.
type DuplicatePolicy uint8

const (
	// PolicyDefault defers to the kind.
	PolicyDefault DuplicatePolicy = iota
	// PolicyRestart always replaces the running worker.
	PolicyRestart
	// PolicyRestartOnChange replaces it unless hash and meta are identical.
	PolicyRestartOnChange
	// PolicyIgnore keeps the running worker.
	PolicyIgnore
)

func (p DuplicatePolicy) String() string {
	switch p {
	case PolicyRestart:
		return "restart"
	case PolicyRestartOnChange:
		return "restart-on-change"
	case PolicyIgnore:
		return "ignore"
	}
	return "default"
}

// ParsePolicy accepts restart, restart-on-change, ignore, and "" (default).
func ParsePolicy(s string) (DuplicatePolicy, bool) {
	switch strings.ToLower(s) {
	case "", "default":
		return PolicyDefault, true
	case "restart":
		return PolicyRestart, true
	case "restart-on-change":
		return PolicyRestartOnChange, true
	case "ignore":
		return PolicyIgnore, true
	}
	return PolicyDefault, false
}

// Stop reasons recorded on <base>.stop frames.
const (
	ReasonFinished  = "finished"
	ReasonError     = "error"
	ReasonTerminate = "terminate"
	ReasonUpdate    = "update"
)

// Lifecycle topic suffixes appended by the reconciler.
const (
	SuffixStart = "start"
	SuffixStop  = "stop"
	SuffixError = "error"
)

// Worker is a running instance of a definition.
type Worker interface {
	// Stop asks the worker to finish. It must not block.
	Stop()
	// Done is closed once the worker has finished.
	Done() <-chan struct{}
	// Err is the reason the worker finished, valid after Done.
	Err() error
}

// Kind plugs a worker family into a Reconciler.
type Kind interface {
	Name() string
	// Classify maps a frame to its base topic and signal.
	Classify(f eventlog.Frame) (base string, sig Signal)
	// Start launches a worker for def. Frames after from are the worker's
	// to process; earlier ones were handled by a previous run.
	Start(ctx context.Context, def eventlog.Frame, from id.ID) (Worker, error)
	Policy() DuplicatePolicy
}

// TerminationMatcher is implemented by kinds whose termination frames only
// apply to particular definitions.
type TerminationMatcher interface {
	Matches(def, term eventlog.Frame) bool
}

// SplitTopic splits topic at its last dot.
func SplitTopic(topic string) (base, suffix string, ok bool) {
	i := strings.LastIndexByte(topic, '.')
	if i <= 0 || i == len(topic)-1 {
		return "", "", false
	}
	return topic[:i], topic[i+1:], true
}

// Go runs fn on its own goroutine as a Worker. Stop cancels the context
// passed to fn.
func Go(ctx context.Context, fn func(ctx context.Context) error) Worker {
	ctx, cancel := context.WithCancel(ctx)
	w := &funcWorker{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		defer cancel()
		err := fn(ctx)
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
	}()
	return w
}

type funcWorker struct {
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	err    error
}

func (w *funcWorker) Stop()                 { w.cancel() }
func (w *funcWorker) Done() <-chan struct{} { return w.done }

func (w *funcWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
