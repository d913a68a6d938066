package eventlog

// RemovalCause says why frames left the log.
type RemovalCause string

const (
	CauseHead     RemovalCause = "head"
	CauseExpired  RemovalCause = "expired"
	CauseExplicit RemovalCause = "explicit"
)

// RemovalHook is an optional callback invoked after removals commit.
// Implementations may forward frames to an archive or emit metrics; they run
// under the writer lock and must not call back into the Log.
type RemovalHook interface {
	FramesRemoved(cause RemovalCause, frames []Frame)
}

// RemovalFunc adapts a function to RemovalHook.
type RemovalFunc func(cause RemovalCause, frames []Frame)

func (fn RemovalFunc) FramesRemoved(cause RemovalCause, frames []Frame) { fn(cause, frames) }

type noopRemovals struct{}

func (noopRemovals) FramesRemoved(RemovalCause, []Frame) {}
