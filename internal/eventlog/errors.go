package eventlog

import "errors"

var (
	// ErrNotFound is returned for absent, removed, or expired frames.
	ErrNotFound = errors.New("eventlog: frame not found")
	// ErrUnknownContext is returned when appending under a context that was
	// never created in the root context.
	ErrUnknownContext = errors.New("eventlog: unknown context")
	// ErrInvalidTopic is returned for topics outside the topic grammar.
	ErrInvalidTopic = errors.New("eventlog: invalid topic")
	// ErrInvalidTTL is returned for malformed retention policies.
	ErrInvalidTTL = errors.New("eventlog: invalid ttl")
	// ErrInvalidFollow is returned for malformed follow options.
	ErrInvalidFollow = errors.New("eventlog: invalid follow option")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("eventlog: closed")
	// ErrLagged ends a subscription whose consumer fell too far behind.
	ErrLagged = errors.New("eventlog: subscriber lagged")
	// ErrPayloadMissing is returned when a frame references a digest the
	// content store does not hold.
	ErrPayloadMissing = errors.New("eventlog: payload missing from content store")
)
