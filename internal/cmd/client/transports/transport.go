// Package transports provides the transport the CLI uses to reach an xs
// server.
package transports

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rzbill/xs/internal/eventlog"
	"github.com/rzbill/xs/internal/lifecycle"
)

// ErrStop ends a Read cleanly when returned from its callback.
var ErrStop = errors.New("stop reading")

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http error: %d", e.Code)
	}
	return fmt.Sprintf("http error: %d: %s", e.Code, e.Message)
}

// AppendRequest describes one frame to append. Meta is a JSON object.
type AppendRequest struct {
	Topic   string
	Context string
	TTL     string
	Meta    string
	Hash    string
}

// ReadRequest describes a read of the log. An empty Follow reads a
// snapshot; otherwise it is the server follow value ("on", or a heartbeat
// interval in ms).
type ReadRequest struct {
	After   string
	Topic   string
	Context string
	Filter  string
	Limit   int
	Tail    bool
	Follow  string
}

// Event is one read result: a frame with its kind (historical, threshold,
// live, heartbeat).
type Event struct {
	Type  string         `json:"type"`
	Frame eventlog.Frame `json:"frame"`
}

// Transport abstracts the server API used by the CLI.
type Transport interface {
	Append(ctx context.Context, req AppendRequest, payload io.Reader) (eventlog.Frame, error)
	Read(ctx context.Context, req ReadRequest, onEvent func(Event) error) error
	Get(ctx context.Context, frameID string) (eventlog.Frame, error)
	Head(ctx context.Context, topic, contextID string) (eventlog.Frame, error)
	Remove(ctx context.Context, frameID string) error
	CASGet(ctx context.Context, hash string, w io.Writer) error
	CASPut(ctx context.Context, r io.Reader) (string, error)
	CreateContext(ctx context.Context, meta map[string]any) (eventlog.Frame, error)
	Contexts(ctx context.Context) ([]string, error)
	Workers(ctx context.Context) ([]lifecycle.Running, error)
}
