package controllers

import (
	"encoding/json"

	"github.com/rzbill/xs/internal/eventlog"
	"github.com/rzbill/xs/internal/lifecycle"
	"github.com/rzbill/xs/pkg/id"
)

// Common request/response types for HTTP controllers

// eventJSON is one item of a followed read, on SSE data lines and
// WebSocket messages.
type eventJSON struct {
	Type  string         `json:"type"`
	Frame eventlog.Frame `json:"frame"`
}

// framesResp is the body of a non-following GET /v1/frames.
type framesResp struct {
	Frames []eventlog.Frame `json:"frames"`
}

// contextCreateReq is the optional body of POST /v1/contexts.
type contextCreateReq struct {
	Meta map[string]any `json:"meta"`
}

// contextsResp lists every created context.
type contextsResp struct {
	Contexts []id.ID `json:"contexts"`
}

// casPutResp answers POST /v1/cas.
type casPutResp struct {
	Hash string `json:"hash,omitempty"`
}

// workersResp lists running workers.
type workersResp struct {
	Workers []lifecycle.Running `json:"workers"`
}

// wsClientMsg is sent by WebSocket clients to append a frame over the same
// connection they follow on.
type wsClientMsg struct {
	Type      string          `json:"type"` // "append"
	Topic     string          `json:"topic"`
	ContextID string          `json:"context_id"`
	TTL       string          `json:"ttl"`
	Meta      json.RawMessage `json:"meta"`
	Payload   []byte          `json:"payload"`
}
