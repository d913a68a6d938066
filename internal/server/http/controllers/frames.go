package controllers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rzbill/xs/internal/cas"
	"github.com/rzbill/xs/internal/eventlog"
	"github.com/rzbill/xs/internal/runtime"
	"github.com/rzbill/xs/pkg/id"
	logpkg "github.com/rzbill/xs/pkg/log"
)

// FramesController serves append, reads, and per-frame operations on the
// event log.
type FramesController struct {
	rt     *runtime.Runtime
	logger logpkg.Logger
}

// NewFramesController creates a frames controller.
func NewFramesController(rt *runtime.Runtime, logger logpkg.Logger) *FramesController {
	return &FramesController{rt: rt, logger: logger}
}

// RegisterRoutes registers frame routes with the given mux.
func (c *FramesController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/append", c.handleAppend)
	mux.HandleFunc("GET /v1/frames", c.handleRead)
	mux.HandleFunc("GET /v1/frames/{id}", c.handleGet)
	mux.HandleFunc("DELETE /v1/frames/{id}", c.handleRemove)
	mux.HandleFunc("GET /v1/head", c.handleHead)
	mux.HandleFunc("GET /v1/ws", c.handleWS)
}

// handleAppend appends one frame. The request body is the payload; topic,
// context, ttl, meta, and hash come from the query or Xs-* headers. A hash
// reuses a payload already in the content store.
func (c *FramesController) handleAppend(w http.ResponseWriter, r *http.Request) {
	f, err := frameFromRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var payload io.Reader
	if f.Hash == nil && r.ContentLength != 0 {
		payload = r.Body
	}
	out, err := c.rt.Log().Append(r.Context(), f, payload)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, out)
}

func frameFromRequest(r *http.Request) (eventlog.Frame, error) {
	f := eventlog.Frame{Topic: param(r, "topic")}
	var err error
	if f.ContextID, err = parseContextID(param(r, "context")); err != nil {
		return f, err
	}
	if s := param(r, "ttl"); s != "" {
		if f.TTL, err = eventlog.ParseTTL(s); err != nil {
			return f, err
		}
	}
	if f.Meta, err = parseMeta(param(r, "meta")); err != nil {
		return f, err
	}
	if s := param(r, "hash"); s != "" {
		h, err := cas.ParseHash(s)
		if err != nil {
			return f, err
		}
		f.Hash = &h
	}
	return f, nil
}

// handleRead returns historical frames as JSON, or streams them as SSE
// when follow is given.
func (c *FramesController) handleRead(w http.ResponseWriter, r *http.Request) {
	opts, err := parseReadOptions(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !r.URL.Query().Has("follow") {
		frames, err := c.rt.Log().Frames(r.Context(), opts)
		if err != nil {
			writeErr(w, err)
			return
		}
		if frames == nil {
			frames = []eventlog.Frame{}
		}
		writeJSON(w, framesResp{Frames: frames})
		return
	}

	sub, err := c.rt.Log().Read(r.Context(), opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer sub.Close()
	sink := newSSESink(w)
	sink.Flush()
	for ev := range sub.Events() {
		if err := sink.Send(ev); err != nil {
			return
		}
		sink.Flush()
	}
	if err := sub.Err(); err != nil && r.Context().Err() == nil {
		c.logger.WithContext(r.Context()).Warn("follow ended", logpkg.Err(err))
	}
}

func (c *FramesController) handleGet(w http.ResponseWriter, r *http.Request) {
	fid, err := id.Parse(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	f, err := c.rt.Log().Get(fid)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, f)
}

func (c *FramesController) handleRemove(w http.ResponseWriter, r *http.Request) {
	fid, err := id.Parse(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := c.rt.Log().Remove(r.Context(), fid); err != nil {
		writeErr(w, err)
		return
	}
	writeNoContent(w)
}

// handleHead returns the newest frame of topic in context.
func (c *FramesController) handleHead(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeErr(w, badRequest("topic is required"))
		return
	}
	ctxID, err := parseContextID(r.URL.Query().Get("context"))
	if err != nil {
		writeErr(w, err)
		return
	}
	f, err := c.rt.Log().Head(topic, ctxID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, f)
}

// decodeWSAppend turns a client message into a frame and its payload.
func decodeWSAppend(raw []byte) (eventlog.Frame, []byte, error) {
	var msg wsClientMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return eventlog.Frame{}, nil, badRequest("message: %v", err)
	}
	if msg.Type != "append" {
		return eventlog.Frame{}, nil, badRequest("unknown message type %q", msg.Type)
	}
	f := eventlog.Frame{Topic: msg.Topic}
	if len(msg.Meta) > 0 && string(msg.Meta) != "null" {
		f.Meta = msg.Meta
	}
	var err error
	if f.ContextID, err = parseContextID(msg.ContextID); err != nil {
		return f, nil, err
	}
	if msg.TTL != "" {
		if f.TTL, err = eventlog.ParseTTL(msg.TTL); err != nil {
			return f, nil, err
		}
	}
	return f, msg.Payload, nil
}
