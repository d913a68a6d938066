package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/rzbill/xs/internal/eventlog"
)

// sseSink writes followed-read events as Server-Sent Events.
//
// Frames carry their id so EventSource clients reconnect with
// Last-Event-ID. The threshold marker and heartbeats are named events.
type sseSink struct {
	w http.ResponseWriter
}

func newSSESink(w http.ResponseWriter) sseSink {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return sseSink{w: w}
}

// Send formats one event. The data line is the JSON encoded eventJSON.
func (s sseSink) Send(ev eventlog.Event) error {
	b, err := json.Marshal(eventJSON{Type: ev.Kind.String(), Frame: ev.Frame})
	if err != nil {
		return err
	}
	switch ev.Kind {
	case eventlog.EventHistorical, eventlog.EventLive:
		if _, err := s.w.Write([]byte("id: " + ev.Frame.ID.String() + "\n")); err != nil {
			return err
		}
	default:
		if _, err := s.w.Write([]byte("event: " + ev.Kind.String() + "\n")); err != nil {
			return err
		}
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	return nil
}

// Flush flushes the HTTP response writer if it supports flushing.
func (s sseSink) Flush() {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}
