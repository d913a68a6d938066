package controllers

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"

	logpkg "github.com/rzbill/xs/pkg/log"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = gorillaws.Upgrader{
	// CheckOrigin allows native clients without an Origin header and
	// browsers on the same host.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// handleWS follows the log over a WebSocket. Query options are those of
// GET /v1/frames; follow defaults to on. Each event is one text message
// {"type": ..., "frame": ...}. Clients may send
// {"type": "append", ...} messages; each is answered with an
// {"type": "appended"} or {"type": "error"} message.
func (c *FramesController) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("follow") {
		q.Set("follow", "")
		r.URL.RawQuery = q.Encode()
	}
	opts, err := parseReadOptions(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.WithContext(r.Context()).Warn("websocket upgrade failed", logpkg.Err(err))
		return
	}
	defer conn.Close()

	sub, err := c.rt.Log().Read(r.Context(), opts)
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"type": "error", "error": err.Error()})
		return
	}
	defer sub.Close()

	// Reads happen on their own goroutine; all writes stay on this one.
	incoming := make(chan []byte, 64)
	go func() {
		defer close(incoming)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			incoming <- raw
		}
	}()

	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(v) == nil
	}

	events := sub.Events()
	for {
		select {
		case <-r.Context().Done():
			return
		case raw, ok := <-incoming:
			if !ok {
				return
			}
			if !write(c.wsAppend(r, raw)) {
				return
			}
		case ev, ok := <-events:
			if !ok {
				if err := sub.Err(); err != nil && r.Context().Err() == nil {
					_ = write(map[string]string{"type": "error", "error": err.Error()})
				}
				_ = conn.WriteControl(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return
			}
			if !write(eventJSON{Type: ev.Kind.String(), Frame: ev.Frame}) {
				return
			}
		}
	}
}

func (c *FramesController) wsAppend(r *http.Request, raw []byte) any {
	f, body, err := decodeWSAppend(raw)
	if err != nil {
		return map[string]string{"type": "error", "error": err.Error()}
	}
	var payload io.Reader
	if len(body) > 0 {
		payload = bytes.NewReader(body)
	}
	out, err := c.rt.Log().Append(r.Context(), f, payload)
	if err != nil {
		return map[string]string{"type": "error", "error": err.Error()}
	}
	return eventJSON{Type: "appended", Frame: out}
}
