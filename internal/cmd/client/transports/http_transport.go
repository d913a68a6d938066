package transports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	gorillaws "github.com/gorilla/websocket"

	"github.com/rzbill/xs/internal/eventlog"
	"github.com/rzbill/xs/internal/lifecycle"
)

// HTTPTransport implements Transport over the REST gateway. Follows use
// the WebSocket endpoint.
type HTTPTransport struct {
	baseURL func() string
	client  *http.Client
	dialer  *gorillaws.Dialer
}

// NewHTTPTransport constructs a transport for the server at baseURL.
func NewHTTPTransport(baseURL func() string) *HTTPTransport {
	return &HTTPTransport{baseURL: baseURL, client: http.DefaultClient, dialer: gorillaws.DefaultDialer}
}

func (t *HTTPTransport) url(path string, q url.Values) string {
	u := strings.TrimRight(t.baseURL(), "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, q url.Values, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, t.url(path, q), body)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return &StatusError{Code: resp.StatusCode, Message: body.Error}
}

// Append posts one frame. A nil payload appends a frame without content.
func (t *HTTPTransport) Append(ctx context.Context, req AppendRequest, payload io.Reader) (eventlog.Frame, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("topic", req.Topic)
	set("context", req.Context)
	set("ttl", req.TTL)
	set("meta", req.Meta)
	set("hash", req.Hash)
	if payload == nil {
		payload = http.NoBody
	}
	var f eventlog.Frame
	err := t.do(ctx, http.MethodPost, "/v1/append", q, payload, &f)
	return f, err
}

func readQuery(req ReadRequest) url.Values {
	q := url.Values{}
	if req.After != "" {
		q.Set("after", req.After)
	}
	if req.Topic != "" {
		q.Set("topic", req.Topic)
	}
	if req.Context != "" {
		q.Set("context", req.Context)
	}
	if req.Filter != "" {
		q.Set("filter", req.Filter)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Tail {
		q.Set("tail", "true")
	}
	if req.Follow != "" {
		q.Set("follow", req.Follow)
	}
	return q
}

// Read lists a snapshot, or follows over a WebSocket until ctx ends or
// onEvent returns an error. ErrStop ends the read without error.
func (t *HTTPTransport) Read(ctx context.Context, req ReadRequest, onEvent func(Event) error) error {
	err := t.read(ctx, req, onEvent)
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}

func (t *HTTPTransport) read(ctx context.Context, req ReadRequest, onEvent func(Event) error) error {
	q := readQuery(req)
	if req.Follow == "" {
		var resp struct {
			Frames []eventlog.Frame `json:"frames"`
		}
		if err := t.do(ctx, http.MethodGet, "/v1/frames", q, nil, &resp); err != nil {
			return err
		}
		for _, f := range resp.Frames {
			if err := onEvent(Event{Type: "historical", Frame: f}); err != nil {
				return err
			}
		}
		return nil
	}

	wsURL := t.url("/v1/ws", q)
	wsURL = "ws" + strings.TrimPrefix(wsURL, "http")
	conn, resp, err := t.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			if serr := checkStatus(resp); serr != nil {
				return serr
			}
		}
		return err
	}
	defer func() { _ = conn.Close() }()
	// Unblock ReadJSON when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var msg struct {
			Event
			Error string `json:"error"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if msg.Type == "error" {
			return errors.New(msg.Error)
		}
		if err := onEvent(msg.Event); err != nil {
			return err
		}
	}
}

func (t *HTTPTransport) Get(ctx context.Context, frameID string) (eventlog.Frame, error) {
	var f eventlog.Frame
	err := t.do(ctx, http.MethodGet, "/v1/frames/"+url.PathEscape(frameID), nil, nil, &f)
	return f, err
}

func (t *HTTPTransport) Head(ctx context.Context, topic, contextID string) (eventlog.Frame, error) {
	q := url.Values{"topic": {topic}}
	if contextID != "" {
		q.Set("context", contextID)
	}
	var f eventlog.Frame
	err := t.do(ctx, http.MethodGet, "/v1/head", q, nil, &f)
	return f, err
}

func (t *HTTPTransport) Remove(ctx context.Context, frameID string) error {
	return t.do(ctx, http.MethodDelete, "/v1/frames/"+url.PathEscape(frameID), nil, nil, nil)
}

// CASGet copies the blob for hash into w.
func (t *HTTPTransport) CASGet(ctx context.Context, hash string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url("/v1/cas/"+hash, nil), nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return err
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// CASPut stores r and returns its hash, empty for empty content.
func (t *HTTPTransport) CASPut(ctx context.Context, r io.Reader) (string, error) {
	var out struct {
		Hash string `json:"hash"`
	}
	err := t.do(ctx, http.MethodPost, "/v1/cas", nil, r, &out)
	return out.Hash, err
}

func (t *HTTPTransport) CreateContext(ctx context.Context, meta map[string]any) (eventlog.Frame, error) {
	var body io.Reader = http.NoBody
	if len(meta) > 0 {
		b, err := json.Marshal(map[string]any{"meta": meta})
		if err != nil {
			return eventlog.Frame{}, err
		}
		body = bytes.NewReader(b)
	}
	var f eventlog.Frame
	err := t.do(ctx, http.MethodPost, "/v1/contexts", nil, body, &f)
	return f, err
}

func (t *HTTPTransport) Contexts(ctx context.Context) ([]string, error) {
	var out struct {
		Contexts []string `json:"contexts"`
	}
	err := t.do(ctx, http.MethodGet, "/v1/contexts", nil, nil, &out)
	return out.Contexts, err
}

func (t *HTTPTransport) Workers(ctx context.Context) ([]lifecycle.Running, error) {
	var out struct {
		Workers []lifecycle.Running `json:"workers"`
	}
	err := t.do(ctx, http.MethodGet, "/v1/workers", nil, nil, &out)
	return out.Workers, err
}
