package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"unicode/utf8"

	transports "github.com/rzbill/xs/internal/cmd/client/transports"
	"github.com/rzbill/xs/internal/eventlog"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// BaseURLFromEnv returns XS_ADDR, or the default local address.
func BaseURLFromEnv() string {
	if addr := os.Getenv("XS_ADDR"); addr != "" {
		return addr
	}
	return "http://127.0.0.1:7755"
}

func newTransport(baseURL BaseURLFunc) transports.Transport {
	return transports.NewHTTPTransport(baseURL)
}

// writeJSONLine writes v as one line of JSON.
func writeJSONLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

// framePayload fetches the content of f and returns a map with one of
// payload_json, payload_text, or payload_b64. Frames without content
// return nil.
func framePayload(ctx context.Context, t transports.Transport, f eventlog.Frame) (map[string]any, error) {
	if f.Hash == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := t.CASGet(ctx, f.Hash.String(), &buf); err != nil {
		return nil, err
	}
	return decodedPayload(buf.Bytes()), nil
}

func decodedPayload(payload []byte) map[string]any {
	out := map[string]any{}
	// Try JSON first if it looks like JSON
	if len(payload) > 0 && (payload[0] == '{' || payload[0] == '[') {
		var v any
		if json.Unmarshal(payload, &v) == nil {
			out["payload_json"] = v
			return out
		}
	}
	if utf8.Valid(payload) {
		out["payload_text"] = string(payload)
		return out
	}
	out["payload_b64"] = base64.StdEncoding.EncodeToString(payload)
	return out
}

// frameWithPayload flattens a frame and its decoded payload into one object.
func frameWithPayload(f eventlog.Frame, payload map[string]any) map[string]any {
	b, _ := json.Marshal(f)
	out := map[string]any{}
	_ = json.Unmarshal(b, &out)
	for k, v := range payload {
		out[k] = v
	}
	return out
}
