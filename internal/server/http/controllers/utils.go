package controllers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rzbill/xs/internal/cas"
	"github.com/rzbill/xs/internal/eventlog"
	"github.com/rzbill/xs/internal/filter"
	"github.com/rzbill/xs/pkg/id"
)

// maxFilterLen bounds CEL expressions accepted from query strings.
const maxFilterLen = 2048

// Helper functions for common HTTP responses

// writeError writes an error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeErr maps err onto a status code.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	var typeErr *filter.TypeError
	switch {
	case errors.Is(err, eventlog.ErrNotFound), errors.Is(err, cas.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, eventlog.ErrUnknownContext),
		errors.Is(err, eventlog.ErrInvalidTopic),
		errors.Is(err, eventlog.ErrInvalidTTL),
		errors.Is(err, eventlog.ErrInvalidFollow),
		errors.Is(err, eventlog.ErrPayloadMissing),
		errors.Is(err, id.ErrInvalid),
		errors.Is(err, cas.ErrInvalidHash),
		errors.Is(err, errBadRequest),
		errors.As(err, &typeErr):
		return http.StatusBadRequest
	case errors.Is(err, eventlog.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// writeJSON writes a JSON response with the given data.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// writeCreatedJSON writes a 201 Created response carrying data.
func writeCreatedJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(data)
}

// writeNoContent writes a 204 No Content response.
func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// parseLimit parses a limit string and returns a valid limit value.
//
// Returns 0 for empty strings or invalid values.
func parseLimit(limitStr string) int {
	if limitStr == "" {
		return 0
	}
	if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
		return limit
	}
	return 0
}

// parseBool parses a boolean string and returns the boolean value.
//
// Returns true for "", "true", "yes", or "1", so a bare ?tail works.
func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "", "true", "yes", "1":
		return true
	}
	return false
}

// param reads a query parameter, falling back to an Xs-* header.
func param(r *http.Request, name string) string {
	if v := r.URL.Query().Get(name); v != "" {
		return v
	}
	return r.Header.Get("Xs-" + strings.ReplaceAll(name, "_", "-"))
}

func parseContextID(s string) (id.ID, error) {
	if s == "" {
		return id.Zero, nil
	}
	return id.Parse(s)
}

// parseReadOptions builds read options from the query string:
// after, topic, context, limit, tail, follow, filter. Last-Event-ID stands
// in for after so SSE clients resume where they stopped.
func parseReadOptions(r *http.Request) (eventlog.ReadOptions, error) {
	q := r.URL.Query()
	var opts eventlog.ReadOptions

	after := q.Get("after")
	if after == "" {
		after = r.Header.Get("Last-Event-ID")
	}
	if after != "" {
		a, err := id.Parse(after)
		if err != nil {
			return opts, err
		}
		opts.After = &a
	}
	opts.Topic = q.Get("topic")
	if c := q.Get("context"); c != "" {
		cid, err := id.Parse(c)
		if err != nil {
			return opts, err
		}
		opts.ContextID = &cid
	}
	opts.Limit = parseLimit(q.Get("limit"))
	if q.Has("tail") {
		opts.Tail = parseBool(q.Get("tail"))
	}
	if q.Has("follow") {
		mode, err := eventlog.ParseFollow(q.Get("follow"))
		if err != nil {
			return opts, err
		}
		opts.Follow = mode
	}
	if expr := q.Get("filter"); expr != "" {
		if len(expr) > maxFilterLen {
			return opts, badRequest("filter longer than %d bytes", maxFilterLen)
		}
		flt, err := filter.Compile(expr)
		if err != nil {
			return opts, badRequest("filter: %v", err)
		}
		opts.Filter = flt
	}
	return opts, nil
}

// parseMeta decodes a JSON object given as a string.
func parseMeta(s string) (json.RawMessage, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, badRequest("meta must be a JSON object: %v", err)
	}
	return json.RawMessage(s), nil
}
