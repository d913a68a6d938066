package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/xs/internal/config"
	"github.com/rzbill/xs/internal/eventlog"
	"github.com/rzbill/xs/internal/runtime"
	httpserver "github.com/rzbill/xs/internal/server/http"
)

func startServer(t *testing.T) (BaseURLFunc, *runtime.Runtime) {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Store.Fsync = "never"
	cfg.Store.SweepIntervalMs = -1
	cfg.Workers.ShutdownTimeoutMs = 1000
	rt, err := runtime.Open(runtime.Options{Config: cfg})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	ts := httptest.NewServer(httpserver.New(rt, nil).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = rt.Close()
	})
	return func() string { return ts.URL }, rt
}

func run(t *testing.T, baseURL BaseURLFunc, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRoot(baseURL)
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func mustFrame(t *testing.T, out string) eventlog.Frame {
	t.Helper()
	var f eventlog.Frame
	if err := json.Unmarshal([]byte(out), &f); err != nil {
		t.Fatalf("decode frame %q: %v", out, err)
	}
	return f
}

func TestAppendAndGet(t *testing.T) {
	base, _ := startServer(t)
	out, err := run(t, base, "", "append", "orders", "--data", "hello", "--meta", `{"n":1}`)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	f := mustFrame(t, out)
	if f.Topic != "orders" || f.Hash == nil {
		t.Fatalf("frame: %+v", f)
	}

	out, err = run(t, base, "", "get", f.ID.String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := mustFrame(t, out); got.ID != f.ID {
		t.Fatalf("get id %s want %s", got.ID, f.ID)
	}

	out, err = run(t, base, "", "cas", "get", f.Hash.String())
	if err != nil || out != "hello" {
		t.Fatalf("cas get: %q %v", out, err)
	}
}

func TestAppendFromStdin(t *testing.T) {
	base, _ := startServer(t)
	out, err := run(t, base, "from stdin", "append", "notes", "--data", "-", "--ttl", "head:1")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	f := mustFrame(t, out)
	if f.TTL != eventlog.Head(1) {
		t.Fatalf("ttl: %v", f.TTL)
	}
	out, _ = run(t, base, "", "cas", "get", f.Hash.String())
	if out != "from stdin" {
		t.Fatalf("payload: %q", out)
	}
}

func TestAppendRejectsConflictingPayloads(t *testing.T) {
	base, _ := startServer(t)
	if _, err := run(t, base, "", "append", "a", "--data", "x", "--file", "y"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestHeadRemoveAndErrors(t *testing.T) {
	base, _ := startServer(t)
	_, _ = run(t, base, "", "append", "a", "--data", "1")
	out, _ := run(t, base, "", "append", "a", "--data", "2")
	second := mustFrame(t, out)

	out, err := run(t, base, "", "head", "a")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if got := mustFrame(t, out); got.ID != second.ID {
		t.Fatalf("head %s want %s", got.ID, second.ID)
	}

	out, err = run(t, base, "", "remove", second.ID.String())
	if err != nil || !strings.Contains(out, "OK") {
		t.Fatalf("remove: %q %v", out, err)
	}
	_, err = run(t, base, "", "get", second.ID.String())
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("get removed: %v", err)
	}
	if _, err := run(t, base, "", "head", "missing"); err == nil {
		t.Fatalf("head of missing topic should fail")
	}
}

func TestCatSnapshotWithPayload(t *testing.T) {
	base, _ := startServer(t)
	_, _ = run(t, base, "", "append", "a", "--data", `{"k":"v"}`)
	_, _ = run(t, base, "", "append", "b", "--data", "text")
	_, _ = run(t, base, "", "append", "a")

	out, err := run(t, base, "", "cat", "--topic", "a", "--payload")
	if err != nil {
		t.Fatalf("cat: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines: %q", out)
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pj, ok := first["payload_json"].(map[string]any); !ok || pj["k"] != "v" {
		t.Fatalf("payload_json: %v", first)
	}

	out, _ = run(t, base, "", "cat", "--limit", "1")
	if n := strings.Count(out, "\n"); n != 1 {
		t.Fatalf("limit 1 gave %d lines", n)
	}
}

func TestCatFollow(t *testing.T) {
	base, rt := startServer(t)
	_, _ = run(t, base, "", "append", "a", "--data", "old")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := NewRoot(base)
	buf := &syncBuffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"cat", "-f", "--topic", "a", "--threshold"})
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	waitFor(t, func() bool { return strings.Contains(buf.String(), "threshold") })
	if _, err := rt.Log().Append(context.Background(), eventlog.Frame{Topic: "a"}, strings.NewReader("new")); err != nil {
		t.Fatalf("append: %v", err)
	}
	waitFor(t, func() bool { return strings.Count(buf.String(), "\n") == 3 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cat: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("cat did not stop")
	}
}

func TestCASPutAndContexts(t *testing.T) {
	base, _ := startServer(t)
	out, err := run(t, base, "piped", "cas", "put")
	if err != nil || !strings.HasPrefix(out, "sha256-") {
		t.Fatalf("cas put: %q %v", out, err)
	}
	hash := strings.TrimSpace(out)
	if out, _ := run(t, base, "", "cas", "get", hash); out != "piped" {
		t.Fatalf("cas get: %q", out)
	}

	out, err = run(t, base, "", "context", "create", "--meta", `{"name":"x"}`)
	if err != nil {
		t.Fatalf("context create: %v", err)
	}
	ctxFrame := mustFrame(t, out)
	out, err = run(t, base, "", "context", "list")
	if err != nil || !strings.Contains(out, ctxFrame.ID.String()) {
		t.Fatalf("context list: %q %v", out, err)
	}
	out, err = run(t, base, "", "append", "notes", "-c", ctxFrame.ID.String())
	if err != nil {
		t.Fatalf("append in context: %v", err)
	}
	if f := mustFrame(t, out); f.ContextID != ctxFrame.ID {
		t.Fatalf("context id: %s", f.ContextID)
	}
}

func TestWorkers(t *testing.T) {
	base, _ := startServer(t)
	out, err := run(t, base, "", "workers")
	if err != nil || strings.TrimSpace(out) != "[]" {
		t.Fatalf("workers: %q %v", out, err)
	}
}
