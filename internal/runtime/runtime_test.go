package runtime

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/xs/internal/config"
	"github.com/rzbill/xs/internal/eventlog"
	"github.com/rzbill/xs/pkg/id"
)

func testConfig(t *testing.T) cfgpkg.Config {
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Store.Fsync = "never"
	cfg.Store.SweepIntervalMs = -1
	cfg.Workers.ShutdownTimeoutMs = 1000
	return cfg
}

func TestOpenCloseHealth(t *testing.T) {
	rt, err := Open(Options{Config: testConfig(t)})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rt.CheckHealth(context.Background()); !errors.Is(err, eventlog.ErrClosed) {
		t.Fatalf("health after close = %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestStartAppendsStartFrame(t *testing.T) {
	rt, err := Open(Options{Config: testConfig(t)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := rt.Start(context.Background()); err == nil {
		t.Fatalf("second start should fail")
	}
	if _, err := rt.Log().Head(eventlog.TopicStart, id.Zero); err != nil {
		t.Fatalf("head %s: %v", eventlog.TopicStart, err)
	}
}

func TestLuaHandlerEndToEnd(t *testing.T) {
	rt, err := Open(Options{Config: testConfig(t)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	l := rt.Log()
	src := `function process(frame, input) return frame.topic .. "=" .. (input or "") end`
	def, err := l.Append(ctx, eventlog.Frame{Topic: "echo.register"}, strings.NewReader(src))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	waitUntil(t, func() bool {
		running := rt.Running()
		return len(running) == 1 && running[0].DefinitionID == def.ID && running[0].Kind == "handler"
	})

	if _, err := l.Append(ctx, eventlog.Frame{Topic: "greeting"}, strings.NewReader("hello")); err != nil {
		t.Fatalf("append: %v", err)
	}
	var out eventlog.Frame
	waitUntil(t, func() bool {
		out, err = l.Head("echo.out", id.Zero)
		return err == nil
	})
	rc, err := l.Payload(*out.Hash)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "greeting=hello" {
		t.Fatalf("output = %q", b)
	}
}

func TestDisabledKindHasNoReconciler(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers.Disabled = []string{"handler", "generator", "action"}
	rt, err := Open(Options{Config: cfg})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if len(rt.reconcilers) != 1 {
		t.Fatalf("reconcilers = %d, want 1", len(rt.reconcilers))
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
