package serverrun

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/xs/internal/config"
	logpkg "github.com/rzbill/xs/pkg/log"
)

func testConfig(t *testing.T) cfgpkg.Config {
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Store.Fsync = "never"
	cfg.Store.SweepIntervalMs = -1
	cfg.Workers.ShutdownTimeoutMs = 1000
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Log.Outputs = []string{"null"}
	return cfg
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Fsync = "sometimes"
	if err := Run(context.Background(), Options{Config: cfg}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrs := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{Config: cfg, Logger: logpkg.NewNopLogger(), OnListen: func(a net.Addr) { addrs <- a }})
	}()

	var addr net.Addr
	select {
	case addr = <-addrs:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not start")
	}

	resp, err := http.Get("http://" + addr.String() + "/v1/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status: %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not stop")
	}

	if _, err := os.Stat(filepath.Join(cfg.DataDir, "store")); err != nil {
		t.Fatalf("store dir: %v", err)
	}
}

func TestRunFailsOnBusyAddress(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	cfg := testConfig(t)
	cfg.HTTP.Addr = l.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Run(ctx, Options{Config: cfg, Logger: logpkg.NewNopLogger()}); err == nil {
		t.Fatalf("expected listen error")
	}
}
