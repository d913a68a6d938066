package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rzbill/xs/internal/lifecycle"
	pebblestore "github.com/rzbill/xs/internal/storage/pebble"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Store.SweepInterval() != time.Second {
		t.Fatalf("sweep interval default")
	}
	if cfg.FsyncMode() != pebblestore.FsyncModeInterval {
		t.Fatalf("fsync default")
	}
	if cfg.Policy("handler") != lifecycle.PolicyDefault {
		t.Fatalf("policy default")
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "xs.json")
	data := []byte(`{"dataDir":"/tmp/xs","store":{"fsync":"always","maxPending":10},"workers":{"policies":{"actor":"restart"}}}`)
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/tmp/xs" || cfg.ResolvedDataDir() != "/tmp/xs" {
		t.Fatalf("expected data dir")
	}
	if cfg.FsyncMode() != pebblestore.FsyncModeAlways {
		t.Fatalf("expected always")
	}
	if cfg.Store.MaxPending != 10 {
		t.Fatalf("expected 10")
	}
	if cfg.Store.FrameCacheSize != 4096 {
		t.Fatalf("unset fields keep defaults")
	}
	if cfg.Policy("actor") != lifecycle.PolicyRestart {
		t.Fatalf("expected restart policy")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "xs.yaml")
	data := []byte(`
http:
  addr: ":9000"
workers:
  poolSize: 3
  disabled: [generator]
log:
  level: debug
  outputs: ["null"]
`)
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9000" {
		t.Fatalf("expected :9000, got %q", cfg.HTTP.Addr)
	}
	if cfg.Workers.PoolSize != 3 {
		t.Fatalf("expected pool size 3")
	}
	if cfg.KindEnabled("generator") || !cfg.KindEnabled("handler") {
		t.Fatalf("disabled kinds")
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected debug")
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "xs.yml")
	if err := os.WriteFile(file, []byte("store: [unclosed"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(file); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv("XS_FSYNC", "never")
	t.Setenv("XS_SWEEP_INTERVAL_MS", "-1")
	t.Setenv("XS_WORKERS_POLICIES", "handler=ignore, action=restart-on-change")
	t.Setenv("XS_HTTP_ADDR", ":8080")
	t.Setenv("XS_LOG_OUTPUTS", "console, /tmp/xs.log")
	FromEnv(&cfg)
	if cfg.FsyncMode() != pebblestore.FsyncModeNever {
		t.Fatalf("env override fsync")
	}
	if cfg.Store.SweepInterval() >= 0 {
		t.Fatalf("env override sweep interval")
	}
	if cfg.Policy("handler") != lifecycle.PolicyIgnore || cfg.Policy("action") != lifecycle.PolicyRestartOnChange {
		t.Fatalf("env override policies: %v", cfg.Workers.Policies)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("env override addr")
	}
	if len(cfg.Log.Outputs) != 2 || cfg.Log.Outputs[1] != "/tmp/xs.log" {
		t.Fatalf("env override outputs: %v", cfg.Log.Outputs)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Store.Fsync = "sometimes"
	cfg.Workers.Policies = map[string]string{"robot": "restart", "handler": "maybe"}
	cfg.Log.Level = "loud"
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"sometimes", "robot", "maybe", "loud"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}
