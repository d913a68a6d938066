package config

import (
	"os"
	"strconv"
	"strings"
)

// FromEnv overlays XS_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("XS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("XS_FSYNC"); v != "" {
		cfg.Store.Fsync = v
	}
	envInt("XS_FSYNC_INTERVAL_MS", &cfg.Store.FsyncIntervalMs)
	envInt("XS_SWEEP_INTERVAL_MS", &cfg.Store.SweepIntervalMs)
	envInt("XS_MAX_PENDING", &cfg.Store.MaxPending)
	envInt("XS_WORKERS_POOL_SIZE", &cfg.Workers.PoolSize)
	envInt("XS_WORKERS_SHUTDOWN_TIMEOUT_MS", &cfg.Workers.ShutdownTimeoutMs)
	envInt("XS_LUA_MAX_INSTRUCTIONS", &cfg.Workers.LuaMaxInstructions)
	// XS_WORKERS_POLICIES=handler=restart,actor=ignore
	if v := os.Getenv("XS_WORKERS_POLICIES"); v != "" {
		if cfg.Workers.Policies == nil {
			cfg.Workers.Policies = make(map[string]string)
		}
		for _, kv := range splitList(v) {
			if k, p, ok := strings.Cut(kv, "="); ok {
				cfg.Workers.Policies[strings.TrimSpace(k)] = strings.TrimSpace(p)
			}
		}
	}
	if v := os.Getenv("XS_WORKERS_DISABLED"); v != "" {
		cfg.Workers.Disabled = splitList(v)
	}
	if v := os.Getenv("XS_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("XS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("XS_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("XS_LOG_OUTPUTS"); v != "" {
		cfg.Log.Outputs = splitList(v)
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
