package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/xs/internal/cmd/client"
	serverrun "github.com/rzbill/xs/internal/cmd/server"
	cfgpkg "github.com/rzbill/xs/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var addr string
	rootCmd := &cobra.Command{
		Use:           "xs",
		Short:         "xs event log CLI",
		Long:          "xs is a local event log with content-addressed payloads and event-driven workers. This CLI runs the server and talks to it.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&addr, "addr", clientcmd.BaseURLFromEnv(), "Server base URL (XS_ADDR)")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	clientcmd.AddCommands(rootCmd, func() string { return addr })

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		cancel()
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the xs server (event log, workers, HTTP gateway)",
		Aliases: []string{"server"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := cfgpkg.Load(path)
			if err != nil {
				return err
			}
			cfgpkg.FromEnv(&cfg)
			applyServeFlags(cmd, &cfg)
			if err := serverrun.Run(cmd.Context(), serverrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().String("config", os.Getenv("XS_CONFIG"), "Config file (.yaml, .yml, or .json)")
	cmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	cmd.Flags().String("http", "", "HTTP listen address")
	cmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
	cmd.Flags().Int("fsync-interval-ms", 0, "When --fsync=interval, group-commit window in ms")
	cmd.Flags().Int("pool-size", 0, "Evaluator pool size (0 = number of CPUs)")
	cmd.Flags().StringSlice("disable", nil, "Worker kinds to disable")
	cmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	cmd.Flags().String("log-format", "", "Log format: text|json")
	return cmd
}

// applyServeFlags lets explicitly set flags override file and env values.
func applyServeFlags(cmd *cobra.Command, cfg *cfgpkg.Config) {
	f := cmd.Flags()
	if f.Changed("data-dir") {
		cfg.DataDir, _ = f.GetString("data-dir")
	}
	if f.Changed("http") {
		cfg.HTTP.Addr, _ = f.GetString("http")
	}
	if f.Changed("fsync") {
		cfg.Store.Fsync, _ = f.GetString("fsync")
	}
	if f.Changed("fsync-interval-ms") {
		cfg.Store.FsyncIntervalMs, _ = f.GetInt("fsync-interval-ms")
	}
	if f.Changed("pool-size") {
		cfg.Workers.PoolSize, _ = f.GetInt("pool-size")
	}
	if f.Changed("disable") {
		cfg.Workers.Disabled, _ = f.GetStringSlice("disable")
	}
	if f.Changed("log-level") {
		cfg.Log.Level, _ = f.GetString("log-level")
	}
	if f.Changed("log-format") {
		cfg.Log.Format, _ = f.GetString("log-format")
	}
}
