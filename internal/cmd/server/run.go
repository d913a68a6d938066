package serverrun

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/rzbill/xs/internal/config"
	"github.com/rzbill/xs/internal/runtime"
	httpserver "github.com/rzbill/xs/internal/server/http"
	logpkg "github.com/rzbill/xs/pkg/log"
)

type Options struct {
	Config cfgpkg.Config
	// Logger replaces the logger built from Config.Log.
	Logger logpkg.Logger
	// OnListen is called with the bound HTTP address once serving.
	OnListen func(net.Addr)
}

// Run opens the store, starts the worker reconcilers and the HTTP gateway,
// and blocks until ctx is cancelled or SIGINT/SIGTERM arrives.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	procLogger := opts.Logger
	if procLogger == nil {
		var err error
		if procLogger, err = logpkg.ApplyConfig(&cfg.Log); err != nil {
			return fmt.Errorf("logging: %w", err)
		}
	}
	// Pebble and net/http report through the standard logger.
	logpkg.RedirectStdLog(procLogger)

	procLogger.Info("Starting xs",
		logpkg.Str("data_dir", cfg.ResolvedDataDir()),
		logpkg.Str("http", cfg.HTTP.Addr),
		logpkg.Str("fsync", cfg.Store.Fsync),
		logpkg.Str("level", cfg.Log.Level),
	)

	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: procLogger})
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.Start(sctx); err != nil {
		return err
	}

	hsrv := httpserver.New(rt, procLogger)
	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error {
		return hsrv.ListenAndServe(gctx, cfg.HTTP.Addr)
	})
	if opts.OnListen != nil {
		g.Go(func() error {
			t := time.NewTicker(5 * time.Millisecond)
			defer t.Stop()
			for {
				if addr := hsrv.Addr(); addr != nil {
					opts.OnListen(addr)
					return nil
				}
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
				}
			}
		})
	}
	err = g.Wait()
	procLogger.Info("Stopping xs")
	return err
}
