// Package serverrun exposes the Run entrypoint used by `xs serve`: it opens
// the runtime, starts the worker reconcilers and the HTTP gateway, and
// handles shutdown.
//
// Example:
//
//	cfg := config.Default()
//	cfg.DataDir = "./data"
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{Config: cfg})
package serverrun
