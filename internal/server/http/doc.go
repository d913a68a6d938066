// Package httpserver provides the REST gateway for xs: append, snapshot
// reads, SSE and WebSocket follows, per-frame get and remove, direct CAS
// access, contexts, worker status, and Prometheus metrics.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: config.Default()})
//	s := httpserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, "127.0.0.1:7755")
package httpserver
