package httpserver

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rzbill/xs/internal/runtime"
	"github.com/rzbill/xs/internal/server/http/controllers"
	logpkg "github.com/rzbill/xs/pkg/log"
)

// shutdownTimeout bounds graceful shutdown. Followers are cut off by
// cancelling their request contexts, so it is only a backstop.
const shutdownTimeout = 5 * time.Second

type Server struct {
	rt     *runtime.Runtime
	srv    *http.Server
	logger logpkg.Logger

	mu  sync.Mutex
	lis net.Listener
}

// New builds the REST gateway over rt.
func New(rt *runtime.Runtime, logger logpkg.Logger) *Server {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	logger = logger.WithComponent("http")
	mux := http.NewServeMux()
	controllers.NewControllerRegistry(rt, logger).RegisterAllRoutes(mux)
	mux.Handle("GET /metrics", rt.Metrics().Handler())

	s := &Server{rt: rt, logger: logger}
	s.srv = &http.Server{
		Handler:           cors(withRequestFields(mux)),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logpkg.ToStdLogger(logger, logpkg.WarnLevel),
	}
	return s
}

// Handler exposes the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Addr returns the bound address once ListenAndServe is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lis = l
	s.mu.Unlock()
	// Followers hold requests open; tie them to ctx so Shutdown can finish.
	s.srv.BaseContext = func(net.Listener) context.Context { return ctx }
	s.logger.Info("http listening", logpkg.Str("addr", l.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) Close() error {
	return s.srv.Close()
}

// withRequestFields tags the request context so handlers can log with
// logger.WithContext(r.Context()).
func withRequestFields(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logpkg.NewContext(r.Context(), logpkg.Fields{logpkg.RequestKey: r.Method + " " + r.URL.Path})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID, Xs-Topic, Xs-Context, Xs-Ttl, Xs-Meta, Xs-Hash")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
