// Package debugserver implements the agent's local, operator-facing HTTP
// server: read-only introspection over the app registry, explicitly not
// the control-plane transport (spec §1, §2).
package debugserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/otturnaut/agent/pkg/logging"
	"github.com/otturnaut/agent/pkg/registry"
)

type contextKey int

const requestLoggerKey contextKey = 0

// requestLogger returns the logger scoped to the request id, falling back to
// the process-wide logger for calls made outside a request (e.g. tests).
func requestLogger(ctx context.Context) *zap.SugaredLogger {
	if l, ok := ctx.Value(requestLoggerKey).(*zap.SugaredLogger); ok {
		return l
	}
	return logging.S()
}

// Server is the local debug HTTP server.
type Server struct {
	server *http.Server
	l      net.Listener
	doneCh chan struct{}
}

// New attaches the following handlers:
//
// * GET /healthz: liveness probe, always 200 once the server is up.
// * GET /apps: list every live app record known to the registry.
func New(listen string, reg *registry.Registry) (*Server, error) {
	srv := new(Server)

	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			reqID := uuid.NewString()[:8]
			w.Header().Set("X-Request-ID", reqID)
			reqLogger := logging.S().With("request_id", reqID)
			reqLogger.Debugw("handling request", "method", req.Method, "path", req.URL.Path)
			ctx := context.WithValue(req.Context(), requestLoggerKey, reqLogger)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})

	r.HandleFunc("/healthz", healthzHandler).Methods("GET")
	r.HandleFunc("/apps", appsHandler(reg)).Methods("GET")

	srv.doneCh = make(chan struct{})
	srv.server = &http.Server{
		Handler:      r,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	l, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv.l = l
	return srv, nil
}

// Serve starts the server and blocks until it is shut down.
func (s *Server) Serve() error {
	select {
	case <-s.doneCh:
		return fmt.Errorf("tried to reuse a stopped server")
	default:
	}
	logging.S().Infow("debug server listening", "addr", s.Addr())
	return s.server.Serve(s.l)
}

// Addr returns the server's bound address.
func (s *Server) Addr() string { return s.l.Addr().String() }

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	defer close(s.doneCh)
	return s.server.Shutdown(ctx)
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func appsHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(reg.List()); err != nil {
			requestLogger(r.Context()).Warnw("failed to encode apps response", "err", err)
		}
	}
}
