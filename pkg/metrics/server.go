package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/billm/fanout/internal/logger"
	"github.com/billm/fanout/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultPath is where metrics are exposed when none is configured
const DefaultPath = "/metrics"

// Server runs an HTTP server exposing the metrics endpoint
type Server struct {
	server *http.Server
	logger *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a metrics server for m on addr (host:port)
func NewServer(addr, path string, m *Metrics, log *logger.Logger) *Server {
	if path == "" {
		path = DefaultPath
	}
	if log == nil {
		log = logger.NewDiscard()
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: log.With("component", "metrics_server"),
	}
}

// Start binds the listen address and serves in a goroutine
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return types.NewError(types.ErrCodeFailedPrecondition, "metrics server already started")
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return types.WrapError(types.ErrCodeTransport, "failed to bind metrics address", err)
	}
	s.listener = ln
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()

	s.logger.Info("Metrics server started", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Shutdown gracefully stops the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return types.WrapError(types.ErrCodeTimeout, "metrics server shutdown", err)
	}
	<-done
	return nil
}
