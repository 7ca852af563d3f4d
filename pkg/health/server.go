package health

import (
	"errors"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/billm/fanout/internal/logger"
	"github.com/billm/fanout/pkg/endpoint"
	"github.com/billm/fanout/pkg/types"
)

// DefaultShutdownTimeout is the default graceful shutdown timeout
const DefaultShutdownTimeout = 5 * time.Second

// Server serves the health service on its own endpoint
type Server struct {
	addr     endpoint.Address
	health   *HealthServer
	server   *grpc.Server
	logger   *logger.Logger
	listener *endpoint.Listener
	mu       sync.Mutex
	started  bool
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a gRPC server for hs at addr
func NewServer(addr endpoint.Address, hs *HealthServer, log *logger.Logger) (*Server, error) {
	if err := addr.Validate(); err != nil {
		return nil, err
	}
	if hs == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "health server is nil")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	srv := grpc.NewServer(grpc.Creds(insecure.NewCredentials()))
	grpc_health_v1.RegisterHealthServer(srv, hs)

	return &Server{
		addr:   addr,
		health: hs,
		server: srv,
		logger: log.With("component", "health_grpc_server", "address", addr.String()),
	}, nil
}

// Start binds the endpoint and serves in a goroutine
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.NewError(types.ErrCodeUnavailable, "server is closed")
	}
	if s.started {
		return types.NewError(types.ErrCodeFailedPrecondition, "server already started")
	}

	ln, err := endpoint.Listen(s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.started = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln.Net()); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("Health server error", "error", err)
		}
	}()

	s.logger.Info("Health server listening")
	return nil
}

// Addr returns the bound endpoint, or the configured one before Start
func (s *Server) Addr() endpoint.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return s.addr
}

// Stop marks everything NOT_SERVING and stops the server, waiting up to
// timeout for in-flight RPCs. Watch streams end as soon as the health
// server enters shutdown mode.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	s.health.Shutdown()
	if !started {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("Health server shutdown timeout, stopping immediately")
		s.server.Stop()
	}

	if err := s.listener.Close(); err != nil {
		s.logger.Debug("Listener close after stop", "error", err)
	}
	s.wg.Wait()
	s.logger.Info("Health server stopped")
	return nil
}
