// Package health exposes broker liveness over the gRPC health checking
// protocol. See https://github.com/grpc/grpc/blob/master/doc/health-checking.md
package health

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/billm/fanout/internal/logger"
	"github.com/billm/fanout/pkg/types"
)

// BrokerService is the service name reported for the broker's control loop
const BrokerService = "fanout.Broker"

// HealthServer implements grpc_health_v1.HealthServer
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	logger   *logger.Logger
	mu       sync.RWMutex
	statuses map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
	shutdown bool
	// changed is closed and replaced on every status change
	changed chan struct{}
}

// HealthServerConfig contains health server configuration
type HealthServerConfig struct {
	// InitialStatuses maps service names to their initial health status
	InitialStatuses map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
}

// NewHealthServer creates a new health check server
func NewHealthServer(cfg HealthServerConfig, log *logger.Logger) (*HealthServer, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	statuses := make(map[string]grpc_health_v1.HealthCheckResponse_ServingStatus, len(cfg.InitialStatuses)+1)
	for k, v := range cfg.InitialStatuses {
		statuses[k] = v
	}
	if _, exists := statuses[""]; !exists {
		statuses[""] = grpc_health_v1.HealthCheckResponse_SERVING
	}

	hs := &HealthServer{
		logger:   log.With("component", "health_server"),
		statuses: statuses,
		changed:  make(chan struct{}),
	}

	hs.logger.Debug("Health server initialized",
		"initial_statuses", len(statuses),
		"default_status", statuses[""].String())

	return hs, nil
}

// Check implements the health check RPC. An unknown non-empty service is
// reported as NotFound.
func (s *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	service := req.GetService()
	if !s.shutdown && service != "" {
		if _, exists := s.statuses[service]; !exists {
			return nil, status.Error(codes.NotFound, "unknown service")
		}
	}

	return &grpc_health_v1.HealthCheckResponse{Status: s.getStatus(service)}, nil
}

// Watch implements the health watch RPC. It sends the current status and
// then every change until the client goes away or the server shuts down.
// An unknown service is reported as SERVICE_UNKNOWN.
func (s *HealthServer) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	service := req.GetService()
	var last grpc_health_v1.HealthCheckResponse_ServingStatus = -1

	for {
		s.mu.RLock()
		current := s.watchStatus(service)
		changed := s.changed
		shutdown := s.shutdown
		s.mu.RUnlock()

		if current != last {
			if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: current}); err != nil {
				s.logger.Debug("Health watch send failed", "service", service, "error", err)
				return err
			}
			last = current
		}
		if shutdown {
			return nil
		}

		select {
		case <-changed:
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

// SetServingStatus sets the serving status of the given service
func (s *HealthServer) SetServingStatus(service string, st grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.statuses[service]
	s.statuses[service] = st
	s.notifyLocked()

	s.logger.Info("Health status updated",
		"service", service,
		"old_status", old.String(),
		"new_status", st.String())
}

// Shutdown puts the health server into shutdown mode. All checks report
// NOT_SERVING afterwards.
func (s *HealthServer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return
	}
	s.shutdown = true
	s.notifyLocked()
	s.logger.Info("Health server shutdown")
}

// GetStatus returns the current serving status for a service
func (s *HealthServer) GetStatus(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getStatus(service)
}

// SetServing sets the service status to SERVING
func (s *HealthServer) SetServing(service string) {
	s.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_SERVING)
}

// SetNotServing sets the service status to NOT_SERVING
func (s *HealthServer) SetNotServing(service string) {
	s.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

// IsServing returns true if the service is currently SERVING
func (s *HealthServer) IsServing(service string) bool {
	return s.GetStatus(service) == grpc_health_v1.HealthCheckResponse_SERVING
}

// getStatus must be called with the lock held
func (s *HealthServer) getStatus(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if s.shutdown {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	st, exists := s.statuses[service]
	if !exists {
		st = s.statuses[""]
	}
	return st
}

// watchStatus must be called with the lock held
func (s *HealthServer) watchStatus(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if s.shutdown {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	if st, exists := s.statuses[service]; exists {
		return st
	}
	return grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN
}

func (s *HealthServer) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Liveness is what Track needs from the broker. Stopped is closed when
// the serving loop exits for any reason, Done once shutdown finished.
type Liveness interface {
	IsRunning() bool
	Stopped() <-chan struct{}
	Done() <-chan struct{}
}

// Track reports src under service: SERVING while it runs and NOT_SERVING
// once its loop has stopped or it is done. It returns at that point or
// when ctx ends.
func (s *HealthServer) Track(ctx context.Context, service string, src Liveness) {
	if src.IsRunning() {
		s.SetServing(service)
	} else {
		s.SetNotServing(service)
	}

	select {
	case <-src.Stopped():
		s.SetNotServing(service)
	case <-src.Done():
		s.SetNotServing(service)
	case <-ctx.Done():
	}
}
