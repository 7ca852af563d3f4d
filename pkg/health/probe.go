package health

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/billm/fanout/pkg/endpoint"
	"github.com/billm/fanout/pkg/types"
)

// Check asks the health server at addr for the status of service ("" for
// the server as a whole)
func Check(ctx context.Context, addr endpoint.Address, service string) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	unknown := grpc_health_v1.HealthCheckResponse_UNKNOWN
	if err := addr.Validate(); err != nil {
		return unknown, err
	}

	conn, err := grpc.NewClient("passthrough:///localhost",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return endpoint.Dial(ctx, addr)
		}),
	)
	if err != nil {
		return unknown, types.WrapError(types.ErrCodeTransport, "failed to create health client", err)
	}
	defer conn.Close()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return unknown, types.WrapError(types.ErrCodeUnavailable, "health check failed", err)
	}
	return resp.GetStatus(), nil
}
