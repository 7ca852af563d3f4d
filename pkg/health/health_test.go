package health

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/billm/fanout/internal/logger"
	"github.com/billm/fanout/pkg/endpoint"
	"github.com/billm/fanout/pkg/types"
)

func newHealthServer(t *testing.T, initial map[string]grpc_health_v1.HealthCheckResponse_ServingStatus) *HealthServer {
	t.Helper()
	hs, err := NewHealthServer(HealthServerConfig{InitialStatuses: initial}, logger.NewDiscard())
	if err != nil {
		t.Fatalf("Failed to create health server: %v", err)
	}
	return hs
}

func TestHealth(t *testing.T) {
	t.Run("Check_DefaultServing", func(t *testing.T) {
		hs := newHealthServer(t, nil)

		resp, err := hs.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
			t.Errorf("Expected SERVING status, got %v", resp.Status)
		}
	})

	t.Run("Check_UnknownService", func(t *testing.T) {
		hs := newHealthServer(t, nil)

		_, err := hs.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: "nope"})
		if status.Code(err) != codes.NotFound {
			t.Errorf("Expected NotFound, got %v", err)
		}
	})

	t.Run("SetServingStatus", func(t *testing.T) {
		hs := newHealthServer(t, map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{
			BrokerService: grpc_health_v1.HealthCheckResponse_SERVING,
		})

		hs.SetNotServing(BrokerService)
		if hs.IsServing(BrokerService) {
			t.Error("Expected NOT_SERVING after SetNotServing")
		}
		hs.SetServing(BrokerService)
		if !hs.IsServing(BrokerService) {
			t.Error("Expected SERVING after SetServing")
		}
	})

	t.Run("Shutdown", func(t *testing.T) {
		hs := newHealthServer(t, nil)
		hs.Shutdown()
		hs.Shutdown()

		resp, err := hs.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: "anything"})
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if resp.Status != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
			t.Errorf("Expected NOT_SERVING after shutdown, got %v", resp.Status)
		}
	})
}

// watchStream is a minimal Health_WatchServer that records what is sent
type watchStream struct {
	grpc_health_v1.Health_WatchServer
	ctx  context.Context
	sent chan grpc_health_v1.HealthCheckResponse_ServingStatus
}

func (w *watchStream) Send(resp *grpc_health_v1.HealthCheckResponse) error {
	w.sent <- resp.Status
	return nil
}

func (w *watchStream) Context() context.Context     { return w.ctx }
func (w *watchStream) SetHeader(metadata.MD) error  { return nil }
func (w *watchStream) SendHeader(metadata.MD) error { return nil }
func (w *watchStream) SetTrailer(metadata.MD)       {}

func TestWatchStreamsChanges(t *testing.T) {
	hs := newHealthServer(t, map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{
		BrokerService: grpc_health_v1.HealthCheckResponse_SERVING,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := &watchStream{ctx: ctx, sent: make(chan grpc_health_v1.HealthCheckResponse_ServingStatus, 8)}

	done := make(chan error, 1)
	go func() {
		done <- hs.Watch(&grpc_health_v1.HealthCheckRequest{Service: BrokerService}, stream)
	}()

	expect := func(want grpc_health_v1.HealthCheckResponse_ServingStatus) {
		t.Helper()
		select {
		case got := <-stream.sent:
			if got != want {
				t.Fatalf("Expected %v, got %v", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("No status sent, wanted %v", want)
		}
	}

	expect(grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetNotServing(BrokerService)
	expect(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	hs.SetServing(BrokerService)
	expect(grpc_health_v1.HealthCheckResponse_SERVING)

	hs.Shutdown()
	expect(grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after shutdown")
	}
}

type fakeLiveness struct {
	stopped chan struct{}
	done    chan struct{}
}

func newFakeLiveness() *fakeLiveness {
	return &fakeLiveness{stopped: make(chan struct{}), done: make(chan struct{})}
}

func (f *fakeLiveness) IsRunning() bool {
	select {
	case <-f.stopped:
		return false
	case <-f.done:
		return false
	default:
		return true
	}
}

func (f *fakeLiveness) Stopped() <-chan struct{} { return f.stopped }

func (f *fakeLiveness) Done() <-chan struct{} { return f.done }

func TestTrack(t *testing.T) {
	hs := newHealthServer(t, nil)
	src := newFakeLiveness()

	returned := make(chan struct{})
	go func() {
		hs.Track(context.Background(), BrokerService, src)
		close(returned)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !hs.IsServing(BrokerService) {
		if time.Now().After(deadline) {
			t.Fatal("service never became SERVING")
		}
		time.Sleep(10 * time.Millisecond)
	}

	close(src.done)
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Track did not return")
	}
	if hs.GetStatus(BrokerService) != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Expected NOT_SERVING, got %v", hs.GetStatus(BrokerService))
	}
}

func TestServerAndProbe(t *testing.T) {
	hs := newHealthServer(t, map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{
		BrokerService: grpc_health_v1.HealthCheckResponse_SERVING,
	})
	addr := endpoint.Unix(filepath.Join(t.TempDir(), "health.sock"))

	srv, err := NewServer(addr, hs, logger.NewDiscard())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Stop(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := Check(ctx, srv.Addr(), BrokerService)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if st != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("Expected SERVING, got %v", st)
	}

	hs.SetNotServing(BrokerService)
	st, err = Check(ctx, srv.Addr(), BrokerService)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if st != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Expected NOT_SERVING, got %v", st)
	}

	if err := srv.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := Check(ctx, addr, BrokerService); !types.IsErrCode(err, types.ErrCodeUnavailable) {
		t.Errorf("Expected UNAVAILABLE after stop, got %v", err)
	}
}

func TestNewServerValidation(t *testing.T) {
	if _, err := NewServer(endpoint.Address{}, newHealthServer(t, nil), nil); !types.IsErrCode(err, types.ErrCodeInvalidArgument) {
		t.Errorf("Expected INVALID_ARGUMENT for empty address, got %v", err)
	}
	if _, err := NewServer(endpoint.TCP("127.0.0.1:0"), nil, nil); !types.IsErrCode(err, types.ErrCodeInvalidArgument) {
		t.Errorf("Expected INVALID_ARGUMENT for nil health server, got %v", err)
	}
}

func TestTrackLoopStoppedWithoutShutdown(t *testing.T) {
	hs := newHealthServer(t, nil)
	src := newFakeLiveness()

	returned := make(chan struct{})
	go func() {
		hs.Track(context.Background(), BrokerService, src)
		close(returned)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !hs.IsServing(BrokerService) {
		if time.Now().After(deadline) {
			t.Fatal("service never became SERVING")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The loop dies on its own; shutdown never runs
	close(src.stopped)
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Track did not return after the loop stopped")
	}
	if hs.GetStatus(BrokerService) != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Expected NOT_SERVING, got %v", hs.GetStatus(BrokerService))
	}
}
