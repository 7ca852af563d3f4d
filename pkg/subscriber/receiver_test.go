package subscriber

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/billm/fanout/internal/config"
	"github.com/billm/fanout/internal/logger"
	"github.com/billm/fanout/pkg/broker"
	"github.com/billm/fanout/pkg/delivery"
	"github.com/billm/fanout/pkg/endpoint"
	"github.com/billm/fanout/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWorker(t *testing.T) *delivery.Worker {
	t.Helper()
	addr := endpoint.Unix(filepath.Join(t.TempDir(), "r.sock"))
	w, err := delivery.New(addr, delivery.Config{AcceptTimeout: 5 * time.Second}, logger.NewDiscard())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop(time.Second) })
	return w
}

func TestReceiverNext(t *testing.T) {
	w := startWorker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := Dial(ctx, w.Address(), 0, nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, w.Enqueue(ctx, []byte("a"), false, 0))
	require.NoError(t, w.Enqueue(ctx, []byte("b"), false, 0))

	got, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", string(got))
	got, err = r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", string(got))
	assert.EqualValues(t, 2, r.Received())
	assert.Equal(t, w.Address(), r.Address())
}

func TestReceiverNextCanceled(t *testing.T) {
	w := startWorker(t)
	r, err := Dial(context.Background(), w.Address(), 0, nil)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = r.Next(ctx)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))

	// Still usable after a canceled read
	require.NoError(t, w.Enqueue(context.Background(), []byte("late"), false, 0))
	got, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", string(got))
}

func TestReceiverCanceledMidFrameIsClosed(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	r := &Receiver{
		addr:   endpoint.Unix("/pipe"),
		conn:   client,
		logger: logger.NewDiscard(),
	}
	defer r.Close()

	// Header announces 10 bytes but only 3 arrive before the cancel
	partial := make([]byte, 4, 7)
	binary.BigEndian.PutUint32(partial, 10)
	partial = append(partial, "abc"...)
	go func() { _, _ = server.Write(partial) }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := r.Next(ctx)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))

	// The rest of the stream must not be parsed as a fresh frame
	_, err = r.Next(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition), "got %v", err)
	assert.True(t, r.isClosed())
	assert.EqualValues(t, 0, r.Received())
}

func TestReceiverEOFWhenWorkerStops(t *testing.T) {
	w := startWorker(t)
	r, err := Dial(context.Background(), w.Address(), 0, nil)
	require.NoError(t, err)
	defer r.Close()

	require.Eventually(t, func() bool { return w.Stats().Connected }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, w.Stop(time.Second))

	_, err = r.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestReceiverRun(t *testing.T) {
	w := startWorker(t)
	r, err := Dial(context.Background(), w.Address(), 0, nil)
	require.NoError(t, err)
	defer r.Close()

	for _, s := range []string{"1", "2", "3"} {
		require.NoError(t, w.Enqueue(context.Background(), []byte(s), false, 0))
	}

	var got []string
	errDone := make(chan error, 1)
	go func() {
		errDone <- r.Run(context.Background(), func(p []byte) error {
			got = append(got, string(p))
			if len(got) == 3 {
				go func() { _ = w.Stop(time.Second) }()
			}
			return nil
		})
	}()

	select {
	case err := <-errDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, []string{"1", "2", "3"}, got)
}

func TestSubscribeThroughBroker(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultBrokerConfig()
	cfg.ControlAddress = endpoint.Unix(filepath.Join(dir, "ctl.sock"))
	cfg.AcceptTimeout = 5 * time.Second

	b, err := broker.New(cfg, logger.NewDiscard(), nil)
	require.NoError(t, err)
	require.NoError(t, b.Start())
	defer b.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	self := endpoint.Unix(filepath.Join(dir, "me.sock"))
	r, err := Subscribe(ctx, b.ControlAddress(), self, 0, nil)
	require.NoError(t, err)
	defer r.Close()

	w, ok := b.Worker(self)
	require.True(t, ok)
	require.Eventually(t, func() bool { return w.Stats().Connected }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Publish(ctx, []byte("hello")))
	got, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestDialNothingListening(t *testing.T) {
	_, err := Dial(context.Background(), endpoint.Unix(filepath.Join(t.TempDir(), "none.sock")), 0, nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeTransport))
}
