package endpoint

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/billm/fanout/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempSocket(t *testing.T, name string) Address {
	t.Helper()
	return Unix(filepath.Join(t.TempDir(), name))
}

func TestListenUnixAndDial(t *testing.T) {
	addr := tempSocket(t, "a.sock")
	ln, err := Listen(addr)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept(context.Background(), 2*time.Second)
		if err == nil {
			accepted <- conn
		}
	}()

	conn, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case server := <-accepted:
		server.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not return")
	}
}

func TestListenAddressInUse(t *testing.T) {
	addr := tempSocket(t, "busy.sock")
	ln, err := Listen(addr)
	require.NoError(t, err)
	defer ln.Close()

	_, err = Listen(addr)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeAddressInUse))
}

func TestListenTCPAddressInUse(t *testing.T) {
	ln, err := Listen(TCP("127.0.0.1:0"))
	require.NoError(t, err)
	defer ln.Close()

	_, err = Listen(ln.Addr())
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeAddressInUse))
}

func TestListenRemovesStaleSocket(t *testing.T) {
	addr := tempSocket(t, "stale.sock")

	raw, err := net.Listen("unix", addr.Addr)
	require.NoError(t, err)
	raw.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, raw.Close())

	_, err = os.Stat(addr.Addr)
	require.NoError(t, err, "socket file should be left behind")

	ln, err := Listen(addr)
	require.NoError(t, err)
	ln.Close()
}

func TestListenRejectsRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	_, err := Listen(Unix(path))
	assert.True(t, types.IsErrCode(err, types.ErrCodeAddressInUse))
}

func TestCloseUnlinksSocket(t *testing.T) {
	addr := tempSocket(t, "unlink.sock")
	ln, err := Listen(addr)
	require.NoError(t, err)

	require.NoError(t, ln.Close())
	require.NoError(t, ln.Close())

	_, err = os.Stat(addr.Addr)
	assert.True(t, os.IsNotExist(err))
}

func TestAcceptTimeout(t *testing.T) {
	ln, err := Listen(tempSocket(t, "timeout.sock"))
	require.NoError(t, err)
	defer ln.Close()

	start := time.Now()
	_, err = ln.Accept(context.Background(), 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	// The listener survives a timeout.
	go func() {
		conn, err := Dial(context.Background(), ln.Addr())
		if err == nil {
			conn.Close()
		}
	}()
	conn, err := ln.Accept(context.Background(), 2*time.Second)
	require.NoError(t, err)
	conn.Close()
}

func TestAcceptCanceled(t *testing.T) {
	ln, err := Listen(TCP("127.0.0.1:0"))
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := ln.Accept(ctx, 0)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))
	case <-time.After(2 * time.Second):
		t.Fatal("accept was not interrupted by cancellation")
	}

	_, err = ln.Accept(ctx, 0)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))
}

func TestAcceptAfterClose(t *testing.T) {
	ln, err := Listen(tempSocket(t, "closed.sock"))
	require.NoError(t, err)
	ln.Close()

	_, err = ln.Accept(context.Background(), time.Second)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}

func TestDialNothingListening(t *testing.T) {
	_, err := Dial(context.Background(), tempSocket(t, "nobody.sock"))
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeTransport))
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{[]byte(`{"x":1}`), {}, []byte("hello")}
	for _, p := range payloads {
		require.NoError(t, WriteFrame(&buf, p))
	}

	for _, want := range payloads {
		got, err := ReadFrame(&buf, 0)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ReadFrame(&buf, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameErrors(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("0123456789")))

	_, err := ReadFrame(bytes.NewReader(buf.Bytes()), 4)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalid))

	_, err = ReadFrame(bytes.NewReader(buf.Bytes()[:7]), 0)
	assert.True(t, types.IsErrCode(err, types.ErrCodeTransport))

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0}), 0)
	assert.True(t, types.IsErrCode(err, types.ErrCodeTransport))
}
