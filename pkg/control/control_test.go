package control

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/billm/fanout/pkg/endpoint"
	"github.com/billm/fanout/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]byte(ShutdownSentinel))
	require.NoError(t, err)
	assert.Equal(t, KindShutdown, req.Kind)

	addr := endpoint.Unix("/tmp/sub.sock")
	payload, err := endpoint.EncodeAddress(addr)
	require.NoError(t, err)
	req, err = ParseRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, KindSubscribe, req.Kind)
	assert.Equal(t, addr, req.Address)

	_, err = ParseRequest([]byte("garbage"))
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalid))

	_, err = ParseRequest([]byte(`{"network":"udp","address":"x"}`))
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestSentinelIsNotAnAddress(t *testing.T) {
	_, err := endpoint.DecodeAddress([]byte(ShutdownSentinel))
	assert.Error(t, err)
}

func TestReplyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAck(&buf))
	frame, err := endpoint.ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.NoError(t, ParseReply(frame))

	buf.Reset()
	require.NoError(t, WriteError(&buf, types.NewError(types.ErrCodeAddressInUse, "address in use")))
	frame, err = endpoint.ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "err: ADDRESS_IN_USE: address in use", string(frame))
	err = ParseReply(frame)
	assert.True(t, types.IsErrCode(err, types.ErrCodeAddressInUse))
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		code  string
	}{
		{"ack", "ok", ""},
		{"coded error", "err: QUEUE_FULL: queue is full", types.ErrCodeQueueFull},
		{"plain error", "err: something broke", types.ErrCodeFailedPrecondition},
		{"lowercase prefix is not a code", "err: bad: thing", types.ErrCodeFailedPrecondition},
		{"unexpected", "hello", types.ErrCodeInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ParseReply([]byte(tt.reply))
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.code, types.GetErrorCode(err))
		})
	}
}

// fakeBroker answers a single control request with reply, or closes the
// connection without replying when reply is nil
func fakeBroker(t *testing.T, reply []byte) (endpoint.Address, <-chan Request) {
	t.Helper()
	addr := endpoint.Unix(filepath.Join(t.TempDir(), "ctl.sock"))
	ln, err := endpoint.Listen(addr)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	got := make(chan Request, 1)
	go func() {
		conn, err := ln.Accept(context.Background(), 2*time.Second)
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := ReadRequest(conn, 0)
		if err != nil {
			return
		}
		got <- req
		if reply != nil {
			_ = endpoint.WriteFrame(conn, reply)
		}
	}()
	return addr, got
}

func TestSubscribe(t *testing.T) {
	control, got := fakeBroker(t, []byte(Ack))
	self := endpoint.TCP("127.0.0.1:7001")

	require.NoError(t, Subscribe(context.Background(), control, self))
	req := <-got
	assert.Equal(t, KindSubscribe, req.Kind)
	assert.Equal(t, self, req.Address)
}

func TestSubscribeRejected(t *testing.T) {
	control, _ := fakeBroker(t, []byte("err: ADDRESS_IN_USE: taken"))
	err := Subscribe(context.Background(), control, endpoint.TCP("127.0.0.1:7001"))
	assert.True(t, types.IsErrCode(err, types.ErrCodeAddressInUse))
}

func TestSubscribeInvalidSelf(t *testing.T) {
	err := Subscribe(context.Background(), endpoint.Unix("/nonexistent/ctl.sock"), endpoint.Address{})
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestSubscribeNoBroker(t *testing.T) {
	control := endpoint.Unix(filepath.Join(t.TempDir(), "missing.sock"))
	err := Subscribe(context.Background(), control, endpoint.TCP("127.0.0.1:7001"))
	assert.True(t, types.IsErrCode(err, types.ErrCodeTransport))
}

func TestRequestShutdown(t *testing.T) {
	control, got := fakeBroker(t, nil)
	require.NoError(t, RequestShutdown(context.Background(), control, true))
	assert.Equal(t, KindShutdown, (<-got).Kind)
}

func TestRequestShutdownNoBroker(t *testing.T) {
	control := endpoint.Unix(filepath.Join(t.TempDir(), "gone.sock"))
	err := RequestShutdown(context.Background(), control, false)
	assert.True(t, types.IsErrCode(err, types.ErrCodeTransport))
}
