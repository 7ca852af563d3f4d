package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/billm/fanout/pkg/types"
)

// staleProbeTimeout bounds the dial used to decide whether an existing unix
// socket file still has a live owner.
const staleProbeTimeout = 200 * time.Millisecond

// deadliner is implemented by *net.TCPListener and *net.UnixListener
type deadliner interface {
	SetDeadline(t time.Time) error
}

// Listener is a bound endpoint that supports cancelable accepts
type Listener struct {
	addr      Address
	ln        net.Listener
	closeOnce sync.Once
	closeErr  error
}

// Listen binds addr. It fails with ErrCodeAddressInUse if the endpoint is
// already owned by a live listener. A leftover unix socket file with no
// listener behind it is removed first.
func Listen(addr Address) (*Listener, error) {
	if err := addr.Validate(); err != nil {
		return nil, err
	}

	if addr.Network == NetworkUnix {
		if err := clearStaleSocket(addr.Addr); err != nil {
			return nil, err
		}
	}

	ln, err := net.Listen(string(addr.Network), addr.Addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, types.WrapError(types.ErrCodeAddressInUse,
				fmt.Sprintf("address already in use: %s", addr), err)
		}
		return nil, types.WrapError(types.ErrCodeTransport,
			fmt.Sprintf("failed to listen on %s", addr), err)
	}

	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(true)
	}

	return &Listener{addr: addr, ln: ln}, nil
}

// clearStaleSocket removes a socket file that no process is accepting on
func clearStaleSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return types.WrapError(types.ErrCodeTransport, "failed to stat socket path", err)
	}

	if info.Mode()&os.ModeSocket == 0 {
		return types.NewError(types.ErrCodeAddressInUse,
			fmt.Sprintf("path exists and is not a socket: %s", path))
	}

	conn, err := net.DialTimeout("unix", path, staleProbeTimeout)
	if err == nil {
		conn.Close()
		return types.NewError(types.ErrCodeAddressInUse,
			fmt.Sprintf("address already in use: unix:%s", path))
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return types.WrapError(types.ErrCodeTransport, "failed to remove stale socket file", err)
	}
	return nil
}

// Addr returns the bound address. For TCP listeners bound to port 0 the
// address carries the port chosen by the kernel.
func (l *Listener) Addr() Address {
	if l.addr.Network == NetworkTCP {
		return TCP(l.ln.Addr().String())
	}
	return l.addr
}

// Net returns the underlying net.Listener for servers that run their own
// accept loop. Closing it has the same effect as Close.
func (l *Listener) Net() net.Listener {
	return l.ln
}

// Accept waits for one connection. It returns an ErrCodeTimeout error when
// timeout elapses first (timeout <= 0 waits indefinitely), ErrCodeCanceled
// when ctx is done, and ErrCodeUnavailable once the listener is closed.
// The listener stays usable after a timeout or cancellation.
func (l *Listener) Accept(ctx context.Context, timeout time.Duration) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.ErrCodeCanceled, "accept canceled", err)
	}

	d, ok := l.ln.(deadliner)
	if !ok {
		return l.acceptByClosing(ctx, timeout)
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := d.SetDeadline(deadline); err != nil {
		return nil, l.classify(ctx, err)
	}

	// Cancellation moves the deadline into the past, which wakes Accept.
	stop := context.AfterFunc(ctx, func() {
		_ = d.SetDeadline(time.Unix(1, 0))
	})
	conn, err := l.ln.Accept()
	stop()

	if err != nil {
		return nil, l.classify(ctx, err)
	}
	return conn, nil
}

// acceptByClosing serves listeners without deadline support. The only way
// to interrupt them is closing, so a timeout or cancellation consumes the
// listener.
func (l *Listener) acceptByClosing(ctx context.Context, timeout time.Duration) (net.Conn, error) {
	var timedOut bool
	var mu sync.Mutex

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			mu.Lock()
			timedOut = true
			mu.Unlock()
			l.Close()
		})
		defer timer.Stop()
	}

	conn, err := l.ln.Accept()
	if err != nil {
		mu.Lock()
		expired := timedOut
		mu.Unlock()
		if expired {
			return nil, types.WrapError(types.ErrCodeTimeout, "accept timed out", err)
		}
		return nil, l.classify(ctx, err)
	}
	return conn, nil
}

func (l *Listener) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return types.WrapError(types.ErrCodeCanceled, "accept canceled", ctx.Err())
	}
	if errors.Is(err, net.ErrClosed) {
		return types.WrapError(types.ErrCodeUnavailable, "listener closed", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return types.WrapError(types.ErrCodeTimeout, "accept timed out", err)
	}
	return types.WrapError(types.ErrCodeTransport, "accept failed", err)
}

// Close releases the endpoint. Unix socket files are unlinked. Safe to call
// more than once.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		if err := l.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			l.closeErr = types.WrapError(types.ErrCodeTransport, "failed to close listener", err)
		}
	})
	return l.closeErr
}

// Dial connects to addr
func Dial(ctx context.Context, addr Address) (net.Conn, error) {
	if err := addr.Validate(); err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, string(addr.Network), addr.Addr)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeTransport,
			fmt.Sprintf("failed to connect to %s", addr), err)
	}
	return conn, nil
}
