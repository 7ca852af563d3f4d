// Package subscriber is the client side of a subscription: it registers
// an address with a broker and reads the payloads delivered there.
package subscriber

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/billm/fanout/internal/logger"
	"github.com/billm/fanout/pkg/control"
	"github.com/billm/fanout/pkg/endpoint"
	"github.com/billm/fanout/pkg/types"
)

// Receiver reads payloads from a subscriber endpoint
type Receiver struct {
	addr     endpoint.Address
	conn     net.Conn
	maxFrame int
	logger   *logger.Logger

	mu       sync.Mutex
	closed   bool
	broken   bool
	received int64
	// pending counts bytes consumed by the read in progress
	pending int
}

// countingReader reads from the receiver's connection and records how
// many bytes the frame in progress has consumed
type countingReader struct{ r *Receiver }

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.r.conn.Read(p)
	c.r.mu.Lock()
	c.r.pending += n
	c.r.mu.Unlock()
	return n, err
}

// Dial connects to a delivery worker listening at addr. maxFrame <= 0
// uses endpoint.DefaultMaxFrameSize.
func Dial(ctx context.Context, addr endpoint.Address, maxFrame int, log *logger.Logger) (*Receiver, error) {
	if log == nil {
		log = logger.NewDiscard()
	}

	conn, err := endpoint.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	return &Receiver{
		addr:     addr,
		conn:     conn,
		maxFrame: maxFrame,
		logger:   log.With("component", "receiver", "address", addr.String()),
	}, nil
}

// Subscribe registers self with the broker at controlAddr and connects
// to it once acknowledged
func Subscribe(ctx context.Context, controlAddr, self endpoint.Address, maxFrame int, log *logger.Logger) (*Receiver, error) {
	if err := control.Subscribe(ctx, controlAddr, self); err != nil {
		return nil, err
	}
	return Dial(ctx, self, maxFrame, log)
}

// Next blocks for the next payload. It returns io.EOF once the worker
// has closed the connection. A canceled read that had not consumed any
// bytes leaves the receiver usable; one canceled in the middle of a frame
// closes it, because the stream can no longer be resynchronized, and
// later calls fail with ErrCodeFailedPrecondition.
func (r *Receiver) Next(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	if r.broken {
		r.mu.Unlock()
		return nil, types.NewError(types.ErrCodeFailedPrecondition,
			"receiver closed after a read was canceled mid-frame")
	}
	r.pending = 0
	r.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = r.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	payload, err := endpoint.ReadFrame(countingReader{r}, r.maxFrame)
	if err != nil {
		if ctx.Err() != nil {
			r.mu.Lock()
			partial := r.pending > 0
			if partial {
				r.broken = true
			}
			r.mu.Unlock()

			if partial {
				r.logger.Warn("Read canceled mid-frame, closing receiver")
				_ = r.Close()
			} else {
				_ = r.conn.SetReadDeadline(time.Time{})
			}
			return nil, types.WrapError(types.ErrCodeCanceled, "receive canceled", ctx.Err())
		}
		if errors.Is(err, io.EOF) || r.isClosed() {
			return nil, io.EOF
		}
		return nil, err
	}

	r.mu.Lock()
	r.received++
	r.mu.Unlock()
	return payload, nil
}

// Run calls handle for each payload until the connection ends, ctx is
// done or handle returns an error. A connection closed by the broker is
// a normal end and returns nil.
func (r *Receiver) Run(ctx context.Context, handle func([]byte) error) error {
	for {
		payload, err := r.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.logger.Debug("Delivery connection closed", "received", r.Received())
				return nil
			}
			return err
		}
		if err := handle(payload); err != nil {
			return err
		}
	}
}

// Received returns the number of payloads read so far
func (r *Receiver) Received() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received
}

// Address returns the endpoint this receiver is connected to
func (r *Receiver) Address() endpoint.Address {
	return r.addr
}

// Close closes the connection. The worker notices and, depending on its
// configuration, ends or waits for a new client.
func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.conn.Close()
}

func (r *Receiver) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
