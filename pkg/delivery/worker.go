// Package delivery implements the per-subscriber delivery worker.
//
// A Worker owns one listening endpoint and one bounded queue. Its loop
// accepts a single client at a time and forwards queued payloads to it in
// FIFO order. A worker whose client never shows up within the accept
// timeout abandons itself: it stops running and releases its endpoint.
package delivery

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/billm/fanout/internal/logger"
	"github.com/billm/fanout/pkg/endpoint"
	"github.com/billm/fanout/pkg/queue"
	"github.com/billm/fanout/pkg/types"
)

const (
	// forceGrace is how long Stop waits after forcibly closing the
	// connection and listener
	forceGrace = time.Second
	// acceptRetryDelay throttles the loop after a transient accept failure
	acceptRetryDelay = 50 * time.Millisecond
)

// End reasons reported by Worker.Stats
const (
	ReasonStopped      = "stopped"
	ReasonAbandoned    = "accept timeout"
	ReasonDisconnected = "peer disconnected"
	ReasonFailed       = "failed"
)

// Observer receives worker lifecycle and delivery events. Implementations
// must be safe for concurrent use.
type Observer interface {
	ClientConnected(addr endpoint.Address)
	ClientDisconnected(addr endpoint.Address)
	FrameDelivered(addr endpoint.Address, size int)
	DeliveryFailed(addr endpoint.Address)
	WorkerAbandoned(addr endpoint.Address)
}

type nopObserver struct{}

func (nopObserver) ClientConnected(endpoint.Address)     {}
func (nopObserver) ClientDisconnected(endpoint.Address)  {}
func (nopObserver) FrameDelivered(endpoint.Address, int) {}
func (nopObserver) DeliveryFailed(endpoint.Address)      {}
func (nopObserver) WorkerAbandoned(endpoint.Address)     {}

// Config contains worker settings
type Config struct {
	// QueueCapacity bounds the queue; 0 means unbounded
	QueueCapacity int
	// AcceptTimeout is how long to wait for a client; 0 waits forever
	AcceptTimeout time.Duration
	// WriteTimeout bounds sending one frame; 0 means no deadline
	WriteTimeout time.Duration
	// ReacceptOnDisconnect returns to accepting after the client leaves
	// instead of ending the worker
	ReacceptOnDisconnect bool
	Observer             Observer
}

// Worker delivers queued payloads to the one client connected at its address
type Worker struct {
	id     types.ID
	addr   endpoint.Address
	cfg    Config
	queue  *queue.Queue
	logger *logger.Logger
	obs    Observer

	mu        sync.Mutex
	started   bool
	running   bool
	status    types.Status
	reason    string
	err       error
	listener  *endpoint.Listener
	conn      net.Conn
	startedAt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	delivered atomic.Int64
	accepted  atomic.Int64
}

// New creates a worker for addr. Nothing is bound until Start.
func New(addr endpoint.Address, cfg Config, log *logger.Logger) (*Worker, error) {
	if err := addr.Validate(); err != nil {
		return nil, err
	}
	if cfg.QueueCapacity < 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "queue capacity cannot be negative")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}

	id := types.GenerateID()
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		id:     id,
		addr:   addr,
		cfg:    cfg,
		queue:  queue.New(cfg.QueueCapacity),
		logger: log.With("component", "delivery_worker", "address", addr.String(), "worker_id", id.String()),
		obs:    obs,
		status: types.StatusStarting,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// Start binds the listening endpoint and launches the delivery loop.
// It fails with ErrCodeAddressInUse when the address is already bound.
// A worker can only be started once.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return types.NewError(types.ErrCodeFailedPrecondition, "worker already started")
	}

	ln, err := endpoint.Listen(w.addr)
	if err != nil {
		w.status = types.StatusError
		w.err = err
		return err
	}

	w.listener = ln
	w.started = true
	w.running = true
	w.status = types.StatusRunning
	w.startedAt = time.Now()

	go w.run()

	w.logger.Debug("Delivery worker started",
		"queue_capacity", w.cfg.QueueCapacity,
		"accept_timeout", w.cfg.AcceptTimeout.String())
	return nil
}

// Enqueue adds item to the worker's queue. See queue.Queue.Put for the
// meaning of block and timeout. A worker that is no longer running
// rejects items with ErrCodeUnavailable.
func (w *Worker) Enqueue(ctx context.Context, item []byte, block bool, timeout time.Duration) error {
	if !w.isRunning() {
		return types.NewError(types.ErrCodeUnavailable, "worker is not running")
	}

	if err := w.queue.Put(ctx, item, block, timeout); err != nil {
		if types.IsErrCode(err, types.ErrCodeQueueClosed) {
			return types.WrapError(types.ErrCodeUnavailable, "worker is not running", err)
		}
		return err
	}
	return nil
}

// IsAlive reports whether the delivery loop is executing
func (w *Worker) IsAlive() bool {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return false
	}

	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Done is closed when the delivery loop has exited
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Stop clears the running flag and waits up to timeout for the loop to
// exit (timeout <= 0 waits indefinitely). If the loop is still going, the
// connection and listener are closed under it; ErrCodeTimeout is returned
// only when even that does not end the loop. Stopping a worker that never
// started or already ended is a no-op.
func (w *Worker) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	w.queue.Close()

	if timeout <= 0 {
		<-w.done
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return nil
	case <-timer.C:
	}

	w.logger.Warn("Delivery worker did not stop in time, forcing", "timeout", timeout.String())
	w.forceClose()

	select {
	case <-w.done:
		return nil
	case <-time.After(forceGrace):
		return types.NewError(types.ErrCodeTimeout,
			fmt.Sprintf("worker for %s did not stop within %s", w.addr, timeout))
	}
}

// Address returns the endpoint this worker listens on
func (w *Worker) Address() endpoint.Address {
	return w.addr
}

// ID returns the worker instance ID
func (w *Worker) ID() types.ID {
	return w.id
}

// Err returns the error that ended the loop, if any
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Worker) isRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) forceClose() {
	w.mu.Lock()
	conn := w.conn
	ln := w.listener
	w.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if ln != nil {
		ln.Close()
	}
}

func (w *Worker) finish(status types.Status, reason string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
	w.status = status
	if w.reason == "" {
		w.reason = reason
	}
	if err != nil && w.err == nil {
		w.err = err
	}
}

// run is the delivery loop
func (w *Worker) run() {
	defer close(w.done)
	defer func() {
		w.queue.Close()
		if err := w.listener.Close(); err != nil {
			w.logger.Warn("Failed to close listener", "error", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err := types.NewError(types.ErrCodeInternal, fmt.Sprintf("delivery loop panic: %v", r))
			w.logger.Error("Delivery worker crashed", "error", err)
			w.finish(types.StatusError, ReasonFailed, err)
		}
	}()

	for w.isRunning() {
		conn, err := w.listener.Accept(w.ctx, w.cfg.AcceptTimeout)
		if err != nil {
			switch {
			case types.IsErrCode(err, types.ErrCodeTimeout):
				w.abandon()
				return
			case types.IsErrCode(err, types.ErrCodeCanceled), types.IsErrCode(err, types.ErrCodeUnavailable):
				w.finish(types.StatusStopped, ReasonStopped, nil)
				return
			default:
				w.logger.Warn("Accept failed, retrying", "error", err)
				select {
				case <-time.After(acceptRetryDelay):
				case <-w.ctx.Done():
				}
				continue
			}
		}

		w.accepted.Add(1)
		w.obs.ClientConnected(w.addr)
		w.logger.Info("Subscriber connected")

		peerGone := w.forward(conn)
		w.obs.ClientDisconnected(w.addr)

		if !peerGone {
			w.finish(types.StatusStopped, ReasonStopped, nil)
			return
		}
		w.logger.Info("Subscriber disconnected", "reaccept", w.cfg.ReacceptOnDisconnect)
		if !w.cfg.ReacceptOnDisconnect {
			w.finish(types.StatusTerminated, ReasonDisconnected, nil)
			return
		}
	}

	w.finish(types.StatusStopped, ReasonStopped, nil)
}

// abandon runs when no client connected within the accept timeout. The
// listener is released by run's deferred cleanup, which also unlinks a
// unix socket file.
func (w *Worker) abandon() {
	w.logger.Info("No subscriber connected before accept timeout, abandoning",
		"accept_timeout", w.cfg.AcceptTimeout.String(),
		"dropped", w.queue.Len())
	w.finish(types.StatusTerminated, ReasonAbandoned, nil)
	w.obs.WorkerAbandoned(w.addr)
}

// forward sends queued items to conn until the peer goes away (returns
// true) or the worker is stopped (returns false). conn is closed on return.
func (w *Worker) forward(conn net.Conn) bool {
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	connCtx, cancel := context.WithCancel(w.ctx)
	stopClose := context.AfterFunc(w.ctx, func() { conn.Close() })
	defer func() {
		stopClose()
		cancel()
		conn.Close()
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
	}()

	// Subscribers never write on the data channel, so any read result
	// means the peer closed or the connection broke.
	go func() {
		_, _ = io.Copy(io.Discard, conn)
		cancel()
	}()

	for {
		item, err := w.queue.Get(connCtx)
		if err != nil {
			return w.ctx.Err() == nil && !w.queue.IsClosed()
		}
		if w.ctx.Err() != nil {
			return false
		}

		if w.cfg.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
		}
		if err := endpoint.WriteFrame(conn, item); err != nil {
			if w.ctx.Err() != nil {
				return false
			}
			w.obs.DeliveryFailed(w.addr)
			w.logger.Warn("Failed to deliver payload", "error", err, "size", len(item))
			return true
		}

		w.delivered.Add(1)
		w.obs.FrameDelivered(w.addr, len(item))
	}
}

// Stats returns a snapshot of the worker's state
func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return WorkerStats{
		ID:        w.id,
		Address:   w.addr,
		Status:    w.status,
		EndReason: w.reason,
		Connected: w.conn != nil,
		Queued:    w.queue.Len(),
		Capacity:  w.queue.Cap(),
		Delivered: w.delivered.Load(),
		Accepted:  w.accepted.Load(),
		StartedAt: w.startedAt,
	}
}

// String returns a string representation of the worker
func (w *Worker) String() string {
	s := w.Stats()
	return fmt.Sprintf("Worker{Address: %s, Status: %s, Queued: %d, Delivered: %d}",
		s.Address, s.Status, s.Queued, s.Delivered)
}

// WorkerStats represents worker statistics
type WorkerStats struct {
	ID        types.ID         `json:"id"`
	Address   endpoint.Address `json:"address"`
	Status    types.Status     `json:"status"`
	EndReason string           `json:"end_reason,omitempty"`
	Connected bool             `json:"connected"`
	Queued    int              `json:"queued"`
	Capacity  int              `json:"capacity"`
	Delivered int64            `json:"delivered"`
	Accepted  int64            `json:"accepted"`
	StartedAt time.Time        `json:"started_at"`
}
