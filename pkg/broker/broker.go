// Package broker implements the fan-out broker: it owns the control
// endpoint, keeps one delivery worker per subscriber address and copies
// every published payload onto each live worker's queue.
package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/billm/fanout/internal/config"
	"github.com/billm/fanout/internal/logger"
	"github.com/billm/fanout/pkg/control"
	"github.com/billm/fanout/pkg/delivery"
	"github.com/billm/fanout/pkg/endpoint"
	"github.com/billm/fanout/pkg/metrics"
	"github.com/billm/fanout/pkg/types"
)

// Detach reasons, also used as metric labels
const (
	reasonDetached = "detached"
	reasonDead     = "dead"
	reasonReplaced = "replaced"
	reasonShutdown = "shutdown"
)

type subscription struct {
	worker     *delivery.Worker
	attachedAt time.Time
}

// Broker fans published payloads out to attached subscribers
type Broker struct {
	logger   *logger.Logger
	metrics  *metrics.Metrics
	listener *endpoint.Listener
	control  endpoint.Address

	// opMu serializes attach and detach so a subscriber is never started
	// and stopped concurrently. Publish only takes mu.
	opMu sync.Mutex
	mu   sync.RWMutex
	cfg  config.BrokerConfig
	subs map[endpoint.Address]*subscription

	started  bool
	closing  bool
	loopErr  error
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
	shutdownDone chan struct{}

	createdAt time.Time
	published atomic.Int64
	evicted   atomic.Int64
	attached  atomic.Int64
}

// New creates a broker and binds its control endpoint. The control loop
// does not run until Start.
func New(cfg config.BrokerConfig, log *logger.Logger, m *metrics.Metrics) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	ln, err := endpoint.Listen(cfg.ControlAddress)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		logger:       log.With("component", "broker"),
		metrics:      m,
		listener:     ln,
		control:      ln.Addr(),
		cfg:          cfg,
		subs:         make(map[endpoint.Address]*subscription),
		ctx:          ctx,
		cancel:       cancel,
		loopDone:     make(chan struct{}),
		shutdownDone: make(chan struct{}),
		createdAt:    time.Now(),
	}

	b.logger.Info("Broker initialized",
		"control_address", b.control.String(),
		"queue_capacity", cfg.QueueCapacity,
		"accept_timeout", cfg.AcceptTimeout.String())
	return b, nil
}

// Start launches the control loop
func (b *Broker) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closing {
		return types.NewError(types.ErrCodeUnavailable, "broker is shut down")
	}
	if b.started {
		return types.NewError(types.ErrCodeFailedPrecondition, "broker already started")
	}
	b.started = true

	go b.controlLoop()
	b.logger.Info("Control loop started")
	return nil
}

// ControlAddress returns the bound control endpoint
func (b *Broker) ControlAddress() endpoint.Address {
	return b.control
}

// Attach starts a delivery worker for addr. Attaching an address whose
// worker is alive is a no-op; a dead worker is replaced. Nothing is
// recorded when the worker fails to start.
func (b *Broker) Attach(addr endpoint.Address) error {
	if err := addr.Validate(); err != nil {
		return err
	}
	if addr == b.control {
		return types.NewError(types.ErrCodeInvalidArgument, "subscriber address cannot be the control address")
	}

	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.mu.RLock()
	closing := b.closing
	existing := b.subs[addr]
	cfg := b.cfg
	b.mu.RUnlock()

	if closing {
		return types.NewError(types.ErrCodeUnavailable, "broker is shutting down")
	}

	if existing != nil {
		if existing.worker.IsAlive() {
			b.logger.Debug("Subscriber already attached", "address", addr.String())
			return nil
		}
		b.logger.Debug("Replacing dead subscriber", "address", addr.String())
		if err := b.removeLocked(addr, existing, cfg.StopTimeout, reasonReplaced); err != nil {
			return err
		}
	}

	w, err := delivery.New(addr, delivery.Config{
		QueueCapacity:        cfg.QueueCapacity,
		AcceptTimeout:        cfg.AcceptTimeout,
		WriteTimeout:         cfg.WriteTimeout,
		ReacceptOnDisconnect: cfg.ReacceptOnDisconnect,
		Observer:             b.metrics,
	}, b.logger)
	if err != nil {
		b.metrics.RecordAttachFailure(types.GetErrorCode(err))
		return err
	}
	if err := w.Start(); err != nil {
		b.metrics.RecordAttachFailure(types.GetErrorCode(err))
		b.logger.Warn("Failed to attach subscriber", "address", addr.String(), "error", err)
		return err
	}

	b.mu.Lock()
	b.subs[addr] = &subscription{worker: w, attachedAt: time.Now()}
	n := len(b.subs)
	b.mu.Unlock()

	b.attached.Add(1)
	b.metrics.RecordAttach()
	b.metrics.SetSubscribers(n)
	b.logger.Info("Subscriber attached", "address", addr.String(), "subscribers", n)
	return nil
}

// Detach stops the worker for addr and removes it. Detaching an unknown
// address is a no-op. The worker gets the configured stop timeout, cut
// short by ctx's deadline.
func (b *Broker) Detach(ctx context.Context, addr endpoint.Address) error {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.mu.RLock()
	sub := b.subs[addr]
	timeout := b.cfg.StopTimeout
	b.mu.RUnlock()

	if sub == nil {
		return nil
	}
	return b.removeLocked(addr, sub, stopTimeout(ctx, timeout), reasonDetached)
}

// removeLocked stops sub's worker and then drops the entry if it still
// refers to sub. Callers hold opMu.
func (b *Broker) removeLocked(addr endpoint.Address, sub *subscription, timeout time.Duration, reason string) error {
	stopErr := sub.worker.Stop(timeout)
	if stopErr != nil {
		b.logger.Warn("Delivery worker did not stop cleanly", "address", addr.String(), "error", stopErr)
	}

	b.mu.Lock()
	if b.subs[addr] == sub {
		delete(b.subs, addr)
	}
	n := len(b.subs)
	b.mu.Unlock()

	b.metrics.RecordDetach(reason)
	b.metrics.SetSubscribers(n)
	b.logger.Info("Subscriber detached", "address", addr.String(), "reason", reason, "subscribers", n)
	return stopErr
}

// evict detaches a subscriber found dead during publish, unless it has
// been replaced in the meantime
func (b *Broker) evict(addr endpoint.Address, sub *subscription) {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.mu.RLock()
	current := b.subs[addr]
	timeout := b.cfg.StopTimeout
	b.mu.RUnlock()

	if current != sub {
		return
	}
	b.evicted.Add(1)
	_ = b.removeLocked(addr, sub, timeout, reasonDead)
}

// Publish enqueues data on every live subscriber and evicts dead ones in
// the same pass. data is copied once and shared read-only by all workers.
// Per-subscriber enqueue failures do not stop the pass; they are returned
// together as ErrCodePartialFailure, and types.IsErrCode finds the
// individual codes (ErrCodeQueueFull, ErrCodeQueueTimeout) inside it.
func (b *Broker) Publish(ctx context.Context, data []byte) error {
	start := time.Now()

	b.mu.RLock()
	if b.closing {
		b.mu.RUnlock()
		return types.NewError(types.ErrCodeUnavailable, "broker is shut down")
	}
	blocking := b.cfg.PublishBlocking
	timeout := b.cfg.PublishTimeout
	type target struct {
		addr endpoint.Address
		sub  *subscription
	}
	targets := make([]target, 0, len(b.subs))
	for addr, sub := range b.subs {
		targets = append(targets, target{addr, sub})
	}
	b.mu.RUnlock()

	payload := bytes.Clone(data)
	if payload == nil {
		payload = []byte{}
	}

	var errs []error
	var dead []target
	enqueued := 0
	for _, t := range targets {
		if !t.sub.worker.IsAlive() {
			dead = append(dead, t)
			continue
		}
		if err := t.sub.worker.Enqueue(ctx, payload, blocking, timeout); err != nil {
			if types.IsErrCode(err, types.ErrCodeUnavailable) {
				dead = append(dead, t)
				continue
			}
			b.metrics.RecordPublishFailure(types.GetErrorCode(err))
			errs = append(errs, types.WrapError(types.GetErrorCode(err),
				fmt.Sprintf("subscriber %s", t.addr), err))
			continue
		}
		enqueued++
	}

	for _, t := range dead {
		b.logger.Debug("Evicting dead subscriber", "address", t.addr.String())
		b.evict(t.addr, t.sub)
	}

	b.published.Add(1)
	b.metrics.RecordPublish(len(payload), enqueued, time.Since(start))

	if len(errs) > 0 {
		return types.WrapError(types.ErrCodePartialFailure,
			fmt.Sprintf("publish failed for %d of %d subscribers", len(errs), len(targets)),
			errors.Join(errs...))
	}
	return nil
}

// Stop shuts the broker down through its own control channel by sending
// the shutdown sentinel, then waits for the sequence to finish or ctx to
// end. Failing to reach a control endpoint that is already closed is
// logged and ignored.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.RLock()
	started := b.started
	b.mu.RUnlock()

	if !started || b.loopExited() {
		return b.shutdown(ctx)
	}

	if err := control.RequestShutdown(ctx, b.control, false); err != nil {
		b.logger.Warn("Shutdown request not delivered", "error", err)
	}

	select {
	case <-b.loopDone:
	case <-b.shutdownDone:
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeTimeout, "broker did not stop in time", ctx.Err())
	}

	// The control loop may have died on its own before reading the
	// sentinel; finish the sequence here in that case.
	return b.shutdown(ctx)
}

// Close shuts the broker down locally without going through the control
// channel. It runs the same sequence as the sentinel.
func (b *Broker) Close(ctx context.Context) error {
	b.cancel()

	b.mu.RLock()
	started := b.started
	b.mu.RUnlock()
	if started {
		select {
		case <-b.loopDone:
		case <-ctx.Done():
			return types.WrapError(types.ErrCodeTimeout, "control loop did not exit", ctx.Err())
		}
	}
	return b.shutdown(ctx)
}

// shutdown detaches every subscriber and then releases the control
// endpoint. It runs once; later calls wait for and return the first
// result.
func (b *Broker) shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		defer close(b.shutdownDone)
		b.logger.Info("Broker shutting down")

		// Waiting for opMu lets an in-flight attach finish so its worker
		// is part of the snapshot below.
		b.opMu.Lock()
		b.mu.Lock()
		b.closing = true
		addrs := make([]endpoint.Address, 0, len(b.subs))
		for addr := range b.subs {
			addrs = append(addrs, addr)
		}
		timeout := b.cfg.StopTimeout
		b.mu.Unlock()
		b.opMu.Unlock()

		var (
			wg    sync.WaitGroup
			errMu sync.Mutex
			errs  []error
		)
		for _, addr := range addrs {
			wg.Add(1)
			go func(addr endpoint.Address) {
				defer wg.Done()
				if err := b.detachForShutdown(ctx, addr, timeout); err != nil {
					errMu.Lock()
					errs = append(errs, err)
					errMu.Unlock()
				}
			}(addr)
		}
		wg.Wait()

		b.cancel()
		if err := b.listener.Close(); err != nil {
			errs = append(errs, err)
		}

		if len(errs) > 0 {
			b.shutdownErr = types.WrapError(types.ErrCodePartialFailure, "broker shutdown incomplete", errors.Join(errs...))
		}
		b.logger.Info("Broker shut down", "detached", len(addrs), "error", b.shutdownErr)
	})

	select {
	case <-b.shutdownDone:
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeTimeout, "broker shutdown in progress", ctx.Err())
	}
	return b.shutdownErr
}

// detachForShutdown detaches addr without taking opMu for the whole
// broker so workers stop in parallel
func (b *Broker) detachForShutdown(ctx context.Context, addr endpoint.Address, timeout time.Duration) error {
	b.mu.RLock()
	sub := b.subs[addr]
	b.mu.RUnlock()
	if sub == nil {
		return nil
	}

	err := sub.worker.Stop(stopTimeout(ctx, timeout))

	b.mu.Lock()
	if b.subs[addr] == sub {
		delete(b.subs, addr)
	}
	n := len(b.subs)
	b.mu.Unlock()

	b.metrics.RecordDetach(reasonShutdown)
	b.metrics.SetSubscribers(n)
	return err
}

// controlLoop serves control requests one at a time until shutdown
func (b *Broker) controlLoop() {
	defer close(b.loopDone)

	for {
		conn, err := b.listener.Accept(b.ctx, 0)
		if err != nil {
			if types.IsErrCode(err, types.ErrCodeCanceled) || types.IsErrCode(err, types.ErrCodeUnavailable) {
				b.logger.Debug("Control loop exiting")
				return
			}
			b.mu.Lock()
			b.loopErr = err
			b.mu.Unlock()
			b.logger.Error("Control loop terminated", "error", err)
			return
		}

		if b.handleControl(conn) {
			return
		}
	}
}

// handleControl serves one control connection and reports whether the
// broker was shut down
func (b *Broker) handleControl(conn net.Conn) bool {
	defer conn.Close()

	b.mu.RLock()
	readTimeout := b.cfg.ControlTimeout
	maxFrame := b.cfg.MaxFrameSize
	b.mu.RUnlock()

	if readTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(readTimeout))
	}

	req, err := control.ReadRequest(conn, maxFrame)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			b.logger.Debug("Control client disconnected before sending a request")
			b.metrics.RecordControlRequest("unknown", "disconnected")
		case types.IsErrCode(err, types.ErrCodeTransport):
			b.logger.Warn("Failed to read control request", "error", err)
			b.metrics.RecordControlRequest("unknown", "error")
		default:
			b.logger.Warn("Rejected malformed control request", "error", err)
			b.metrics.RecordControlRequest("unknown", "rejected")
			_ = control.WriteError(conn, err)
		}
		return false
	}

	switch req.Kind {
	case control.KindShutdown:
		b.logger.Info("Shutdown requested on control channel")
		b.metrics.RecordControlRequest(string(control.KindShutdown), "ok")
		// The connection stays open until shutdown finishes so the
		// requester can wait for EOF.
		_ = conn.SetDeadline(time.Time{})
		if err := b.shutdown(context.Background()); err != nil {
			b.logger.Error("Shutdown finished with errors", "error", err)
		}
		return true

	default:
		if err := b.Attach(req.Address); err != nil {
			b.metrics.RecordControlRequest(string(control.KindSubscribe), "error")
			if werr := control.WriteError(conn, err); werr != nil {
				b.logger.Warn("Failed to send control error reply", "error", werr)
			}
			return false
		}
		b.metrics.RecordControlRequest(string(control.KindSubscribe), "ok")
		if err := control.WriteAck(conn); err != nil {
			b.logger.Warn("Failed to acknowledge subscribe", "address", req.Address.String(), "error", err)
		}
		return false
	}
}

// Reconfigure applies new tunables. They affect workers attached from now
// on and later publishes; the control address cannot change.
func (b *Broker) Reconfigure(cfg config.BrokerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if cfg.ControlAddress != b.cfg.ControlAddress {
		return types.NewError(types.ErrCodeFailedPrecondition, "control address cannot change while running")
	}
	b.cfg = cfg
	b.logger.Info("Broker reconfigured",
		"queue_capacity", cfg.QueueCapacity,
		"accept_timeout", cfg.AcceptTimeout.String(),
		"publish_blocking", cfg.PublishBlocking)
	return nil
}

// Subscribers returns the attached addresses sorted by their string form
func (b *Broker) Subscribers() []endpoint.Address {
	b.mu.RLock()
	addrs := make([]endpoint.Address, 0, len(b.subs))
	for addr := range b.subs {
		addrs = append(addrs, addr)
	}
	b.mu.RUnlock()

	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
	return addrs
}

// Worker returns the delivery worker attached at addr
func (b *Broker) Worker(addr endpoint.Address) (*delivery.Worker, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subs[addr]
	if !ok {
		return nil, false
	}
	return sub.worker, true
}

// IsRunning reports whether the control loop is serving requests
func (b *Broker) IsRunning() bool {
	b.mu.RLock()
	started, closing := b.started, b.closing
	b.mu.RUnlock()
	return started && !closing && !b.loopExited()
}

// Err returns the error that terminated the control loop, if any
func (b *Broker) Err() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loopErr
}

// Stopped is closed when the control loop has exited, whether through
// shutdown, Close or an accept failure reported by Err
func (b *Broker) Stopped() <-chan struct{} {
	return b.loopDone
}

// Done is closed once the shutdown sequence has finished
func (b *Broker) Done() <-chan struct{} {
	return b.shutdownDone
}

func (b *Broker) loopExited() bool {
	select {
	case <-b.loopDone:
		return true
	default:
		return false
	}
}

// stopTimeout shortens timeout to ctx's remaining time
func stopTimeout(ctx context.Context, timeout time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return timeout
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	if timeout <= 0 || remaining < timeout {
		return remaining
	}
	return timeout
}
