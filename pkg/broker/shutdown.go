package broker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/billm/fanout/internal/logger"
	"github.com/billm/fanout/pkg/types"
)

// ShutdownState represents the current state of the shutdown process
type ShutdownState string

const (
	// ShutdownStateRunning indicates the broker is running normally
	ShutdownStateRunning ShutdownState = "running"
	// ShutdownStateInitiated indicates shutdown has been initiated
	ShutdownStateInitiated ShutdownState = "initiated"
	// ShutdownStateStopping indicates the broker is being stopped
	ShutdownStateStopping ShutdownState = "stopping"
	// ShutdownStateComplete indicates shutdown is complete
	ShutdownStateComplete ShutdownState = "complete"
)

// ShutdownHook is a function that can be called during shutdown
type ShutdownHook func(ctx context.Context) error

// ShutdownManager turns SIGINT/SIGTERM, a canceled context or a remote
// shutdown into one ordered shutdown of the broker and its companions
type ShutdownManager struct {
	mu              sync.RWMutex
	broker          *Broker
	state           ShutdownState
	shutdownTimeout time.Duration
	preHooks        []ShutdownHook
	postHooks       []ShutdownHook
	logger          *logger.Logger
	signalChan      chan os.Signal
	stopCtx         context.Context
	stopCancel      context.CancelFunc
	started         bool
	completionChan  chan struct{}
	shutdownReason  string
	initiatedAt     time.Time
}

// NewShutdownManager creates a new shutdown manager for b
func NewShutdownManager(b *Broker, timeout time.Duration, log *logger.Logger) *ShutdownManager {
	if log == nil {
		log, _ = logger.NewDefault()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ShutdownManager{
		broker:          b,
		state:           ShutdownStateRunning,
		shutdownTimeout: timeout,
		logger:          log.With("component", "shutdown_manager"),
		signalChan:      make(chan os.Signal, 1),
		stopCtx:         ctx,
		stopCancel:      cancel,
		completionChan:  make(chan struct{}),
	}
}

// Start begins listening for shutdown signals. It also watches the
// broker so that a shutdown requested over the control channel runs the
// post-shutdown hooks.
func (sm *ShutdownManager) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.started {
		return
	}

	signal.Notify(sm.signalChan, syscall.SIGINT, syscall.SIGTERM)
	sm.started = true
	sm.logger.Info("Shutdown manager started", "timeout", sm.shutdownTimeout)

	go sm.handleSignals()
}

// Stop stops signal handling
func (sm *ShutdownManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.started {
		return
	}

	signal.Stop(sm.signalChan)
	sm.stopCancel()
	sm.started = false

	sm.logger.Debug("Shutdown manager stopped")
}

// Shutdown runs pre-shutdown hooks, closes the broker and runs
// post-shutdown hooks. Only the first call does anything.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.mu.Lock()
	if sm.state != ShutdownStateRunning {
		sm.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "shutdown already initiated")
	}
	sm.state = ShutdownStateInitiated
	sm.shutdownReason = reason
	sm.initiatedAt = time.Now()
	sm.mu.Unlock()

	sm.logger.Info("Shutdown initiated", "reason", reason)

	shutdownCtx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
	defer cancel()

	if err := sm.executeHooks(shutdownCtx, "pre-shutdown", sm.hooks(true)); err != nil {
		sm.logger.Error("Pre-shutdown hooks failed", "error", err)
	}

	sm.setState(ShutdownStateStopping)

	var closeErr error
	if sm.broker != nil {
		if closeErr = sm.broker.Close(shutdownCtx); closeErr != nil {
			sm.logger.Error("Broker close failed", "error", closeErr)
		}
	}

	if err := sm.executeHooks(shutdownCtx, "post-shutdown", sm.hooks(false)); err != nil {
		sm.logger.Error("Post-shutdown hooks failed", "error", err)
	}

	sm.setState(ShutdownStateComplete)
	close(sm.completionChan)

	sm.logger.Info("Shutdown complete", "reason", reason, "duration", time.Since(sm.initiatedAt))
	return closeErr
}

// ShutdownAndWait initiates shutdown and waits for completion
func (sm *ShutdownManager) ShutdownAndWait(ctx context.Context, reason string) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- sm.Shutdown(ctx, reason)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "shutdown wait canceled", ctx.Err())
	case <-sm.completionChan:
		return nil
	}
}

// AddPreHook registers a hook that runs before the broker is closed
func (sm *ShutdownManager) AddPreHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.preHooks = append(sm.preHooks, hook)
}

// AddHook registers a hook that runs after the broker is closed
func (sm *ShutdownManager) AddHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.postHooks = append(sm.postHooks, hook)
	sm.logger.Debug("Shutdown hook registered", "total_hooks", len(sm.postHooks))
}

// State returns the current shutdown state
func (sm *ShutdownManager) State() ShutdownState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// IsShuttingDown returns true if shutdown has been initiated
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.State() != ShutdownStateRunning
}

// IsComplete returns true if shutdown is complete
func (sm *ShutdownManager) IsComplete() bool {
	return sm.State() == ShutdownStateComplete
}

// ShutdownReason returns the reason for shutdown
func (sm *ShutdownManager) ShutdownReason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.shutdownReason
}

// WaitCompletion waits for shutdown to complete
func (sm *ShutdownManager) WaitCompletion(ctx context.Context) error {
	select {
	case <-sm.completionChan:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for completion canceled", ctx.Err())
	}
}

// Done is closed when shutdown is complete
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.completionChan
}

func (sm *ShutdownManager) handleSignals() {
	var brokerDone <-chan struct{}
	if sm.broker != nil {
		brokerDone = sm.broker.Done()
	}

	for {
		select {
		case sig := <-sm.signalChan:
			sm.logger.Info("Shutdown signal received", "signal", sig)
			sm.initiate(fmt.Sprintf("signal received: %s", sig))

		case <-brokerDone:
			brokerDone = nil
			sm.initiate("shutdown requested on control channel")

		case <-sm.stopCtx.Done():
			sm.logger.Debug("Signal handler stopping")
			return
		}
	}
}

func (sm *ShutdownManager) initiate(reason string) {
	if sm.IsShuttingDown() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
		defer cancel()
		if err := sm.ShutdownAndWait(ctx, reason); err != nil {
			sm.logger.Error("Shutdown failed", "error", err)
		}
	}()
}

func (sm *ShutdownManager) hooks(pre bool) []ShutdownHook {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	src := sm.postHooks
	if pre {
		src = sm.preHooks
	}
	hooks := make([]ShutdownHook, len(src))
	copy(hooks, src)
	return hooks
}

// executeHooks runs hooks in order, giving each at most 5 seconds
func (sm *ShutdownManager) executeHooks(ctx context.Context, phase string, hooks []ShutdownHook) error {
	sm.logger.Debug("Executing shutdown hooks", "phase", phase, "count", len(hooks))

	var errs []error
	for i, hook := range hooks {
		hookCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := hook(hookCtx); err != nil {
			sm.logger.Error("Shutdown hook failed", "phase", phase, "hook", i, "error", err)
			errs = append(errs, err)
		}
		cancel()

		if ctx.Err() != nil {
			sm.logger.Warn("Shutdown hook execution canceled", "phase", phase)
			return types.WrapError(types.ErrCodeCanceled, "hook execution canceled", ctx.Err())
		}
	}

	if len(errs) > 0 {
		return types.WrapError(types.ErrCodePartialFailure, fmt.Sprintf("%s hooks failed", phase), errs[0])
	}
	return nil
}

func (sm *ShutdownManager) setState(state ShutdownState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = state
	sm.logger.Debug("Shutdown state changed", "state", state)
}

// String returns a string representation of the shutdown state
func (s ShutdownState) String() string {
	return string(s)
}

// String returns a string representation of the shutdown manager
func (sm *ShutdownManager) String() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return fmt.Sprintf("ShutdownManager{state: %s, timeout: %v, hooks: %d, started: %t}",
		sm.state, sm.shutdownTimeout, len(sm.preHooks)+len(sm.postHooks), sm.started)
}
