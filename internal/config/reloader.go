package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// reloadTimeout bounds a single SIGHUP-triggered reload
const reloadTimeout = 30 * time.Second

// ReloadState represents the current state of the config reloader
type ReloadState string

const (
	ReloadStateIdle      ReloadState = "idle"
	ReloadStateReloading ReloadState = "reloading"
	ReloadStateStopped   ReloadState = "stopped"
)

// ReloadCallback receives the freshly loaded configuration
type ReloadCallback func(ctx context.Context, newConfig *Config) error

// Reloader re-reads the configuration file on SIGHUP and hands the result
// to registered callbacks. It logs through slog directly because the
// logger package depends on this one.
type Reloader struct {
	mu            sync.RWMutex
	configPath    string
	currentConfig *Config
	state         ReloadState
	signalChan    chan os.Signal
	reloadCtx     context.Context
	reloadCancel  context.CancelFunc
	started       bool
	callbacks     []ReloadCallback
	log           *slog.Logger
}

// NewReloader creates a new config reloader. log may be nil.
func NewReloader(configPath string, initialConfig *Config, log *slog.Logger) *Reloader {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Reloader{
		configPath:    configPath,
		currentConfig: initialConfig,
		state:         ReloadStateIdle,
		signalChan:    make(chan os.Signal, 1),
		reloadCtx:     ctx,
		reloadCancel:  cancel,
		callbacks:     make([]ReloadCallback, 0),
		log:           log.With("component", "config_reloader"),
	}
}

// Start begins listening for SIGHUP
func (r *Reloader) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return
	}

	if r.state == ReloadStateStopped {
		ctx, cancel := context.WithCancel(context.Background())
		r.reloadCtx = ctx
		r.reloadCancel = cancel
		r.state = ReloadStateIdle
	}

	signal.Notify(r.signalChan, syscall.SIGHUP)
	r.started = true
	r.log.Info("Config reloader started", "config_path", r.configPath)

	go r.handleSignals(r.reloadCtx)
}

// Stop stops signal handling
func (r *Reloader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return
	}

	signal.Stop(r.signalChan)
	r.reloadCancel()
	r.started = false
	r.state = ReloadStateStopped
	r.log.Debug("Config reloader stopped")
}

// Reload loads the configuration file and runs the callbacks. The current
// configuration is only replaced when every callback succeeds.
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	if r.state == ReloadStateReloading {
		r.mu.Unlock()
		r.log.Debug("Reload already in progress, skipping")
		return nil
	}
	r.state = ReloadStateReloading
	r.mu.Unlock()

	defer r.setState(ReloadStateIdle)

	newConfig, err := LoadFromFile(r.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	r.mu.RLock()
	callbacks := make([]ReloadCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.RUnlock()

	for i, callback := range callbacks {
		if err := callback(ctx, newConfig); err != nil {
			r.log.Error("Reload callback failed", "callback", i, "error", err)
			return fmt.Errorf("reload callbacks failed: %w", err)
		}
	}

	r.mu.Lock()
	r.currentConfig = newConfig
	r.mu.Unlock()

	r.log.Info("Configuration reloaded", "config_path", r.configPath)
	return nil
}

// AddCallback registers a callback run on every successful load
func (r *Reloader) AddCallback(callback ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

// GetConfig returns the current configuration
func (r *Reloader) GetConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentConfig
}

// State returns the current reload state
func (r *Reloader) State() ReloadState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Reloader) handleSignals(ctx context.Context) {
	for {
		select {
		case sig := <-r.signalChan:
			r.log.Info("Reload signal received", "signal", sig.String())
			go func() {
				reloadCtx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
				defer cancel()
				if err := r.Reload(reloadCtx); err != nil {
					r.log.Error("Configuration reload failed", "error", err)
				}
			}()
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reloader) setState(state ReloadState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
}
