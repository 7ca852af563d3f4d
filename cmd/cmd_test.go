package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/billm/fanout/internal/config"
	"github.com/billm/fanout/internal/logger"
	"github.com/billm/fanout/pkg/broker"
	"github.com/billm/fanout/pkg/control"
	"github.com/billm/fanout/pkg/endpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for one writer and one reader
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func isolateConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	config.SetTestConfigPath(filepath.Join(dir, "missing.yaml"))
	t.Cleanup(func() { config.SetTestConfigPath("") })
	return dir
}

func execute(t *testing.T, out *syncBuffer, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(out)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		controlAddress = ""
	})
	return rootCmd.Execute()
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "subscribe", "shutdown", "health", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestVersionCommand(t *testing.T) {
	out := &syncBuffer{}
	require.NoError(t, execute(t, out, "version"))
	assert.True(t, strings.HasPrefix(out.String(), "fanout version "+Version))
}

func TestShutdownCommandWithoutBroker(t *testing.T) {
	dir := isolateConfig(t)
	out := &syncBuffer{}

	err := execute(t, out, "shutdown",
		"--control", "unix:"+filepath.Join(dir, "nobody.sock"),
		"--log-level", "error")
	assert.NoError(t, err)
}

func TestSubscribeCommand(t *testing.T) {
	dir := isolateConfig(t)

	cfg := config.DefaultBrokerConfig()
	cfg.ControlAddress = endpoint.Unix(filepath.Join(dir, "control.sock"))
	b, err := broker.New(cfg, logger.NewDiscard(), nil)
	require.NoError(t, err)
	require.NoError(t, b.Start())
	defer b.Close(context.Background())

	self := endpoint.Unix(filepath.Join(dir, "sub.sock"))
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- execute(t, out, "subscribe", self.String(),
			"--control", cfg.ControlAddress.String(),
			"--log-level", "error")
	}()

	require.Eventually(t, func() bool {
		w, ok := b.Worker(self)
		return ok && w.Stats().Connected
	}, 5*time.Second, 20*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, []byte("first")))
	require.NoError(t, b.Publish(ctx, []byte("second")))
	require.Eventually(t, func() bool {
		return out.String() == "first\nsecond\n"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, control.RequestShutdown(ctx, cfg.ControlAddress, true))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe command did not exit after shutdown")
	}
}
