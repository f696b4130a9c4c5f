package main

import (
	"bytes"
	"context"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/catalogsync/internal/infra/bus/eventbus"
	"github.com/coachpo/catalogsync/internal/infra/config"
)

func TestResolveConfigPathDefaults(t *testing.T) {
	require.Equal(t, filepath.Clean(defaultConfigPath), resolveConfigPath(""))
	require.Equal(t, "/etc/catalogd.yaml", resolveConfigPath("/etc/catalogd.yaml"))
}

func TestRegistryConfigCopiesSessionSettings(t *testing.T) {
	cfg := config.Default().Sessions
	cfg.WriteTimeout = 2 * time.Second
	cfg.SnapshotBurst = 7

	out := registryConfig(cfg)
	require.Equal(t, 2*time.Second, out.WriteTimeout)
	require.Equal(t, cfg.PingInterval, out.PingInterval)
	require.Equal(t, cfg.SnapshotRate, out.SnapshotRate)
	require.Equal(t, 7, out.SnapshotBurst)
}

func TestBuildAPIServerUsesConfiguredAddr(t *testing.T) {
	cfg := config.Default()
	cfg.APIServer.Addr = "127.0.0.1:0"
	srv := buildAPIServer(cfg, nil, nil, log.New(new(bytes.Buffer), "", 0))
	require.Equal(t, "127.0.0.1:0", srv.Addr)
	require.Equal(t, apiServerReadHeaderTimeout, srv.ReadHeaderTimeout)
	require.NotNil(t, srv.Handler)
}

type recordingCloser struct {
	steps *[]string
}

func (r recordingCloser) Close(context.Context) error {
	*r.steps = append(*r.steps, "sessions")
	return nil
}

func TestPerformGracefulShutdownOrder(t *testing.T) {
	var steps []string
	buf := new(bytes.Buffer)
	logger := log.New(buf, "", 0)

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {})

	cancelled := false
	performGracefulShutdown(context.Background(), logger, gracefulShutdownConfig{
		sessions: recordingCloser{steps: &steps},
		mainCancel: func() {
			steps = append(steps, "cancel")
			cancelled = true
		},
		lifecycle: &lifecycle,
		eventBus:  bus,
	})

	require.True(t, cancelled)
	require.Equal(t, []string{"sessions", "cancel"}, steps)

	out := buf.String()
	sessionsAt := strings.Index(out, "closing viewer sessions completed")
	busAt := strings.Index(out, "closing event bus completed")
	require.True(t, sessionsAt >= 0 && busAt > sessionsAt, out)

	_, _, err := bus.Subscribe(context.Background())
	require.Error(t, err)
}
