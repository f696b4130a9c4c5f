// Command catalogd launches the catalog authority: REST mutations plus real-time viewer sessions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/catalogsync/internal/broadcast"
	"github.com/coachpo/catalogsync/internal/infra/bus/eventbus"
	"github.com/coachpo/catalogsync/internal/infra/config"
	httpserver "github.com/coachpo/catalogsync/internal/infra/server/http"
	"github.com/coachpo/catalogsync/internal/infra/telemetry"
	"github.com/coachpo/catalogsync/internal/registry"
	"github.com/coachpo/catalogsync/internal/store"
)

const (
	defaultConfigPath          = "config/app.yaml"
	catalogdLoggerPrefix       = "catalogd "
	registryLoggerPrefix       = "registry "
	eventbusLoggerPrefix       = "eventbus "
	shutdownTimeout            = 30 * time.Second
	apiServerShutdownTimeout   = 5 * time.Second
	registryShutdownTimeout    = 5 * time.Second
	lifecycleShutdownTimeout   = 10 * time.Second
	eventBusShutdownTimeout    = 2 * time.Second
	telemetryShutdownTimeout   = 5 * time.Second
	apiServerReadHeaderTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLogger(catalogdLoggerPrefix)

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, addr=%s, seed=%d",
		appCfg.Environment, appCfg.APIServer.Addr, len(appCfg.Seed))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	records := store.New()
	if err := records.Seed(appCfg.SeedInputs()); err != nil {
		logger.Fatalf("seed store: %v", err)
	}
	logger.Printf("store seeded: records=%d", records.Len())

	bus := newEventBus(appCfg.Eventbus, logger)
	catalog := broadcast.New(records, bus, broadcast.WithLogger(logger))
	sessions := registry.New(catalog, registryConfig(appCfg.Sessions), registry.WithLogger(newLogger(registryLoggerPrefix)))

	var lifecycle conc.WaitGroup
	apiServer := buildAPIServer(appCfg, catalog, sessions, logger)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("catalog API listening on %s", apiServer.Addr)

	logger.Print("catalogd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		sessions:   sessions,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		eventBus:   bus,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
		telemetryCfg.Enabled = true
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = telemetryCfg.OTLPInsecure || cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func newEventBus(cfg config.EventbusConfig, logger *log.Logger) *eventbus.MemoryBus {
	return eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    cfg.BufferSize,
		FanoutWorkers: cfg.FanoutWorkerCount(),
		Logger:        newLogger(eventbusLoggerPrefix),
		OnEvict: func(id eventbus.SubscriptionID) {
			logger.Printf("subscriber %s evicted; its session will be closed", id)
		},
	})
}

func registryConfig(cfg config.SessionsConfig) registry.Config {
	return registry.Config{
		WriteTimeout:  cfg.WriteTimeout,
		PingInterval:  cfg.PingInterval,
		SnapshotRate:  cfg.SnapshotRate,
		SnapshotBurst: cfg.SnapshotBurst,
	}
}

func buildAPIServer(cfg config.AppConfig, catalog httpserver.Catalog, sessions httpserver.Sessions, logger *log.Logger) *http.Server {
	handler := httpserver.NewHandler(catalog, sessions, httpserver.Options{
		AllowedOrigins: cfg.APIServer.AllowedOrigins,
		ReadLimit:      cfg.Sessions.ReadLimit,
		Logger:         logger,
		Now:            nil,
	})

	return &http.Server{
		Addr:              cfg.APIServer.Addr,
		Handler:           handler,
		ReadHeaderTimeout: apiServerReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("api server: %v", err)
		}
	})
}

type sessionCloser interface {
	Close(ctx context.Context) error
}

type gracefulShutdownConfig struct {
	server     *http.Server
	sessions   sessionCloser
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	eventBus   eventbus.Bus
	telemetry  *telemetry.Provider
}

// performGracefulShutdown stops intake first, then live sessions, then the bus they read from.
func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		// Shutdown does not wait for hijacked websocket connections.
		shutdownStep("stopping api server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.sessions != nil {
		shutdownStep("closing viewer sessions", registryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.sessions.Close(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.eventBus != nil {
		shutdownStep("closing event bus", eventBusShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.eventBus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
