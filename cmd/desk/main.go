// Command desk runs the headless trading-desk client: it mirrors the
// backend's order and balance state over the user stream and keeps a
// budgeted set of direct exchange ticker subscriptions warm.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/marketdesk/desk/config"
	"github.com/marketdesk/desk/internal/httpapi"
	"github.com/marketdesk/desk/internal/observability"
	"github.com/marketdesk/desk/internal/rest"
	"github.com/marketdesk/desk/internal/telemetry"
	"github.com/marketdesk/desk/internal/ticker"
	"github.com/marketdesk/desk/internal/transport"
	"github.com/marketdesk/desk/internal/userstream"
)

const (
	defaultConfigPath        = "config/desk.yaml"
	deskLoggerPrefix         = "desk "
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	exchangeInfoTimeout      = 10 * time.Second
	controlReadHeaderTimeout = 5 * time.Second
	controlShutdownTimeout   = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newDeskLogger()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, backend=%s", cfg.Environment, cfg.Backend.BaseURL)

	observability.SetLogger(observability.NewStdLogger(logger))

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	restClient := rest.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token, cfg.Backend.HTTPTimeout.Duration)

	stream, err := buildUserStream(cfg)
	if err != nil {
		logger.Fatalf("build user stream: %v", err)
	}

	store := userstream.NewStore(stream, userstream.Options{
		ResnapshotWait: cfg.UserStream.ResnapshotWait.Duration,
	})
	stream.AddListener(store.Apply)
	stream.AddStateListener(store.SetConnectionState)
	store.Subscribe(func(state userstream.State) {
		observability.Telemetry().SetGauge("desk_view_open_orders", float64(len(state.OpenOrders)), nil)
	})

	actions := userstream.NewActions(store, restClient, userstream.ActionOptions{
		PendingOrderTimeout:     cfg.UserStream.PendingOrderTimeout.Duration,
		OptimisticCancelTimeout: cfg.UserStream.OptimisticCancelTimeout.Duration,
	})

	cache := ticker.NewCache()
	tickerClient := ticker.NewClient(ticker.Options{
		URL:                  cfg.Ticker.WSURL,
		ReconnectInterval:    cfg.UserStream.ReconnectInterval.Duration,
		MaxReconnectInterval: cfg.UserStream.MaxReconnectInterval.Duration,
		CoalesceWindow:       cfg.Ticker.CoalesceWindow.Duration,
	}, cache)

	controlServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           httpapi.NewServer(store, actions, cache, restClient).Handler(),
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	stream.Connect(ctx)
	lifecycle.Go(func() {
		if err := tickerClient.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("ticker stream stopped: %v", err)
		}
	})
	lifecycle.Go(func() {
		runAllocationLoop(ctx, logger, cfg, restClient, tickerClient)
	})
	lifecycle.Go(func() {
		if err := controlServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("control API stopped: %v", err)
		}
	})
	logger.Printf("control API listening on %s", controlServer.Addr)

	logger.Print("desk started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		mainCancel:   cancel,
		lifecycle:    &lifecycle,
		server:       controlServer,
		stream:       stream,
		store:        store,
		tickerClient: tickerClient,
		telemetry:    telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	if *cfgPath != "" {
		return *cfgPath
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newDeskLogger() *log.Logger {
	return log.New(os.Stdout, deskLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.Config) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.Config{
		Enabled:      cfg.Telemetry.EnableMetrics,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		ServiceName:  cfg.Telemetry.ServiceName,
		Environment:  cfg.Environment,
	}
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		observability.SetMetrics(telemetry.NewMeterMetrics(provider.Meter("desk")))
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func buildUserStream(cfg config.Config) (*transport.Client, error) {
	streamURL, err := cfg.Backend.UserStreamURL()
	if err != nil {
		return nil, err
	}
	return transport.NewClient(transport.Options{
		URL:                  streamURL,
		ReconnectInterval:    cfg.UserStream.ReconnectInterval.Duration,
		MaxReconnectInterval: cfg.UserStream.MaxReconnectInterval.Duration,
		MaxReconnectAttempts: cfg.UserStream.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.UserStream.HeartbeatInterval.Duration,
		HeartbeatTimeout:     cfg.UserStream.HeartbeatTimeout.Duration,
		ConnectDebounce:      cfg.UserStream.ConnectDebounce.Duration,
	}), nil
}

// runAllocationLoop refreshes the ticker subscription set from the backend's
// symbol universe on a fixed cadence.
func runAllocationLoop(ctx context.Context, logger *log.Logger, cfg config.Config, restClient *rest.Client, tickerClient *ticker.Client) {
	refresh := func() {
		infoCtx, cancel := context.WithTimeout(ctx, exchangeInfoTimeout)
		defer cancel()
		universe, err := restClient.ExchangeInfo(infoCtx)
		if err != nil {
			logger.Printf("exchange info fetch failed: %v", err)
			return
		}
		symbols := ticker.Allocate(universe, cfg.Ticker.SubscriptionBudget, cfg.Ticker.PreferredQuotes)
		if err := tickerClient.SetSymbols(ctx, symbols); err != nil {
			logger.Printf("ticker subscription update failed: %v", err)
			return
		}
		logger.Printf("ticker allocation refreshed: universe=%d, subscribed=%d", len(universe), len(symbols))
	}

	refresh()
	tickerLoop := time.NewTicker(cfg.Ticker.RefreshInterval.Duration)
	defer tickerLoop.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tickerLoop.C:
			refresh()
		}
	}
}

type gracefulShutdownConfig struct {
	mainCancel   context.CancelFunc
	lifecycle    *conc.WaitGroup
	server       *http.Server
	stream       *transport.Client
	store        *userstream.Store
	tickerClient *ticker.Client
	telemetry    *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	serverCtx, serverCancel := context.WithTimeout(ctx, controlShutdownTimeout)
	if err := cfg.server.Shutdown(serverCtx); err != nil {
		logger.Printf("control API shutdown: %v", err)
	}
	serverCancel()

	cfg.mainCancel()
	cfg.tickerClient.Close()
	cfg.stream.Destroy()

	done := make(chan struct{})
	go func() {
		cfg.lifecycle.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(lifecycleShutdownTimeout):
		logger.Print("lifecycle goroutines did not stop in time")
	}

	cfg.store.Close()

	telemetryCtx, cancel := context.WithTimeout(ctx, telemetryShutdownTimeout)
	defer cancel()
	if err := cfg.telemetry.Shutdown(telemetryCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
}
