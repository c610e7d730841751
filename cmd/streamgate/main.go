// Command streamgate launches the private feed streaming daemon.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/wealthwatch/streamgate/config"
	"github.com/wealthwatch/streamgate/internal/feed"
	"github.com/wealthwatch/streamgate/internal/observability"
	"github.com/wealthwatch/streamgate/lib/telemetry"
)

const (
	loggerPrefix             = "streamgate "
	telemetryBusBuffer       = 256
	telemetryShutdownTimeout = 5 * time.Second
	meterName                = "streamgate"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "path to YAML configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stdLog := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(stdLog, *debug))
	logger := observability.Log()

	cfg, err := config.LoadFile(config.Default(), *cfgPath)
	if err != nil {
		logger.Error("load config", observability.Field{Key: "error", Value: err})
		return 1
	}
	cfg = config.FromEnv(cfg)
	logger.Info("configuration initialised",
		observability.Field{Key: "env", Value: cfg.Environment},
		observability.Field{Key: "feed_url", Value: cfg.Feed.URL})

	providers, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("initialize telemetry", observability.Field{Key: "error", Value: err})
		return 1
	}
	observability.SetMetrics(observability.NewOTelMetrics(providers.MeterProvider.Meter(meterName)))

	bus := observability.NewInMemoryTelemetryBus(telemetryBusBuffer)
	events, err := bus.Subscribe(ctx)
	if err != nil {
		logger.Error("subscribe telemetry bus", observability.Field{Key: "error", Value: err})
		return 1
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { logTelemetryEvents(logger, events) })

	terminal := make(chan struct{})
	client, err := feed.New(feed.Options{
		URL:             cfg.Feed.URL,
		APIKey:          cfg.Credentials.APIKey,
		APISecretBase64: cfg.Credentials.APISecretBase64,
		Reconnect: feed.ReconnectConfig{
			BaseDelay:   cfg.Reconnect.BaseDelay,
			MaxDelay:    cfg.Reconnect.MaxDelay,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		KeepAliveInterval: cfg.Feed.KeepAliveInterval,
		HandshakeTimeout:  cfg.Feed.HandshakeTimeout,
		OnState:           newStateObserver(logger),
		Telemetry:         bus,
	})
	if err != nil {
		logger.Error("construct feed client", observability.Field{Key: "error", Value: err})
		return 1
	}

	lifecycle.Go(func() { watchForExhaustion(ctx, bus, terminal, logger) })

	client.Connect()
	logger.Info("streamgate started; awaiting shutdown signal")

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, initiating graceful shutdown")
	case <-terminal:
		logger.Error("feed retries exhausted, shutting down")
		exitCode = 1
	}

	shutdownStart := time.Now()
	cancel()
	client.Disconnect()
	bus.Close()
	lifecycle.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer shutdownCancel()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error("shutdown telemetry", observability.Field{Key: "error", Value: err})
	}
	if dead, dropped := bus.DeadLetters(); len(dead) > 0 || dropped > 0 {
		logger.Info("telemetry dead letters drained",
			observability.Field{Key: "buffered", Value: len(dead)},
			observability.Field{Key: "dropped", Value: dropped})
	}

	logger.Info("shutdown completed",
		observability.Field{Key: "elapsed", Value: time.Since(shutdownStart)})
	return exitCode
}

// newStateObserver logs state transitions and suppresses data-only updates
// that would flood the log at snapshot cadence.
func newStateObserver(logger observability.Logger) func(feed.ClientState) {
	var last feed.Status
	return func(state feed.ClientState) {
		if state.Status == last {
			logger.Debug("feed state updated",
				observability.Field{Key: "positions", Value: len(state.Positions)},
				observability.Field{Key: "has_balances", Value: state.Balances != nil})
			return
		}
		last = state.Status
		fields := []observability.Field{
			{Key: "status", Value: state.Status},
			{Key: "positions", Value: len(state.Positions)},
			{Key: "has_balances", Value: state.Balances != nil},
		}
		if state.Err != "" {
			fields = append(fields, observability.Field{Key: "error", Value: state.Err})
		}
		logger.Info("feed state transition", fields...)
	}
}

func logTelemetryEvents(logger observability.Logger, events <-chan observability.TelemetryEvent) {
	for event := range events {
		fields := []observability.Field{
			{Key: "event", Value: event.Type},
			{Key: "session", Value: event.Session},
		}
		for k, v := range event.Metadata {
			fields = append(fields, observability.Field{Key: k, Value: v})
		}
		switch event.Severity {
		case observability.TelemetrySeverityError:
			logger.Error("ops event", fields...)
		case observability.TelemetrySeverityWarn:
			logger.Info("ops event", fields...)
		default:
			logger.Debug("ops event", fields...)
		}
	}
}

// watchForExhaustion trips the terminal channel once the feed reports its
// retry budget is spent, so the daemon can exit non-zero instead of idling.
func watchForExhaustion(ctx context.Context, bus *observability.InMemoryTelemetryBus, terminal chan<- struct{}, logger observability.Logger) {
	events, err := bus.Subscribe(ctx)
	if err != nil {
		logger.Error("subscribe exhaustion watcher", observability.Field{Key: "error", Value: err})
		return
	}
	for event := range events {
		if event.Type == observability.TelemetryEventRetriesExhausted {
			close(terminal)
			return
		}
	}
}
