package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/sjwiesman/settimeout-go/pkg/baselime"
	"github.com/sjwiesman/settimeout-go/pkg/config"
	"github.com/sjwiesman/settimeout-go/pkg/diagnostics"
	"github.com/sjwiesman/settimeout-go/pkg/greeter"
	"github.com/sjwiesman/settimeout-go/pkg/ingress"
	"github.com/sjwiesman/settimeout-go/pkg/observability"
	"github.com/sjwiesman/settimeout-go/pkg/statefun"
	"github.com/spf13/cobra"
)

var cfg = config.Default()

// flags that take precedence over their environment variable
var envFlags = map[string]string{
	config.EnvBind:         "bind",
	config.EnvLogLevel:     "log-level",
	config.EnvOtelEndpoint: "otel-endpoint",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&cfg.Bind, "bind", cfg.Bind, "HTTP server bind address (or set SETTIMEOUT_BIND)")
	serveCmd.Flags().DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful HTTP shutdown timeout")
	serveCmd.Flags().StringVar(&cfg.Trace, "trace", cfg.Trace, "Local trace sink for diagnostic lines (stdout, log)")
	serveCmd.Flags().StringVar(&cfg.BaselimeEndpoint, "baselime-endpoint", cfg.BaselimeEndpoint, "Baselime logs endpoint (set BASELIME_API_KEY to enable)")
	serveCmd.Flags().StringVar(&cfg.Service, "service", cfg.Service, "Service name sent to Baselime")
	serveCmd.Flags().DurationVar(&cfg.RemoteTimeout, "remote-timeout", cfg.RemoteTimeout, "Timeout of a single Baselime request")
	serveCmd.Flags().IntVar(&cfg.Repeats, "repeats", cfg.Repeats, "Delayed logs per greeting")
	serveCmd.Flags().DurationVar(&cfg.Interval, "interval", cfg.Interval, "Delay between two delayed logs")
	serveCmd.Flags().IntVar(&cfg.MailboxSize, "mailbox-size", cfg.MailboxSize, "Queued messages per instance")
	serveCmd.Flags().IntVar(&cfg.MaxPendingTimers, "max-pending-timers", cfg.MaxPendingTimers, "Delayed messages an instance may hold")
	serveCmd.Flags().DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Evict instances idle for that long without pending timers (0 disables)")
	serveCmd.Flags().BoolVar(&cfg.OtelEnabled, "otel-enabled", cfg.OtelEnabled, "Enable OpenTelemetry tracing")
	serveCmd.Flags().Float64Var(&cfg.OtelSampleRatio, "otel-sample-ratio", cfg.OtelSampleRatio, "Share of root spans kept, in (0, 1]")
	serveCmd.Flags().StringVar(&cfg.OtelEndpoint, "otel-endpoint", cfg.OtelEndpoint, "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter (or set OTEL_EXPORTER_OTLP_ENDPOINT)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg.LogLevel = logLevel
	cfg.LogFormat = logFormat
	cfg.ApplyEnv(func(key string) (string, bool) {
		if flag, ok := envFlags[key]; ok && cmd.Flags().Changed(flag) {
			return "", false
		}
		return os.LookupEnv(key)
	})

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}

	logger.Info().
		Str("bind", cfg.Bind).
		Str("trace", cfg.Trace).
		Bool("baselime", cfg.BaselimeAPIKey != "").
		Int("repeats", cfg.Repeats).
		Dur("interval", cfg.Interval).
		Int("max_pending_timers", cfg.MaxPendingTimers).
		Dur("idle_timeout", cfg.IdleTimeout).
		Bool("otel_enabled", cfg.OtelEnabled).
		Msg("starting settimeout server")

	tracer, err := observability.InitTracer(observability.TracerOptions{
		Enabled:     cfg.OtelEnabled,
		Service:     cfg.Service,
		Endpoint:    cfg.OtelEndpoint,
		SampleRatio: cfg.OtelSampleRatio,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := tracer.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("otel shutdown error")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	emitter := diagnostics.NewEmitter(diagnostics.Options{
		Trace:      traceSink(logger),
		Remote:     remoteSink(logger),
		Registerer: registry,
	})

	runtime := statefun.NewRuntime(statefun.Options{
		Logger:           logger,
		Registerer:       registry,
		MailboxSize:      cfg.MailboxSize,
		MaxPendingTimers: cfg.MaxPendingTimers,
		IdleTimeout:      cfg.IdleTimeout,
	})
	defer func() {
		if err := runtime.Close(); err != nil {
			logger.Warn().Err(err).Msg("runtime close error")
		}
	}()

	g := greeter.Greeter{
		Emitter:  emitter,
		Repeats:  cfg.Repeats,
		Interval: cfg.Interval,
	}
	if err := runtime.WithSpec(g.Spec()); err != nil {
		return err
	}

	srv := ingress.New(ingress.Options{
		Bind:     cfg.Bind,
		Invoker:  runtime,
		Logger:   logger,
		Gatherer: registry,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown error")
	}

	return nil
}

func traceSink(logger zerolog.Logger) diagnostics.TraceSink {
	if cfg.Trace == config.TraceLog {
		return diagnostics.NewLoggerSink(logger.With().Str("component", "trace").Logger())
	}
	return diagnostics.NewWriterSink(os.Stdout)
}

func remoteSink(logger zerolog.Logger) diagnostics.RemoteSink {
	if cfg.BaselimeAPIKey == "" {
		logger.Warn().Msgf("%s is not set, diagnostics stay local", config.EnvAPIKey)
		return nil
	}

	return baselime.NewClient(baselime.Options{
		Endpoint: cfg.BaselimeEndpoint,
		APIKey:   cfg.BaselimeAPIKey,
		Service:  cfg.Service,
		Timeout:  cfg.RemoteTimeout,
	})
}
