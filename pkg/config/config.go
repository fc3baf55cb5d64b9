// Package config holds the settings of the settimeout server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sjwiesman/settimeout-go/pkg/baselime"
	"github.com/sjwiesman/settimeout-go/pkg/greeter"
	"github.com/sjwiesman/settimeout-go/pkg/observability"
	"github.com/sjwiesman/settimeout-go/pkg/statefun"
)

// Environment variables read by ApplyEnv.
const (
	EnvAPIKey       = "BASELIME_API_KEY"
	EnvBind         = "SETTIMEOUT_BIND"
	EnvLogLevel     = "SETTIMEOUT_LOG_LEVEL"
	EnvOtelEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Trace sinks.
const (
	TraceStdout = "stdout"
	TraceLog    = "log"
)

type Config struct {
	Bind            string
	ShutdownTimeout time.Duration

	LogLevel  string
	LogFormat string

	// Trace selects where diagnostic lines are written locally.
	Trace string

	BaselimeAPIKey   string
	BaselimeEndpoint string
	Service          string
	RemoteTimeout    time.Duration

	Repeats  int
	Interval time.Duration

	MailboxSize      int
	MaxPendingTimers int
	IdleTimeout      time.Duration

	OtelEnabled     bool
	OtelEndpoint    string
	OtelSampleRatio float64
}

func Default() Config {
	return Config{
		Bind:             ":8080",
		ShutdownTimeout:  5 * time.Second,
		LogLevel:         "info",
		LogFormat:        observability.FormatConsole,
		Trace:            TraceStdout,
		BaselimeEndpoint: baselime.DefaultEndpoint,
		Service:          baselime.DefaultService,
		RemoteTimeout:    baselime.DefaultTimeout,
		Repeats:          greeter.DefaultRepeats,
		Interval:         greeter.DefaultInterval,
		MailboxSize:      statefun.DefaultMailboxSize,
		MaxPendingTimers: statefun.DefaultMaxPendingTimers,
		OtelSampleRatio:  1,
	}
}

// ApplyEnv overlays the values found through lookup, usually os.LookupEnv.
// Setting an OTLP endpoint also enables tracing.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIKey); ok {
		c.BaselimeAPIKey = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvBind); ok && v != "" {
		c.Bind = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvOtelEndpoint); ok && v != "" {
		c.OtelEndpoint = v
		c.OtelEnabled = true
	}
}

func (c Config) Validate() error {
	var errs []error

	if c.Bind == "" {
		errs = append(errs, errors.New("bind address is required"))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.LogLevel))
	}
	if c.LogFormat != observability.FormatConsole && c.LogFormat != observability.FormatJSON {
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.LogFormat))
	}
	if c.Trace != TraceStdout && c.Trace != TraceLog {
		errs = append(errs, fmt.Errorf("unsupported trace sink %q", c.Trace))
	}
	if c.RemoteTimeout <= 0 {
		errs = append(errs, errors.New("remote timeout must be positive"))
	}
	if c.Repeats <= 0 {
		errs = append(errs, errors.New("repeats must be positive"))
	}
	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if c.MailboxSize <= 0 {
		errs = append(errs, errors.New("mailbox size must be positive"))
	}
	if c.MaxPendingTimers < c.Repeats {
		errs = append(errs, fmt.Errorf("max pending timers (%d) cannot hold a single greeting (%d)", c.MaxPendingTimers, c.Repeats))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, errors.New("idle timeout cannot be negative"))
	}
	if c.OtelSampleRatio <= 0 || c.OtelSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("otel sample ratio %v is outside (0, 1]", c.OtelSampleRatio))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}

	return errors.Join(errs...)
}
