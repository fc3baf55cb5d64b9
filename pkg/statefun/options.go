package statefun

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	DefaultMailboxSize      = 64
	DefaultMaxPendingTimers = 4096
)

// Options configure a Runtime. The zero value is usable.
type Options struct {
	// Clock drives delayed messages and activation timestamps.
	// Defaults to the real clock.
	Clock clockwork.Clock

	Logger zerolog.Logger

	// Registerer receives the runtime collectors. Defaults
	// to a private registry.
	Registerer prometheus.Registerer

	// MailboxSize bounds the number of messages queued
	// for a single activation.
	MailboxSize int

	// MaxPendingTimers bounds the delayed messages an activation may hold.
	MaxPendingTimers int

	// IdleTimeout evicts activations that received no message for
	// that long and hold no pending timers. Zero disables eviction.
	IdleTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Registerer == nil {
		o.Registerer = prometheus.NewRegistry()
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = DefaultMailboxSize
	}
	if o.MaxPendingTimers <= 0 {
		o.MaxPendingTimers = DefaultMaxPendingTimers
	}
	return o
}
