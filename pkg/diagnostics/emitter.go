// Package diagnostics composes instance-scoped diagnostic lines and
// writes them to a local trace sink and an optional remote sink.
package diagnostics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

type Options struct {
	// Trace is always written. Required.
	Trace TraceSink

	// Remote is skipped when nil.
	Remote RemoteSink

	// Registerer defaults to a private registry.
	Registerer prometheus.Registerer
}

type Emitter struct {
	trace     TraceSink
	remote    RemoteSink
	emissions *prometheus.CounterVec
}

func NewEmitter(options Options) *Emitter {
	if options.Registerer == nil {
		options.Registerer = prometheus.NewRegistry()
	}

	emissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "diagnostics",
		Name:      "emissions_total",
		Help:      "Diagnostic lines written by sink and result.",
	}, []string{"sink", "result"})
	options.Registerer.MustRegister(emissions)

	return &Emitter{
		trace:     options.Trace,
		remote:    options.Remote,
		emissions: emissions,
	}
}

// Log formats message for identity, writes it to the trace sink and
// then waits for the remote sink. The remote error is returned as is.
func (e *Emitter) Log(ctx context.Context, identity Identity, message string) error {
	return e.Send(ctx, identity, e.Trace(identity, message))
}

// Trace writes the composite line of message to the trace sink and returns it.
func (e *Emitter) Trace(identity Identity, message string) string {
	line := identity.Format(message)

	e.trace.Trace(identity, line)
	e.emissions.WithLabelValues("trace", "success").Inc()
	return line
}

// Send ships a line built by Trace to the remote sink, if one is configured.
func (e *Emitter) Send(ctx context.Context, identity Identity, line string) error {
	if e.remote == nil {
		return nil
	}

	if err := e.remote.Send(ctx, identity.Event(line)); err != nil {
		e.emissions.WithLabelValues("remote", "failure").Inc()
		return err
	}

	e.emissions.WithLabelValues("remote", "success").Inc()
	return nil
}
