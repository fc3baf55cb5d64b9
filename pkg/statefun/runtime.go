package statefun

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/sjwiesman/settimeout-go/internal/errors"
	"gopkg.in/tomb.v2"
)

// Runtime hosts stateful function instances in memory. Messages are
// routed by Address: the first message for an Address activates the
// instance and every later one reuses it until it is evicted.
type Runtime struct {
	t       tomb.Tomb
	ctx     context.Context
	cancel  context.CancelFunc
	options Options
	clock   clockwork.Clock
	logger  zerolog.Logger
	metrics *metrics

	mutex       sync.Mutex
	closed      bool
	specs       map[string]StatefulFunctionSpec
	states      map[string]map[string]ValueSpec
	activations map[string]*activation
}

func NewRuntime(options Options) *Runtime {
	options = options.withDefaults()

	r := &Runtime{
		options:     options,
		clock:       options.Clock,
		logger:      options.Logger.With().Str("component", "statefun").Logger(),
		metrics:     newMetrics(options.Registerer),
		specs:       map[string]StatefulFunctionSpec{},
		states:      map[string]map[string]ValueSpec{},
		activations: map[string]*activation{},
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.t.Go(r.janitor)
	return r
}

// WithSpec registers a function type.
func (r *Runtime) WithSpec(spec StatefulFunctionSpec) error {
	if spec.FunctionType == nil {
		return fmt.Errorf("a StatefulFunctionSpec requires a FunctionType")
	}

	if spec.Function == nil {
		return fmt.Errorf("%s has no Function", spec.FunctionType)
	}

	states := make(map[string]ValueSpec, len(spec.States))
	for _, state := range spec.States {
		if err := validateValueSpec(state); err != nil {
			return fmt.Errorf("invalid state for %s: %w", spec.FunctionType, err)
		}

		if _, exists := states[state.Name]; exists {
			return fmt.Errorf("state %s is registered twice for %s", state.Name, spec.FunctionType)
		}

		states[state.Name] = state
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	key := spec.FunctionType.String()
	if _, exists := r.specs[key]; exists {
		return fmt.Errorf("%s is already registered", key)
	}

	r.specs[key] = spec
	r.states[key] = states

	r.logger.Info().Str("function", key).Int("states", len(states)).Msg("registered function")
	return nil
}

// Invoke delivers a message from an ingress and waits for the invocation
// to end. The reply is nil when the function did not reply.
func (r *Runtime) Invoke(ctx context.Context, builder MessageBuilder) (*Message, error) {
	if builder.Target.TypeName == nil {
		return nil, errors.BadRequest("an invocation requires a Target")
	}

	msg, err := builder.ToMessage()
	if err != nil {
		return nil, errors.BadRequest("invalid message for %s: %w", builder.Target, err)
	}

	result := make(chan outcome, 1)
	a, err := r.deliver(ctx, envelope{ctx: ctx, message: msg, result: result})
	if err != nil {
		return nil, err
	}

	select {
	case out := <-result:
		return out.reply, out.err
	case <-a.t.Dead():
		select {
		case out := <-result:
			return out.reply, out.err
		default:
			return nil, errors.Unavailable(ErrActivationClosed, "%s was deactivated", a.address)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Runtime) deliver(ctx context.Context, env envelope) (*activation, error) {
	a, err := r.activate(env.message.Target())
	if err != nil {
		return nil, err
	}

	return a, a.deliver(ctx, env)
}

// post delivers a message produced by another instance without waiting for it.
func (r *Runtime) post(msg Message, caller *Address) {
	go func() {
		_, err := r.deliver(r.ctx, envelope{ctx: r.ctx, message: msg, caller: caller})
		if err != nil {
			r.logger.Warn().
				Err(err).
				Str("target", msg.Target().String()).
				Str("caller", caller.String()).
				Msg("failed to deliver message")
		}
	}()
}

func (r *Runtime) activate(address Address) (*activation, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return nil, errors.Unavailable(ErrActivationClosed, "runtime is closed")
	}

	if address.TypeName == nil {
		return nil, errors.BadRequest("cannot activate %s without a function type", address)
	}

	key := address.String()
	if a, ok := r.activations[key]; ok {
		return a, nil
	}

	spec, ok := r.specs[address.TypeName.String()]
	if !ok {
		return nil, errors.NotFound("%w: %s", ErrUnknownFunction, address.TypeName)
	}

	a := newActivation(r, address, spec, r.states[address.TypeName.String()])
	r.activations[key] = a
	r.metrics.activations.Inc()
	return a, nil
}

// Evict tears down the activation of address, dropping its state and
// cancelling its pending timers. It reports whether the address was
// activated. Evict must not be called from within the evicted instance.
func (r *Runtime) Evict(address Address) bool {
	r.mutex.Lock()
	a, ok := r.activations[address.String()]
	if ok {
		delete(r.activations, address.String())
		r.metrics.activations.Dec()
	}
	r.mutex.Unlock()

	if ok {
		a.stop()
	}
	return ok
}

// Activations lists the currently activated addresses.
func (r *Runtime) Activations() []Address {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	addresses := make([]Address, 0, len(r.activations))
	for _, a := range r.activations {
		addresses = append(addresses, a.address)
	}

	sort.Slice(addresses, func(i, j int) bool {
		return addresses[i].String() < addresses[j].String()
	})
	return addresses
}

// PendingTimers reports the number of delayed messages held by address.
func (r *Runtime) PendingTimers(address Address) int {
	r.mutex.Lock()
	a, ok := r.activations[address.String()]
	r.mutex.Unlock()

	if !ok {
		return 0
	}
	return a.timers.len()
}

// Close tears down every activation. Messages delivered afterwards
// fail with ErrActivationClosed.
func (r *Runtime) Close() error {
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return nil
	}
	r.closed = true
	activations := r.activations
	r.activations = map[string]*activation{}
	r.mutex.Unlock()

	for _, a := range activations {
		a.stop()
		r.metrics.activations.Dec()
	}

	r.cancel()
	r.t.Kill(nil)
	err := r.t.Wait()

	r.logger.Info().Int("activations", len(activations)).Msg("runtime closed")
	return err
}

func (r *Runtime) janitor() error {
	if r.options.IdleTimeout <= 0 {
		<-r.t.Dying()
		return nil
	}

	interval := r.options.IdleTimeout / 2
	if interval <= 0 {
		interval = r.options.IdleTimeout
	}

	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.t.Dying():
			return nil
		case <-ticker.Chan():
			r.evictIdle()
		}
	}
}

func (r *Runtime) evictIdle() {
	now := r.clock.Now()

	r.mutex.Lock()
	var idle []*activation
	for key, a := range r.activations {
		if a.idle(now, r.options.IdleTimeout) {
			idle = append(idle, a)
			delete(r.activations, key)
			r.metrics.activations.Dec()
		}
	}
	r.mutex.Unlock()

	for _, a := range idle {
		a.stop()
		r.logger.Debug().Str("address", a.address.String()).Msg("evicted idle activation")
	}
}
