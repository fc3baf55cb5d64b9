package statefun

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/sjwiesman/settimeout-go/internal/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/tomb.v2"
)

var tracer = otel.Tracer("github.com/sjwiesman/settimeout-go/pkg/statefun")

type outcome struct {
	reply *Message
	err   error
}

type envelope struct {
	ctx     context.Context
	message Message
	caller  *Address
	result  chan<- outcome
}

// activation is the in-memory lifetime of one function instance. All
// invocations and timer firings run on the activation's own goroutine;
// work started with Context.Go runs beside it under the same tomb.
type activation struct {
	t        tomb.Tomb
	ctx      context.Context
	cancel   context.CancelFunc
	clock    clockwork.Clock
	metrics  *metrics
	post     func(Message, *Address)
	address  Address
	function StatefulFunction
	info     Activation
	storage  *storage
	timers   *timerQueue
	mailbox  chan envelope
	logger   zerolog.Logger
	lastSeen atomic.Int64
	inflight atomic.Int64

	wake   clockwork.Timer
	wakeAt time.Time
}

// RawObjectID is the identifier of the instance at address. It is the
// same for every activation of that instance.
func RawObjectID(address Address) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(address.String())).String()
}

func newActivation(r *Runtime, address Address, spec StatefulFunctionSpec, states map[string]ValueSpec) *activation {
	now := r.clock.Now()
	info := Activation{
		ID:            xid.New().String(),
		RawObjectID:   RawObjectID(address),
		RawInstanceID: strconv.FormatInt(now.UnixNano(), 10),
		CreatedAt:     now,
	}

	a := &activation{
		clock:    r.clock,
		metrics:  r.metrics,
		post:     r.post,
		address:  address,
		function: spec.Function,
		info:     info,
		storage:  newStorage(r.clock, states),
		timers:   newTimerQueue(r.options.MaxPendingTimers),
		mailbox:  make(chan envelope, r.options.MailboxSize),
		logger: r.logger.With().
			Str("address", address.String()).
			Str("activation", info.ID).
			Logger(),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.lastSeen.Store(now.UnixNano())

	a.t.Go(a.loop)
	return a
}

func (a *activation) loop() error {
	a.logger.Debug().
		Str("raw_object_id", a.info.RawObjectID).
		Str("raw_instance_id", a.info.RawInstanceID).
		Msg("activated")

	for {
		var wake <-chan time.Time
		if a.wake != nil {
			wake = a.wake.Chan()
		}

		select {
		case <-a.t.Dying():
			a.shutdown()
			return nil
		case env := <-a.mailbox:
			a.handle(env)
		case <-wake:
			a.wake = nil
			a.fire()
		}
	}
}

// deliver queues env on the mailbox.
func (a *activation) deliver(ctx context.Context, env envelope) error {
	select {
	case a.mailbox <- env:
		return nil
	case <-a.t.Dying():
		return errors.Unavailable(ErrActivationClosed, "%s was deactivated", a.address)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *activation) handle(env envelope) {
	a.touch()
	reply, err := a.invoke(env.ctx, env.message, env.caller)
	// timers are armed before the caller observes the reply
	a.rearm()

	if env.result != nil {
		env.result <- outcome{reply: reply, err: err}
		return
	}

	if err != nil {
		a.logger.Warn().Err(err).Str("type", env.message.TypeName()).Msg("message failed")
	}
}

func (a *activation) fire() {
	for _, t := range a.timers.popDue(a.clock.Now()) {
		a.metrics.pendingTimers.Dec()

		select {
		case <-a.t.Dying():
			a.metrics.timersCancelled.Inc()
			continue
		default:
		}

		a.metrics.timersFired.Inc()
		if t.message.Target().String() != a.address.String() {
			a.post(t.message, &a.address)
			continue
		}

		a.touch()
		if _, err := a.invoke(a.ctx, t.message, &a.address); err != nil {
			a.logger.Warn().
				Err(err).
				Str("type", t.message.TypeName()).
				Time("due", t.due).
				Msg("delayed message failed")
		}
	}

	a.rearm()
}

func (a *activation) invoke(parent context.Context, msg Message, caller *Address) (*Message, error) {
	ctx, span := tracer.Start(parent, "statefun.invoke", trace.WithAttributes(
		attribute.String("statefun.address", a.address.String()),
		attribute.String("statefun.message_type", msg.TypeName()),
	))
	defer span.End()

	ctx, cancel := context.WithCancel(a.logger.WithContext(ctx))
	defer cancel()
	// deactivation also ends invocations started by an ingress
	defer context.AfterFunc(a.ctx, cancel)()

	a.storage.touch()

	sctx := &statefunContext{
		Context:    ctx,
		self:       a.address,
		caller:     caller,
		activation: a.info,
		storage:    a.storage.batch(),
		now:        a.clock.Now,
		capacity:   a.timers.free(),
	}

	err := a.call(sctx, msg)
	if err == nil {
		err = a.commit(sctx)
	}

	function := a.address.TypeName.String()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.metrics.invocations.WithLabelValues(function, "failure").Inc()
		return nil, err
	}

	a.metrics.invocations.WithLabelValues(function, "success").Inc()
	return sctx.reply, nil
}

func (a *activation) call(ctx *statefunContext, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.Wrap(e, "function %s panicked", a.address)
			} else {
				err = fmt.Errorf("function %s panicked: %v", a.address, r)
			}
		}
	}()

	return a.function.Invoke(ctx, msg)
}

// commit applies the effects of a successful invocation. Nothing is
// applied when the delayed messages do not fit the timer queue.
func (a *activation) commit(ctx *statefunContext) error {
	if len(ctx.delayed) > 0 {
		if err := a.timers.push(ctx.delayed); err != nil {
			return errors.Unavailable(err, "cannot schedule %d messages from %s", len(ctx.delayed), a.address)
		}

		a.metrics.timersScheduled.Add(float64(len(ctx.delayed)))
		a.metrics.pendingTimers.Add(float64(len(ctx.delayed)))
	}

	ctx.storage.commit()

	for _, fn := range ctx.background {
		a.spawn(fn)
	}
	return nil
}

// spawn runs fn next to the activation goroutine. The tomb keeps the
// activation alive until fn returns.
func (a *activation) spawn(fn func(context.Context) error) {
	a.inflight.Add(1)
	a.metrics.backgroundTasks.Inc()

	a.t.Go(func() error {
		defer func() {
			a.inflight.Add(-1)
			a.metrics.backgroundTasks.Dec()
		}()

		if err := fn(a.logger.WithContext(a.ctx)); err != nil {
			a.logger.Warn().Err(err).Msg("background task failed")
		}
		return nil
	})
}

// rearm points the wake timer at the earliest pending timer.
func (a *activation) rearm() {
	due, ok := a.timers.next()
	if !ok {
		a.stopWake()
		return
	}

	if a.wake != nil && a.wakeAt.Equal(due) {
		return
	}

	a.stopWake()
	delay := due.Sub(a.clock.Now())
	if delay < 0 {
		delay = 0
	}
	a.wake = a.clock.NewTimer(delay)
	a.wakeAt = due
}

func (a *activation) stopWake() {
	if a.wake != nil {
		a.wake.Stop()
		a.wake = nil
	}
}

func (a *activation) shutdown() {
	a.cancel()
	a.stopWake()

	cancelled := a.timers.clear()
	a.metrics.timersCancelled.Add(float64(cancelled))
	a.metrics.pendingTimers.Sub(float64(cancelled))

	for {
		select {
		case env := <-a.mailbox:
			if env.result != nil {
				env.result <- outcome{err: errors.Unavailable(ErrActivationClosed, "%s was deactivated", a.address)}
			}
		default:
			a.logger.Debug().Int("cancelled_timers", cancelled).Msg("deactivated")
			return
		}
	}
}

func (a *activation) touch() {
	a.lastSeen.Store(a.clock.Now().UnixNano())
}

func (a *activation) idle(now time.Time, timeout time.Duration) bool {
	return a.timers.len() == 0 &&
		a.inflight.Load() == 0 &&
		now.Sub(time.Unix(0, a.lastSeen.Load())) >= timeout
}

// stop cancels in-flight work and waits for the activation to wind down.
func (a *activation) stop() {
	a.cancel()
	a.t.Kill(nil)
	_ = a.t.Wait()
}
