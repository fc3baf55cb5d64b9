package statefun

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/sjwiesman/settimeout-go/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recorderType = TypeNameFrom("test/recorder")

type recorder struct {
	mutex    sync.Mutex
	received []string
	callers  []*Address
	contexts []Activation
}

func (r *recorder) record(ctx Context, value string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.received = append(r.received, value)
	r.callers = append(r.callers, ctx.Caller())
	r.contexts = append(r.contexts, ctx.Activation())
}

func (r *recorder) values() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.received...)
}

func (r *recorder) lastCaller() *Address {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if len(r.callers) == 0 {
		return nil
	}
	return r.callers[len(r.callers)-1]
}

func (r *recorder) lastActivation() Activation {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.contexts[len(r.contexts)-1]
}

func newTestRuntime(t *testing.T, options Options) (*Runtime, clockwork.FakeClock) {
	fake := clockwork.NewFakeClock()
	options.Clock = fake
	options.Logger = zerolog.Nop()
	options.Registerer = prometheus.NewPedanticRegistry()

	r := NewRuntime(options)
	t.Cleanup(func() {
		_ = r.Close()
	})
	return r, fake
}

func to(id string) Address {
	return Address{TypeName: recorderType, Id: id}
}

func TestInvokeReplies(t *testing.T) {
	r, _ := newTestRuntime(t, Options{})
	require.NoError(t, r.WithSpec(StatefulFunctionSpec{
		FunctionType: recorderType,
		Function: StatefulFunctionPointer(func(ctx Context, message Message) error {
			name, err := message.AsString()
			if err != nil {
				return err
			}
			ctx.Reply(MessageBuilder{Value: "Hello, " + name + "!"})
			return nil
		}),
	}))

	reply, err := r.Invoke(context.Background(), MessageBuilder{Target: to("a"), Value: "world"})
	require.NoError(t, err)
	require.NotNil(t, reply)

	greeting, err := reply.AsString()
	require.NoError(t, err)
	assert.Equal(t, "Hello, world!", greeting)
	assert.Equal(t, []Address{to("a")}, r.Activations())
}

func TestWithSpecValidation(t *testing.T) {
	r, _ := newTestRuntime(t, Options{})
	noop := StatefulFunctionPointer(func(Context, Message) error { return nil })

	assert.Error(t, r.WithSpec(StatefulFunctionSpec{Function: noop}))
	assert.Error(t, r.WithSpec(StatefulFunctionSpec{FunctionType: recorderType}))
	assert.Error(t, r.WithSpec(StatefulFunctionSpec{
		FunctionType: recorderType,
		States:       []ValueSpec{{Name: "bad name", ValueType: StringType}},
		Function:     noop,
	}))

	require.NoError(t, r.WithSpec(StatefulFunctionSpec{FunctionType: recorderType, Function: noop}))
	assert.Error(t, r.WithSpec(StatefulFunctionSpec{FunctionType: recorderType, Function: noop}))
}

func TestInvokeErrors(t *testing.T) {
	r, _ := newTestRuntime(t, Options{})

	_, err := r.Invoke(context.Background(), MessageBuilder{Target: to("a"), Value: "x"})
	assert.ErrorIs(t, err, ErrUnknownFunction)
	assert.Equal(t, http.StatusNotFound, errors.ToCode(err))

	_, err = r.Invoke(context.Background(), MessageBuilder{Value: "x"})
	assert.Equal(t, http.StatusBadRequest, errors.ToCode(err))

	_, err = r.Invoke(context.Background(), MessageBuilder{Target: to("a"), Value: 1})
	assert.Equal(t, http.StatusBadRequest, errors.ToCode(err))
}

func TestStateSurvivesInvocations(t *testing.T) {
	r, _ := newTestRuntime(t, Options{})
	require.NoError(t, r.WithSpec(StatefulFunctionSpec{
		FunctionType: recorderType,
		States:       []ValueSpec{seenSpec},
		Function: StatefulFunctionPointer(func(ctx Context, _ Message) error {
			var seen int32
			if _, err := ctx.Storage().Get(seenSpec, &seen); err != nil {
				return err
			}
			seen++
			if err := ctx.Storage().Set(seenSpec, seen); err != nil {
				return err
			}
			ctx.Reply(MessageBuilder{Value: seen})
			return nil
		}),
	}))

	invoke := func(id string) int32 {
		reply, err := r.Invoke(context.Background(), MessageBuilder{Target: to(id), Value: "hit"})
		require.NoError(t, err)
		seen, err := reply.AsInt32()
		require.NoError(t, err)
		return seen
	}

	assert.Equal(t, int32(1), invoke("a"))
	assert.Equal(t, int32(2), invoke("a"))
	assert.Equal(t, int32(1), invoke("b"))

	assert.True(t, r.Evict(to("a")))
	assert.Equal(t, int32(1), invoke("a"), "state is dropped with the activation")
}

func TestSendAfterFiresInOrder(t *testing.T) {
	r, fake := newTestRuntime(t, Options{})
	rec := &recorder{}

	require.NoError(t, r.WithSpec(StatefulFunctionSpec{
		FunctionType: recorderType,
		Function: StatefulFunctionPointer(func(ctx Context, message Message) error {
			value, err := message.AsString()
			if err != nil {
				return err
			}

			if value != "start" {
				rec.record(ctx, value)
				return nil
			}

			ctx.SendAfter(10*time.Second, MessageBuilder{Target: ctx.Self(), Value: "c"})
			ctx.SendAfter(5*time.Second, MessageBuilder{Target: ctx.Self(), Value: "a"})
			ctx.SendAfter(5*time.Second, MessageBuilder{Target: ctx.Self(), Value: "b"})
			return nil
		}),
	}))

	_, err := r.Invoke(context.Background(), MessageBuilder{Target: to("a"), Value: "start"})
	require.NoError(t, err)
	assert.Empty(t, rec.values(), "delayed messages must not fire before their delay")
	assert.Equal(t, 3, r.PendingTimers(to("a")))

	fake.Advance(5 * time.Second)
	assert.Eventually(t, func() bool {
		return len(rec.values()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, rec.values())

	fake.BlockUntil(1)
	fake.Advance(5 * time.Second)
	assert.Eventually(t, func() bool {
		return len(rec.values()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, rec.values())

	self := to("a")
	assert.Equal(t, &self, rec.lastCaller())
	assert.Equal(t, 0, r.PendingTimers(to("a")))
	assert.Equal(t, float64(3), testutil.ToFloat64(r.metrics.timersFired))
}

func TestSendReachesOtherInstances(t *testing.T) {
	r, _ := newTestRuntime(t, Options{})
	rec := &recorder{}

	require.NoError(t, r.WithSpec(StatefulFunctionSpec{
		FunctionType: recorderType,
		Function: StatefulFunctionPointer(func(ctx Context, message Message) error {
			value, err := message.AsString()
			if err != nil {
				return err
			}

			if value == "ping" {
				ctx.Send(MessageBuilder{Target: to("b"), Value: "pong"})
				return nil
			}

			rec.record(ctx, value)
			return nil
		}),
	}))

	_, err := r.Invoke(context.Background(), MessageBuilder{Target: to("a"), Value: "ping"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(rec.values()) == 1
	}, time.Second, 5*time.Millisecond)

	caller := to("a")
	assert.Equal(t, &caller, rec.lastCaller())
	assert.Equal(t, []Address{to("a"), to("b")}, r.Activations())
}

func TestTimerQueueBound(t *testing.T) {
	r, _ := newTestRuntime(t, Options{MaxPendingTimers: 3})

	require.NoError(t, r.WithSpec(StatefulFunctionSpec{
		FunctionType: recorderType,
		Function: StatefulFunctionPointer(func(ctx Context, message Message) error {
			count, err := message.AsInt32()
			if err != nil {
				return err
			}
			for i := int32(1); i <= count; i++ {
				ctx.SendAfter(time.Duration(i)*time.Minute, MessageBuilder{Target: ctx.Self(), Value: "tick"})
			}
			return nil
		}),
	}))

	_, err := r.Invoke(context.Background(), MessageBuilder{Target: to("a"), Value: int32(4)})
	assert.ErrorIs(t, err, ErrTimerQueueFull)
	assert.Equal(t, http.StatusServiceUnavailable, errors.ToCode(err))
	assert.Equal(t, 0, r.PendingTimers(to("a")))

	_, err = r.Invoke(context.Background(), MessageBuilder{Target: to("a"), Value: int32(3)})
	require.NoError(t, err)
	assert.Equal(t, 3, r.PendingTimers(to("a")))
}

func TestFailedInvocationsDiscardWrites(t *testing.T) {
	r, _ := newTestRuntime(t, Options{MaxPendingTimers: 2})

	require.NoError(t, r.WithSpec(StatefulFunctionSpec{
		FunctionType: recorderType,
		States:       []ValueSpec{seenSpec},
		Function: StatefulFunctionPointer(func(ctx Context, message Message) error {
			value, err := message.AsString()
			if err != nil {
				return err
			}

			var seen int32
			if _, err := ctx.Storage().Get(seenSpec, &seen); err != nil {
				return err
			}
			if err := ctx.Storage().Set(seenSpec, seen+1); err != nil {
				return err
			}

			var staged int32
			if _, err := ctx.Storage().Get(seenSpec, &staged); err != nil {
				return err
			}
			ctx.Reply(MessageBuilder{Value: staged})

			switch value {
			case "fail":
				return errors.BadRequest("rejected")
			case "overflow":
				for i := 1; i <= 3; i++ {
					ctx.SendAfter(time.Duration(i)*time.Minute, MessageBuilder{Target: ctx.Self(), Value: "tick"})
				}
			}
			return nil
		}),
	}))

	invoke := func(value string) (int32, error) {
		reply, err := r.Invoke(context.Background(), MessageBuilder{Target: to("a"), Value: value})
		if err != nil {
			return 0, err
		}
		seen, err := reply.AsInt32()
		require.NoError(t, err)
		return seen, nil
	}

	seen, err := invoke("hit")
	require.NoError(t, err)
	assert.Equal(t, int32(1), seen, "writes are visible within the invocation")

	_, err = invoke("fail")
	assert.Error(t, err)

	_, err = invoke("overflow")
	assert.ErrorIs(t, err, ErrTimerQueueFull)
	assert.Equal(t, 0, r.PendingTimers(to("a")))

	seen, err = invoke("hit")
	require.NoError(t, err)
	assert.Equal(t, int32(2), seen, "only committed invocations count")
}

func TestTimerCapacity(t *testing.T) {
	r, _ := newTestRuntime(t, Options{MaxPendingTimers: 5})
	capacities := make(chan [2]int, 2)

	require.NoError(t, r.WithSpec(StatefulFunctionSpec{
		FunctionType: recorderType,
		Function: StatefulFunctionPointer(func(ctx Context, _ Message) error {
			before := ctx.TimerCapacity()
			ctx.SendAfter(time.Minute, MessageBuilder{Target: ctx.Self(), Value: "tick"})
			ctx.SendAfter(time.Minute, MessageBuilder{Target: ctx.Self(), Value: "tick"})
			capacities <- [2]int{before, ctx.TimerCapacity()}
			return nil
		}),
	}))

	for _, expected := range [][2]int{{5, 3}, {3, 1}} {
		_, err := r.Invoke(context.Background(), MessageBuilder{Target: to("a"), Value: "start"})
		require.NoError(t, err)
		assert.Equal(t, expected, <-capacities)
	}
}

func TestGoRunsBesideTheActivation(t *testing.T) {
	r, _ := newTestRuntime(t, Options{})
	started := make(chan struct{})
	finished := make(chan error, 1)

	require.NoError(t, r.WithSpec(StatefulFunctionSpec{
		FunctionType: recorderType,
		Function: StatefulFunctionPointer(func(ctx Context, message Message) error {
			value, _ := message.AsString()
			switch value {
			case "block":
				ctx.Go(func(ctx context.Context) error {
					close(started)
					<-ctx.Done()
					finished <- ctx.Err()
					return ctx.Err()
				})
			case "fail":
				ctx.Go(func(context.Context) error {
					t.Error("work of a failed invocation must not start")
					return nil
				})
				return errors.BadRequest("rejected")
			}
			ctx.Reply(MessageBuilder{Value: value})
			return nil
		}),
	}))

	_, err := r.Invoke(context.Background(), MessageBuilder{Target: to("a"), Value: "fail"})
	assert.Error(t, err)

	_, err = r.Invoke(context.Background(), MessageBuilder{Target: to("a"), Value: "block"})
	require.NoError(t, err)
	<-started

	reply, err := r.Invoke(context.Background(), MessageBuilder{Target: to("a"), Value: "ping"})
	require.NoError(t, err, "the instance keeps serving while the work runs")
	pong, _ := reply.AsString()
	assert.Equal(t, "ping", pong)
	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.backgroundTasks))

	assert.True(t, r.Evict(to("a")))
	select {
	case err := <-finished:
		assert.ErrorIs(t, err, context.Canceled)
	default:
		t.Fatal("Evict returned before the work was cancelled")
	}
	assert.Equal(t, float64(0), testutil.ToFloat64(r.metrics.backgroundTasks))
}

func TestEvictCancelsPendingTimers(t *testing.T) {
	r, fake := newTestRuntime(t, Options{})
	rec := &recorder{}

	require.NoError(t, r.WithSpec(StatefulFunctionSpec{
		FunctionType: recorderType,
		Function: StatefulFunctionPointer(func(ctx Context, message Message) error {
			value, _ := message.AsString()
			if value == "start" {
				ctx.SendAfter(time.Second, MessageBuilder{Target: ctx.Self(), Value: "one"})
				ctx.SendAfter(2*time.Second, MessageBuilder{Target: ctx.Self(), Value: "two"})
				return nil
			}
			rec.record(ctx, value)
			return nil
		}),
	}))

	_, err := r.Invoke(context.Background(), MessageBuilder{Target: to("a"), Value: "start"})
	require.NoError(t, err)

	assert.True(t, r.Evict(to("a")))
	assert.False(t, r.Evict(to("a")))
	assert.Empty(t, r.Activations())

	fake.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, rec.values())
	assert.Equal(t, float64(2), testutil.ToFloat64(r.metrics.timersCancelled))
	assert.Equal(t, float64(0), testutil.ToFloat64(r.metrics.pendingTimers))
}

func TestActivationIdentity(t *testing.T) {
	r, fake := newTestRuntime(t, Options{})
	rec := &recorder{}

	require.NoError(t, r.WithSpec(StatefulFunctionSpec{
		FunctionType: recorderType,
		Function: StatefulFunctionPointer(func(ctx Context, _ Message) error {
			rec.record(ctx, "hit")
			return nil
		}),
	}))

	invoke := func() Activation {
		_, err := r.Invoke(context.Background(), MessageBuilder{Target: to("a"), Value: "hit"})
		require.NoError(t, err)
		return rec.lastActivation()
	}

	first := invoke()
	assert.Equal(t, strconv.FormatInt(fake.Now().UnixNano(), 10), first.RawInstanceID)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, first, invoke(), "the same activation serves every message")

	r.Evict(to("a"))
	fake.Advance(time.Second)

	second := invoke()
	assert.Equal(t, first.RawObjectID, second.RawObjectID)
	assert.NotEqual(t, first.RawInstanceID, second.RawInstanceID)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestInvalidSendIsRecovered(t *testing.T) {
	r, _ := newTestRuntime(t, Options{})

	require.NoError(t, r.WithSpec(StatefulFunctionSpec{
		FunctionType: recorderType,
		Function: StatefulFunctionPointer(func(ctx Context, message Message) error {
			value, _ := message.AsString()
			if value == "bad" {
				ctx.Send(MessageBuilder{Target: ctx.Self()})
			}
			ctx.Reply(MessageBuilder{Value: "ok"})
			return nil
		}),
	}))

	_, err := r.Invoke(context.Background(), MessageBuilder{Target: to("a"), Value: "bad"})
	assert.Error(t, err)

	reply, err := r.Invoke(context.Background(), MessageBuilder{Target: to("a"), Value: "good"})
	require.NoError(t, err)
	value, err := reply.AsString()
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
}

func TestIdleActivationsAreEvicted(t *testing.T) {
	r, fake := newTestRuntime(t, Options{IdleTimeout: 10 * time.Second})

	require.NoError(t, r.WithSpec(StatefulFunctionSpec{
		FunctionType: recorderType,
		Function: StatefulFunctionPointer(func(ctx Context, message Message) error {
			value, _ := message.AsString()
			if value == "wait" {
				ctx.SendAfter(24*time.Hour, MessageBuilder{Target: ctx.Self(), Value: "late"})
			}
			return nil
		}),
	}))

	_, err := r.Invoke(context.Background(), MessageBuilder{Target: to("idle"), Value: "hit"})
	require.NoError(t, err)
	_, err = r.Invoke(context.Background(), MessageBuilder{Target: to("busy"), Value: "wait"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		fake.Advance(5 * time.Second)
		return len(r.Activations()) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, []Address{to("busy")}, r.Activations())
}

func TestClosedRuntimeRejectsMessages(t *testing.T) {
	r, _ := newTestRuntime(t, Options{})
	require.NoError(t, r.WithSpec(StatefulFunctionSpec{
		FunctionType: recorderType,
		Function:     StatefulFunctionPointer(func(Context, Message) error { return nil }),
	}))

	_, err := r.Invoke(context.Background(), MessageBuilder{Target: to("a"), Value: "hit"})
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.Empty(t, r.Activations())

	_, err = r.Invoke(context.Background(), MessageBuilder{Target: to("a"), Value: "hit"})
	assert.ErrorIs(t, err, ErrActivationClosed)
	assert.Equal(t, http.StatusServiceUnavailable, errors.ToCode(err))
}
