package statefun

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// A Context contains information about the current function invocation, such as the invoked
// function instance's and caller's Address. It is also used for side-effects as a result of
// the invocation such as sending messages to other functions, scheduling delayed messages and
// replying to the caller, and provides access to AddressScopedStorage scoped to the current
// Address. This type is also a context.Context and can be used to ensure any spawned go
// routines do not outlive the current function invocation.
type Context interface {
	context.Context

	// The current invoked function instance's Address.
	Self() Address

	// The caller function instance's Address, if applicable. This is nil
	// if the message was sent to this function via an ingress.
	Caller() *Address

	// The activation of the current function instance.
	Activation() Activation

	// Sends out a MessageBuilder to another function.
	Send(message MessageBuilder)

	// Sends out a MessageBuilder to another function, after a specified time.Duration delay.
	SendAfter(delay time.Duration, message MessageBuilder)

	// Replies to the ingress caller. Only the last reply of an invocation is kept.
	Reply(message MessageBuilder)

	// Runs fn on its own goroutine once the invocation has committed. The context passed
	// to fn is cancelled when the instance is deactivated, and deactivation waits for fn
	// to return. A returned error is logged.
	Go(fn func(ctx context.Context) error)

	// The number of delayed messages the instance can still schedule, taking the ones
	// already sent by this invocation into account.
	TimerCapacity() int

	// The AddressScopedStorage, providing access to stored values scoped to the
	// current invoked function instance's Address (which is obtainable using Self()).
	Storage() AddressScopedStorage
}

// Activation describes one in-memory lifetime of a function instance.
type Activation struct {
	// ID is unique per activation and only used in operational logs.
	ID string

	// RawObjectID is derived from the Address and stays the same
	// across activations of the same instance.
	RawObjectID string

	// RawInstanceID is the nanosecond clock reading taken when
	// the instance was activated, in decimal form.
	RawInstanceID string

	CreatedAt time.Time
}

type delayedMessage struct {
	due     time.Time
	message Message
}

type statefunContext struct {
	sync.Mutex
	context.Context
	self       Address
	caller     *Address
	activation Activation
	storage    *batch
	now        func() time.Time
	capacity   int
	delayed    []delayedMessage
	background []func(context.Context) error
	reply      *Message
}

func (s *statefunContext) Storage() AddressScopedStorage {
	return s.storage
}

func (s *statefunContext) Self() Address {
	return s.self
}

func (s *statefunContext) Caller() *Address {
	return s.caller
}

func (s *statefunContext) Activation() Activation {
	return s.activation
}

func (s *statefunContext) Send(message MessageBuilder) {
	s.SendAfter(0, message)
}

func (s *statefunContext) SendAfter(delay time.Duration, message MessageBuilder) {
	s.Lock()
	defer s.Unlock()

	if delay < 0 {
		panic(fmt.Errorf("negative delay %v for message to %s", delay, message.Target))
	}

	if message.Target.TypeName == nil {
		panic(fmt.Errorf("a message sent from %s requires a Target", s.self))
	}

	msg, err := message.ToMessage()

	if err != nil {
		panic(err)
	}

	s.delayed = append(s.delayed, delayedMessage{
		due:     s.now().Add(delay),
		message: msg,
	})
}

func (s *statefunContext) Reply(message MessageBuilder) {
	s.Lock()
	defer s.Unlock()

	msg, err := message.ToMessage()

	if err != nil {
		panic(err)
	}

	s.reply = &msg
}

func (s *statefunContext) Go(fn func(ctx context.Context) error) {
	s.Lock()
	defer s.Unlock()

	if fn == nil {
		panic(fmt.Errorf("a nil function was started from %s", s.self))
	}

	s.background = append(s.background, fn)
}

func (s *statefunContext) TimerCapacity() int {
	s.Lock()
	defer s.Unlock()

	if free := s.capacity - len(s.delayed); free > 0 {
		return free
	}
	return 0
}
