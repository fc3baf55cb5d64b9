package statefun

import "errors"

var (
	// ErrTimerQueueFull is returned when an invocation schedules more
	// delayed messages than its activation may hold.
	ErrTimerQueueFull = errors.New("timer queue is full")

	// ErrActivationClosed is returned for messages reaching an
	// activation that is being torn down.
	ErrActivationClosed = errors.New("activation is closed")

	// ErrUnknownFunction is returned for messages addressed to a
	// function type without a registered StatefulFunctionSpec.
	ErrUnknownFunction = errors.New("unknown function type")
)
