package pipeline

import (
	"candyline/internal/relay"
)

// Actuator dispatches relay pulses without blocking.
// *relay.Actuator is the production implementation.
type Actuator interface {
	// Trigger schedules the pulse and returns its id, or "" if dropped
	Trigger(cmd relay.Command) string
}

// CountEventHandler receives count events
type CountEventHandler interface {
	// OnCountEvent is called synchronously from the camera loop, so it must
	// not block
	OnCountEvent(event *CountEvent)
}

// CountEventHandlerFunc adapts a function to CountEventHandler
type CountEventHandlerFunc func(event *CountEvent)

func (f CountEventHandlerFunc) OnCountEvent(event *CountEvent) { f(event) }

var _ Actuator = (*relay.Actuator)(nil)
