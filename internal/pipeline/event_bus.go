package pipeline

import (
	"sync"
)

// AllCameras subscribes to events from every camera.
const AllCameras = -1

// EventBus provides pub/sub for count events.
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	cameraFilter int
	channel      chan *CountEvent
	handler      CountEventHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for events from all cameras.
// Returns an unsubscribe function.
func (b *EventBus) Subscribe(handler CountEventHandler) func() {
	return b.SubscribeCamera(AllCameras, handler)
}

// SubscribeCamera registers a handler for events from one camera.
// Returns an unsubscribe function.
func (b *EventBus) SubscribeCamera(camera int, handler CountEventHandler) func() {
	sub := &eventSubscription{
		cameraFilter: camera,
		handler:      handler,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a buffered channel receiving events from all
// cameras, and an unsubscribe function that closes it. Events are dropped
// when the channel is full so a slow consumer never stalls a camera loop.
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan *CountEvent, func()) {
	if bufferSize <= 0 {
		bufferSize = 64
	}

	ch := make(chan *CountEvent, bufferSize)
	sub := &eventSubscription{
		cameraFilter: AllCameras,
		channel:      ch,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish sends an event to all subscribers.
func (b *EventBus) Publish(event *CountEvent) {
	if event == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.cameraFilter != AllCameras && sub.cameraFilter != event.Camera {
			continue
		}

		if sub.handler != nil {
			sub.handler.OnCountEvent(event)
		} else if sub.channel != nil {
			select {
			case sub.channel <- event:
			default:
				// channel full, skip
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
