package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Event is one observable occurrence inside the core: a message arriving,
// a routing decision, a generation failing. Transports and the status
// surface subscribe to these instead of reaching into the engine.
type Event struct {
	Type      string
	Source    string
	Payload   map[string]any
	Timestamp time.Time
}

// EventHandler receives events synchronously on the emitter's goroutine.
type EventHandler func(Event)

// EventBus is an in-process pub/sub channel for core events. Subscriptions
// may target one event type or "*" for everything; a bounded history buffer
// backs Replay and Recent.
type EventBus struct {
	mu         sync.RWMutex
	handlers   map[string][]*subscription
	logger     *slog.Logger
	history    []Event
	maxHistory int
}

type subscription struct {
	fn EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:   make(map[string][]*subscription),
		logger:     logger,
		maxHistory: 256,
	}
}

// On registers a handler for the given event type ("*" matches all) and
// returns a function that cancels the subscription.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	sub := &subscription{fn: handler}
	eb.mu.Lock()
	eb.handlers[eventType] = append(eb.handlers[eventType], sub)
	eb.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			eb.mu.Lock()
			defer eb.mu.Unlock()
			subs := eb.handlers[eventType]
			for i, s := range subs {
				if s == sub {
					eb.handlers[eventType] = append(subs[:i], subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit records the event and delivers it synchronously to type-specific and
// wildcard subscribers. A panicking subscriber is logged and skipped; it
// never takes down the emitter.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	subs := make([]*subscription, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	subs = append(subs, eb.handlers[event.Type]...)
	subs = append(subs, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, s := range subs {
		eb.deliver(s, event)
	}
}

func (eb *EventBus) deliver(s *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "panic", r)
		}
	}()
	s.fn(event)
}

// Replay returns buffered events of the given type ("*" for all) emitted at
// or after since.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var out []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Recent returns up to n of the most recent events, oldest first.
func (eb *EventBus) Recent(n int) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if n <= 0 || len(eb.history) == 0 {
		return nil
	}
	if n > len(eb.history) {
		n = len(eb.history)
	}
	out := make([]Event, n)
	copy(out, eb.history[len(eb.history)-n:])
	return out
}

// Well-known event types.
const (
	EventMessageReceived  = "message.received"
	EventMessageDuplicate = "message.duplicate"
	EventMessageRouted    = "message.routed"
	EventRoutingCrisis    = "routing.crisis"
	EventGenerationFailed = "generation.failed"
	EventResponseAccepted = "response.accepted"
	EventRerollRequested  = "reroll.requested"
	EventCommandExecuted  = "command.executed"
	EventHandlerCloned    = "handler.cloned"
	EventChannelActivated = "channel.activated"
)
