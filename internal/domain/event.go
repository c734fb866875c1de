package domain

import "sync"

// EventName identifies a stable event emitted by an adapter or subsystem.
type EventName string

const (
	EventMessage      EventName = "message"
	EventReaction     EventName = "reaction"
	EventTyping       EventName = "typing"
	EventPresence     EventName = "presence"
	EventRead         EventName = "read"
	EventError        EventName = "error"
	EventConnected    EventName = "connected"
	EventDisconnected EventName = "disconnected"
)

// EventHandler receives an event payload. The concrete type of payload is
// documented per EventName by the emitting component.
type EventHandler func(payload any)

// Unsubscribe removes a previously registered handler.
type Unsubscribe func()

type subscription struct {
	id      uint64
	handler EventHandler
}

// Emitter is a small per-component Map<event, []handler> with a
// reentrancy guard, matching the synchronous emission contract every
// adapter and subsystem in this module must satisfy: listener dispatch
// happens in the calling goroutine, one listener's panic or nested emit
// never aborts iteration of its siblings, and a nested emit triggered from
// inside a handler has its own errors swallowed rather than rebroadcast.
//
// Unlike a fan-out bus that hands each handler to its own goroutine,
// Emitter never spawns goroutines: ordering within one emitter is exactly
// registration order, and the caller of Emit blocks until every handler
// has run.
type Emitter struct {
	mu       sync.Mutex
	subs     map[EventName][]subscription
	nextID   uint64
	emitting bool
}

// NewEmitter returns a ready-to-use Emitter.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[EventName][]subscription)}
}

// On registers handler for name and returns a function that removes it.
func (e *Emitter) On(name EventName, handler EventHandler) Unsubscribe {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs[name] = append(e.subs[name], subscription{id: id, handler: handler})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		list := e.subs[name]
		for i, s := range list {
			if s.id == id {
				e.subs[name] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

// Off clears all handlers for name. Function identity is not comparable
// in Go, so per-handler removal goes through the Unsubscribe closure
// returned by On instead.
func (e *Emitter) Off(name EventName) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, name)
}

// Emit dispatches payload to every handler registered for name, in
// registration order. A panicking handler is recovered and, if this call
// is the outermost emit in progress, its recovered value is delivered to
// the "error" listeners (unless name is itself "error", to avoid a direct
// loop); a panic surfacing from a re-entrant emit (one triggered by a
// handler that is itself running inside Emit) is swallowed instead, per
// the reentrancy contract.
func (e *Emitter) Emit(name EventName, payload any) {
	e.mu.Lock()
	reentrant := e.emitting
	if !reentrant {
		e.emitting = true
	}
	handlers := append([]subscription(nil), e.subs[name]...)
	e.mu.Unlock()

	if !reentrant {
		defer func() {
			e.mu.Lock()
			e.emitting = false
			e.mu.Unlock()
		}()
	}

	for _, s := range handlers {
		e.invoke(s.handler, payload, name, reentrant)
	}
}

func (e *Emitter) invoke(handler EventHandler, payload any, name EventName, reentrant bool) {
	defer func() {
		if r := recover(); r != nil {
			if reentrant || name == EventError {
				return
			}
			e.Emit(EventError, r)
		}
	}()
	handler(payload)
}
