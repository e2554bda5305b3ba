package planboard

import (
	"sync"
	"unsafe"

	"github.com/golang/glog"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler is the callback signature for realtime events.
type EventHandler func(Event)

// handlerEntry pairs a handler with its identity key so Off can remove by
// exact function reference and duplicate On calls stay idempotent. Distinct
// closures have distinct identities even when their bodies look the same.
type handlerEntry struct {
	key uintptr
	fn  EventHandler
}

// dispatcher is a per-type ordered set of handlers. Event-type keys are
// exact strings; there is no wildcard or namespace matching.
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string][]handlerEntry)}
}

// handlerKey returns the function value's underlying pointer. Unlike
// reflect's code pointer, this distinguishes closures and method values of
// different receivers while staying stable for the same func value, so On
// and Off see exact reference identity. The pointed-to function stays alive
// as long as the entry holds the handler.
func handlerKey(h EventHandler) uintptr {
	return *(*uintptr)(unsafe.Pointer(&h))
}

// On registers a handler for an event type. Registering the identical
// function twice is a no-op; registration order is preserved for dispatch.
func (d *dispatcher) On(eventType string, h EventHandler) {
	if h == nil {
		return
	}
	key := handlerKey(h)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, entry := range d.handlers[eventType] {
		if entry.key == key {
			return
		}
	}
	d.handlers[eventType] = append(d.handlers[eventType], handlerEntry{key: key, fn: h})
}

// Off removes a previously registered handler by exact reference.
func (d *dispatcher) Off(eventType string, h EventHandler) {
	if h == nil {
		return
	}
	key := handlerKey(h)
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.handlers[eventType]
	for i, entry := range entries {
		if entry.key == key {
			d.handlers[eventType] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Emit invokes every handler registered for the event's type, in
// registration order. Each call is isolated: a panicking handler is logged
// and does not prevent later handlers from running or crash the read loop.
func (d *dispatcher) Emit(ev Event) {
	d.mu.RLock()
	entries := append([]handlerEntry{}, d.handlers[ev.Type]...)
	d.mu.RUnlock()

	for _, entry := range entries {
		invoke(entry.fn, ev)
	}
}

func invoke(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("planboard: event handler panic on %q: %v", ev.Type, r)
		}
	}()
	h(ev)
}
