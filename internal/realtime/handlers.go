package realtime

import (
	"encoding/json"
	"sync"

	"github.com/samber/oops"
)

// Handlers is the callback registry shared by the drivers. Once closed it
// drops every emit.
type Handlers struct {
	mu        sync.RWMutex
	presence  []func(PresenceState)
	broadcast map[string][]func(json.RawMessage)
	closed    bool
}

// OnPresenceSync registers a presence sync callback
func (h *Handlers) OnPresenceSync(fn func(PresenceState)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presence = append(h.presence, fn)
}

// OnBroadcast registers a callback for one event name
func (h *Handlers) OnBroadcast(event string, fn func(json.RawMessage)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.broadcast == nil {
		h.broadcast = make(map[string][]func(json.RawMessage))
	}
	h.broadcast[event] = append(h.broadcast[event], fn)
}

// EmitPresence calls every presence callback with its own copy of state
func (h *Handlers) EmitPresence(state PresenceState) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	fns := append(([]func(PresenceState))(nil), h.presence...)
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(state.Clone())
	}
}

// EmitBroadcast calls the callbacks registered for event
func (h *Handlers) EmitBroadcast(event string, payload json.RawMessage) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	fns := append(([]func(json.RawMessage))(nil), h.broadcast[event]...)
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(payload)
	}
}

// Close stops all further emits
func (h *Handlers) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

// Closed reports whether Close was called
func (h *Handlers) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// MarshalPayload encodes a broadcast payload, passing raw JSON through
func MarshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, oops.
				In("realtime").
				Code("MALFORMED_PAYLOAD").
				Wrapf(err, "encode broadcast payload")
		}
		return data, nil
	}
}

// ErrNotSubscribed is returned by operations that need a live subscription
func ErrNotSubscribed(room string) error {
	return oops.
		In("realtime").
		Code("NOT_SUBSCRIBED").
		With("room", room).
		Errorf("channel is not subscribed")
}

// TransportFailure wraps a driver error
func TransportFailure(err error, op, room string) error {
	return oops.
		In("realtime").
		Code("TRANSPORT_FAILURE").
		With("op", op).
		With("room", room).
		Wrapf(err, "%s failed", op)
}
