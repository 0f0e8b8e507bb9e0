// Package realtime defines the room channel the lounge runs on: broadcast
// fan-out of named events plus an aggregated presence state, and the drivers
// that provide it.
package realtime

import (
	"context"
	"encoding/json"
	"sort"
)

// Status is a channel connection state reported to the Subscribe callback
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

// Presence is the payload a peer tracks about itself
type Presence struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Color     string  `json:"color"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	UpdatedAt int64   `json:"updatedAt"`
}

// PresenceState maps a presence key to one entry per live connection
type PresenceState map[string][]Presence

// Connections returns the total number of live connections
func (s PresenceState) Connections() int {
	n := 0
	for _, entries := range s {
		n += len(entries)
	}
	return n
}

// Keys returns the presence keys in sorted order
func (s PresenceState) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy safe to hand to callbacks
func (s PresenceState) Clone() PresenceState {
	out := make(PresenceState, len(s))
	for k, entries := range s {
		out[k] = append([]Presence(nil), entries...)
	}
	return out
}

// ChannelOptions configures a channel
type ChannelOptions struct {
	// PresenceKey groups this connection's presence entries; usually the peer id
	PresenceKey string
}

// Client opens channels on one transport
type Client interface {
	Channel(room string, opts ChannelOptions) Channel
	Close() error
}

// Channel is one connection to a room.
//
// Handlers must be registered before Subscribe. Broadcasts are not delivered
// back to the sending channel. No handler fires after Unsubscribe returns.
type Channel interface {
	Subscribe(ctx context.Context, onStatus func(Status)) error
	Track(ctx context.Context, p Presence) error
	OnPresenceSync(fn func(PresenceState))
	Broadcast(ctx context.Context, event string, payload any) error
	OnBroadcast(event string, fn func(json.RawMessage))
	PresenceState() PresenceState
	Unsubscribe() error
}

// Envelope is the wire form of a broadcast on transports that carry bytes
type Envelope struct {
	Event   string          `json:"event"`
	Sender  string          `json:"sender"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
