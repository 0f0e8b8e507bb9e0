// Package memory is an in-process realtime driver. Deliveries run
// synchronously on the caller's goroutine.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/danghamo/cozyfocus/internal/realtime"
)

// Hub connects every channel opened on it
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]map[string]*channel
	closed bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[string]*channel)}
}

// Channel opens a new connection to room
func (h *Hub) Channel(room string, opts realtime.ChannelOptions) realtime.Channel {
	id := uuid.NewString()
	key := opts.PresenceKey
	if key == "" {
		key = id
	}
	return &channel{hub: h, room: room, key: key, connID: id}
}

// Close unsubscribes every channel
func (h *Hub) Close() error {
	h.mu.Lock()
	var all []*channel
	for _, members := range h.rooms {
		for _, c := range members {
			all = append(all, c)
		}
	}
	h.closed = true
	h.mu.Unlock()

	for _, c := range all {
		_ = c.Unsubscribe()
	}
	return nil
}

// Members returns how many channels are subscribed to room
func (h *Hub) Members(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

func (h *Hub) join(c *channel) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return oops.
			In("realtime").
			Code("TRANSPORT_FAILURE").
			With("room", c.room).
			Errorf("hub is closed")
	}
	members, ok := h.rooms[c.room]
	if !ok {
		members = make(map[string]*channel)
		h.rooms[c.room] = members
	}
	members[c.connID] = c
	return nil
}

func (h *Hub) leave(c *channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[c.room]; ok {
		delete(members, c.connID)
		if len(members) == 0 {
			delete(h.rooms, c.room)
		}
	}
}

func (h *Hub) members(room string) []*channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*channel, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		out = append(out, c)
	}
	return out
}

func (h *Hub) presenceState(room string) realtime.PresenceState {
	state := make(realtime.PresenceState)
	for _, c := range h.members(room) {
		if p, ok := c.tracked(); ok {
			state[c.key] = append(state[c.key], p)
		}
	}
	return state
}

// syncPresence pushes the room aggregate to every member, the tracker included
func (h *Hub) syncPresence(room string) {
	state := h.presenceState(room)
	for _, c := range h.members(room) {
		c.handlers.EmitPresence(state)
	}
}

type channel struct {
	hub    *Hub
	room   string
	key    string
	connID string

	handlers realtime.Handlers

	mu         sync.Mutex
	subscribed bool
	presence   *realtime.Presence
}

func (c *channel) Subscribe(ctx context.Context, onStatus func(realtime.Status)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.hub.join(c); err != nil {
		if onStatus != nil {
			onStatus(realtime.StatusChannelError)
		}
		return err
	}

	c.mu.Lock()
	c.subscribed = true
	c.mu.Unlock()

	if onStatus != nil {
		onStatus(realtime.StatusSubscribed)
	}
	c.handlers.EmitPresence(c.hub.presenceState(c.room))
	return nil
}

func (c *channel) Track(ctx context.Context, p realtime.Presence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return realtime.ErrNotSubscribed(c.room)
	}
	c.presence = &p
	c.mu.Unlock()

	c.hub.syncPresence(c.room)
	return nil
}

func (c *channel) OnPresenceSync(fn func(realtime.PresenceState)) {
	c.handlers.OnPresenceSync(fn)
}

func (c *channel) Broadcast(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.isSubscribed() {
		return realtime.ErrNotSubscribed(c.room)
	}
	raw, err := realtime.MarshalPayload(payload)
	if err != nil {
		return err
	}

	for _, peer := range c.hub.members(c.room) {
		if peer.connID == c.connID {
			continue
		}
		peer.handlers.EmitBroadcast(event, raw)
	}
	return nil
}

func (c *channel) OnBroadcast(event string, fn func(json.RawMessage)) {
	c.handlers.OnBroadcast(event, fn)
}

func (c *channel) PresenceState() realtime.PresenceState {
	return c.hub.presenceState(c.room)
}

func (c *channel) Unsubscribe() error {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.subscribed = false
	c.presence = nil
	c.mu.Unlock()

	c.handlers.Close()
	c.hub.leave(c)
	c.hub.syncPresence(c.room)
	return nil
}

func (c *channel) isSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

func (c *channel) tracked() (realtime.Presence, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.presence == nil {
		return realtime.Presence{}, false
	}
	return *c.presence, true
}
