package natsbus

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/danghamo/cozyfocus/internal/realtime"
)

type rosterEntry struct {
	key       string
	presence  realtime.Presence
	expiresAt time.Time
}

// roster is the locally assembled presence state of a room. Entries that
// are not refreshed within ttl are evicted.
type roster struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	ttl     time.Duration
	entries map[string]rosterEntry
}

func newRoster(clock clockwork.Clock, ttl time.Duration) *roster {
	return &roster{clock: clock, ttl: ttl, entries: make(map[string]rosterEntry)}
}

// upsert stores conn's presence and reports whether the aggregate changed
func (r *roster) upsert(connID, key string, p realtime.Presence) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed := r.entries[connID]
	r.entries[connID] = rosterEntry{key: key, presence: p, expiresAt: r.clock.Now().Add(r.ttl)}
	return !existed || prev.key != key || prev.presence != p
}

func (r *roster) remove(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[connID]; !ok {
		return false
	}
	delete(r.entries, connID)
	return true
}

// evict drops expired entries and reports whether any were removed
func (r *roster) evict() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	removed := false
	for id, e := range r.entries {
		if !now.Before(e.expiresAt) {
			delete(r.entries, id)
			removed = true
		}
	}
	return removed
}

// state groups entries by presence key, oldest sample first
func (r *roster) state() realtime.PresenceState {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := r.entries[ids[i]], r.entries[ids[j]]
		if a.presence.UpdatedAt != b.presence.UpdatedAt {
			return a.presence.UpdatedAt < b.presence.UpdatedAt
		}
		return ids[i] < ids[j]
	})

	state := make(realtime.PresenceState)
	for _, id := range ids {
		e := r.entries[id]
		state[e.key] = append(state[e.key], e.presence)
	}
	return state
}
