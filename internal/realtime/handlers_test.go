package realtime

import (
	"encoding/json"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlers_EmitRoutesByEvent(t *testing.T) {
	var h Handlers
	var got []string

	h.OnBroadcast("timer:update", func(raw json.RawMessage) { got = append(got, "update:"+string(raw)) })
	h.OnBroadcast("timer:request-sync", func(raw json.RawMessage) { got = append(got, "sync:"+string(raw)) })

	h.EmitBroadcast("timer:update", json.RawMessage(`{"a":1}`))
	h.EmitBroadcast("unknown", json.RawMessage(`{}`))

	assert.Equal(t, []string{`update:{"a":1}`}, got)
}

func TestHandlers_PresenceGetsIsolatedCopy(t *testing.T) {
	var h Handlers
	state := PresenceState{"guest-a": {{ID: "guest-a", X: 0.1}}}

	h.OnPresenceSync(func(s PresenceState) { s["guest-a"][0].X = 0.9 })
	h.EmitPresence(state)

	assert.Equal(t, 0.1, state["guest-a"][0].X)
}

func TestHandlers_ClosedDropsEmits(t *testing.T) {
	var h Handlers
	calls := 0
	h.OnBroadcast("e", func(json.RawMessage) { calls++ })
	h.OnPresenceSync(func(PresenceState) { calls++ })

	h.Close()
	h.EmitBroadcast("e", nil)
	h.EmitPresence(PresenceState{})

	assert.True(t, h.Closed())
	assert.Zero(t, calls)
}

func TestPresenceState_Connections(t *testing.T) {
	s := PresenceState{
		"a": {{ID: "a"}, {ID: "a"}},
		"b": {{ID: "b"}},
		"c": {{ID: "c"}},
	}
	assert.Equal(t, 4, s.Connections())
	assert.Equal(t, []string{"a", "b", "c"}, s.Keys())
}

func TestMarshalPayload(t *testing.T) {
	raw, err := MarshalPayload(map[string]string{"requesterId": "guest-a"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"requesterId":"guest-a"}`, string(raw))

	raw, err = MarshalPayload(json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(raw))

	_, err = MarshalPayload(make(chan int))
	require.Error(t, err)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, "MALFORMED_PAYLOAD", oopsErr.Code())
}
