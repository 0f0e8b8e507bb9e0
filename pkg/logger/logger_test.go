package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DebugLevel,
		"DEBUG":   DebugLevel,
		"warning": WarnLevel,
		"warn":    WarnLevel,
		"error":   ErrorLevel,
		"info":    InfoLevel,
		"bogus":   InfoLevel,
		"":        InfoLevel,
	}

	for input, want := range tests {
		assert.Equal(t, want, ParseLevel(input), "input %q", input)
	}
}

func TestNew_JSONEncodingCarriesContextFields(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{
		Level:       InfoLevel,
		Environment: "production",
		Encoding:    "json",
		Output:      &buf,
	})
	require.NoError(t, err)

	log.WithComponent("lounge-session").
		WithPeerID("guest-abc123").
		WithRoom("cozyfocus-room").
		Info("joined", zap.Int("online", 3))
	require.NoError(t, log.Sync())

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "joined", line["msg"])
	assert.Equal(t, "lounge-session", line["component"])
	assert.Equal(t, "guest-abc123", line["peer_id"])
	assert.Equal(t, "cozyfocus-room", line["room"])
	assert.EqualValues(t, 3, line["online"])
	assert.Contains(t, line, "timestamp")
}

func TestNew_LevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: WarnLevel, Encoding: "json", Output: &buf})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("hidden too")
	require.NoError(t, log.Sync())

	assert.Empty(t, buf.String())
}
