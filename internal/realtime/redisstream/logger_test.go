package redisstream

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danghamo/cozyfocus/pkg/logger"
)

func TestLoggerAdapter(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.New(logger.Config{Level: logger.DebugLevel, Encoding: "json", Output: &buf})
	require.NoError(t, err)

	adapter := NewLoggerAdapter(log).With(watermill.LogFields{"topic": "cozyfocus:room:broadcast"})
	adapter.Error("publish failed", errors.New("boom"), watermill.LogFields{"attempt": 2})
	adapter.Trace("message received", nil)

	out := buf.String()
	assert.Contains(t, out, `"topic":"cozyfocus:room:broadcast"`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.Contains(t, out, `"attempt":2`)
	assert.Contains(t, out, "message received")
}
