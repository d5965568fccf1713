package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurityEventIsTagged(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New(Config{Level: "debug"}, &buf), "saga")

	Security(&logger).Str("reason", "signature").Msg("token rejected")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, true, entry["security"])
	assert.Equal(t, "saga", entry["component"])
	assert.Equal(t, "token rejected", entry["message"])
}

func TestLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "nonsense"}, &buf)

	logger.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())

	logger.Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}
