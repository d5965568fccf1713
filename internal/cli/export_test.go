package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeFlag(t *testing.T) {
	ts, err := parseTimeFlag("from", "")
	require.NoError(t, err)
	assert.Nil(t, ts)

	ts, err = parseTimeFlag("from", "2026-03-01T12:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC), *ts)

	ts, err = parseTimeFlag("to", "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), *ts)

	_, err = parseTimeFlag("to", "yesterday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--to")
}
