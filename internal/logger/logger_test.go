package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEmitsJSONWithServiceFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Environment: "production", ServiceName: "budget-transfers", Version: "1.2.3", Output: &buf})

	log.Component("engine").Info().Str("transfer_id", "t-1").Msg("stage activated")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "budget-transfers", entry["service"])
	assert.Equal(t, "1.2.3", entry["version"])
	assert.Equal(t, "engine", entry["component"])
	assert.Equal(t, "t-1", entry["transfer_id"])
	assert.Equal(t, "stage activated", entry["message"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Environment: "production", Output: &buf})

	log.Info().Msg("hidden")
	assert.Empty(t, buf.String())

	log.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "loud", Environment: "production", Output: &buf})

	log.Debug().Msg("hidden")
	log.Info().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
