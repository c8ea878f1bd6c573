package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xelth-com/eckdisplay/internal/config"
)

func TestNewJSONIncludesServiceFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LogConfig{Level: "info", Format: "json"}, "1.2.3", &buf)

	logger.Info("device paired", "device_id", "dev-1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "eckdisplay", line["service"])
	assert.Equal(t, "1.2.3", line["version"])
	assert.Equal(t, "dev-1", line["device_id"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LogConfig{Level: "warn", Format: "text"}, "dev", &buf)

	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}
