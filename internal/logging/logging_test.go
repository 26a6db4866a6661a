package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/entitysync/internal/model"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(model.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", "collection", "c1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "c1", line["collection"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(model.LogConfig{}, &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("shown", "partner", "p1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "partner=p1")
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	_, err := New(model.LogConfig{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = New(model.LogConfig{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}
