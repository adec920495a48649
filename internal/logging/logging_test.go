package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/vexmail/internal/logging"
	"github.com/nhle/vexmail/internal/model"
)

func TestNew_JSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.New(model.LogConfig{Level: "WARN"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, log.GetLevel())

	log.Info().Msg("dropped")
	log.Warn().Str("component", "sync").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "sync", line["component"])
	assert.Contains(t, line, "time")
}

func TestNew_DefaultsAndErrors(t *testing.T) {
	log, err := logging.New(model.LogConfig{}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())

	_, err = logging.New(model.LogConfig{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestNew_Pretty(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.New(model.LogConfig{Level: "debug", Pretty: true}, &buf)
	require.NoError(t, err)

	log.Debug().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(buf.Bytes()))
}
