package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestProductionLoggerWritesJSON(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer
	log := New("production", "warn", &buf)

	log.Info().Msg("hidden")
	req.Zero(buf.Len())

	log.Warn().Str("component", "hub").Msg("slow client")
	var entry map[string]any
	req.NoError(json.Unmarshal(buf.Bytes(), &entry))
	req.Equal("warn", entry["level"])
	req.Equal("hub", entry["component"])
	req.Equal("slow client", entry["message"])
	req.Contains(entry, "time")
}

func TestDevelopmentLoggerIsHumanReadable(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer
	log := New("development", "debug", &buf)

	log.Debug().Msg("hello")
	req.Contains(buf.String(), "hello")
	req.False(json.Valid(buf.Bytes()))
}

func TestUnknownLevelDefaultsToInfo(t *testing.T) {
	log := New("production", "chatty", &bytes.Buffer{})
	require.Equal(t, zerolog.InfoLevel, log.GetLevel())
}
