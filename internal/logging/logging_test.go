package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, NewLogger(Config{Level: "DEBUG"}).GetLevel())
	assert.Equal(t, zerolog.InfoLevel, NewLogger(Config{Level: "nonsense"}).GetLevel())
	assert.Equal(t, zerolog.InfoLevel, NewLogger(Config{}).GetLevel())
}

func TestNewLoggerWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drawfeed.log")
	logger := NewLogger(Config{Level: "info", File: FileConfig{Path: path, MaxSizeMB: 1}})
	logger.Info().Str("item", "fast3").Msg("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"item":"fast3"`)
}
