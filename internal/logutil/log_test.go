package logutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/myuser/uranus/internal/config"
)

func TestFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uranus.log")
	lg, err := New(config.LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	lg.Debug("hidden")
	lg.Info("recovered storage", zap.Uint64("visible_seq", 7))
	require.NoError(t, lg.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"visible_seq":7`)
	assert.NotContains(t, string(data), "hidden")
}

func TestBadLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "shout"})
	assert.Error(t, err)
}
