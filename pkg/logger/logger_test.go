package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WritesJSONWithServiceField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	l, err := New(Config{Level: "warn", OutputFile: path})
	require.NoError(t, err)

	NodeLogger(l, "n-1", "alpha").Info("dropped by level")
	NodeLogger(l, "n-1", "alpha").Warn("kept")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "kept", entry["msg"])
	require.Equal(t, "WARN", entry["level"])
	require.Equal(t, "gojogrid", entry["service"])
	require.Equal(t, "alpha", entry["node"])
}

func TestNew_BadLevelFallsBackToInfo(t *testing.T) {
	l, err := New(Config{Level: "chatty", Format: "console", Service: "cli"})
	require.NoError(t, err)
	require.True(t, l.Core().Enabled(zap.InfoLevel))
	require.False(t, l.Core().Enabled(zap.DebugLevel))
}

func TestNew_UnwritableFile(t *testing.T) {
	_, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "node.log")})
	require.Error(t, err)
}
