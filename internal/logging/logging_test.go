package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/holthome/preseed/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel(" WARNING "))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("verbose"))
}

func TestNewWritesJSONToStderr(t *testing.T) {
	var buf bytes.Buffer
	log, closer := New(config.LogConfig{Level: "info"}, Options{Stderr: &buf})
	defer closer.Close()

	log.Debug("hidden")
	log.Info("restored", zap.String("service", "sonarr"))
	require.NoError(t, log.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "restored", entry["msg"])
	assert.Equal(t, "sonarr", entry["service"])
}

func TestNewDebugEnablesDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	log, closer := New(config.LogConfig{Level: "error"}, Options{Debug: true, Stderr: &buf})
	defer closer.Close()

	log.Debug("inspecting dataset")
	require.NoError(t, log.Sync())
	assert.Contains(t, buf.String(), "inspecting dataset")
}

func TestNewTeesToFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "preseed.log")
	log, closer := New(config.LogConfig{Level: "info", File: path, MaxSizeMB: 1}, Options{Stderr: &buf})

	log.Warn("skipping restore")
	require.NoError(t, log.Sync())
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "skipping restore")
	assert.Contains(t, buf.String(), "skipping restore")
}
