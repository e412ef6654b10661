// ABOUTME: Tests for CLI helpers: config path resolution and the color log handler
// ABOUTME: Colors are disabled so output can be compared as plain text

package main

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/live-gateway/internal/config"
)

func TestGetConfigPath(t *testing.T) {
	t.Run("env var wins", func(t *testing.T) {
		t.Setenv("LIVE_GATEWAY_CONFIG", "/etc/live/gw.toml")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		assert.Equal(t, "/etc/live/gw.toml", getConfigPath())
	})

	t.Run("xdg config home", func(t *testing.T) {
		t.Setenv("LIVE_GATEWAY_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		assert.Equal(t, filepath.Join("/xdg", "live-gateway", "gateway.yaml"), getConfigPath())
		assert.Equal(t, filepath.Join("/xdg", "live-gateway", "token"), getTokenPath())
	})
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("component", "gateway").WithGroup("req").Info("served", "status", 200)
	logger.Warn("careful", slog.Group("route", "model", "m0"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "INF served component=gateway req.status=200")
	assert.Contains(t, lines[1], "WRN careful route.model=m0")
}

func TestSetupLogger_Levels(t *testing.T) {
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"})
	assert.False(t, logger.Enabled(t.Context(), slog.LevelInfo))
	assert.True(t, logger.Enabled(t.Context(), slog.LevelWarn))

	logger = setupLogger(config.LoggingConfig{Level: "bogus"})
	assert.True(t, logger.Enabled(t.Context(), slog.LevelInfo))
}
