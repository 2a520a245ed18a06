package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDefault_LoadsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	require.NoError(t, WriteDefault(path, "app-1"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(configFilePermissions), info.Mode().Perm())

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "app-1", cfg.AppID)
	assert.Equal(t, DefaultConfig().Sync, cfg.Sync)

	assert.ErrorIs(t, WriteDefault(path, "other"), ErrConfigExists)
}

func TestSetPaused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, WriteDefault(path, "app-1"))

	require.NoError(t, SetPaused(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Sync.Paused)

	require.NoError(t, SetPaused(path, false))

	cfg, err = Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Sync.Paused)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(data, []byte("\npaused = ")), "key is replaced, not duplicated")
	assert.Contains(t, string(data), "# flush_interval", "comments survive")
}

func TestSetPaused_AppendsMissingSection(t *testing.T) {
	path := writeTestConfig(t, `app_id = "a"`)

	require.NoError(t, SetPaused(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Sync.Paused)
}

func TestSetKeyInSection_StopsAtNextSection(t *testing.T) {
	lines := []string{"[sync]", "flush_interval = \"1s\"", "[network]", "paused = 1"}

	got := setKeyInSection(lines, "sync", "paused", "paused = true")
	assert.Equal(t, []string{"[sync]", "paused = true", "flush_interval = \"1s\"", "[network]", "paused = 1"}, got)
}

func TestRenderEffective_RedactsSecret(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AppID = "app-1"
	cfg.Auth = AuthConfig{ClientID: "cid", ClientSecret: "hunter2", TokenURL: "https://t", Scopes: []string{"a", "b"}}

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(&Resolved{Config: cfg, Path: "/etc/usersync.toml"}, &buf))

	out := buf.String()
	assert.Contains(t, out, `app_id  = "app-1"`)
	assert.Contains(t, out, `scopes        = ["a", "b"]`)
	assert.Contains(t, out, redacted)
	assert.NotContains(t, out, "hunter2")
}
