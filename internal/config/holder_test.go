package config

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHolder(t *testing.T) {
	cfg := DefaultConfig()
	h := NewHolder(cfg, "/etc/usersync/config.toml")

	require.NotNil(t, h)
	assert.Equal(t, cfg, h.Config())
	assert.Equal(t, "/etc/usersync/config.toml", h.Path())
}

func TestHolder_Update(t *testing.T) {
	cfg1 := DefaultConfig()
	h := NewHolder(cfg1, "/tmp/config.toml")

	cfg2 := DefaultConfig()
	cfg2.Sync.FlushInterval = "10s"

	h.Update(cfg2)

	got := h.Config()
	assert.Equal(t, cfg2, got)
	assert.NotEqual(t, cfg1, got)
}

func TestHolder_PathImmutable(t *testing.T) {
	h := NewHolder(DefaultConfig(), "/original/path.toml")

	// Path is immutable (no setter). Multiple calls return the same value.
	assert.Equal(t, "/original/path.toml", h.Path())
	assert.Equal(t, "/original/path.toml", h.Path())
}

func TestHolder_ConcurrentReadWrite(t *testing.T) {
	cfg := DefaultConfig()
	h := NewHolder(cfg, "/tmp/config.toml")

	var wg sync.WaitGroup

	// 20 concurrent readers.
	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 100 {
				got := h.Config()
				assert.NotNil(t, got)
				_ = h.Path()
			}
		}()
	}

	// 5 concurrent writers.
	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 100 {
				h.Update(DefaultConfig())
			}
		}()
	}

	wg.Wait()
}

func TestHolder_ReloadKeepsRestartOnlySettings(t *testing.T) {
	path := writeTestConfig(t, `
app_id = "from-file"

[sync]
flush_interval = "2s"
`)

	start := DefaultConfig()
	start.AppID = "from-flag"
	start.Store.Path = "/data/usersync.bolt"

	h := NewHolder(start, path)

	prev, next, err := h.Reload()
	require.NoError(t, err)

	assert.Same(t, start, prev)
	assert.Same(t, next, h.Config())
	assert.Equal(t, "2s", next.Sync.FlushInterval)
	assert.Equal(t, "from-flag", next.AppID)
	assert.Equal(t, "/data/usersync.bolt", next.Store.Path)
}

func TestHolder_ReloadRejectsInvalidFile(t *testing.T) {
	path := writeTestConfig(t, "[sync]\nflush_interval = \"soon\"\n")

	start := DefaultConfig()
	h := NewHolder(start, path)

	_, _, err := h.Reload()
	require.Error(t, err)
	assert.Same(t, start, h.Config())
}
