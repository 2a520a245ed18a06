package main

import (
	"context"
	"os"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/usersync/internal/config"
)

type fakeFlushControl struct {
	mu        stdsync.Mutex
	pauses    []string
	resumes   []string
	intervals []time.Duration
}

func (f *fakeFlushControl) Pause(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pauses = append(f.pauses, reason)
}

func (f *fakeFlushControl) Resume(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.resumes = append(f.resumes, reason)
}

func (f *fakeFlushControl) SetFlushInterval(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.intervals = append(f.intervals, d)
}

func (f *fakeFlushControl) pauseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.pauses)
}

func newTestReloader(t *testing.T) (*configReloader, *fakeFlushControl, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, config.WriteDefault(path, "app-1"))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	target := &fakeFlushControl{}

	return &configReloader{
		holder: config.NewHolder(cfg, path),
		target: target,
		logger: testLogger(t),
	}, target, path
}

func TestConfigReloader_Apply(t *testing.T) {
	r, target, _ := newTestReloader(t)

	prev := config.DefaultConfig()
	next := config.DefaultConfig()
	next.Sync.Paused = true
	next.Sync.FlushInterval = "1s"

	r.apply(prev, next)
	r.apply(next, next)
	r.apply(next, prev)

	assert.Equal(t, []string{configPauseReason}, target.pauses)
	assert.Equal(t, []string{configPauseReason}, target.resumes)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second}, target.intervals)
}

func TestConfigReloader_InvalidFileKeepsSettings(t *testing.T) {
	r, target, path := newTestReloader(t)
	before := r.holder.Config()

	require.NoError(t, os.WriteFile(path, []byte("[sync]\npaused = \"yes\"\n"), 0o600))

	r.reload("test")

	assert.Same(t, before, r.holder.Config())
	assert.Zero(t, target.pauseCount())
}

func TestConfigReloader_ReloadsOnHUP(t *testing.T) {
	r, target, path := newTestReloader(t)

	// Write while nothing watches, then signal.
	require.NoError(t, config.SetPaused(path, true))

	ctx, cancel := context.WithCancel(context.Background())
	hup := make(chan struct{}, 1)
	done := make(chan error, 1)

	go func() { done <- r.waitHUP(ctx, hup) }()

	hup <- struct{}{}

	require.Eventually(t, func() bool { return target.pauseCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestConfigReloader_WatchesFile(t *testing.T) {
	r, target, path := newTestReloader(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- r.watch(ctx, nil) }()

	// Rewrite until the watcher, which starts asynchronously, sees a change.
	require.Eventually(t, func() bool {
		if err := config.SetPaused(path, true); err != nil {
			return false
		}

		return target.pauseCount() == 1
	}, 5*time.Second, 50*time.Millisecond)

	assert.True(t, r.holder.Config().Sync.Paused)
	assert.Equal(t, "app-1", r.holder.Config().AppID)

	cancel()
	require.NoError(t, <-done)
}

func TestConfigReloader_UnwatchableDirFallsBackToHUP(t *testing.T) {
	r, _, _ := newTestReloader(t)
	r.holder = config.NewHolder(config.DefaultConfig(), filepath.Join(t.TempDir(), "missing", "config.toml"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, r.watch(ctx, make(chan struct{})))
}
