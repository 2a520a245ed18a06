package sync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/usersync/internal/kvstore"
	"github.com/tonimelisma/usersync/internal/model"
)

func TestRepo_EnqueueRoutesByDeltaName(t *testing.T) {
	h := newHarness(t, newFakeClient(nil))
	ident := h.addUser("", "")

	h.enqueue(ident.SetAlias("crm", "1"))
	h.enqueue(h.props(ident).SetTag("a", "1"))
	h.enqueue(model.NewEventDelta(ident.ModelID(), model.Event{Name: "e"}))

	assert.Equal(t, 1, h.stats(h.identity).Deltas)
	assert.Equal(t, 1, h.stats(h.properties).Deltas)
	assert.Equal(t, 1, h.stats(h.events).Deltas)
	assert.Zero(t, h.stats(h.subs).Deltas)
}

func TestRepo_EnqueueNilAndUnsupported(t *testing.T) {
	h := newHarness(t, newFakeClient(nil))

	require.NoError(t, h.repo.Enqueue(nil))

	err := h.repo.Enqueue(&model.Delta{Name: "bogus"})
	assert.ErrorIs(t, err, ErrUnsupportedDelta)
}

func TestNewRepo_RejectsDuplicateClaims(t *testing.T) {
	reg := model.NewRegistry(kvstore.NewMemory(), nil)
	cfg := Config{Client: newFakeClient(nil), Store: kvstore.NewMemory(), Registry: reg, Logger: testLogger(t)}

	a, err := NewPropertiesExecutor(cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	b, err := NewPropertiesExecutor(cfg)
	require.NoError(t, err)
	t.Cleanup(b.Close)

	_, err = NewRepo(testLogger(t), a, b)
	assert.ErrorContains(t, err, "claimed by both")
}

func TestNewExecutor_Validation(t *testing.T) {
	_, err := NewPropertiesExecutor(Config{})
	assert.Error(t, err)

	reg := model.NewRegistry(kvstore.NewMemory(), nil)
	_, err = NewPropertiesExecutor(Config{
		Client:      newFakeClient(nil),
		Store:       kvstore.NewMemory(),
		Registry:    reg,
		RequireAuth: true,
	})
	assert.ErrorContains(t, err, "requires credentials")
}

func TestRepo_PausedFlushIsSuppressed(t *testing.T) {
	client := newFakeClient(nil)
	h := newHarness(t, client)
	ident := h.addUser("", "u-1")

	h.enqueue(h.props(ident).SetTag("a", "1"))

	h.repo.Pause("test")
	assert.True(t, h.repo.Paused())

	h.drain()
	assert.Empty(t, client.Calls())
	assert.Equal(t, 1, h.stats(h.properties).Deltas)

	h.repo.Resume("test")
	h.drain()
	assert.Len(t, client.Calls(), 1)
}

func TestRepo_PauseReasonsLiftIndependently(t *testing.T) {
	client := newFakeClient(nil)
	h := newHarness(t, client)
	ident := h.addUser("", "u-1")
	h.enqueue(h.props(ident).SetTag("a", "1"))

	h.repo.Pause("paused in config")
	h.repo.Pause(PauseCreateUserFailed)
	assert.Equal(t, []string{PauseCreateUserFailed, "paused in config"}, h.repo.PauseReasons())

	h.repo.Resume(PauseCreateUserFailed)
	assert.True(t, h.repo.Paused())

	h.drain()
	assert.Empty(t, client.Calls())

	// Lifting a reason that was never set changes nothing.
	h.repo.Resume("unknown")
	assert.True(t, h.repo.Paused())

	h.repo.Resume("paused in config")
	assert.False(t, h.repo.Paused())
	assert.Empty(t, h.repo.PauseReasons())

	h.drain()
	assert.Len(t, client.Calls(), 1)
}

func TestRepo_OnFlushedRunsAfterEachFlush(t *testing.T) {
	h := newHarness(t, newFakeClient(nil))

	var runs atomic.Int32
	h.repo.OnFlushed(func(context.Context) { runs.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = h.repo.Run(ctx)
	}()

	h.repo.Trigger("test")
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestRepo_RunFlushesOnTrigger(t *testing.T) {
	client := newFakeClient(nil)
	h := newHarness(t, client)
	h.repo.SetFlushInterval(time.Hour)

	ident := h.addUser("", "u-1")
	h.enqueue(h.props(ident).SetTag("a", "1"))

	ctx, cancel := context.WithCancel(context.Background())

	var stopped atomic.Bool
	done := make(chan struct{})

	go func() {
		defer close(done)
		assert.NoError(t, h.repo.Run(ctx))
		stopped.Store(true)
	}()

	h.repo.Trigger("test")

	require.Eventually(t, func() bool { return len(client.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.True(t, stopped.Load())
}

func TestRepo_RunFlushesOnInterval(t *testing.T) {
	client := newFakeClient(nil)
	h := newHarness(t, client)

	ident := h.addUser("", "u-1")
	h.enqueue(h.props(ident).SetTag("a", "1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = h.repo.Run(ctx)
	}()

	h.repo.SetFlushInterval(10 * time.Millisecond)

	require.Eventually(t, func() bool { return len(client.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestRepo_SetFlushIntervalDefaults(t *testing.T) {
	h := newHarness(t, newFakeClient(nil))

	assert.Equal(t, DefaultFlushInterval, h.repo.FlushInterval())

	h.repo.SetFlushInterval(time.Minute)
	assert.Equal(t, time.Minute, h.repo.FlushInterval())

	h.repo.SetFlushInterval(0)
	assert.Equal(t, DefaultFlushInterval, h.repo.FlushInterval())
}

func TestRepo_StatsInRegistrationOrder(t *testing.T) {
	h := newHarness(t, newFakeClient(nil))

	stats, err := h.repo.Stats(context.Background())
	require.NoError(t, err)

	var names []string
	for _, s := range stats {
		names = append(names, s.Executor)
	}

	assert.Equal(t, []string{"user", "identity", "properties", "subscriptions", "events"}, names)
}

func TestRepo_ClosedExecutorRejectsWork(t *testing.T) {
	h := newHarness(t, newFakeClient(nil))
	h.repo.Close()

	err := h.repo.Flush(context.Background(), false)
	assert.ErrorIs(t, err, errSerialClosed)
}
