package consistency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwait_FetchReadyNeedsBothTokens(t *testing.T) {
	tr := NewTracker(nil)

	done := make(chan Result, 1)

	go func() {
		res, err := tr.Await(context.Background(), "u-1", FetchReady{})
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()

		return len(tr.waiters["u-1"]) == 1
	}, time.Second, time.Millisecond)

	tr.Set("u-1", KindUserUpdate, "t-user", 0)

	select {
	case <-done:
		t.Fatal("released with only one token")
	case <-time.After(20 * time.Millisecond):
	}

	tr.Set("u-1", KindSubscriptionUpdate, "t-sub", 500*time.Millisecond)

	select {
	case res := <-done:
		assert.False(t, res.Resolved)
		assert.Equal(t, "t-user", res.Records[KindUserUpdate].Token)
		assert.Equal(t, "t-sub", res.Records[KindSubscriptionUpdate].Token)
		assert.Equal(t, 500*time.Millisecond, res.MaxDelay())
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
}

func TestAwait_AlreadyMet(t *testing.T) {
	tr := NewTracker(nil)
	tr.Set("u-1", KindUserUpdate, "a", 0)
	tr.Set("u-1", KindSubscriptionUpdate, "b", 0)

	res, err := tr.Await(context.Background(), "u-1", FetchReady{})
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
}

func TestResolve_ReleasesWaiters(t *testing.T) {
	tr := NewTracker(nil)

	done := make(chan Result, 1)

	go func() {
		res, _ := tr.Await(context.Background(), "u-1", FetchReady{})
		done <- res
	}()

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()

		return len(tr.waiters["u-1"]) == 1
	}, time.Second, time.Millisecond)

	tr.Resolve("u-1")

	res := <-done
	assert.True(t, res.Resolved)

	// Sticky until the next token arrives.
	res, err := tr.Await(context.Background(), "u-1", FetchReady{})
	require.NoError(t, err)
	assert.True(t, res.Resolved)

	tr.Set("u-1", KindUserUpdate, "x", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = tr.Await(ctx, "u-1", FetchReady{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSet_MostRecentWins(t *testing.T) {
	tr := NewTracker(nil)
	tr.Set("u-1", KindUserUpdate, "old", 0)
	tr.Set("u-1", KindUserUpdate, "new", time.Second)

	rec, ok := tr.Get("u-1", KindUserUpdate)
	require.True(t, ok)
	assert.Equal(t, "new", rec.Token)
	assert.Equal(t, time.Second, rec.Delay)

	_, ok = tr.Get("u-2", KindUserUpdate)
	assert.False(t, ok)
}

func TestAwait_CanceledRemovesWaiter(t *testing.T) {
	tr := NewTracker(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Await(ctx, "u-1", FetchReady{})
	assert.ErrorIs(t, err, context.Canceled)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Empty(t, tr.waiters)
}

func TestForget(t *testing.T) {
	tr := NewTracker(nil)
	tr.Set("u-1", KindUserUpdate, "a", 0)
	tr.Forget("u-1")

	_, ok := tr.Get("u-1", KindUserUpdate)
	assert.False(t, ok)
}

func TestPending(t *testing.T) {
	tr := NewTracker(nil)
	assert.False(t, tr.Pending("u-1"))

	tr.Set("u-1", KindUserUpdate, "a", 0)
	assert.True(t, tr.Pending("u-1"))

	tr.Resolve("u-1")
	assert.False(t, tr.Pending("u-1"))

	tr.Set("u-1", KindSubscriptionUpdate, "b", 0)
	assert.True(t, tr.Pending("u-1"))

	tr.Forget("u-1")
	assert.False(t, tr.Pending("u-1"))
}

func TestAwait_UserVisible(t *testing.T) {
	tr := NewTracker(nil)
	tr.Set("u-1", KindUserUpdate, "a", 250*time.Millisecond)

	res, err := tr.Await(context.Background(), "u-1", UserVisible{})
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, res.MaxDelay())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = tr.Await(ctx, "u-2", UserVisible{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
