package sync

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/usersync/internal/api"
	"github.com/tonimelisma/usersync/internal/consistency"
	"github.com/tonimelisma/usersync/internal/model"
)

// loginFixture registers an anonymous user with a device push subscription
// and a fresh identified identity that has taken over the push channel.
func loginFixture(t *testing.T, h *harness) (anon, ident *model.Identity, push *model.Subscription) {
	t.Helper()

	anon = h.addUser("", "anon-u")

	push = model.SubscriptionFromSnapshot(model.SubscriptionSnapshot{
		ModelID:           "push-model",
		IdentityModelID:   anon.ModelID(),
		Type:              model.TypePush,
		SubscriptionID:    "push-1",
		Token:             "device-token",
		Enabled:           true,
		NotificationTypes: 1,
	})
	h.reg.AddSubscription(push)
	h.reg.SetPush(push.ModelID())

	ident = h.addUser("alice", "")
	push.Reassign(ident.ModelID())

	return anon, ident, push
}

func TestUserExecutor_IdentifySuccess(t *testing.T) {
	client := newFakeClient(func(api.Request) ([]byte, error) {
		return []byte(`{"identity":{"onesignal_id":"anon-u","external_id":"alice"}}`), nil
	})
	h := newHarness(t, client)
	anon, ident, _ := loginFixture(t, h)

	h.user.Identify(anon.ModelID(), ident.ModelID())
	h.drain()

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodPatch, calls[0].Method)
	assert.Equal(t, "/apps/app-1/users/by/onesignal_id/anon-u/identity", calls[0].Path)

	var body api.IdentityBody
	decodeBody(t, calls[0], &body)
	assert.Equal(t, api.IdentityObject{api.AliasExternalID: "alice"}, body.Identity)

	assert.Equal(t, "anon-u", ident.UserID())
	assert.False(t, h.reg.HasIdentity(anon.ModelID()), "anonymous identity retired")
	assert.True(t, h.reg.HasSubscription("push-model"), "push subscription survives")
}

func TestUserExecutor_IdentifyConflictReconciles(t *testing.T) {
	client := newFakeClient(func(req api.Request) ([]byte, error) {
		switch {
		case req.Method == http.MethodPatch && req.Path == "/apps/app-1/users/by/onesignal_id/anon-u/identity":
			return nil, statusErr(http.StatusConflict)
		case req.Method == http.MethodGet && req.Path == "/apps/app-1/users/by/external_id/alice":
			return []byte(`{
				"identity": {"onesignal_id": "alice-u", "external_id": "alice"},
				"properties": {"tags": {"tier": "gold"}},
				"subscriptions": [
					{"id": "e-1", "type": "Email", "token": "alice@example.com", "enabled": true},
					{"id": "other-push", "type": "iOSPush", "token": "other-device"}
				]
			}`), nil
		case req.Method == http.MethodPatch && req.Path == "/apps/app-1/subscriptions/push-1/owner":
			return []byte(`{}`), nil
		default:
			return nil, statusErr(http.StatusBadRequest)
		}
	})

	h := newHarness(t, client)
	anon, ident, push := loginFixture(t, h)

	h.user.Identify(anon.ModelID(), ident.ModelID())
	h.drain()

	assert.Len(t, client.callsTo(http.MethodPatch, "/apps/app-1/users/by/onesignal_id/anon-u/identity"), 1,
		"no second identify attempt")
	assert.Len(t, client.callsTo(http.MethodGet, "/apps/app-1/users/by/external_id/alice"), 1)

	transfers := client.callsTo(http.MethodPatch, "/apps/app-1/subscriptions/push-1/owner")
	require.Len(t, transfers, 1)

	var body api.IdentityBody
	decodeBody(t, transfers[0], &body)
	assert.Equal(t, "alice", body.Identity[api.AliasExternalID])

	assert.Equal(t, "alice-u", ident.UserID())
	assert.Equal(t, map[string]string{"tier": "gold"}, h.props(ident).Tags())

	email, ok := h.reg.FindSubscription(ident.ModelID(), model.TypeEmail, "alice@example.com")
	require.True(t, ok)
	assert.Equal(t, "e-1", email.SubscriptionID())

	// Another device's push channel is never adopted.
	assert.Equal(t, "push-1", push.SubscriptionID())
	assert.Equal(t, "device-token", push.Token())

	assert.False(t, h.reg.HasIdentity(anon.ModelID()))
	assert.Zero(t, queued(h.stats(h.user.Executor)))
}

func TestUserExecutor_IdentifyMissingCreatesUser(t *testing.T) {
	client := newFakeClient(func(req api.Request) ([]byte, error) {
		if req.Method == http.MethodPatch {
			return nil, statusErr(http.StatusNotFound)
		}

		return []byte(`{"identity":{"onesignal_id":"fresh-u","external_id":"alice"}}`), nil
	})

	h := newHarness(t, client)
	anon, ident, _ := loginFixture(t, h)

	h.user.Identify(anon.ModelID(), ident.ModelID())
	h.drain()

	creates := client.callsTo(http.MethodPost, "/apps/app-1/users")
	require.Len(t, creates, 1)

	var body api.UserObject
	decodeBody(t, creates[0], &body)
	assert.Equal(t, "alice", body.Identity[api.AliasExternalID])
	require.Len(t, body.Subscriptions, 1)
	assert.Equal(t, "push-1", body.Subscriptions[0].ID)

	assert.Equal(t, "fresh-u", ident.UserID())
}

func TestUserExecutor_FetchIdentityBySubscription(t *testing.T) {
	client := newFakeClient(func(api.Request) ([]byte, error) {
		return []byte(`{"identity":{"onesignal_id":"legacy-u","crm":"c-7"}}`), nil
	})

	h := newHarness(t, client)
	ident := h.addUser("", "")

	h.user.FetchIdentityBySubscription(ident.ModelID(), "old/sub")
	h.drain()

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/apps/app-1/subscriptions/old%2Fsub/user/identity", calls[0].Path)

	assert.Equal(t, "legacy-u", ident.UserID())

	alias, ok := ident.Alias("crm")
	assert.True(t, ok)
	assert.Equal(t, "c-7", alias)
}

func TestUserExecutor_FetchIdentityBySubscriptionMissing(t *testing.T) {
	client := newFakeClient(func(req api.Request) ([]byte, error) {
		if req.Method == http.MethodGet {
			return nil, statusErr(http.StatusNotFound)
		}

		return []byte(`{"identity":{"onesignal_id":"new-u"}}`), nil
	})

	h := newHarness(t, client)
	ident := h.addUser("", "")

	h.user.FetchIdentityBySubscription(ident.ModelID(), "gone")
	h.drain()

	assert.Len(t, client.callsTo(http.MethodPost, "/apps/app-1/users"), 1)
	assert.Equal(t, "new-u", ident.UserID())
}

func TestUserExecutor_FetchUserMissing(t *testing.T) {
	client := newFakeClient(func(api.Request) ([]byte, error) { return nil, statusErr(http.StatusNotFound) })
	h := newHarness(t, client)
	ident := h.addUser("alice", "")

	h.user.FetchUser(ident.ModelID(), api.AliasExternalID, "alice")
	h.drain()

	userMissing, _, _ := h.hooks.snapshot()
	assert.Equal(t, []string{ident.ModelID()}, userMissing)
}

func TestUserExecutor_DropsRequestOfSupersededUser(t *testing.T) {
	client := newFakeClient(nil)
	h := newHarness(t, client)
	ident := h.addUser("", "")

	h.user.CreateUser(ident.ModelID())
	h.reg.RemoveUser(ident.ModelID())
	h.drain()

	assert.Empty(t, client.Calls())
	assert.Zero(t, queued(h.stats(h.user.Executor)))
}

func TestUserExecutor_LateResponseSkipsPushOfSupersededUser(t *testing.T) {
	client := newFakeClient(func(api.Request) ([]byte, error) {
		return []byte(`{"identity":{"onesignal_id":"old-u"},
			"subscriptions":[{"id":"push-late","type":"iOSPush","token":"device-token"}]}`), nil
	})

	h := newHarness(t, client)
	old := h.addUser("", "")

	push, err := model.NewSubscription(old.ModelID(), model.TypePush, "device-token")
	require.NoError(t, err)
	h.reg.AddSubscription(push)
	h.reg.SetPush(push.ModelID())

	h.user.CreateUser(old.ModelID())

	// Another user becomes current before the response lands.
	h.addUser("bob", "")
	h.drain()

	assert.Equal(t, "old-u", old.UserID())
	assert.Empty(t, push.SubscriptionID())
}

func TestUserExecutor_IdentifyKeepsRetriesOfAnonymousUser(t *testing.T) {
	var (
		down      atomic.Bool
		delivered atomic.Int32
	)

	down.Store(true)

	client := newFakeClient(func(req api.Request) ([]byte, error) {
		if req.Method == http.MethodPatch && req.Path == "/apps/app-1/users/by/onesignal_id/anon-u" {
			if down.Load() {
				return nil, statusErr(http.StatusInternalServerError)
			}

			delivered.Add(1)

			return []byte(`{}`), nil
		}

		return []byte(`{"identity":{"onesignal_id":"anon-u","external_id":"alice"}}`), nil
	})

	h := newHarness(t, client)
	anon, ident, _ := loginFixture(t, h)

	h.enqueue(h.props(anon).SetTag("plan", "trial"))
	h.drain()
	require.Equal(t, 1, queued(h.stats(h.properties)))

	h.user.Identify(anon.ModelID(), ident.ModelID())
	h.drain()

	require.False(t, h.reg.HasIdentity(anon.ModelID()))

	live, ok := h.reg.LiveID(anon.ModelID())
	require.True(t, ok)
	assert.Equal(t, ident.ModelID(), live)
	assert.Equal(t, 1, queued(h.stats(h.properties)), "retry survives the identify")

	down.Store(false)
	h.drain()

	assert.Equal(t, int32(1), delivered.Load())
	assert.Zero(t, queued(h.stats(h.properties)))
}

func TestUserExecutor_FetchWaitsForOwnWrites(t *testing.T) {
	client := newFakeClient(func(api.Request) ([]byte, error) {
		return []byte(`{"identity":{"onesignal_id":"u-1"}}`), nil
	})
	h := newHarness(t, client)
	ident := h.addUser("", "u-1")

	h.tracker.Set("u-1", consistency.KindSubscriptionUpdate, "sub-tok", 0)

	h.user.FetchUser(ident.ModelID(), api.AliasUserID, "u-1")
	require.NoError(t, h.repo.Flush(context.Background(), false))

	assert.Never(t, func() bool { return len(client.Calls()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	h.tracker.Set("u-1", consistency.KindUserUpdate, "user-tok", 0)
	require.Eventually(t, func() bool { return len(client.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	h.drain()
	assert.Equal(t, "/apps/app-1/users/by/onesignal_id/u-1", client.Calls()[0].Path)
	assert.False(t, h.tracker.Pending("u-1"))
}

func TestUserExecutor_FetchWaitIsBounded(t *testing.T) {
	client := newFakeClient(func(api.Request) ([]byte, error) {
		return []byte(`{"identity":{"onesignal_id":"u-1"}}`), nil
	})
	h := newHarness(t, client)
	h.user.consistencyWait = 20 * time.Millisecond
	ident := h.addUser("", "u-1")

	h.tracker.Set("u-1", consistency.KindSubscriptionUpdate, "sub-tok", time.Hour)

	h.user.FetchUser(ident.ModelID(), api.AliasUserID, "u-1")
	h.drain()

	assert.Len(t, client.Calls(), 1)
}
