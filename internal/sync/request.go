// Package sync is the offline mutation engine: executors that fold model
// deltas into requests, persist them, and drive them against the user
// service, plus the Operation Repo that routes deltas and schedules flushes.
//
// Every executor confines its queues to one serial goroutine. Network calls
// run on their own goroutines and post their completion back to it, so no
// queue is ever touched concurrently and a persisted queue is always a
// consistent snapshot.
package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/usersync/internal/api"
)

// ErrNotExecutable is returned by PrepareForExecution while an identifier
// the request needs is still unknown.
var ErrNotExecutable = errors.New("sync: request not executable yet")

// Kind identifies what a Request does; executors dispatch completions on it.
type Kind string

const (
	KindAddAliases         Kind = "add_aliases"
	KindRemoveAlias        Kind = "remove_alias"
	KindUpdateProperties   Kind = "update_properties"
	KindCreateSubscription Kind = "create_subscription"
	KindUpdateSubscription Kind = "update_subscription"
	KindDeleteSubscription Kind = "delete_subscription"
	KindTrackEvents        Kind = "track_events"

	KindCreateUser                  Kind = "create_user"
	KindIdentifyUser                Kind = "identify_user"
	KindFetchIdentityBySubscription Kind = "fetch_identity_by_subscription"
	KindFetchUser                   Kind = "fetch_user"
	KindTransferSubscription        Kind = "transfer_subscription"
)

// Request queue names. Each executor uses the subset it needs; the store
// key of a queue is ops.<executor>.<queue>.
const (
	QueueAdd    = "add"
	QueueRemove = "remove"
	QueueUpdate = "update"
	QueueEvents = "events"
	QueueUser   = "user"
)

// Path placeholders resolved by PrepareForExecution.
const (
	phAppID          = "{app_id}"
	phUserID         = "{user_id}"
	phSubscriptionID = "{subscription_id}"
	phAliasLabel     = "{alias_label}"
	phAliasID        = "{alias_id}"
	phLegacyID       = "{legacy_id}"

	// bodyUserID is replaced inside the JSON body, quotes included.
	bodyUserID = `"{user_id}"`
)

// Service paths. Placeholders are filled in by PrepareForExecution.
const (
	pathUsers             = "/apps/" + phAppID + "/users"
	pathUserByAlias       = "/apps/" + phAppID + "/users/by/" + phAliasLabel + "/" + phAliasID
	pathUser              = "/apps/" + phAppID + "/users/by/onesignal_id/" + phUserID
	pathIdentity          = pathUser + "/identity"
	pathIdentityAlias     = pathIdentity + "/" + phAliasLabel
	pathUserSubscriptions = pathUser + "/subscriptions"
	pathSubscription      = "/apps/" + phAppID + "/subscriptions/" + phSubscriptionID
	pathSubscriptionOwner = pathSubscription + "/owner"
	pathLegacyIdentity    = "/apps/" + phAppID + "/subscriptions/" + phLegacyID + "/user/identity"
	pathEvents            = "/apps/" + phAppID + "/custom_events"
)

// Request is one pending call to the user service. Path and Body may hold
// placeholders that are only resolvable once the server has assigned the
// ids they stand for.
type Request struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Queue     string            `json:"queue"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Body      json.RawMessage   `json:"body,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`

	// SentToClient latches while the request is in flight. It is never
	// persisted: a crash mid-flight replays the request.
	SentToClient bool `json:"-"`

	// IdentityModelID is the user the request belongs to. PathIdentityModelID,
	// when set, names a different identity whose server id fills {user_id}
	// (identify runs against the anonymous user it replaces).
	IdentityModelID     string `json:"identity_model_id,omitempty"`
	PathIdentityModelID string `json:"path_identity_model_id,omitempty"`

	// SubscriptionModelID names the subscription behind {subscription_id};
	// SubscriptionID, when set, is used as-is (removals of models that have
	// already left the Registry).
	SubscriptionModelID string `json:"subscription_model_id,omitempty"`
	SubscriptionID      string `json:"subscription_id,omitempty"`

	// ExternalID selects the identity-verification token under required auth.
	ExternalID string `json:"external_id,omitempty"`
	AliasLabel string `json:"alias_label,omitempty"`
	AliasID    string `json:"alias_id,omitempty"`
	LegacyID   string `json:"legacy_id,omitempty"`
}

// Resolver supplies the identifiers and credentials a request needs at send
// time.
type Resolver interface {
	AppID() string
	UserID(identityModelID string) (string, bool)
	SubscriptionID(subscriptionModelID string) (string, bool)
	// JWT returns the identity-verification token for externalID, or an
	// error when none is usable. Only consulted under required auth.
	JWT(externalID string) (string, error)
	RequireAuth() bool
}

func newRequest(kind Kind, queue, method, path string, body any, ts time.Time) (*Request, error) {
	r := &Request{
		ID:        uuid.NewString(),
		Kind:      kind,
		Queue:     queue,
		Method:    method,
		Path:      path,
		Timestamp: ts,
	}

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("sync: encoding %s body: %w", kind, err)
		}

		r.Body = data
	}

	return r, nil
}

// PrepareForExecution resolves every placeholder and, under required auth
// for an identified user, attaches the identity-verification token. It
// returns ErrNotExecutable (wrapped with the missing piece) when the request
// cannot be sent yet.
func (r *Request) PrepareForExecution(res Resolver) (api.Request, error) {
	pairs := []string{
		phAliasLabel, url.PathEscape(r.AliasLabel),
		phAliasID, url.PathEscape(r.AliasID),
		phLegacyID, url.PathEscape(r.LegacyID),
	}

	needs := func(ph string) bool {
		return strings.Contains(r.Path, ph) || (ph == phUserID && strings.Contains(string(r.Body), bodyUserID))
	}

	if needs(phAppID) {
		appID := res.AppID()
		if appID == "" {
			return api.Request{}, fmt.Errorf("%w: app id", ErrNotExecutable)
		}

		pairs = append(pairs, phAppID, appID)
	}

	var userID string

	if needs(phUserID) {
		owner := r.PathIdentityModelID
		if owner == "" {
			owner = r.IdentityModelID
		}

		id, ok := res.UserID(owner)
		if !ok {
			return api.Request{}, fmt.Errorf("%w: user id of %s", ErrNotExecutable, owner)
		}

		userID = id
		pairs = append(pairs, phUserID, id)
	}

	if needs(phSubscriptionID) {
		id := r.SubscriptionID
		if id == "" {
			var ok bool
			if id, ok = res.SubscriptionID(r.SubscriptionModelID); !ok {
				return api.Request{}, fmt.Errorf("%w: subscription id of %s", ErrNotExecutable, r.SubscriptionModelID)
			}
		}

		pairs = append(pairs, phSubscriptionID, id)
	}

	out := api.Request{
		Method: r.Method,
		Path:   strings.NewReplacer(pairs...).Replace(r.Path),
	}

	if r.Body != nil {
		body := []byte(r.Body)
		if userID != "" {
			quoted, _ := json.Marshal(userID)
			body = []byte(strings.ReplaceAll(string(body), bodyUserID, string(quoted)))
		}

		out.Body = body
	}

	if len(r.Headers) > 0 || (res.RequireAuth() && r.ExternalID != "") {
		out.Headers = make(map[string]string, len(r.Headers)+1)
		for k, v := range r.Headers {
			out.Headers[k] = v
		}
	}

	if res.RequireAuth() && r.ExternalID != "" {
		jwt, err := res.JWT(r.ExternalID)
		if err != nil {
			return api.Request{}, fmt.Errorf("%w: %w", ErrNotExecutable, err)
		}

		out.Headers[api.HeaderIdentityJWT] = jwt
	}

	return out, nil
}

func (r *Request) String() string {
	return fmt.Sprintf("%s(%s)", r.Kind, r.ID)
}
