package sync

import (
	"log/slog"
	"net/http"

	"github.com/tonimelisma/usersync/internal/api"
	"github.com/tonimelisma/usersync/internal/consistency"
	"github.com/tonimelisma/usersync/internal/model"
)

// UserExecutor runs user-level requests: create, identify, fetch and
// subscription transfer. It consumes no deltas; the session enqueues its
// requests directly. Requests run strictly one at a time in timestamp order
// because each may depend on ids the previous one obtains.
//
// The enqueue methods return immediately and are safe to call from executor
// hooks.
type UserExecutor struct {
	*Executor
}

// NewUserExecutor returns the strict user executor.
func NewUserExecutor(cfg Config) (*UserExecutor, error) {
	e, err := newExecutor("user", userFamily{}, cfg)
	if err != nil {
		return nil, err
	}

	e.strict = true

	return &UserExecutor{Executor: e}, nil
}

// CreateUser queues creation of the server user for identityModelID from its
// current models. A create already queued for the identity is not repeated.
func (u *UserExecutor) CreateUser(identityModelID string) {
	u.serial.Go(func() { u.enqueueCreate(identityModelID) })
}

// EnsureUser queues a create for identityModelID unless it already has a
// server id or any user request is queued for it. Used on startup, when a
// restored identity may still be waiting on an identify or a create.
func (u *UserExecutor) EnsureUser(identityModelID string) {
	u.serial.Go(func() {
		if _, ok := u.UserID(identityModelID); ok {
			return
		}

		for _, r := range u.queues[QueueUser] {
			if r.IdentityModelID == identityModelID {
				return
			}
		}

		u.enqueueCreate(identityModelID)
	})
}

// Identify queues the attach of the new identity's external id to the
// anonymous user behind anonModelID.
func (u *UserExecutor) Identify(anonModelID, identityModelID string) {
	u.serial.Go(func() {
		ext := u.externalID(identityModelID)

		body := api.IdentityBody{Identity: api.IdentityObject{api.AliasExternalID: ext}}

		r, err := newRequest(KindIdentifyUser, QueueUser, http.MethodPatch, pathIdentity, body, u.nowFunc())
		if err != nil {
			u.logger.Error("building identify", slog.String("error", err.Error()))
			return
		}

		r.IdentityModelID = identityModelID
		r.PathIdentityModelID = anonModelID
		r.ExternalID = ext

		u.enqueueRequest(r)
	})
}

// FetchUser queues a full fetch of the server user known by label/id into
// identityModelID.
func (u *UserExecutor) FetchUser(identityModelID, label, id string) {
	u.serial.Go(func() { u.enqueueFetch(identityModelID, label, id) })
}

// FetchIdentityBySubscription queues the lookup of the user owning a legacy
// subscription id; the result becomes identityModelID's server user.
func (u *UserExecutor) FetchIdentityBySubscription(identityModelID, legacyID string) {
	u.serial.Go(func() {
		r, err := newRequest(KindFetchIdentityBySubscription, QueueUser, http.MethodGet, pathLegacyIdentity, nil, u.nowFunc())
		if err != nil {
			u.logger.Error("building legacy lookup", slog.String("error", err.Error()))
			return
		}

		r.IdentityModelID = identityModelID
		r.LegacyID = legacyID

		u.enqueueRequest(r)
	})
}

// TransferSubscription queues moving a subscription to identityModelID's
// server user.
func (u *UserExecutor) TransferSubscription(subscriptionModelID, identityModelID string) {
	u.serial.Go(func() { u.enqueueTransfer(subscriptionModelID, identityModelID) })
}

func (e *Executor) enqueueCreate(identityModelID string) {
	for _, r := range e.queues[QueueUser] {
		if r.Kind == KindCreateUser && r.IdentityModelID == identityModelID {
			return
		}
	}

	ident, ok := e.cfg.Registry.Identity(identityModelID)
	if !ok {
		e.logger.Debug("not creating unregistered user", slog.String("identity", identityModelID))
		return
	}

	body := api.UserObject{Identity: api.IdentityObject{}}

	for label, id := range ident.Aliases() {
		body.Identity[label] = id
	}

	ext := ident.ExternalID()
	if ext != "" {
		body.Identity[api.AliasExternalID] = ext
	}

	if props, ok := e.cfg.Registry.Properties(identityModelID); ok {
		body.Properties = props.Snapshot().WireObject()
	}

	for _, s := range e.cfg.Registry.SubscriptionsOf(identityModelID) {
		obj := s.WireObject()
		obj.ID = s.SubscriptionID()
		body.Subscriptions = append(body.Subscriptions, obj)
	}

	r, err := newRequest(KindCreateUser, QueueUser, http.MethodPost, pathUsers, body, e.nowFunc())
	if err != nil {
		e.logger.Error("building create user", slog.String("error", err.Error()))
		return
	}

	r.IdentityModelID = identityModelID
	r.ExternalID = ext

	e.enqueueRequest(r)
}

func (e *Executor) enqueueFetch(identityModelID, label, id string) {
	r, err := newRequest(KindFetchUser, QueueUser, http.MethodGet, pathUserByAlias, nil, e.nowFunc())
	if err != nil {
		e.logger.Error("building fetch user", slog.String("error", err.Error()))
		return
	}

	r.IdentityModelID = identityModelID
	r.AliasLabel = label
	r.AliasID = id
	r.ExternalID = e.externalID(identityModelID)

	e.enqueueRequest(r)
}

func (e *Executor) enqueueTransfer(subscriptionModelID, identityModelID string) {
	ext := e.externalID(identityModelID)
	body := api.IdentityBody{Identity: api.IdentityObject{api.AliasExternalID: ext}}

	r, err := newRequest(KindTransferSubscription, QueueUser, http.MethodPatch, pathSubscriptionOwner, body, e.nowFunc())
	if err != nil {
		e.logger.Error("building transfer", slog.String("error", err.Error()))
		return
	}

	r.IdentityModelID = identityModelID
	r.SubscriptionModelID = subscriptionModelID
	r.ExternalID = ext

	e.enqueueRequest(r)
}

type userFamily struct{}

func (userFamily) supports() []model.DeltaName { return nil }

func (userFamily) queueNames() []string { return []string{QueueUser} }

func (userFamily) retains(*Executor, *model.Delta) bool { return true }

func (userFamily) combine(*Executor, string, []*model.Delta) ([]*Request, error) { return nil, nil }

func (userFamily) succeeded(e *Executor, r *Request, body []byte) {
	switch r.Kind {
	case KindCreateUser:
		u, err := api.DecodeUser(body)
		if err != nil {
			e.logger.Warn("create user response not applied", slog.String("error", err.Error()))
			return
		}

		e.applyUser(r.IdentityModelID, u, false)
		e.recordConsistency(r.IdentityModelID, consistency.KindUserUpdate, body)
		e.trigger("user created")

	case KindIdentifyUser:
		anonUserID, _ := e.UserID(r.PathIdentityModelID)

		if ident, ok := e.cfg.Registry.Identity(r.IdentityModelID); ok && anonUserID != "" {
			if err := ident.SetServerID(anonUserID); err != nil {
				e.logger.Warn("identify result not applied", slog.String("error", err.Error()))
			}
		}

		e.retireAnonymous(r.PathIdentityModelID, r.IdentityModelID)
		e.recordConsistency(r.IdentityModelID, consistency.KindUserUpdate, body)
		e.trigger("user identified")

	case KindFetchUser:
		u, err := api.DecodeUser(body)
		if err != nil {
			e.logger.Warn("fetch user response not applied", slog.String("error", err.Error()))
			return
		}

		e.applyUser(r.IdentityModelID, u, true)

		if uid, ok := e.UserID(r.IdentityModelID); ok && e.cfg.Consistency != nil {
			e.cfg.Consistency.Resolve(uid)
		}

		e.trigger("user fetched")

	case KindFetchIdentityBySubscription:
		obj, err := api.DecodeIdentity(body)
		if err == nil && obj.UserID() == "" {
			err = api.ErrMalformedResponse
		}

		if err == nil {
			if ident, ok := e.cfg.Registry.Identity(r.IdentityModelID); ok {
				err = ident.Hydrate(obj)
			}
		}

		if err != nil {
			e.logger.Warn("legacy lookup not applied, creating user", slog.String("error", err.Error()))
			e.enqueueCreate(r.IdentityModelID)

			return
		}

		e.trigger("legacy user found")

	case KindTransferSubscription:
		e.recordConsistency(r.IdentityModelID, consistency.KindSubscriptionUpdate, body)
	}
}

func (userFamily) failed(e *Executor, r *Request, class api.Class, err error) {
	switch r.Kind {
	case KindCreateUser:
		e.logger.Error("server rejected user create, pausing until the next session",
			slog.String("identity", r.IdentityModelID),
			slog.String("error", err.Error()),
		)
		e.pause(PauseCreateUserFailed)

	case KindIdentifyUser:
		switch class {
		case api.ClassConflict:
			// The external id already belongs to another user: adopt it and
			// move the device over. The old alias is not retried.
			ext := e.externalID(r.IdentityModelID)
			e.enqueueFetch(r.IdentityModelID, api.AliasExternalID, ext)

			if push := e.cfg.Registry.Push(); push != nil && push.SubscriptionID() != "" {
				e.enqueueTransfer(push.ModelID(), r.IdentityModelID)
			}
		default:
			e.enqueueCreate(r.IdentityModelID)
		}

		e.retireAnonymous(r.PathIdentityModelID, "")

	case KindFetchUser:
		if class == api.ClassMissing {
			e.cfg.Hooks.OnUserMissing(r.IdentityModelID)
		}

	case KindFetchIdentityBySubscription:
		e.enqueueCreate(r.IdentityModelID)
	}
}

// retireAnonymous drops the anonymous identity an identify replaced, unless
// it became current again in the meantime. With a successor (identify
// succeeded, so both name the same server user) the anonymous user's queued
// work keeps resolving through it.
func (e *Executor) retireAnonymous(anonModelID, successor string) {
	if anonModelID == "" || e.cfg.Hooks.IsCurrent(anonModelID) {
		return
	}

	if successor != "" {
		e.cfg.Registry.Retire(anonModelID, successor)
		return
	}

	e.cfg.Registry.RemoveUser(anonModelID)
}

// applyUser hydrates an identity, its properties and its subscriptions from
// a full user body. Server subscriptions are matched to local ones by type
// and token; with addMissing, unmatched email and SMS channels are added.
// The device push subscription is only touched for the current user.
func (e *Executor) applyUser(identityModelID string, u *api.UserObject, addMissing bool) {
	reg := e.cfg.Registry

	ident, ok := reg.Identity(identityModelID)
	if !ok {
		e.logger.Debug("user response for unregistered identity", slog.String("identity", identityModelID))
		return
	}

	if err := ident.Hydrate(u.Identity); err != nil {
		e.logger.Warn("user identity not applied", slog.String("error", err.Error()))
		return
	}

	if props, ok := reg.Properties(identityModelID); ok {
		props.Hydrate(u.Properties)
	}

	current := e.cfg.Hooks.IsCurrent(identityModelID)
	push := reg.Push()

	for _, obj := range u.Subscriptions {
		typ, ok := model.TypeFromWire(obj.Type)
		if !ok {
			continue
		}

		if typ == model.TypePush {
			if push != nil && current && (push.Token() == obj.Token || push.SubscriptionID() == obj.ID) {
				if err := push.Hydrate(obj); err != nil {
					e.logger.Warn("push subscription not applied", slog.String("error", err.Error()))
				}
			}

			continue
		}

		if sub, found := reg.FindSubscription(identityModelID, typ, obj.Token); found {
			if err := sub.Hydrate(obj); err != nil {
				e.logger.Warn("subscription not applied", slog.String("error", err.Error()))
			}

			continue
		}

		if !addMissing {
			continue
		}

		snap := model.SubscriptionSnapshot{
			ModelID:         model.NewModelID(),
			IdentityModelID: identityModelID,
			Type:            typ,
			SubscriptionID:  obj.ID,
			Token:           obj.Token,
			Enabled:         obj.Enabled == nil || *obj.Enabled,
		}

		if obj.NotificationTypes != nil {
			snap.NotificationTypes = *obj.NotificationTypes
		}

		reg.AddSubscription(model.SubscriptionFromSnapshot(snap))
	}
}
