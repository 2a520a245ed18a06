package sync

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/tonimelisma/usersync/internal/api"
	"github.com/tonimelisma/usersync/internal/consistency"
	"github.com/tonimelisma/usersync/internal/model"
)

// NewSubscriptionExecutor returns the executor for push, email and SMS
// channels.
func NewSubscriptionExecutor(cfg Config) (*Executor, error) {
	return newExecutor("subscriptions", subscriptionFamily{}, cfg)
}

type subscriptionFamily struct{}

func (subscriptionFamily) supports() []model.DeltaName {
	return []model.DeltaName{
		model.DeltaAddSubscription,
		model.DeltaRemoveSubscription,
		model.DeltaUpdateSubscription,
	}
}

func (subscriptionFamily) queueNames() []string {
	return []string{QueueAdd, QueueRemove, QueueUpdate}
}

// retains drops adds and updates for subscriptions that have since left the
// Registry. Removals are kept while their owner is registered.
func (subscriptionFamily) retains(e *Executor, d *model.Delta) bool {
	if d.Name == model.DeltaRemoveSubscription {
		return true
	}

	return e.cfg.Registry.HasSubscription(d.ModelID)
}

// combine turns every delta into its own request. A removal whose add is
// still queued and unsent cancels both.
func (subscriptionFamily) combine(e *Executor, identityModelID string, deltas []*model.Delta) ([]*Request, error) {
	ext := e.externalID(identityModelID)

	var out []*Request

	for _, d := range deltas {
		var (
			r   *Request
			err error
		)

		switch d.Name {
		case model.DeltaAddSubscription:
			snap := d.Value.Subscription
			if snap == nil {
				return nil, fmt.Errorf("sync: add_subscription delta %s has no subscription", d.ID)
			}

			r, err = newRequest(KindCreateSubscription, QueueAdd, http.MethodPost, pathUserSubscriptions,
				api.SubscriptionBody{Subscription: snap.WireObject()}, d.Timestamp)

		case model.DeltaUpdateSubscription:
			r, err = newRequest(KindUpdateSubscription, QueueUpdate, http.MethodPatch, pathSubscription,
				api.SubscriptionBody{Subscription: updateObject(e, d)}, d.Timestamp)

		case model.DeltaRemoveSubscription:
			snap := d.Value.Subscription
			if snap == nil {
				return nil, fmt.Errorf("sync: remove_subscription delta %s has no subscription", d.ID)
			}

			cancelled := e.cancelPending(d.ModelID, &out)

			if snap.SubscriptionID == "" {
				if !cancelled {
					e.logger.Debug("dropping removal of never-created subscription", slog.String("subscription", d.ModelID))
				}

				continue
			}

			r, err = newRequest(KindDeleteSubscription, QueueRemove, http.MethodDelete, pathSubscription, nil, d.Timestamp)
			if r != nil {
				r.SubscriptionID = snap.SubscriptionID
			}
		}

		if err != nil {
			return nil, err
		}

		if r == nil {
			continue
		}

		r.IdentityModelID = identityModelID
		r.SubscriptionModelID = d.ModelID
		r.ExternalID = ext
		out = append(out, r)
	}

	return out, nil
}

// updateObject renders the single field an update delta changed.
func updateObject(e *Executor, d *model.Delta) api.SubscriptionObject {
	obj := api.SubscriptionObject{Type: model.TypePush.WireType()}

	if s, ok := e.cfg.Registry.Subscription(d.ModelID); ok {
		obj.Type = s.Type().WireType()
	}

	switch d.Property {
	case model.PropToken:
		obj.Token = d.Value.Text
	case model.PropEnabled:
		obj.Enabled = d.Value.Enabled
	case model.PropNotificationTypes:
		n := int(d.Value.Number)
		obj.NotificationTypes = &n
	}

	return obj
}

// cancelPending removes unsent create and update requests for a subscription
// from the queues and from the batch being built. It reports whether a
// create was among them.
func (e *Executor) cancelPending(subscriptionModelID string, batch *[]*Request) bool {
	created := false

	match := func(r *Request) bool {
		if r.SubscriptionModelID != subscriptionModelID || r.SentToClient {
			return false
		}

		if r.Kind == KindCreateSubscription {
			created = true
		}

		return r.Kind == KindCreateSubscription || r.Kind == KindUpdateSubscription
	}

	for _, q := range []string{QueueAdd, QueueUpdate} {
		before := len(e.queues[q])
		e.queues[q] = slices.DeleteFunc(e.queues[q], match)

		if len(e.queues[q]) != before {
			e.persistQueueLogged(q)
		}
	}

	*batch = slices.DeleteFunc(*batch, match)

	return created
}

func (subscriptionFamily) succeeded(e *Executor, r *Request, body []byte) {
	e.recordConsistency(r.IdentityModelID, consistency.KindSubscriptionUpdate, body)

	if r.Kind != KindCreateSubscription {
		return
	}

	obj, err := api.DecodeSubscription(body)
	if err != nil {
		e.logger.Warn("subscription response not applied",
			slog.String("request", r.String()),
			slog.String("error", err.Error()),
		)

		return
	}

	sub, ok := e.cfg.Registry.Subscription(r.SubscriptionModelID)
	if !ok {
		// Removed while the create was in flight.
		e.enqueueOrphanRemoval(r, obj.ID)
		return
	}

	if push := e.cfg.Registry.Push(); push != nil && push.ModelID() == sub.ModelID() && !e.cfg.Hooks.IsCurrent(r.IdentityModelID) {
		e.logger.Debug("ignoring push subscription response for superseded user", slog.String("request", r.String()))
		return
	}

	if err := sub.Hydrate(*obj); err != nil {
		e.logger.Warn("subscription response not applied",
			slog.String("request", r.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Executor) enqueueOrphanRemoval(created *Request, subscriptionID string) {
	r, err := newRequest(KindDeleteSubscription, QueueRemove, http.MethodDelete, pathSubscription, nil, e.nowFunc())
	if err != nil {
		e.logger.Error("building orphan removal", slog.String("error", err.Error()))
		return
	}

	r.IdentityModelID = created.IdentityModelID
	r.SubscriptionModelID = created.SubscriptionModelID
	r.SubscriptionID = subscriptionID
	r.ExternalID = created.ExternalID

	e.enqueueRequest(r)
	e.trigger("orphaned subscription")
}

func (subscriptionFamily) failed(e *Executor, r *Request, class api.Class, _ error) {
	if class != api.ClassMissing {
		return
	}

	switch r.Kind {
	case KindCreateSubscription:
		e.cfg.Hooks.OnUserMissing(r.IdentityModelID)
	case KindUpdateSubscription:
		e.cfg.Hooks.OnSubscriptionMissing(r.SubscriptionModelID)
	}
}
