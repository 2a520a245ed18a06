package model

import (
	"fmt"
	"net/mail"
	"regexp"
	stdsync "sync"

	"github.com/tonimelisma/usersync/internal/api"
)

// SubscriptionType is the delivery channel of a subscription.
type SubscriptionType string

const (
	TypePush  SubscriptionType = "push"
	TypeEmail SubscriptionType = "email"
	TypeSMS   SubscriptionType = "sms"
)

// WireType maps the channel to the server's subscription type string.
func (t SubscriptionType) WireType() string {
	switch t {
	case TypeEmail:
		return api.SubscriptionEmail
	case TypeSMS:
		return api.SubscriptionSMS
	default:
		return api.SubscriptionPush
	}
}

// TypeFromWire maps a server subscription type string back to a channel.
func TypeFromWire(wire string) (SubscriptionType, bool) {
	switch wire {
	case api.SubscriptionPush:
		return TypePush, true
	case api.SubscriptionEmail:
		return TypeEmail, true
	case api.SubscriptionSMS:
		return TypeSMS, true
	default:
		return "", false
	}
}

// Property names for subscription update deltas.
const (
	PropToken             = "token"
	PropEnabled           = "enabled"
	PropNotificationTypes = "notification_types"
)

// NotificationTypes value the server uses for an opted-out push channel.
const NotificationTypesUnsubscribed = -2

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// Subscription is one delivery channel owned by an identity.
type Subscription struct {
	modelID string
	typ     SubscriptionType

	mu                stdsync.RWMutex
	identityModelID   string
	subscriptionID    string
	token             string
	enabled           bool
	notificationTypes int

	obs observers
}

// SubscriptionSnapshot is the persisted form of a Subscription; it also rides
// in add_subscription deltas so the request can be rebuilt after a restart.
type SubscriptionSnapshot struct {
	ModelID           string           `json:"model_id"`
	IdentityModelID   string           `json:"identity_model_id"`
	Type              SubscriptionType `json:"type"`
	SubscriptionID    string           `json:"subscription_id,omitempty"`
	Token             string           `json:"token,omitempty"`
	Enabled           bool             `json:"enabled"`
	NotificationTypes int              `json:"notification_types"`
}

// NewSubscription validates token for the channel and returns an enabled
// subscription owned by identityModelID. Push tokens may be empty until the
// platform hands one over.
func NewSubscription(identityModelID string, typ SubscriptionType, token string) (*Subscription, error) {
	if err := validateToken(typ, token); err != nil {
		return nil, err
	}

	return &Subscription{
		modelID:           NewModelID(),
		typ:               typ,
		identityModelID:   identityModelID,
		token:             token,
		enabled:           true,
		notificationTypes: 1,
	}, nil
}

// SubscriptionFromSnapshot rebuilds a subscription loaded from the store.
func SubscriptionFromSnapshot(s SubscriptionSnapshot) *Subscription {
	return &Subscription{
		modelID:           s.ModelID,
		typ:               s.Type,
		identityModelID:   s.IdentityModelID,
		subscriptionID:    s.SubscriptionID,
		token:             s.Token,
		enabled:           s.Enabled,
		notificationTypes: s.NotificationTypes,
	}
}

func validateToken(typ SubscriptionType, token string) error {
	switch typ {
	case TypePush:
		return nil
	case TypeEmail:
		if _, err := mail.ParseAddress(token); err != nil {
			return fmt.Errorf("model: email %q: %w", token, err)
		}
	case TypeSMS:
		if !e164.MatchString(token) {
			return fmt.Errorf("model: sms number %q is not E.164", token)
		}
	default:
		return fmt.Errorf("model: unknown subscription type %q", typ)
	}

	return nil
}

func (s *Subscription) ModelID() string        { return s.modelID }
func (s *Subscription) Type() SubscriptionType { return s.typ }

func (s *Subscription) IdentityModelID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.identityModelID
}

// SubscriptionID returns the server id, or "" until the server assigns one
// (or after a missing-entity reset).
func (s *Subscription) SubscriptionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.subscriptionID
}

func (s *Subscription) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.token
}

func (s *Subscription) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.enabled
}

func (s *Subscription) NotificationTypes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.notificationTypes
}

// Snapshot captures the subscription for persistence.
func (s *Subscription) Snapshot() SubscriptionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SubscriptionSnapshot{
		ModelID:           s.modelID,
		IdentityModelID:   s.identityModelID,
		Type:              s.typ,
		SubscriptionID:    s.subscriptionID,
		Token:             s.token,
		Enabled:           s.enabled,
		NotificationTypes: s.notificationTypes,
	}
}

func (s *Subscription) AddObserver(fn func(Change)) ObserverToken { return s.obs.add(fn) }
func (s *Subscription) RemoveObserver(tok ObserverToken)          { s.obs.remove(tok) }

// AddedDelta returns the add_subscription delta announcing this channel.
func (s *Subscription) AddedDelta() *Delta {
	snap := s.Snapshot()

	return newDelta(DeltaAddSubscription, s.modelID, snap.IdentityModelID, "", Value{Subscription: &snap})
}

// RemovedDelta returns the remove_subscription delta for this channel. The
// snapshot carries the server id so the removal can be sent after the model
// has left the Registry.
func (s *Subscription) RemovedDelta() *Delta {
	snap := s.Snapshot()

	return newDelta(DeltaRemoveSubscription, s.modelID, snap.IdentityModelID, "", Value{Subscription: &snap})
}

// SetToken replaces the channel address (push token, email, phone).
func (s *Subscription) SetToken(token string) (*Delta, error) {
	if err := validateToken(s.typ, token); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.token == token {
		s.mu.Unlock()
		return nil, nil
	}

	s.token = token
	owner := s.identityModelID
	s.mu.Unlock()

	s.obs.notify(Change{ModelID: s.modelID, Property: PropToken})

	return newDelta(DeltaUpdateSubscription, s.modelID, owner, PropToken, Value{Text: token}), nil
}

// SetEnabled opts the channel in or out.
func (s *Subscription) SetEnabled(enabled bool) (*Delta, error) {
	s.mu.Lock()
	if s.enabled == enabled {
		s.mu.Unlock()
		return nil, nil
	}

	s.enabled = enabled
	owner := s.identityModelID
	s.mu.Unlock()

	s.obs.notify(Change{ModelID: s.modelID, Property: PropEnabled})

	return newDelta(DeltaUpdateSubscription, s.modelID, owner, PropEnabled, Value{Enabled: &enabled}), nil
}

// SetNotificationTypes records the platform permission bitmask.
func (s *Subscription) SetNotificationTypes(n int) (*Delta, error) {
	s.mu.Lock()
	if s.notificationTypes == n {
		s.mu.Unlock()
		return nil, nil
	}

	s.notificationTypes = n
	owner := s.identityModelID
	s.mu.Unlock()

	s.obs.notify(Change{ModelID: s.modelID, Property: PropNotificationTypes})

	return newDelta(DeltaUpdateSubscription, s.modelID, owner, PropNotificationTypes, Value{Number: int64(n)}), nil
}

// SetServerID assigns the server subscription id. A cleared id may be
// assigned again; a different id while one is set is an error.
func (s *Subscription) SetServerID(id string) error {
	if id == "" {
		return ErrEmptyValue
	}

	s.mu.Lock()
	if s.subscriptionID == id {
		s.mu.Unlock()
		return nil
	}

	if s.subscriptionID != "" {
		prev := s.subscriptionID
		s.mu.Unlock()

		return fmt.Errorf("%w: subscription %s has %s, got %s", ErrServerIDAssigned, s.modelID, prev, id)
	}

	s.subscriptionID = id
	s.mu.Unlock()

	s.obs.notify(Change{ModelID: s.modelID, Property: "id", Hydrated: true})

	return nil
}

// ClearServerID forgets the server id after the server reported the
// subscription missing. The local model is kept.
func (s *Subscription) ClearServerID() {
	s.mu.Lock()
	s.subscriptionID = ""
	s.mu.Unlock()

	s.obs.notify(Change{ModelID: s.modelID, Property: "id", Hydrated: true})
}

// Reassign moves the subscription to another identity without emitting a
// delta; the owner change travels as a transfer request instead.
func (s *Subscription) Reassign(identityModelID string) {
	s.mu.Lock()
	s.identityModelID = identityModelID
	s.mu.Unlock()

	s.obs.notify(Change{ModelID: s.modelID, Property: "owner", Hydrated: true})
}

// Hydrate overwrites the subscription from server data. The server id
// follows SetServerID rules.
func (s *Subscription) Hydrate(obj api.SubscriptionObject) error {
	s.mu.Lock()

	if obj.ID != "" {
		if s.subscriptionID != "" && s.subscriptionID != obj.ID {
			prev := s.subscriptionID
			s.mu.Unlock()

			return fmt.Errorf("%w: subscription %s has %s, server sent %s", ErrServerIDAssigned, s.modelID, prev, obj.ID)
		}

		s.subscriptionID = obj.ID
	}

	if obj.Token != "" {
		s.token = obj.Token
	}

	if obj.Enabled != nil {
		s.enabled = *obj.Enabled
	}

	if obj.NotificationTypes != nil {
		s.notificationTypes = *obj.NotificationTypes
	}
	s.mu.Unlock()

	s.obs.notify(Change{ModelID: s.modelID, Hydrated: true})

	return nil
}

// WireObject renders the subscription for a create or update body.
func (s *Subscription) WireObject() api.SubscriptionObject {
	snap := s.Snapshot()

	return snap.WireObject()
}

// WireObject renders a snapshot for a create body.
func (snap SubscriptionSnapshot) WireObject() api.SubscriptionObject {
	enabled := snap.Enabled
	nt := snap.NotificationTypes

	return api.SubscriptionObject{
		Type:              snap.Type.WireType(),
		Token:             snap.Token,
		Enabled:           &enabled,
		NotificationTypes: &nt,
	}
}
