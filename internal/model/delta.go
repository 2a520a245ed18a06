// Package model holds the user-identity entities the sync engine keeps in
// memory (Identity, Properties, Subscription), the Delta records their
// setters emit, and the Registry that maps local model IDs to live models.
//
// Every mutation goes through an explicit setter that returns the emitted
// Delta, or nil when the value did not change. Hydration from server data
// uses the Hydrate methods and never emits a Delta.
package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors returned by model setters.
var (
	ErrServerIDAssigned = errors.New("model: server id already assigned")
	ErrReservedAlias    = errors.New("model: alias label is reserved")
	ErrEmptyValue       = errors.New("model: empty value")
	ErrInvalidLocation  = errors.New("model: location out of range")
	ErrInvalidLanguage  = errors.New("model: invalid language tag")
)

// DeltaName identifies what kind of mutation a Delta records. Executors
// declare the names they support and the Operation Repo routes by name.
type DeltaName string

// Delta names, grouped by the executor family that consumes them.
const (
	DeltaAddAlias    DeltaName = "add_alias"
	DeltaRemoveAlias DeltaName = "remove_alias"

	DeltaSetTag          DeltaName = "set_tag"
	DeltaRemoveTag       DeltaName = "remove_tag"
	DeltaSetLanguage     DeltaName = "set_language"
	DeltaSetTimezone     DeltaName = "set_timezone"
	DeltaSetLocation     DeltaName = "set_location"
	DeltaAddSessionTime  DeltaName = "add_session_time"
	DeltaAddSessionCount DeltaName = "add_session_count"
	DeltaAddPurchase     DeltaName = "add_purchase"

	DeltaAddSubscription    DeltaName = "add_subscription"
	DeltaRemoveSubscription DeltaName = "remove_subscription"
	DeltaUpdateSubscription DeltaName = "update_subscription"

	DeltaTrackEvent DeltaName = "track_event"
)

// Location is a latitude/longitude pair in degrees.
type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"long"`
}

// Purchase is one in-app purchase. Purchases are appended, never merged.
type Purchase struct {
	SKU    string `json:"sku"`
	ISO    string `json:"iso"`
	Amount string `json:"amount"`
}

// Event is a custom analytics event with a free-form JSON payload.
type Event struct {
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Value is the typed payload of a Delta. Which fields are set depends on the
// Delta name:
//
//	add_alias, set_tag          Label + Text
//	remove_alias, remove_tag    Label
//	set_language, set_timezone  Text
//	set_location                Location
//	add_session_time/count      Number
//	add_purchase                Purchase
//	add/remove_subscription     Subscription
//	update_subscription         Text, Enabled or Number (by Delta.Property)
//	track_event                 Event
type Value struct {
	Label        string                `json:"label,omitempty"`
	Text         string                `json:"text,omitempty"`
	Number       int64                 `json:"number,omitempty"`
	Enabled      *bool                 `json:"enabled,omitempty"`
	Location     *Location             `json:"location,omitempty"`
	Purchase     *Purchase             `json:"purchase,omitempty"`
	Subscription *SubscriptionSnapshot `json:"subscription,omitempty"`
	Event        *Event                `json:"event,omitempty"`
}

// Delta is an immutable record of one property mutation on one model.
// IdentityModelID names the user the mutation belongs to; executors group
// and drop deltas by it.
type Delta struct {
	ID              string    `json:"id"`
	Name            DeltaName `json:"name"`
	ModelID         string    `json:"model_id"`
	IdentityModelID string    `json:"identity_model_id"`
	Property        string    `json:"property,omitempty"`
	Value           Value     `json:"value"`
	Timestamp       time.Time `json:"timestamp"`
}

// nowFunc is the clock used for Delta timestamps. Tests replace it.
var nowFunc = time.Now

func newDelta(name DeltaName, modelID, identityModelID, property string, v Value) *Delta {
	return &Delta{
		ID:              uuid.NewString(),
		Name:            name,
		ModelID:         modelID,
		IdentityModelID: identityModelID,
		Property:        property,
		Value:           v,
		Timestamp:       nowFunc(),
	}
}

// NewEventDelta records a custom event for the given user. Events have no
// backing model, so the identity's model ID doubles as the target.
func NewEventDelta(identityModelID string, ev Event) (*Delta, error) {
	if ev.Name == "" {
		return nil, ErrEmptyValue
	}

	return newDelta(DeltaTrackEvent, identityModelID, identityModelID, "event", Value{Event: &ev}), nil
}

// NewModelID returns a fresh local model identifier.
func NewModelID() string {
	return uuid.NewString()
}
