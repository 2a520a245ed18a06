package api

import (
	"encoding/json"
	"fmt"
)

// Reserved alias labels. Every user has a server-assigned AliasUserID; an
// identified user also has AliasExternalID.
const (
	AliasUserID     = "onesignal_id"
	AliasExternalID = "external_id"
)

// Subscription types as they appear on the wire.
const (
	SubscriptionPush  = "iOSPush"
	SubscriptionEmail = "Email"
	SubscriptionSMS   = "SMS"
)

// IdentityObject is the identity section of a user: alias label to alias id.
type IdentityObject map[string]string

// UserID returns the server-assigned user id, or "" when absent.
func (o IdentityObject) UserID() string {
	return o[AliasUserID]
}

// PropertiesObject carries the last-write-wins user properties.
type PropertiesObject struct {
	Tags      map[string]string `json:"tags,omitempty"`
	Language  string            `json:"language,omitempty"`
	Timezone  string            `json:"timezone_id,omitempty"`
	Latitude  *float64          `json:"lat,omitempty"`
	Longitude *float64          `json:"long,omitempty"`
	Country   string            `json:"country,omitempty"`
}

// IsEmpty reports whether no property is set.
func (p PropertiesObject) IsEmpty() bool {
	return len(p.Tags) == 0 && p.Language == "" && p.Timezone == "" &&
		p.Latitude == nil && p.Longitude == nil && p.Country == ""
}

// PurchaseObject is one purchase inside a properties delta payload.
type PurchaseObject struct {
	SKU    string `json:"sku"`
	ISO    string `json:"iso"`
	Amount string `json:"amount"`
}

// PropertiesDeltas carries the additive fields of a properties update:
// counters are summed client-side and purchases are appended.
type PropertiesDeltas struct {
	SessionTime  int64            `json:"session_time,omitempty"`
	SessionCount int64            `json:"session_count,omitempty"`
	Purchases    []PurchaseObject `json:"purchases,omitempty"`
}

// IsEmpty reports whether the deltas carry nothing.
func (d PropertiesDeltas) IsEmpty() bool {
	return d.SessionTime == 0 && d.SessionCount == 0 && len(d.Purchases) == 0
}

// SubscriptionObject is one push, email or SMS channel.
type SubscriptionObject struct {
	ID                string `json:"id,omitempty"`
	Type              string `json:"type"`
	Token             string `json:"token,omitempty"`
	Enabled           *bool  `json:"enabled,omitempty"`
	NotificationTypes *int   `json:"notification_types,omitempty"`
}

// UserObject is the full state of one user as returned by create and fetch.
type UserObject struct {
	Identity      IdentityObject       `json:"identity"`
	Properties    PropertiesObject     `json:"properties"`
	Subscriptions []SubscriptionObject `json:"subscriptions,omitempty"`
}

// UpdateUserBody is the body of a properties update.
type UpdateUserBody struct {
	Properties            PropertiesObject  `json:"properties"`
	Deltas                *PropertiesDeltas `json:"deltas,omitempty"`
	RefreshDeviceMetadata bool              `json:"refresh_device_metadata"`
}

// IdentityBody wraps an identity map (add aliases, identify, transfer).
type IdentityBody struct {
	Identity IdentityObject `json:"identity"`
}

// SubscriptionBody wraps a single subscription (create, update).
type SubscriptionBody struct {
	Subscription SubscriptionObject `json:"subscription"`
}

// EventObject is one custom event in a batch.
type EventObject struct {
	Name       string         `json:"name"`
	UserID     string         `json:"onesignal_id,omitempty"`
	ExternalID string         `json:"external_id,omitempty"`
	Timestamp  string         `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// EventsBody is the body of a custom events batch.
type EventsBody struct {
	Events []EventObject `json:"events"`
}

// RYW is the read-your-write marker a mutating response may carry.
// Delay is in milliseconds.
type RYW struct {
	Token string `json:"ryw_token,omitempty"`
	Delay int64  `json:"ryw_delay,omitempty"`
}

// DecodeUser parses and validates a full user body. The identity section
// must carry the server-assigned user id.
func DecodeUser(body []byte) (*UserObject, error) {
	var u UserObject
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("%w: user: %w", ErrMalformedResponse, err)
	}

	if u.Identity.UserID() == "" {
		return nil, fmt.Errorf("%w: user: missing %s", ErrMalformedResponse, AliasUserID)
	}

	for i, s := range u.Subscriptions {
		if s.ID == "" {
			return nil, fmt.Errorf("%w: user: subscription %d has no id", ErrMalformedResponse, i)
		}
	}

	return &u, nil
}

// DecodeIdentity parses an identity body. An empty map is valid: some
// endpoints answer with no aliases at all.
func DecodeIdentity(body []byte) (IdentityObject, error) {
	var b IdentityBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("%w: identity: %w", ErrMalformedResponse, err)
	}

	if b.Identity == nil {
		b.Identity = IdentityObject{}
	}

	return b.Identity, nil
}

// DecodeSubscription parses a subscription body and requires its id.
func DecodeSubscription(body []byte) (*SubscriptionObject, error) {
	var b SubscriptionBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("%w: subscription: %w", ErrMalformedResponse, err)
	}

	if b.Subscription.ID == "" {
		return nil, fmt.Errorf("%w: subscription: missing id", ErrMalformedResponse)
	}

	return &b.Subscription, nil
}

// DecodeProperties parses the properties section of an update response.
// A body without properties yields the zero value.
func DecodeProperties(body []byte) (PropertiesObject, error) {
	var b struct {
		Properties PropertiesObject `json:"properties"`
	}
	if err := json.Unmarshal(body, &b); err != nil {
		return PropertiesObject{}, fmt.Errorf("%w: properties: %w", ErrMalformedResponse, err)
	}

	return b.Properties, nil
}

// DecodeRYW extracts a read-your-write token from any mutating response.
// Returns false when the body carries none (or is not JSON).
func DecodeRYW(body []byte) (RYW, bool) {
	if len(body) == 0 {
		return RYW{}, false
	}

	var r RYW
	if err := json.Unmarshal(body, &r); err != nil || r.Token == "" {
		return RYW{}, false
	}

	return r, true
}
