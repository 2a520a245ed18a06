package session

import (
	"fmt"
	"slices"
	"time"

	"github.com/tonimelisma/usersync/internal/model"
)

// current returns the current identity and its properties.
func (m *Manager) current() (*model.Identity, *model.Properties, error) {
	ident := m.reg.Current()
	if ident == nil {
		return nil, nil, ErrNotStarted
	}

	props, ok := m.reg.Properties(ident.ModelID())
	if !ok {
		return nil, nil, fmt.Errorf("session: identity %s has no properties", ident.ModelID())
	}

	return ident, props, nil
}

// enqueue hands a setter's delta to the Repo. A nil delta means the value
// did not change.
func (m *Manager) enqueue(d *model.Delta, err error) error {
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	if err := m.repo.Enqueue(d); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	return nil
}

// AddAlias sets label → id on the current user.
func (m *Manager) AddAlias(label, id string) error {
	return m.AddAliases(map[string]string{label: id})
}

// AddAliases sets several aliases at once. They reach the server as one
// request. Labels are applied in sorted order and the first invalid one
// stops the call.
func (m *Manager) AddAliases(aliases map[string]string) error {
	ident, _, err := m.current()
	if err != nil {
		return err
	}

	labels := make([]string, 0, len(aliases))
	for l := range aliases {
		labels = append(labels, l)
	}

	slices.Sort(labels)

	for _, l := range labels {
		if err := m.enqueue(ident.SetAlias(l, aliases[l])); err != nil {
			return err
		}
	}

	return nil
}

// RemoveAlias drops label from the current user.
func (m *Manager) RemoveAlias(label string) error {
	ident, _, err := m.current()
	if err != nil {
		return err
	}

	return m.enqueue(ident.RemoveAlias(label))
}

// SetTag sets one tag. An empty value removes the tag.
func (m *Manager) SetTag(key, value string) error {
	if value == "" {
		return m.RemoveTag(key)
	}

	_, props, err := m.current()
	if err != nil {
		return err
	}

	return m.enqueue(props.SetTag(key, value))
}

// SetTags sets several tags; empty values remove.
func (m *Manager) SetTags(tags map[string]string) error {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	for _, k := range keys {
		if err := m.SetTag(k, tags[k]); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) RemoveTag(key string) error {
	_, props, err := m.current()
	if err != nil {
		return err
	}

	return m.enqueue(props.RemoveTag(key))
}

// SetLanguage sets the BCP 47 language tag.
func (m *Manager) SetLanguage(tag string) error {
	_, props, err := m.current()
	if err != nil {
		return err
	}

	return m.enqueue(props.SetLanguage(tag))
}

// SetTimezone sets the IANA time zone name.
func (m *Manager) SetTimezone(zone string) error {
	_, props, err := m.current()
	if err != nil {
		return err
	}

	return m.enqueue(props.SetTimezone(zone))
}

func (m *Manager) SetLocation(lat, long float64) error {
	_, props, err := m.current()
	if err != nil {
		return err
	}

	return m.enqueue(props.SetLocation(model.Location{Latitude: lat, Longitude: long}))
}

// TrackSession records one finished session of length d.
func (m *Manager) TrackSession(d time.Duration) error {
	_, props, err := m.current()
	if err != nil {
		return err
	}

	if err := m.enqueue(props.AddSessionCount(1)); err != nil {
		return err
	}

	return m.enqueue(props.AddSessionTime(d))
}

// TrackPurchase records an in-app purchase.
func (m *Manager) TrackPurchase(p model.Purchase) error {
	_, props, err := m.current()
	if err != nil {
		return err
	}

	return m.enqueue(props.AddPurchase(p))
}

// TrackEvent records a custom event for the current user.
func (m *Manager) TrackEvent(name string, properties map[string]any) error {
	ident, _, err := m.current()
	if err != nil {
		return err
	}

	return m.enqueue(model.NewEventDelta(ident.ModelID(), model.Event{Name: name, Properties: properties}))
}

func (m *Manager) AddEmail(address string) error {
	return m.addSubscription(model.TypeEmail, address)
}

func (m *Manager) RemoveEmail(address string) error {
	return m.removeSubscription(model.TypeEmail, address)
}

// AddSMS adds an E.164 phone number.
func (m *Manager) AddSMS(number string) error {
	return m.addSubscription(model.TypeSMS, number)
}

func (m *Manager) RemoveSMS(number string) error {
	return m.removeSubscription(model.TypeSMS, number)
}

func (m *Manager) addSubscription(typ model.SubscriptionType, token string) error {
	ident, _, err := m.current()
	if err != nil {
		return err
	}

	if _, ok := m.reg.FindSubscription(ident.ModelID(), typ, token); ok {
		return nil
	}

	sub, err := model.NewSubscription(ident.ModelID(), typ, token)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	m.reg.AddSubscription(sub)

	return m.enqueue(sub.AddedDelta(), nil)
}

func (m *Manager) removeSubscription(typ model.SubscriptionType, token string) error {
	ident, _, err := m.current()
	if err != nil {
		return err
	}

	sub, ok := m.reg.FindSubscription(ident.ModelID(), typ, token)
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNoSubscription, typ, token)
	}

	// The delta snapshots the server id before the model leaves the
	// Registry.
	d := sub.RemovedDelta()
	m.reg.RemoveSubscription(sub.ModelID())

	return m.enqueue(d, nil)
}

// SetPushToken records the device push token, creating the device push
// subscription on first use.
func (m *Manager) SetPushToken(token string) error {
	ident, _, err := m.current()
	if err != nil {
		return err
	}

	if push := m.reg.Push(); push != nil {
		return m.enqueue(push.SetToken(token))
	}

	sub, err := model.NewSubscription(ident.ModelID(), model.TypePush, token)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	m.reg.AddSubscription(sub)
	m.reg.SetPush(sub.ModelID())

	return m.enqueue(sub.AddedDelta(), nil)
}

// OptIn enables the device push subscription.
func (m *Manager) OptIn() error {
	return m.setPushEnabled(true, 1)
}

// OptOut disables the device push subscription. The server keeps the
// channel but stops delivering.
func (m *Manager) OptOut() error {
	return m.setPushEnabled(false, model.NotificationTypesUnsubscribed)
}

func (m *Manager) setPushEnabled(enabled bool, types int) error {
	if _, _, err := m.current(); err != nil {
		return err
	}

	push := m.reg.Push()
	if push == nil {
		return ErrNoPush
	}

	if err := m.enqueue(push.SetEnabled(enabled)); err != nil {
		return err
	}

	return m.enqueue(push.SetNotificationTypes(types))
}

// Snapshot is a read-only view of the current user for display.
type Snapshot struct {
	Identity      model.IdentitySnapshot       `json:"identity"`
	Properties    model.PropertiesSnapshot     `json:"properties"`
	Subscriptions []model.SubscriptionSnapshot `json:"subscriptions,omitempty"`
	Push          string                       `json:"push,omitempty"`
}

// Snapshot captures the current user's models.
func (m *Manager) Snapshot() (Snapshot, error) {
	ident, props, err := m.current()
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Identity:   ident.Snapshot(),
		Properties: props.Snapshot(),
	}

	for _, s := range m.reg.SubscriptionsOf(ident.ModelID()) {
		snap.Subscriptions = append(snap.Subscriptions, s.Snapshot())
	}

	if push := m.reg.Push(); push != nil {
		snap.Push = push.ModelID()
	}

	return snap, nil
}
