package model

import (
	"fmt"
	"maps"
	"strconv"
	stdsync "sync"
	"time"
	_ "time/tzdata" // SetTimezone validates zone names on hosts without a zoneinfo database

	"golang.org/x/text/language"

	"github.com/tonimelisma/usersync/internal/api"
)

// Property names used in Change notifications and Delta.Property.
const (
	PropTags     = "tags"
	PropLanguage = "language"
	PropTimezone = "timezone"
	PropLocation = "location"
	PropSession  = "session"
	PropPurchase = "purchase"
)

// Properties holds the last-write-wins attributes of one user. It shares its
// owner's lifetime: a Properties is created with its Identity and dropped
// with it.
type Properties struct {
	modelID         string
	identityModelID string

	mu       stdsync.RWMutex
	tags     map[string]string
	language string
	timezone string
	location *Location

	obs observers
}

// PropertiesSnapshot is the persisted form of Properties.
type PropertiesSnapshot struct {
	ModelID         string            `json:"model_id"`
	IdentityModelID string            `json:"identity_model_id"`
	Tags            map[string]string `json:"tags,omitempty"`
	Language        string            `json:"language,omitempty"`
	Timezone        string            `json:"timezone,omitempty"`
	Location        *Location         `json:"location,omitempty"`
}

// NewProperties creates an empty property set owned by identityModelID.
func NewProperties(identityModelID string) *Properties {
	return &Properties{
		modelID:         NewModelID(),
		identityModelID: identityModelID,
		tags:            make(map[string]string),
	}
}

// PropertiesFromSnapshot rebuilds a property set loaded from the store.
func PropertiesFromSnapshot(s PropertiesSnapshot) *Properties {
	tags := make(map[string]string, len(s.Tags))
	maps.Copy(tags, s.Tags)

	p := &Properties{
		modelID:         s.ModelID,
		identityModelID: s.IdentityModelID,
		tags:            tags,
		language:        s.Language,
		timezone:        s.Timezone,
	}

	if s.Location != nil {
		loc := *s.Location
		p.location = &loc
	}

	return p
}

func (p *Properties) ModelID() string         { return p.modelID }
func (p *Properties) IdentityModelID() string { return p.identityModelID }

// Tags returns a copy of the tag map.
func (p *Properties) Tags() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return maps.Clone(p.tags)
}

func (p *Properties) Language() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.language
}

func (p *Properties) Timezone() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.timezone
}

// Location returns the last known location, or nil.
func (p *Properties) Location() *Location {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.location == nil {
		return nil
	}

	loc := *p.location

	return &loc
}

// Snapshot captures the property set for persistence.
func (p *Properties) Snapshot() PropertiesSnapshot {
	return PropertiesSnapshot{
		ModelID:         p.modelID,
		IdentityModelID: p.identityModelID,
		Tags:            p.Tags(),
		Language:        p.Language(),
		Timezone:        p.Timezone(),
		Location:        p.Location(),
	}
}

func (p *Properties) AddObserver(fn func(Change)) ObserverToken { return p.obs.add(fn) }
func (p *Properties) RemoveObserver(tok ObserverToken)          { p.obs.remove(tok) }

// SetTag sets key to value. An unchanged value emits nothing.
func (p *Properties) SetTag(key, value string) (*Delta, error) {
	if key == "" || value == "" {
		return nil, ErrEmptyValue
	}

	p.mu.Lock()
	if cur, ok := p.tags[key]; ok && cur == value {
		p.mu.Unlock()
		return nil, nil
	}

	p.tags[key] = value
	p.mu.Unlock()

	p.obs.notify(Change{ModelID: p.modelID, Property: PropTags})

	return p.delta(DeltaSetTag, PropTags, Value{Label: key, Text: value}), nil
}

// RemoveTag deletes key. The server learns of the removal through an
// empty-string value in the combined tag map.
func (p *Properties) RemoveTag(key string) (*Delta, error) {
	if key == "" {
		return nil, ErrEmptyValue
	}

	p.mu.Lock()
	if _, ok := p.tags[key]; !ok {
		p.mu.Unlock()
		return nil, nil
	}

	delete(p.tags, key)
	p.mu.Unlock()

	p.obs.notify(Change{ModelID: p.modelID, Property: PropTags})

	return p.delta(DeltaRemoveTag, PropTags, Value{Label: key}), nil
}

// SetLanguage stores a BCP-47 tag in canonical form ("en_us" → "en-US").
func (p *Properties) SetLanguage(tag string) (*Delta, error) {
	if tag == "" {
		return nil, ErrEmptyValue
	}

	parsed, err := language.Parse(tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidLanguage, tag, err)
	}

	canonical := parsed.String()

	p.mu.Lock()
	if p.language == canonical {
		p.mu.Unlock()
		return nil, nil
	}

	p.language = canonical
	p.mu.Unlock()

	p.obs.notify(Change{ModelID: p.modelID, Property: PropLanguage})

	return p.delta(DeltaSetLanguage, PropLanguage, Value{Text: canonical}), nil
}

// SetTimezone stores an IANA zone name. Unknown zones are rejected.
func (p *Properties) SetTimezone(zone string) (*Delta, error) {
	if zone == "" {
		return nil, ErrEmptyValue
	}

	if _, err := time.LoadLocation(zone); err != nil {
		return nil, fmt.Errorf("model: timezone %q: %w", zone, err)
	}

	p.mu.Lock()
	if p.timezone == zone {
		p.mu.Unlock()
		return nil, nil
	}

	p.timezone = zone
	p.mu.Unlock()

	p.obs.notify(Change{ModelID: p.modelID, Property: PropTimezone})

	return p.delta(DeltaSetTimezone, PropTimezone, Value{Text: zone}), nil
}

// SetLocation stores a coordinate pair.
func (p *Properties) SetLocation(loc Location) (*Delta, error) {
	if loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 180 {
		return nil, fmt.Errorf("%w: %v,%v", ErrInvalidLocation, loc.Latitude, loc.Longitude)
	}

	p.mu.Lock()
	if p.location != nil && *p.location == loc {
		p.mu.Unlock()
		return nil, nil
	}

	p.location = &loc
	p.mu.Unlock()

	p.obs.notify(Change{ModelID: p.modelID, Property: PropLocation})

	return p.delta(DeltaSetLocation, PropLocation, Value{Location: &loc}), nil
}

// AddSessionTime records d of foreground time. The server field is whole
// seconds; executors sum queued values before sending.
func (p *Properties) AddSessionTime(d time.Duration) (*Delta, error) {
	secs := int64(d / time.Second)
	if secs <= 0 {
		return nil, nil
	}

	return p.delta(DeltaAddSessionTime, PropSession, Value{Number: secs}), nil
}

// AddSessionCount records n new sessions.
func (p *Properties) AddSessionCount(n int64) (*Delta, error) {
	if n <= 0 {
		return nil, nil
	}

	return p.delta(DeltaAddSessionCount, PropSession, Value{Number: n}), nil
}

// AddPurchase records one purchase. Amount must parse as a decimal number.
func (p *Properties) AddPurchase(pur Purchase) (*Delta, error) {
	if pur.SKU == "" || pur.ISO == "" || pur.Amount == "" {
		return nil, ErrEmptyValue
	}

	if _, err := strconv.ParseFloat(pur.Amount, 64); err != nil {
		return nil, fmt.Errorf("model: purchase amount %q: %w", pur.Amount, err)
	}

	return p.delta(DeltaAddPurchase, PropPurchase, Value{Purchase: &pur}), nil
}

// Hydrate overwrites the property set from server data. Tags are replaced
// wholesale; absent scalar fields are left alone.
func (p *Properties) Hydrate(obj api.PropertiesObject) {
	p.mu.Lock()

	if obj.Tags != nil {
		p.tags = make(map[string]string, len(obj.Tags))
		for k, v := range obj.Tags {
			if v != "" {
				p.tags[k] = v
			}
		}
	}

	if obj.Language != "" {
		p.language = obj.Language
	}

	if obj.Timezone != "" {
		p.timezone = obj.Timezone
	}

	if obj.Latitude != nil && obj.Longitude != nil {
		p.location = &Location{Latitude: *obj.Latitude, Longitude: *obj.Longitude}
	}
	p.mu.Unlock()

	p.obs.notify(Change{ModelID: p.modelID, Hydrated: true})
}

// WireObject renders the snapshot in its wire form.
func (s PropertiesSnapshot) WireObject() api.PropertiesObject {
	obj := api.PropertiesObject{
		Tags:     s.Tags,
		Language: s.Language,
		Timezone: s.Timezone,
	}

	if s.Location != nil {
		lat, long := s.Location.Latitude, s.Location.Longitude
		obj.Latitude, obj.Longitude = &lat, &long
	}

	return obj
}

func (p *Properties) delta(name DeltaName, property string, v Value) *Delta {
	return newDelta(name, p.modelID, p.identityModelID, property, v)
}
