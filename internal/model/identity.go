package model

import (
	"fmt"
	"maps"
	stdsync "sync"

	"github.com/tonimelisma/usersync/internal/api"
)

// Identity is one logical user: the server-assigned user id once known, an
// optional external id, and any number of custom aliases.
type Identity struct {
	modelID string

	mu         stdsync.RWMutex
	userID     string
	externalID string
	aliases    map[string]string

	obs observers
}

// IdentitySnapshot is the persisted form of an Identity.
type IdentitySnapshot struct {
	ModelID    string            `json:"model_id"`
	UserID     string            `json:"user_id,omitempty"`
	ExternalID string            `json:"external_id,omitempty"`
	Aliases    map[string]string `json:"aliases,omitempty"`
}

// NewIdentity creates an identity with a fresh model id. externalID may be
// empty for an anonymous user.
func NewIdentity(externalID string) *Identity {
	return &Identity{
		modelID:    NewModelID(),
		externalID: externalID,
		aliases:    make(map[string]string),
	}
}

// IdentityFromSnapshot rebuilds an identity loaded from the durable store.
func IdentityFromSnapshot(s IdentitySnapshot) *Identity {
	aliases := make(map[string]string, len(s.Aliases))
	maps.Copy(aliases, s.Aliases)

	return &Identity{
		modelID:    s.ModelID,
		userID:     s.UserID,
		externalID: s.ExternalID,
		aliases:    aliases,
	}
}

// ModelID returns the stable local id.
func (i *Identity) ModelID() string { return i.modelID }

// UserID returns the server-assigned id, or "" while the user is not yet
// created on the server.
func (i *Identity) UserID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.userID
}

// ExternalID returns the caller-supplied external id, or "" for an
// anonymous user.
func (i *Identity) ExternalID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.externalID
}

// Alias returns the id stored under label.
func (i *Identity) Alias(label string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	id, ok := i.aliases[label]

	return id, ok
}

// Aliases returns a copy of the custom aliases.
func (i *Identity) Aliases() map[string]string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return maps.Clone(i.aliases)
}

// Snapshot captures the identity for persistence.
func (i *Identity) Snapshot() IdentitySnapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return IdentitySnapshot{
		ModelID:    i.modelID,
		UserID:     i.userID,
		ExternalID: i.externalID,
		Aliases:    maps.Clone(i.aliases),
	}
}

// AddObserver registers fn for every change to this identity.
func (i *Identity) AddObserver(fn func(Change)) ObserverToken { return i.obs.add(fn) }

// RemoveObserver unregisters the observer behind tok.
func (i *Identity) RemoveObserver(tok ObserverToken) { i.obs.remove(tok) }

// SetServerID assigns the server user id. Assigning the same value again is
// a no-op; assigning a different value once one is known is an error.
func (i *Identity) SetServerID(userID string) error {
	if userID == "" {
		return ErrEmptyValue
	}

	i.mu.Lock()
	if i.userID == userID {
		i.mu.Unlock()
		return nil
	}

	if i.userID != "" {
		prev := i.userID
		i.mu.Unlock()

		return fmt.Errorf("%w: identity %s has %s, got %s", ErrServerIDAssigned, i.modelID, prev, userID)
	}

	i.userID = userID
	i.mu.Unlock()

	i.obs.notify(Change{ModelID: i.modelID, Property: api.AliasUserID, Hydrated: true})

	return nil
}

// SetAlias records label → id and returns the add_alias delta. The reserved
// labels cannot be set this way.
func (i *Identity) SetAlias(label, id string) (*Delta, error) {
	if label == "" || id == "" {
		return nil, ErrEmptyValue
	}

	if label == api.AliasUserID || label == api.AliasExternalID {
		return nil, fmt.Errorf("%w: %s", ErrReservedAlias, label)
	}

	i.mu.Lock()
	if cur, ok := i.aliases[label]; ok && cur == id {
		i.mu.Unlock()
		return nil, nil
	}

	i.aliases[label] = id
	i.mu.Unlock()

	i.obs.notify(Change{ModelID: i.modelID, Property: label})

	return newDelta(DeltaAddAlias, i.modelID, i.modelID, label, Value{Label: label, Text: id}), nil
}

// RemoveAlias drops label and returns the remove_alias delta, or nil when
// the alias was not present.
func (i *Identity) RemoveAlias(label string) (*Delta, error) {
	if label == "" {
		return nil, ErrEmptyValue
	}

	if label == api.AliasUserID || label == api.AliasExternalID {
		return nil, fmt.Errorf("%w: %s", ErrReservedAlias, label)
	}

	i.mu.Lock()
	if _, ok := i.aliases[label]; !ok {
		i.mu.Unlock()
		return nil, nil
	}

	delete(i.aliases, label)
	i.mu.Unlock()

	i.obs.notify(Change{ModelID: i.modelID, Property: label})

	return newDelta(DeltaRemoveAlias, i.modelID, i.modelID, label, Value{Label: label}), nil
}

// Hydrate overwrites the identity from server data. The user id is taken
// only if none is known yet; a mismatch returns ErrServerIDAssigned and
// leaves the identity untouched.
func (i *Identity) Hydrate(obj api.IdentityObject) error {
	i.mu.Lock()

	if uid := obj.UserID(); uid != "" {
		if i.userID != "" && i.userID != uid {
			prev := i.userID
			i.mu.Unlock()

			return fmt.Errorf("%w: identity %s has %s, server sent %s", ErrServerIDAssigned, i.modelID, prev, uid)
		}

		i.userID = uid
	}

	if ext, ok := obj[api.AliasExternalID]; ok && ext != "" {
		i.externalID = ext
	}

	for label, id := range obj {
		if label == api.AliasUserID || label == api.AliasExternalID {
			continue
		}

		i.aliases[label] = id
	}
	i.mu.Unlock()

	i.obs.notify(Change{ModelID: i.modelID, Hydrated: true})

	return nil
}
