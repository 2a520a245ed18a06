package model

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	stdsync "sync"
)

// RegistryKey is the durable-store key the Registry persists under.
const RegistryKey = "models.registry"

// Store is the slice of the durable store the Registry needs.
type Store interface {
	Get(key string, v any) (bool, error)
	Put(key string, v any) error
}

// Registry is the lookup table from local model ids to live models. It is
// the one structure shared across executors and callers, so every access
// goes through its lock. It also tracks which identity is current and which
// subscription is the device push channel.
//
// Every model change is written through to the store.
type Registry struct {
	store  Store
	logger *slog.Logger

	mu            stdsync.RWMutex
	identities    map[string]*Identity
	properties    map[string]*Properties // keyed by identity model id
	subscriptions map[string]*Subscription
	observed      map[string]func() // model id → unregister
	retired       map[string]string // retired identity → identity that replaced it
	current       string
	push          string

	persistMu stdsync.Mutex
}

type registrySnapshot struct {
	Identities    []IdentitySnapshot     `json:"identities"`
	Properties    []PropertiesSnapshot   `json:"properties"`
	Subscriptions []SubscriptionSnapshot `json:"subscriptions"`
	Retired       map[string]string      `json:"retired,omitempty"`
	Current       string                 `json:"current,omitempty"`
	Push          string                 `json:"push,omitempty"`
}

// NewRegistry returns an empty registry writing through to store.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		store:         store,
		logger:        logger,
		identities:    make(map[string]*Identity),
		properties:    make(map[string]*Properties),
		subscriptions: make(map[string]*Subscription),
		observed:      make(map[string]func()),
		retired:       make(map[string]string),
	}
}

// LoadRegistry rebuilds the registry persisted in store. A store with no
// registry yields an empty one.
func LoadRegistry(store Store, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(store, logger)

	var snap registrySnapshot

	found, err := store.Get(RegistryKey, &snap)
	if err != nil {
		return nil, fmt.Errorf("model: loading registry: %w", err)
	}

	if !found {
		return r, nil
	}

	r.mu.Lock()
	for _, s := range snap.Identities {
		id := IdentityFromSnapshot(s)
		r.identities[id.ModelID()] = id
		r.observeLocked(id.ModelID(), id)
	}

	for _, s := range snap.Properties {
		p := PropertiesFromSnapshot(s)
		r.properties[p.IdentityModelID()] = p
		r.observeLocked(p.ModelID(), p)
	}

	for _, s := range snap.Subscriptions {
		sub := SubscriptionFromSnapshot(s)
		r.subscriptions[sub.ModelID()] = sub
		r.observeLocked(sub.ModelID(), sub)
	}

	for from, to := range snap.Retired {
		r.retired[from] = to
	}

	r.current = snap.Current
	r.push = snap.Push
	r.mu.Unlock()

	r.logger.Debug("registry loaded",
		slog.Int("identities", len(snap.Identities)),
		slog.Int("subscriptions", len(snap.Subscriptions)),
	)

	return r, nil
}

type observable interface {
	AddObserver(func(Change)) ObserverToken
	RemoveObserver(ObserverToken)
}

func (r *Registry) observeLocked(modelID string, m observable) {
	tok := m.AddObserver(func(Change) { r.persistLogged() })
	r.observed[modelID] = func() { m.RemoveObserver(tok) }
}

func (r *Registry) unobserveLocked(modelID string) {
	if stop, ok := r.observed[modelID]; ok {
		stop()
		delete(r.observed, modelID)
	}
}

// AddUser registers an identity with its property set.
func (r *Registry) AddUser(id *Identity, props *Properties) {
	r.mu.Lock()
	r.identities[id.ModelID()] = id
	r.properties[id.ModelID()] = props
	r.observeLocked(id.ModelID(), id)
	r.observeLocked(props.ModelID(), props)
	r.mu.Unlock()

	r.persistLogged()
}

// RemoveUser drops an identity, its properties, and every subscription it
// owns except the device push subscription. Pending deltas for the removed
// models are discarded by executors once their owner is gone. Retired
// identities forwarding to it are forgotten too.
func (r *Registry) RemoveUser(identityModelID string) {
	r.mu.Lock()
	r.removeUserLocked(identityModelID)
	r.mu.Unlock()

	r.persistLogged()
}

// Retire removes an identity that successor replaced on the server (both
// name the same server user). Lookups through LiveID keep resolving it to
// successor until one of them is removed.
func (r *Registry) Retire(identityModelID, successor string) {
	r.mu.Lock()
	r.removeUserLocked(identityModelID)

	if _, ok := r.identities[successor]; ok {
		r.retired[identityModelID] = successor
	}
	r.mu.Unlock()

	r.persistLogged()
}

// Retired returns the retired identity ids still forwarding to a live one.
func (r *Registry) Retired() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.retired))
	for id := range r.retired {
		out = append(out, id)
	}

	slices.Sort(out)

	return out
}

// LiveID resolves an identity id through retirements to a registered
// identity.
func (r *Registry) LiveID(identityModelID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id := identityModelID

	for range len(r.retired) + 1 {
		if _, ok := r.identities[id]; ok {
			return id, true
		}

		next, ok := r.retired[id]
		if !ok {
			return "", false
		}

		id = next
	}

	return "", false
}

// LiveIdentity is Identity resolved through LiveID.
func (r *Registry) LiveIdentity(identityModelID string) (*Identity, bool) {
	live, ok := r.LiveID(identityModelID)
	if !ok {
		return nil, false
	}

	return r.Identity(live)
}

func (r *Registry) removeUserLocked(identityModelID string) {
	delete(r.retired, identityModelID)

	for from, to := range r.retired {
		if to == identityModelID {
			delete(r.retired, from)
		}
	}

	if props, ok := r.properties[identityModelID]; ok {
		r.unobserveLocked(props.ModelID())
	}

	r.unobserveLocked(identityModelID)
	delete(r.identities, identityModelID)
	delete(r.properties, identityModelID)

	for mid, sub := range r.subscriptions {
		if mid != r.push && sub.IdentityModelID() == identityModelID {
			r.unobserveLocked(mid)
			delete(r.subscriptions, mid)
		}
	}

	if r.current == identityModelID {
		r.current = ""
	}
}

// Identity looks up an identity by model id.
func (r *Registry) Identity(modelID string) (*Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.identities[modelID]

	return id, ok
}

// HasIdentity reports whether the identity is still registered.
func (r *Registry) HasIdentity(modelID string) bool {
	_, ok := r.Identity(modelID)
	return ok
}

// Identities returns every registered identity, current first.
func (r *Registry) Identities() []*Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Identity, 0, len(r.identities))
	for _, id := range r.identities {
		out = append(out, id)
	}

	slices.SortFunc(out, func(a, b *Identity) int {
		switch {
		case a.ModelID() == r.current:
			return -1
		case b.ModelID() == r.current:
			return 1
		default:
			return cmp.Compare(a.ModelID(), b.ModelID())
		}
	})

	return out
}

// Properties returns the property set owned by identityModelID.
func (r *Registry) Properties(identityModelID string) (*Properties, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.properties[identityModelID]

	return p, ok
}

// AddSubscription registers a subscription.
func (r *Registry) AddSubscription(s *Subscription) {
	r.mu.Lock()
	r.subscriptions[s.ModelID()] = s
	r.observeLocked(s.ModelID(), s)
	r.mu.Unlock()

	r.persistLogged()
}

// RemoveSubscription drops a subscription. Removing the push subscription
// also clears the push pointer.
func (r *Registry) RemoveSubscription(modelID string) {
	r.mu.Lock()
	r.unobserveLocked(modelID)
	delete(r.subscriptions, modelID)

	if r.push == modelID {
		r.push = ""
	}
	r.mu.Unlock()

	r.persistLogged()
}

// Subscription looks up a subscription by model id.
func (r *Registry) Subscription(modelID string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.subscriptions[modelID]

	return s, ok
}

// HasSubscription reports whether the subscription is still registered.
func (r *Registry) HasSubscription(modelID string) bool {
	_, ok := r.Subscription(modelID)
	return ok
}

// SubscriptionsOf returns the subscriptions owned by an identity, ordered by
// model id.
func (r *Registry) SubscriptionsOf(identityModelID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Subscription

	for _, s := range r.subscriptions {
		if s.IdentityModelID() == identityModelID {
			out = append(out, s)
		}
	}

	slices.SortFunc(out, func(a, b *Subscription) int { return cmp.Compare(a.ModelID(), b.ModelID()) })

	return out
}

// FindSubscription returns the subscription of typ with token owned by
// identityModelID.
func (r *Registry) FindSubscription(identityModelID string, typ SubscriptionType, token string) (*Subscription, bool) {
	for _, s := range r.SubscriptionsOf(identityModelID) {
		if s.Type() == typ && s.Token() == token {
			return s, true
		}
	}

	return nil, false
}

// SetCurrent marks an identity as the active one.
func (r *Registry) SetCurrent(identityModelID string) {
	r.mu.Lock()
	r.current = identityModelID
	r.mu.Unlock()

	r.persistLogged()
}

// CurrentID returns the active identity's model id, or "".
func (r *Registry) CurrentID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.current
}

// Current returns the active identity, or nil.
func (r *Registry) Current() *Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.identities[r.current]
}

// SetPush marks a subscription as the device push channel.
func (r *Registry) SetPush(modelID string) {
	r.mu.Lock()
	r.push = modelID
	r.mu.Unlock()

	r.persistLogged()
}

// Push returns the device push subscription, or nil.
func (r *Registry) Push() *Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.subscriptions[r.push]
}

// Persist writes the whole registry to the store.
func (r *Registry) Persist() error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	snap := r.snapshot()
	if err := r.store.Put(RegistryKey, snap); err != nil {
		return fmt.Errorf("model: persisting registry: %w", err)
	}

	return nil
}

func (r *Registry) persistLogged() {
	if err := r.Persist(); err != nil {
		r.logger.Error("registry persist failed", slog.String("error", err.Error()))
	}
}

func (r *Registry) snapshot() registrySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := registrySnapshot{Current: r.current, Push: r.push}

	if len(r.retired) > 0 {
		snap.Retired = make(map[string]string, len(r.retired))
		for from, to := range r.retired {
			snap.Retired[from] = to
		}
	}

	for _, id := range r.identities {
		snap.Identities = append(snap.Identities, id.Snapshot())
	}

	for _, p := range r.properties {
		snap.Properties = append(snap.Properties, p.Snapshot())
	}

	for _, s := range r.subscriptions {
		snap.Subscriptions = append(snap.Subscriptions, s.Snapshot())
	}

	slices.SortFunc(snap.Identities, func(a, b IdentitySnapshot) int { return cmp.Compare(a.ModelID, b.ModelID) })
	slices.SortFunc(snap.Properties, func(a, b PropertiesSnapshot) int { return cmp.Compare(a.ModelID, b.ModelID) })
	slices.SortFunc(snap.Subscriptions, func(a, b SubscriptionSnapshot) int { return cmp.Compare(a.ModelID, b.ModelID) })

	return snap
}
