// Package session binds the sync engine to one device: it owns the model
// Registry, the executors and the Operation Repo, tracks which identity is
// current, and drives the login and logout transitions. It also answers the
// executors' callbacks when the server reports a user or subscription gone.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"

	"github.com/tonimelisma/usersync/internal/api"
	"github.com/tonimelisma/usersync/internal/auth"
	"github.com/tonimelisma/usersync/internal/consistency"
	"github.com/tonimelisma/usersync/internal/model"
	"github.com/tonimelisma/usersync/internal/sync"
)

// Sentinel errors.
var (
	ErrNotStarted     = errors.New("session: no current user; call Start first")
	ErrNoPush         = errors.New("session: no push subscription")
	ErrEmptyExternal  = errors.New("session: external id is empty")
	ErrNoTokenStore   = errors.New("session: identity verification tokens are not configured")
	ErrNoSubscription = errors.New("session: no such subscription")
	ErrNoServerUser   = errors.New("session: current user has no server id yet")
)

// Store is the durable store the session and its executors share.
type Store interface {
	Get(key string, v any) (bool, error)
	Put(key string, v any) error
}

// TokenStore holds identity-verification JWTs. *auth.Store implements it.
type TokenStore interface {
	Token(externalID string) (string, error)
	Invalidate(externalID string)
	Update(externalID, token string) error
	OnRefresh(fn func(externalID string)) auth.ListenerToken
	RemoveListener(tok auth.ListenerToken)
}

// Config wires a Manager. Tokens is required when RequireAuth is set;
// Tracker and Tasks are optional.
type Config struct {
	AppID       string
	RequireAuth bool

	Client  sync.NetworkClient
	Store   Store
	Tokens  TokenStore
	Tracker *consistency.Tracker
	Tasks   sync.BackgroundTasks
	Logger  *slog.Logger
}

// StartOptions tunes Start.
type StartOptions struct {
	// LegacySubscriptionID, when set and no user is restored, looks the
	// device's user up by a subscription id from an older installation
	// instead of creating a new user.
	LegacySubscriptionID string
}

// Manager is the session-scoped entry point. All methods are safe for
// concurrent use.
type Manager struct {
	logger  *slog.Logger
	reg     *model.Registry
	repo    *sync.Repo
	users   *sync.UserExecutor
	tokens  TokenStore
	tracker *consistency.Tracker

	// mu serializes identity transitions (start, login, logout and the
	// missing-entity resets executors trigger). transitions counts them so
	// a prune can tell its snapshot went stale.
	mu          stdsync.Mutex
	transitions uint64
	refreshTok  auth.ListenerToken
	closeOnce  stdsync.Once
}

// Open loads the Registry and the persisted queues from cfg.Store and builds
// the executors. Nothing is sent until Start and a flush.
func Open(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.RequireAuth && cfg.Tokens == nil {
		return nil, ErrNoTokenStore
	}

	if cfg.Tracker == nil {
		cfg.Tracker = consistency.NewTracker(cfg.Logger)
	}

	reg, err := model.LoadRegistry(cfg.Store, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	m := &Manager{
		logger:  cfg.Logger,
		reg:     reg,
		tokens:  cfg.Tokens,
		tracker: cfg.Tracker,
	}

	execCfg := sync.Config{
		AppID:       cfg.AppID,
		RequireAuth: cfg.RequireAuth,
		Client:      cfg.Client,
		Store:       cfg.Store,
		Registry:    reg,
		Consistency: cfg.Tracker,
		Hooks:       m,
		Tasks:       cfg.Tasks,
		Logger:      cfg.Logger,
	}

	if cfg.Tokens != nil {
		execCfg.Credentials = cfg.Tokens
	}

	if err := m.buildEngine(execCfg); err != nil {
		return nil, err
	}

	if cfg.Tokens != nil {
		m.refreshTok = cfg.Tokens.OnRefresh(func(externalID string) {
			m.repo.ResumePendingAuth(context.Background(), externalID)
		})
	}

	m.repo.OnFlushed(func(ctx context.Context) {
		if err := m.prune(ctx); err != nil {
			m.logger.Warn("pruning detached users failed", slog.String("error", err.Error()))
		}
	})

	return m, nil
}

func (m *Manager) buildEngine(cfg sync.Config) error {
	var (
		built []*sync.Executor
		err   error
	)

	fail := func(e error) error {
		for _, ex := range built {
			ex.Close()
		}

		return fmt.Errorf("session: building executors: %w", e)
	}

	m.users, err = sync.NewUserExecutor(cfg)
	if err != nil {
		return fail(err)
	}

	built = append(built, m.users.Executor)

	for _, ctor := range []func(sync.Config) (*sync.Executor, error){
		sync.NewIdentityExecutor,
		sync.NewPropertiesExecutor,
		sync.NewSubscriptionExecutor,
		sync.NewEventsExecutor,
	} {
		e, err := ctor(cfg)
		if err != nil {
			return fail(err)
		}

		built = append(built, e)
	}

	m.repo, err = sync.NewRepo(cfg.Logger, built...)
	if err != nil {
		return fail(err)
	}

	return nil
}

// Repo exposes the Operation Repo for scheduling (Run, Flush, Stats).
func (m *Manager) Repo() *sync.Repo { return m.repo }

// Registry exposes the model Registry.
func (m *Manager) Registry() *model.Registry { return m.reg }

// Tracker exposes the consistency tracker.
func (m *Manager) Tracker() *consistency.Tracker { return m.tracker }

// Start makes sure a current user exists. A restored user is reused (and
// created on the server if that never completed); otherwise a new
// anonymous user is started.
func (m *Manager) Start(_ context.Context, opts StartOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.reg.Current(); cur != nil {
		m.logger.Info("session restored",
			slog.String("identity", cur.ModelID()),
			slog.String("user_id", cur.UserID()),
			slog.String("external_id", cur.ExternalID()),
		)

		m.users.EnsureUser(cur.ModelID())
		m.repo.Resume(sync.PauseCreateUserFailed)
		m.repo.Trigger("start")

		return nil
	}

	ident := m.newCurrent("")

	if opts.LegacySubscriptionID != "" {
		m.logger.Info("migrating legacy subscription", slog.String("legacy_id", opts.LegacySubscriptionID))
		m.users.FetchIdentityBySubscription(ident.ModelID(), opts.LegacySubscriptionID)
	} else {
		m.users.CreateUser(ident.ModelID())
	}

	m.transitions++
	m.repo.Resume(sync.PauseCreateUserFailed)
	m.repo.Trigger("start")

	return nil
}

// Login switches the session to externalID. From an anonymous user the
// external id is attached to it (identify); from an identified user a new
// user is created. jwt, when non-empty, is stored as the identity
// verification token first. Logging in as the current external id is a
// no-op.
func (m *Manager) Login(_ context.Context, externalID, jwt string) error {
	if externalID == "" {
		return ErrEmptyExternal
	}

	if jwt != "" {
		if err := m.updateJWT(externalID, jwt); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.reg.Current()
	if cur != nil && cur.ExternalID() == externalID {
		return nil
	}

	ident := model.NewIdentity(externalID)
	props := model.NewProperties(ident.ModelID())

	if cur != nil && cur.ExternalID() == "" {
		// The anonymous user becomes this user: carry its state over and
		// identify it server-side.
		if old, ok := m.reg.Properties(cur.ModelID()); ok {
			props.Hydrate(old.Snapshot().WireObject())
		}

		m.reg.AddUser(ident, props)

		for _, s := range m.reg.SubscriptionsOf(cur.ModelID()) {
			s.Reassign(ident.ModelID())
		}

		m.reg.SetCurrent(ident.ModelID())
		m.users.Identify(cur.ModelID(), ident.ModelID())

		m.logger.Info("identifying anonymous user",
			slog.String("external_id", externalID),
			slog.String("anonymous", cur.ModelID()),
		)
	} else {
		m.reg.AddUser(ident, props)
		m.adoptPush(ident.ModelID())
		m.reg.SetCurrent(ident.ModelID())
		m.users.CreateUser(ident.ModelID())

		m.logger.Info("logged in", slog.String("external_id", externalID))
	}

	m.transitions++
	m.repo.Resume(sync.PauseCreateUserFailed)
	m.repo.Trigger("login")

	return nil
}

// Logout detaches the identified user and starts a new anonymous one that
// keeps the device push subscription. In-flight requests for the old user
// finish; their responses only touch the old user's models. The old user is
// removed once no queued work names it. Logging out an anonymous session is
// a no-op.
func (m *Manager) Logout(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.reg.Current()
	if cur == nil {
		return ErrNotStarted
	}

	if cur.ExternalID() == "" {
		return nil
	}

	ident := m.newCurrent("")
	m.users.CreateUser(ident.ModelID())

	m.logger.Info("logged out", slog.String("external_id", cur.ExternalID()))

	m.transitions++
	m.repo.Resume(sync.PauseCreateUserFailed)
	m.repo.Trigger("logout")

	return nil
}

// UpdateJWT stores a new identity-verification token for externalID and
// releases requests held for it.
func (m *Manager) UpdateJWT(externalID, jwt string) error {
	return m.updateJWT(externalID, jwt)
}

func (m *Manager) updateJWT(externalID, jwt string) error {
	if m.tokens == nil {
		return ErrNoTokenStore
	}

	if err := m.tokens.Update(externalID, jwt); err != nil {
		return fmt.Errorf("session: updating token: %w", err)
	}

	return nil
}

// Flush dispatches every queued change and waits for the responses,
// including follow-up requests the responses unblock. Users left behind by
// a login or logout are removed once their queues are empty.
func (m *Manager) Flush(ctx context.Context) error {
	if err := m.repo.Drain(ctx, false); err != nil {
		return err
	}

	return m.prune(ctx)
}

// Refresh fetches the current user from the server and applies it locally.
// The read waits until the server has applied this client's own writes.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	cur := m.reg.Current()

	switch {
	case cur == nil:
		m.mu.Unlock()
		return ErrNotStarted
	case cur.UserID() == "":
		m.mu.Unlock()
		return ErrNoServerUser
	}

	m.users.FetchUser(cur.ModelID(), api.AliasUserID, cur.UserID())
	m.mu.Unlock()

	return m.Flush(ctx)
}

// prune removes identities that are neither current nor named by queued
// work: users logged out or replaced whose requests have all completed.
func (m *Manager) prune(ctx context.Context) error {
	// Queue references are read without m.mu: executor hooks take it while
	// the executors' serial goroutines wait.
	m.mu.Lock()
	gen := m.transitions
	m.mu.Unlock()

	refs, err := m.repo.References(ctx)
	if err != nil {
		return fmt.Errorf("session: reading queue references: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.transitions {
		return nil
	}

	for id := range refs {
		if live, ok := m.reg.LiveID(id); ok {
			refs[live] = true
		}
	}

	current := m.reg.CurrentID()

	for _, ident := range m.reg.Identities() {
		id := ident.ModelID()
		if id == current || refs[id] {
			continue
		}

		m.logger.Info("removing detached user",
			slog.String("identity", id),
			slog.String("external_id", ident.ExternalID()),
		)

		if uid := ident.UserID(); uid != "" {
			m.tracker.Forget(uid)
		}

		m.reg.RemoveUser(id)
	}

	for _, id := range m.reg.Retired() {
		if !refs[id] {
			m.reg.RemoveUser(id)
		}
	}

	return nil
}

// Close persists the delta queues and stops the executors. Later calls do
// nothing.
func (m *Manager) Close(ctx context.Context) error {
	var err error

	m.closeOnce.Do(func() {
		if m.tokens != nil {
			m.tokens.RemoveListener(m.refreshTok)
		}

		if perr := m.repo.Persist(ctx); perr != nil {
			err = fmt.Errorf("session: persisting queues: %w", perr)
		}

		m.repo.Close()
	})

	return err
}

// newCurrent registers a fresh identity, hands it the push subscription and
// makes it current. Caller holds m.mu.
func (m *Manager) newCurrent(externalID string) *model.Identity {
	ident := model.NewIdentity(externalID)
	m.reg.AddUser(ident, model.NewProperties(ident.ModelID()))
	m.adoptPush(ident.ModelID())
	m.reg.SetCurrent(ident.ModelID())

	return ident
}

// adoptPush moves the device push subscription to identityModelID.
func (m *Manager) adoptPush(identityModelID string) {
	if push := m.reg.Push(); push != nil {
		push.Reassign(identityModelID)
	}
}

// Executor hooks.

// IsCurrent reports whether identityModelID, or the identity that replaced
// it, is the session's current user.
func (m *Manager) IsCurrent(identityModelID string) bool {
	live, ok := m.reg.LiveID(identityModelID)
	return ok && m.reg.CurrentID() == live
}

// OnUserMissing handles a user the server no longer knows. For the current
// user the push subscription's id is cleared and a fresh anonymous session
// starts; a superseded user is simply forgotten.
func (m *Manager) OnUserMissing(identityModelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if live, ok := m.reg.LiveID(identityModelID); ok {
		identityModelID = live
	}

	if !m.IsCurrent(identityModelID) {
		m.logger.Info("forgetting missing superseded user", slog.String("identity", identityModelID))
		m.reg.RemoveUser(identityModelID)

		return
	}

	m.logger.Warn("current user missing on server, starting anonymous session", slog.String("identity", identityModelID))
	m.resetToAnonymous(identityModelID)
}

// OnSubscriptionMissing clears a subscription's server id. When it belongs
// to the current user, a fresh anonymous session recreates it.
func (m *Manager) OnSubscriptionMissing(subscriptionModelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.reg.Subscription(subscriptionModelID)
	if !ok || sub.SubscriptionID() == "" {
		// Gone, or another failed request already reported it.
		return
	}

	sub.ClearServerID()

	if owner := sub.IdentityModelID(); m.IsCurrent(owner) {
		m.logger.Warn("current subscription missing on server, starting anonymous session",
			slog.String("subscription", subscriptionModelID),
		)
		m.resetToAnonymous(owner)
	}
}

// OnIdentityConflict is reported when an alias already belongs to another
// user. The alias stays local only.
func (m *Manager) OnIdentityConflict(identityModelID, label, id string) {
	m.logger.Warn("alias claimed by another user",
		slog.String("identity", identityModelID),
		slog.String("label", label),
		slog.String("alias", id),
	)
}

// resetToAnonymous replaces the current user with a new anonymous one that
// owns a fresh (id-less) push subscription. Caller holds m.mu.
func (m *Manager) resetToAnonymous(old string) {
	if push := m.reg.Push(); push != nil {
		push.ClearServerID()
	}

	ident := m.newCurrent("")
	m.reg.RemoveUser(old)
	m.users.CreateUser(ident.ModelID())
	m.transitions++
	m.repo.Resume(sync.PauseCreateUserFailed)
}
