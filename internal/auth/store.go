// Package auth keeps the identity-verification JWTs the host hands over for
// each external id. Executors consult it before sending a request on behalf
// of an identified user; a 401/403 from the server invalidates the token and
// raises an out-of-band refresh signal, and a later Update resumes whatever
// was held back for that external id.
//
// Tokens are parsed without signature verification: the server verifies
// them, the client only needs the expiry and subject.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StoreKey is the durable-store key the tokens persist under.
const StoreKey = "auth.jwt"

// Sentinel errors.
var (
	ErrNoToken         = errors.New("auth: no token for external id")
	ErrExpired         = errors.New("auth: token expired")
	ErrInvalidated     = errors.New("auth: token rejected by server")
	ErrMalformed       = errors.New("auth: malformed token")
	ErrSubjectMismatch = errors.New("auth: token subject does not match external id")
)

// Backing is the slice of the durable store the token store needs.
type Backing interface {
	Get(key string, v any) (bool, error)
	Put(key string, v any) error
}

// ListenerToken identifies a registered refresh or invalidation listener.
type ListenerToken uint64

type entry struct {
	Token       string `json:"token"`
	Invalidated bool   `json:"invalidated,omitempty"`
}

// Store maps external ids to their current JWT.
type Store struct {
	backing Backing
	logger  *slog.Logger
	nowFunc func() time.Time

	mu          stdsync.Mutex
	entries     map[string]entry
	next        ListenerToken
	refreshed   map[ListenerToken]func(externalID string)
	invalidated map[ListenerToken]func(externalID string)
}

// NewStore loads persisted tokens from backing.
func NewStore(backing Backing, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries := make(map[string]entry)
	if _, err := backing.Get(StoreKey, &entries); err != nil {
		return nil, fmt.Errorf("auth: loading tokens: %w", err)
	}

	return &Store{
		backing:     backing,
		logger:      logger,
		nowFunc:     time.Now,
		entries:     entries,
		refreshed:   make(map[ListenerToken]func(string)),
		invalidated: make(map[ListenerToken]func(string)),
	}, nil
}

// Token returns a usable token for externalID.
func (s *Store) Token(externalID string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[externalID]
	s.mu.Unlock()

	if !ok || e.Token == "" {
		return "", fmt.Errorf("%w: %s", ErrNoToken, externalID)
	}

	if e.Invalidated {
		return "", fmt.Errorf("%w: %s", ErrInvalidated, externalID)
	}

	exp, _, err := parse(e.Token)
	if err != nil {
		return "", err
	}

	if !exp.IsZero() && !s.nowFunc().Before(exp) {
		return "", fmt.Errorf("%w: %s at %s", ErrExpired, externalID, exp.Format(time.RFC3339))
	}

	return e.Token, nil
}

// Valid reports whether Token would succeed.
func (s *Store) Valid(externalID string) bool {
	_, err := s.Token(externalID)
	return err == nil
}

// Update stores a fresh token for externalID and notifies refresh
// listeners. A token whose subject names a different user is rejected.
func (s *Store) Update(externalID, token string) error {
	if externalID == "" {
		return fmt.Errorf("%w: empty external id", ErrNoToken)
	}

	exp, sub, err := parse(token)
	if err != nil {
		return err
	}

	if sub != "" && sub != externalID {
		return fmt.Errorf("%w: %s vs %s", ErrSubjectMismatch, sub, externalID)
	}

	s.mu.Lock()
	s.entries[externalID] = entry{Token: token}
	fns := listeners(s.refreshed)
	err = s.persistLocked()
	s.mu.Unlock()

	if err != nil {
		return err
	}

	s.logger.Info("identity token updated",
		slog.String("external_id", externalID),
		slog.Time("expiry", exp),
	)

	for _, fn := range fns {
		fn(externalID)
	}

	return nil
}

// Invalidate marks the token for externalID as rejected and notifies
// invalidation listeners so the host can supply a new one.
func (s *Store) Invalidate(externalID string) {
	s.mu.Lock()
	e := s.entries[externalID]
	already := e.Invalidated
	e.Invalidated = true
	s.entries[externalID] = e
	fns := listeners(s.invalidated)
	err := s.persistLocked()
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("persisting invalidated token failed",
			slog.String("external_id", externalID),
			slog.String("error", err.Error()),
		)
	}

	if already {
		return
	}

	s.logger.Warn("identity token invalidated", slog.String("external_id", externalID))

	for _, fn := range fns {
		fn(externalID)
	}
}

// Remove forgets externalID entirely (logout).
func (s *Store) Remove(externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, externalID)

	return s.persistLocked()
}

// OnRefresh registers fn to run after every successful Update.
func (s *Store) OnRefresh(fn func(externalID string)) ListenerToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	s.refreshed[s.next] = fn

	return s.next
}

// OnInvalidated registers fn to run when a token is first invalidated.
func (s *Store) OnInvalidated(fn func(externalID string)) ListenerToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	s.invalidated[s.next] = fn

	return s.next
}

// RemoveListener unregisters a listener from either set.
func (s *Store) RemoveListener(tok ListenerToken) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.refreshed, tok)
	delete(s.invalidated, tok)
}

func (s *Store) persistLocked() error {
	if err := s.backing.Put(StoreKey, s.entries); err != nil {
		return fmt.Errorf("auth: persisting tokens: %w", err)
	}

	return nil
}

func listeners(m map[ListenerToken]func(string)) []func(string) {
	out := make([]func(string), 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}

	return out
}

// parse extracts expiry and subject. The subject is the "sub" claim, or the
// external_id inside an "identity" claim when present.
func parse(token string) (time.Time, string, error) {
	claims := jwt.MapClaims{}

	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	nd, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: exp: %w", ErrMalformed, err)
	}

	var exp time.Time
	if nd != nil {
		exp = nd.Time
	}

	sub, _ := claims.GetSubject()

	if ident, ok := claims["identity"].(map[string]any); ok {
		if ext, ok := ident["external_id"].(string); ok && ext != "" {
			sub = ext
		}
	}

	return exp, sub, nil
}
