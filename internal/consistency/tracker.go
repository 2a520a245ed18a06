// Package consistency tracks read-your-write tokens returned by mutating
// responses so that a later read of the same entity can wait until the
// server has caught up with the client's own writes.
package consistency

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"
)

// Kind names the mutation family a token came from.
type Kind string

const (
	KindUserUpdate         Kind = "user_update"
	KindSubscriptionUpdate Kind = "subscription_update"
)

// Record is the most recent token for one (entity, kind) pair.
type Record struct {
	EntityID string
	Kind     Kind
	Token    string
	Delay    time.Duration
}

// Condition decides when a waiter on one entity may proceed.
type Condition interface {
	// Met reports whether the records seen so far satisfy the condition.
	Met(records map[Kind]Record) bool
	String() string
}

// FetchReady is met once both a user-update and a subscription-update token
// are known for the entity.
type FetchReady struct{}

func (FetchReady) Met(records map[Kind]Record) bool {
	_, user := records[KindUserUpdate]
	_, sub := records[KindSubscriptionUpdate]

	return user && sub
}

func (FetchReady) String() string { return "fetch_ready" }

// UserVisible is met once a user-update token is known for the entity.
type UserVisible struct{}

func (UserVisible) Met(records map[Kind]Record) bool {
	_, ok := records[KindUserUpdate]
	return ok
}

func (UserVisible) String() string { return "user_visible" }

// Result is what Await hands back: the records the condition was met with,
// or Resolved when a write came back without a token and the waiter was
// released without one.
type Result struct {
	Records  map[Kind]Record
	Resolved bool
}

// MaxDelay returns the largest server-advised delay among the records.
func (r Result) MaxDelay() time.Duration {
	var d time.Duration

	for _, rec := range r.Records {
		d = max(d, rec.Delay)
	}

	return d
}

type waiter struct {
	cond Condition
	ch   chan Result
}

// Tracker holds the latest records per entity. Safe for concurrent use.
type Tracker struct {
	logger *slog.Logger

	mu       stdsync.Mutex
	records  map[string]map[Kind]Record
	resolved map[string]bool
	waiters  map[string][]*waiter
}

func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	return &Tracker{
		logger:   logger,
		records:  make(map[string]map[Kind]Record),
		resolved: make(map[string]bool),
		waiters:  make(map[string][]*waiter),
	}
}

// Set records token for (entityID, kind), replacing any earlier one, and
// releases waiters whose condition is now met.
func (t *Tracker) Set(entityID string, kind Kind, token string, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	recs := t.records[entityID]
	if recs == nil {
		recs = make(map[Kind]Record)
		t.records[entityID] = recs
	}

	recs[kind] = Record{EntityID: entityID, Kind: kind, Token: token, Delay: delay}
	delete(t.resolved, entityID)

	t.logger.Debug("consistency token recorded",
		slog.String("entity", entityID),
		slog.String("kind", string(kind)),
		slog.Duration("delay", delay),
	)

	remaining := t.waiters[entityID][:0]

	for _, w := range t.waiters[entityID] {
		if w.cond.Met(recs) {
			w.ch <- Result{Records: cloneRecords(recs)}
			continue
		}

		remaining = append(remaining, w)
	}

	t.setWaitersLocked(entityID, remaining)
}

// Resolve releases every waiter on entityID: a write completed without a
// token, so there is nothing further to wait for. Awaits that start before
// the next Set also return immediately.
func (t *Tracker) Resolve(entityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.resolved[entityID] = true

	for _, w := range t.waiters[entityID] {
		w.ch <- Result{Records: cloneRecords(t.records[entityID]), Resolved: true}
	}

	delete(t.waiters, entityID)
}

// Get returns the current record for (entityID, kind).
func (t *Tracker) Get(entityID string, kind Kind) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[entityID][kind]

	return rec, ok
}

// Pending reports whether entityID has tokens a reader should wait on: at
// least one recorded and no tokenless write since.
func (t *Tracker) Pending(entityID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.records[entityID]) > 0 && !t.resolved[entityID]
}

// Forget drops all state for entityID and releases its waiters as resolved.
func (t *Tracker) Forget(entityID string) {
	t.Resolve(entityID)

	t.mu.Lock()
	delete(t.records, entityID)
	delete(t.resolved, entityID)
	t.mu.Unlock()
}

// Await blocks until cond is met for entityID, the entity is resolved, or
// ctx ends.
func (t *Tracker) Await(ctx context.Context, entityID string, cond Condition) (Result, error) {
	t.mu.Lock()

	recs := t.records[entityID]
	if cond.Met(recs) {
		t.mu.Unlock()
		return Result{Records: cloneRecords(recs)}, nil
	}

	if t.resolved[entityID] {
		t.mu.Unlock()
		return Result{Records: cloneRecords(recs), Resolved: true}, nil
	}

	w := &waiter{cond: cond, ch: make(chan Result, 1)}
	t.waiters[entityID] = append(t.waiters[entityID], w)
	t.mu.Unlock()

	select {
	case res := <-w.ch:
		return res, nil
	case <-ctx.Done():
		t.removeWaiter(entityID, w)
		return Result{}, fmt.Errorf("consistency: awaiting %s for %s: %w", cond, entityID, ctx.Err())
	}
}

func (t *Tracker) removeWaiter(entityID string, w *waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ws := t.waiters[entityID]
	for i, cur := range ws {
		if cur == w {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}

	t.setWaitersLocked(entityID, ws)
}

func (t *Tracker) setWaitersLocked(entityID string, ws []*waiter) {
	if len(ws) == 0 {
		delete(t.waiters, entityID)
		return
	}

	t.waiters[entityID] = ws
}

func cloneRecords(m map[Kind]Record) map[Kind]Record {
	out := make(map[Kind]Record, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}
