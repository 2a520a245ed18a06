package sync

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/tonimelisma/usersync/internal/api"
	"github.com/tonimelisma/usersync/internal/consistency"
	"github.com/tonimelisma/usersync/internal/model"
)

// Store is the slice of the durable store executors persist through.
type Store interface {
	Get(key string, v any) (bool, error)
	Put(key string, v any) error
}

// NetworkClient executes one resolved request.
type NetworkClient interface {
	Execute(ctx context.Context, req api.Request) ([]byte, error)
}

// Credentials is the identity-verification token store.
type Credentials interface {
	Token(externalID string) (string, error)
	Invalidate(externalID string)
}

// Consistency records read-your-write tokens from mutating responses and
// lets reads wait for them. *consistency.Tracker implements it.
type Consistency interface {
	Set(entityID string, kind consistency.Kind, token string, delay time.Duration)
	Resolve(entityID string)
	Get(entityID string, kind consistency.Kind) (consistency.Record, bool)
	Pending(entityID string) bool
	Await(ctx context.Context, entityID string, cond consistency.Condition) (consistency.Result, error)
}

// maxConsistencyWait bounds how long a read waits for the client's own
// writes to become visible before it goes out anyway.
const maxConsistencyWait = 5 * time.Second

// Hooks lets executors call back into the session that owns the models.
// Hooks run on the executor's serial goroutine and must not block on
// executor work; the UserExecutor enqueue methods are safe to call.
type Hooks interface {
	IsCurrent(identityModelID string) bool
	OnUserMissing(identityModelID string)
	OnSubscriptionMissing(subscriptionModelID string)
	OnIdentityConflict(identityModelID, label, id string)
}

// scheduler is the part of the Repo executors call back into.
type scheduler interface {
	Pause(reason string)
	Trigger(reason string)
}

// Config wires an executor to its collaborators. Credentials is required
// when RequireAuth is set; Consistency, Hooks and Tasks are optional.
type Config struct {
	AppID       string
	RequireAuth bool

	Client      NetworkClient
	Store       Store
	Registry    *model.Registry
	Credentials Credentials
	Consistency Consistency
	Hooks       Hooks
	Tasks       BackgroundTasks
	Logger      *slog.Logger
}

// family is the entity-specific half of an executor.
type family interface {
	supports() []model.DeltaName
	queueNames() []string
	// retains reports whether a delta whose identity is still registered
	// should be kept; identity membership is checked by the caller.
	retains(e *Executor, d *model.Delta) bool
	// combine folds one identity's deltas (in arrival order) into requests.
	combine(e *Executor, identityModelID string, deltas []*model.Delta) ([]*Request, error)
	succeeded(e *Executor, r *Request, body []byte)
	// failed handles missing, conflict and invalid outcomes after the
	// request has been removed from its queue.
	failed(e *Executor, r *Request, class api.Class, err error)
}

// Stats is a point-in-time view of one executor's queues.
type Stats struct {
	Executor    string
	Deltas      int
	Requests    map[string]int
	PendingAuth int
	InFlight    int
}

// Executor owns one entity family's delta queue and request queues. All
// queue state is confined to its serial goroutine.
type Executor struct {
	name    string
	fam     family
	cfg     Config
	logger  *slog.Logger
	serial  *serial
	nowFunc func() time.Time

	// strict executors keep at most one request in flight and stop at the
	// first request that is not executable. The others keep at most one in
	// flight per identity, so one user's requests reach the server in
	// timestamp order.
	strict bool
	sched  scheduler

	consistencyWait time.Duration

	// Serial-confined state.
	deltas      []*model.Delta
	queues      map[string][]*Request
	pendingAuth map[string][]*Request
	deferred    map[string]bool // request ids that failed retryably this flush
	inflight    int
	activity    uint64
	progress    uint64
	idle        []chan struct{}
}

func newExecutor(name string, fam family, cfg Config) (*Executor, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Client == nil || cfg.Store == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("sync: %s executor needs a client, a store and a registry", name)
	}

	if cfg.RequireAuth && cfg.Credentials == nil {
		return nil, fmt.Errorf("sync: %s executor requires credentials under required auth", name)
	}

	if cfg.Hooks == nil {
		cfg.Hooks = noHooks{}
	}

	logger := cfg.Logger.With(slog.String("executor", name))

	e := &Executor{
		name:        name,
		fam:         fam,
		cfg:         cfg,
		logger:      logger,
		nowFunc:     time.Now,
		queues:      make(map[string][]*Request),
		pendingAuth: make(map[string][]*Request),
		deferred:    make(map[string]bool),

		consistencyWait: maxConsistencyWait,
	}

	if err := e.load(); err != nil {
		return nil, err
	}

	e.serial = newSerial(name, logger)

	return e, nil
}

// Name returns the executor's name, which is also its store key prefix.
func (e *Executor) Name() string { return e.name }

// Supports returns the delta names this executor accepts.
func (e *Executor) Supports() []model.DeltaName { return e.fam.supports() }

func (e *Executor) deltaKey() string         { return "ops." + e.name + ".deltas" }
func (e *Executor) queueKey(q string) string { return "ops." + e.name + "." + q }
func (e *Executor) pendingAuthKey() string   { return "ops." + e.name + ".pending_auth" }

func (e *Executor) load() error {
	if _, err := e.cfg.Store.Get(e.deltaKey(), &e.deltas); err != nil {
		return fmt.Errorf("sync: loading %s deltas: %w", e.name, err)
	}

	for _, q := range e.fam.queueNames() {
		var reqs []*Request
		if _, err := e.cfg.Store.Get(e.queueKey(q), &reqs); err != nil {
			return fmt.Errorf("sync: loading %s %s queue: %w", e.name, q, err)
		}

		e.queues[q] = reqs
	}

	if _, err := e.cfg.Store.Get(e.pendingAuthKey(), &e.pendingAuth); err != nil {
		return fmt.Errorf("sync: loading %s pending auth: %w", e.name, err)
	}

	if e.pendingAuth == nil {
		e.pendingAuth = make(map[string][]*Request)
	}

	if n := e.countRequests(); n > 0 || len(e.deltas) > 0 {
		e.logger.Info("restored persisted queues",
			slog.Int("deltas", len(e.deltas)),
			slog.Int("requests", n),
		)
	}

	return nil
}

// EnqueueDelta appends d to the delta queue on the serial goroutine. It
// does not persist; see CacheDeltaQueue.
func (e *Executor) EnqueueDelta(d *model.Delta) {
	e.serial.Go(func() {
		e.deltas = append(e.deltas, d)
		e.activity++
	})
}

// CacheDeltaQueue persists the delta queue.
func (e *Executor) CacheDeltaQueue(ctx context.Context) error {
	var err error

	if doErr := e.serial.Do(ctx, func() { err = e.persistDeltas() }); doErr != nil {
		return doErr
	}

	return err
}

// ProcessDeltaQueue folds queued deltas into requests, persists both
// queues, and sends whatever is executable. It returns once requests are
// dispatched; completions arrive later on the serial goroutine.
func (e *Executor) ProcessDeltaQueue(ctx context.Context, inBackground bool) error {
	var err error

	if doErr := e.serial.Do(ctx, func() {
		err = e.processDeltas()
		clear(e.deferred)
		e.processRequests(ctx, inBackground)
	}); doErr != nil {
		return doErr
	}

	return err
}

// ProcessRequestQueue sends whatever is executable without looking at the
// delta queue.
func (e *Executor) ProcessRequestQueue(ctx context.Context, inBackground bool) error {
	return e.serial.Do(ctx, func() {
		clear(e.deferred)
		e.processRequests(ctx, inBackground)
	})
}

// ResumePendingAuth returns the requests held for externalID to their
// queues and sends them. Called when a refreshed token arrives.
func (e *Executor) ResumePendingAuth(ctx context.Context, externalID string) {
	e.serial.Go(func() {
		held := e.pendingAuth[externalID]
		if len(held) == 0 {
			return
		}

		delete(e.pendingAuth, externalID)

		touched := make(map[string]bool)
		for _, r := range held {
			r.SentToClient = false
			e.queues[r.Queue] = append(e.queues[r.Queue], r)
			touched[r.Queue] = true
		}

		for q := range touched {
			e.persistQueueLogged(q)
		}

		e.persistPendingAuthLogged()
		e.activity++
		e.progress++

		e.logger.Info("resuming requests held for auth",
			slog.String("external_id", externalID),
			slog.Int("count", len(held)),
		)

		e.processRequests(ctx, false)
	})
}

// Wait blocks until nothing is in flight and every task queued before the
// call has run.
func (e *Executor) Wait(ctx context.Context) error {
	ch := make(chan struct{})

	if err := e.serial.Do(ctx, func() {
		if e.inflight == 0 {
			close(ch)
			return
		}

		e.idle = append(e.idle, ch)
	}); err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sync: waiting for %s: %w", e.name, ctx.Err())
	}
}

// Stats reports queue depths.
func (e *Executor) Stats(ctx context.Context) (Stats, error) {
	s := Stats{Executor: e.name, Requests: make(map[string]int)}

	err := e.serial.Do(ctx, func() {
		s.Deltas = len(e.deltas)
		for q, reqs := range e.queues {
			s.Requests[q] = len(reqs)
		}

		for _, reqs := range e.pendingAuth {
			s.PendingAuth += len(reqs)
		}

		s.InFlight = e.inflight
	})

	return s, err
}

// Close stops the serial goroutine. In-flight calls finish but their
// completions are discarded; the persisted queues replay them next start.
func (e *Executor) Close() {
	e.serial.Close()
}

// counters reads the activity and progress counters. activity moves on
// every queue event; progress only when a completion changed the queues.
func (e *Executor) counters(ctx context.Context) (repoCounters, error) {
	var c repoCounters

	err := e.serial.Do(ctx, func() {
		c = repoCounters{activity: e.activity, progress: e.progress, idle: e.inflight == 0}
	})

	return c, err
}

// references adds every identity named by queued work to refs.
func (e *Executor) references(ctx context.Context, refs map[string]bool) error {
	return e.serial.Do(ctx, func() {
		for _, d := range e.deltas {
			refs[d.IdentityModelID] = true
		}

		add := func(r *Request) {
			refs[r.IdentityModelID] = true
			if r.PathIdentityModelID != "" {
				refs[r.PathIdentityModelID] = true
			}
		}

		for _, reqs := range e.queues {
			for _, r := range reqs {
				add(r)
			}
		}

		for _, reqs := range e.pendingAuth {
			for _, r := range reqs {
				add(r)
			}
		}
	})
}

// processDeltas runs on the serial goroutine.
func (e *Executor) processDeltas() error {
	if len(e.deltas) == 0 {
		return nil
	}

	var (
		order  []string
		groups = make(map[string][]*model.Delta)
		drops  int
	)

	for _, d := range e.deltas {
		if !e.reachable(d.IdentityModelID) || !e.fam.retains(e, d) {
			drops++
			continue
		}

		if _, seen := groups[d.IdentityModelID]; !seen {
			order = append(order, d.IdentityModelID)
		}

		groups[d.IdentityModelID] = append(groups[d.IdentityModelID], d)
	}

	if drops > 0 {
		e.logger.Info("dropped deltas for superseded entities", slog.Int("count", drops))
	}

	touched := make(map[string]bool)

	for _, id := range order {
		reqs, err := e.fam.combine(e, id, groups[id])
		if err != nil {
			// Leave the delta queue intact so nothing is lost.
			return fmt.Errorf("sync: %s combining deltas for %s: %w", e.name, id, err)
		}

		for _, r := range reqs {
			e.queues[r.Queue] = append(e.queues[r.Queue], r)
			touched[r.Queue] = true
		}
	}

	e.deltas = nil

	var errs []error

	for _, q := range e.fam.queueNames() {
		if touched[q] {
			errs = append(errs, e.persistQueue(q))
		}
	}

	errs = append(errs, e.persistDeltas())
	e.activity++

	return errors.Join(errs...)
}

// sortedRequests returns every active request ordered by timestamp; ties
// keep queue order.
func (e *Executor) sortedRequests() []*Request {
	var all []*Request

	for _, q := range e.fam.queueNames() {
		all = append(all, e.queues[q]...)
	}

	slices.SortStableFunc(all, func(a, b *Request) int { return a.Timestamp.Compare(b.Timestamp) })

	return all
}

// processRequests runs on the serial goroutine.
func (e *Executor) processRequests(ctx context.Context, inBackground bool) {
	// Identities with a request in flight or blocked ahead in the order.
	busy := make(map[string]bool)

	for _, r := range e.sortedRequests() {
		owner := e.orderKey(r)

		if r.SentToClient {
			if e.strict {
				return
			}

			busy[owner] = true

			continue
		}

		if busy[owner] {
			continue
		}

		if e.deferred[r.ID] {
			if e.strict {
				return
			}

			busy[owner] = true

			continue
		}

		if e.strict && !e.cfg.Registry.HasIdentity(r.IdentityModelID) {
			e.logger.Info("dropping request for superseded user", slog.String("request", r.String()))
			e.removeAndPersist(r)

			continue
		}

		if e.satisfied(r) {
			e.logger.Debug("dropping create of subscription the user create carried", slog.String("request", r.String()))
			e.removeAndPersist(r)

			continue
		}

		httpReq, err := r.PrepareForExecution(e)
		if err != nil && e.superseded(r) {
			// Its ids can never be resolved now.
			e.logger.Info("dropping unresolvable request for superseded user", slog.String("request", r.String()))
			e.removeAndPersist(r)

			continue
		}

		if err != nil {
			e.logger.Debug("request not executable",
				slog.String("request", r.String()),
				slog.String("reason", err.Error()),
			)

			if e.strict {
				return
			}

			busy[owner] = true

			continue
		}

		e.dispatch(ctx, r, httpReq, inBackground)

		if e.strict {
			return
		}

		busy[owner] = true
	}
}

// orderKey is the identity whose requests must not overtake each other. A
// retired identity shares its successor's key.
func (e *Executor) orderKey(r *Request) string {
	if live, ok := e.cfg.Registry.LiveID(r.IdentityModelID); ok {
		return live
	}

	return r.IdentityModelID
}

// satisfied reports whether a queued subscription create is redundant
// because the subscription already got its server id from a user create.
func (e *Executor) satisfied(r *Request) bool {
	if r.Kind != KindCreateSubscription {
		return false
	}

	sub, ok := e.cfg.Registry.Subscription(r.SubscriptionModelID)

	return ok && sub.SubscriptionID() != ""
}

func (e *Executor) superseded(r *Request) bool {
	if !e.reachable(r.IdentityModelID) {
		return true
	}

	return r.PathIdentityModelID != "" && !e.reachable(r.PathIdentityModelID)
}

// reachable reports whether the identity, or the one that replaced it, is
// still registered.
func (e *Executor) reachable(identityModelID string) bool {
	_, ok := e.cfg.Registry.LiveID(identityModelID)
	return ok
}

func (e *Executor) dispatch(ctx context.Context, r *Request, httpReq api.Request, inBackground bool) {
	r.SentToClient = true
	e.inflight++
	e.activity++

	end := func() {}
	if inBackground && e.cfg.Tasks != nil {
		end = e.cfg.Tasks.Begin(e.name + ":" + string(r.Kind))
	}

	e.logger.Debug("sending request",
		slog.String("request", r.String()),
		slog.String("method", httpReq.Method),
		slog.String("path", httpReq.Path),
	)

	// In-flight requests run to completion; only values carry over.
	callCtx := context.WithoutCancel(ctx)

	// A full read of a known user waits for its own writes; see awaitVisible.
	readOf := ""
	if r.Kind == KindFetchUser {
		readOf, _ = e.UserID(r.IdentityModelID)
	}

	go func() {
		if readOf != "" {
			e.awaitVisible(callCtx, readOf)
		}

		body, err := e.cfg.Client.Execute(callCtx, httpReq)

		posted := e.serial.Go(func() {
			defer end()
			e.complete(callCtx, r, body, err, inBackground)
		})
		if !posted {
			end()
		}
	}()
}

// awaitVisible holds a read of userID until the tokens of the client's own
// writes are in and the server's advised delay has passed, bounded by
// consistencyWait. Runs on the network goroutine.
func (e *Executor) awaitVisible(ctx context.Context, userID string) {
	tracker := e.cfg.Consistency
	if tracker == nil || !tracker.Pending(userID) {
		return
	}

	var cond consistency.Condition = consistency.UserVisible{}
	if _, ok := tracker.Get(userID, consistency.KindSubscriptionUpdate); ok {
		cond = consistency.FetchReady{}
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.consistencyWait)
	defer cancel()

	res, err := tracker.Await(waitCtx, userID, cond)
	if err != nil {
		e.logger.Debug("reading before own writes are confirmed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)

		return
	}

	delay := min(res.MaxDelay(), e.consistencyWait)
	if delay <= 0 {
		return
	}

	e.logger.Debug("waiting for server to apply writes",
		slog.String("user_id", userID),
		slog.Duration("delay", delay),
	)

	t := time.NewTimer(delay)
	defer t.Stop()

	select {
	case <-t.C:
	case <-waitCtx.Done():
	}
}

// complete applies one outcome. Runs on the serial goroutine.
func (e *Executor) complete(ctx context.Context, r *Request, body []byte, err error, inBackground bool) {
	r.SentToClient = false
	e.inflight--
	e.activity++

	defer e.releaseIdle()

	if err == nil {
		e.progress++
		e.removeAndPersist(r)
		e.logger.Debug("request succeeded", slog.String("request", r.String()))
		e.fam.succeeded(e, r, body)
		e.processRequests(ctx, inBackground)

		return
	}

	class := api.Classify(err)

	switch {
	case class == api.ClassRetryable:
		e.deferred[r.ID] = true
		e.logger.Warn("request failed, will retry on next flush",
			slog.String("request", r.String()),
			slog.String("error", err.Error()),
		)
		// The request and everything ordered behind it wait for the next
		// flush.
		return

	case class == api.ClassUnauthorized && e.cfg.RequireAuth && r.ExternalID != "":
		e.remove(r)
		e.persistQueueLogged(r.Queue)
		e.pendingAuth[r.ExternalID] = append(e.pendingAuth[r.ExternalID], r)
		e.persistPendingAuthLogged()

		e.logger.Warn("request unauthorized, holding until token refresh",
			slog.String("request", r.String()),
			slog.String("external_id", r.ExternalID),
		)

		e.cfg.Credentials.Invalidate(r.ExternalID)

	default:
		if class == api.ClassUnauthorized {
			class = api.ClassInvalid
		}

		e.removeAndPersist(r)
		e.logger.Info("request dropped",
			slog.String("request", r.String()),
			slog.String("class", class.String()),
			slog.String("error", err.Error()),
		)
		e.fam.failed(e, r, class, err)
	}

	e.progress++
	e.processRequests(ctx, inBackground)
}

func (e *Executor) releaseIdle() {
	if e.inflight > 0 {
		return
	}

	for _, ch := range e.idle {
		close(ch)
	}

	e.idle = nil
}

// enqueueRequest appends r and persists its queue. Serial goroutine only.
func (e *Executor) enqueueRequest(r *Request) {
	e.queues[r.Queue] = append(e.queues[r.Queue], r)
	e.persistQueueLogged(r.Queue)
	e.activity++
}

func (e *Executor) remove(r *Request) bool {
	q := e.queues[r.Queue]

	i := slices.IndexFunc(q, func(x *Request) bool { return x.ID == r.ID })
	if i < 0 {
		return false
	}

	e.queues[r.Queue] = slices.Delete(q, i, i+1)

	return true
}

func (e *Executor) removeAndPersist(r *Request) {
	if e.remove(r) {
		e.persistQueueLogged(r.Queue)
	}
}

func (e *Executor) persistDeltas() error {
	if err := e.cfg.Store.Put(e.deltaKey(), e.deltas); err != nil {
		return fmt.Errorf("sync: persisting %s deltas: %w", e.name, err)
	}

	return nil
}

func (e *Executor) persistQueue(q string) error {
	if err := e.cfg.Store.Put(e.queueKey(q), e.queues[q]); err != nil {
		return fmt.Errorf("sync: persisting %s %s queue: %w", e.name, q, err)
	}

	return nil
}

func (e *Executor) persistQueueLogged(q string) {
	if err := e.persistQueue(q); err != nil {
		e.logger.Error("queue persist failed", slog.String("error", err.Error()))
	}
}

func (e *Executor) persistPendingAuthLogged() {
	if err := e.cfg.Store.Put(e.pendingAuthKey(), e.pendingAuth); err != nil {
		e.logger.Error("pending auth persist failed", slog.String("error", err.Error()))
	}
}

func (e *Executor) countRequests() int {
	n := 0
	for _, reqs := range e.queues {
		n += len(reqs)
	}

	for _, reqs := range e.pendingAuth {
		n += len(reqs)
	}

	return n
}

// recordConsistency stores a read-your-write token from body for the
// identity's server user, or resolves waiters when there is none.
func (e *Executor) recordConsistency(identityModelID string, kind consistency.Kind, body []byte) {
	if e.cfg.Consistency == nil {
		return
	}

	userID, ok := e.UserID(identityModelID)
	if !ok {
		return
	}

	if ryw, ok := api.DecodeRYW(body); ok {
		e.cfg.Consistency.Set(userID, kind, ryw.Token, time.Duration(ryw.Delay)*time.Millisecond)
		return
	}

	e.cfg.Consistency.Resolve(userID)
}

func (e *Executor) trigger(reason string) {
	if e.sched != nil {
		e.sched.Trigger(reason)
	}
}

func (e *Executor) pause(reason string) {
	if e.sched != nil {
		e.sched.Pause(reason)
	}
}

// Resolver implementation.

func (e *Executor) AppID() string     { return e.cfg.AppID }
func (e *Executor) RequireAuth() bool { return e.cfg.RequireAuth }

// UserID resolves through a retired identity to the one that replaced it;
// both stand for the same server user.
func (e *Executor) UserID(identityModelID string) (string, bool) {
	id, ok := e.cfg.Registry.LiveIdentity(identityModelID)
	if !ok {
		return "", false
	}

	uid := id.UserID()

	return uid, uid != ""
}

func (e *Executor) SubscriptionID(subscriptionModelID string) (string, bool) {
	s, ok := e.cfg.Registry.Subscription(subscriptionModelID)
	if !ok {
		return "", false
	}

	sid := s.SubscriptionID()

	return sid, sid != ""
}

func (e *Executor) JWT(externalID string) (string, error) {
	return e.cfg.Credentials.Token(externalID)
}

// earliest returns the oldest timestamp among deltas. A combined request
// takes it, so the identity whose change has waited longest goes first.
func earliest(deltas []*model.Delta) time.Time {
	return slices.MinFunc(deltas, func(a, b *model.Delta) int {
		return cmp.Compare(a.Timestamp.UnixNano(), b.Timestamp.UnixNano())
	}).Timestamp
}

type noHooks struct{}

func (noHooks) IsCurrent(string) bool                     { return true }
func (noHooks) OnUserMissing(string)                      {}
func (noHooks) OnSubscriptionMissing(string)              {}
func (noHooks) OnIdentityConflict(string, string, string) {}
