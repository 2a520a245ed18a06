package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	stdsync "sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/usersync/internal/model"
)

// ErrUnsupportedDelta is returned by Enqueue when no executor handles a
// delta name.
var ErrUnsupportedDelta = errors.New("sync: no executor supports delta")

// DefaultFlushInterval is the periodic flush cadence when none is set.
const DefaultFlushInterval = 5 * time.Second

// maxDrainRounds bounds Drain when every round completes something yet work
// remains.
const maxDrainRounds = 8

// PauseCreateUserFailed is the pause reason set when the server rejects a
// user create. Only a new session lifts it.
const PauseCreateUserFailed = "create user failed"

// Repo routes deltas to the executor that owns them and schedules flushes.
// A paused Repo accepts deltas but does not flush them. Pauses are keyed by
// reason; flushing resumes once every reason is lifted.
type Repo struct {
	logger    *slog.Logger
	executors []*Executor
	byDelta   map[model.DeltaName]*Executor

	mu      stdsync.Mutex
	reasons map[string]struct{}

	afterFlush func(ctx context.Context)

	triggers        chan string
	interval        atomic.Int64
	intervalChanged chan struct{}
}

// NewRepo indexes executors by the delta names they support. Two executors
// claiming the same name is an error.
func NewRepo(logger *slog.Logger, executors ...*Executor) (*Repo, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Repo{
		logger:          logger,
		executors:       executors,
		byDelta:         make(map[model.DeltaName]*Executor),
		reasons:         make(map[string]struct{}),
		triggers:        make(chan string, 1),
		intervalChanged: make(chan struct{}, 1),
	}

	r.interval.Store(int64(DefaultFlushInterval))

	for _, e := range executors {
		for _, name := range e.Supports() {
			if prev, dup := r.byDelta[name]; dup {
				return nil, fmt.Errorf("sync: delta %s claimed by both %s and %s", name, prev.Name(), e.Name())
			}

			r.byDelta[name] = e
		}

		e.sched = r
	}

	return r, nil
}

// Enqueue hands d to its executor. A nil delta (an unchanged setter) is
// ignored.
func (r *Repo) Enqueue(d *model.Delta) error {
	if d == nil {
		return nil
	}

	e, ok := r.byDelta[d.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedDelta, d.Name)
	}

	e.EnqueueDelta(d)

	return nil
}

// Flush processes every executor's delta and request queues concurrently.
// It returns once requests are dispatched, not when they complete. A paused
// Repo returns nil without flushing.
func (r *Repo) Flush(ctx context.Context, inBackground bool) error {
	if paused, reason := r.pauseState(); paused {
		r.logger.Debug("flush suppressed", slog.String("reason", reason))
		return nil
	}

	var g errgroup.Group

	for _, e := range r.executors {
		g.Go(func() error {
			return e.ProcessDeltaQueue(ctx, inBackground)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("sync: flush: %w", err)
	}

	return nil
}

// Persist writes every executor's delta queue to the store.
func (r *Repo) Persist(ctx context.Context) error {
	var errs []error

	for _, e := range r.executors {
		errs = append(errs, e.CacheDeltaQueue(ctx))
	}

	return errors.Join(errs...)
}

// Pause stops flushing until Resume is called with the same reason.
func (r *Repo) Pause(reason string) {
	r.mu.Lock()
	r.reasons[reason] = struct{}{}
	r.mu.Unlock()

	r.logger.Warn("operation repo paused", slog.String("reason", reason))
}

// Resume lifts one pause reason. Once none is left, flushing resumes and one
// is scheduled. Lifting a reason that is not set does nothing.
func (r *Repo) Resume(reason string) {
	r.mu.Lock()
	_, had := r.reasons[reason]
	delete(r.reasons, reason)
	left := len(r.reasons)
	r.mu.Unlock()

	if !had {
		return
	}

	if left > 0 {
		r.logger.Info("pause lifted, still paused", slog.String("lifted", reason))
		return
	}

	r.logger.Info("operation repo resumed", slog.String("lifted", reason))
	r.Trigger("resumed")
}

// Paused reports whether flushing is suspended.
func (r *Repo) Paused() bool {
	paused, _ := r.pauseState()
	return paused
}

// PauseReasons returns the active pause reasons, sorted.
func (r *Repo) PauseReasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.reasons))
	for reason := range r.reasons {
		out = append(out, reason)
	}

	slices.Sort(out)

	return out
}

func (r *Repo) pauseState() (bool, string) {
	reasons := r.PauseReasons()
	return len(reasons) > 0, strings.Join(reasons, ", ")
}

// Trigger asks Run for a flush soon. Triggers coalesce; it never blocks.
func (r *Repo) Trigger(reason string) {
	select {
	case r.triggers <- reason:
	default:
	}
}

// SetFlushInterval changes the periodic flush cadence of a running Run.
func (r *Repo) SetFlushInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultFlushInterval
	}

	r.interval.Store(int64(d))

	select {
	case r.intervalChanged <- struct{}{}:
	default:
	}
}

// OnFlushed registers fn to run after every flush Run performs. Set it
// before Run starts.
func (r *Repo) OnFlushed(fn func(ctx context.Context)) {
	r.afterFlush = fn
}

// FlushInterval returns the current periodic flush cadence.
func (r *Repo) FlushInterval() time.Duration {
	return time.Duration(r.interval.Load())
}

// Run flushes on the interval and on every trigger until ctx is cancelled.
func (r *Repo) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.FlushInterval())
	defer ticker.Stop()

	r.logger.Info("operation repo running", slog.Duration("flush_interval", r.FlushInterval()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.flushLogged(ctx, "timer")
		case reason := <-r.triggers:
			r.flushLogged(ctx, reason)
		case <-r.intervalChanged:
			ticker.Reset(r.FlushInterval())
			r.logger.Info("flush interval changed", slog.Duration("flush_interval", r.FlushInterval()))
		}
	}
}

func (r *Repo) flushLogged(ctx context.Context, reason string) {
	r.logger.Debug("flushing", slog.String("reason", reason))

	if err := r.Flush(ctx, false); err != nil && ctx.Err() == nil {
		r.logger.Error("flush failed", slog.String("reason", reason), slog.String("error", err.Error()))
	}

	if r.afterFlush != nil && ctx.Err() == nil {
		r.afterFlush(ctx)
	}
}

// Wait blocks until no executor has a request in flight and no completion
// started new work.
func (r *Repo) Wait(ctx context.Context) error {
	for {
		before, err := r.counters(ctx)
		if err != nil {
			return err
		}

		for _, e := range r.executors {
			if err := e.Wait(ctx); err != nil {
				return err
			}
		}

		after, err := r.counters(ctx)
		if err != nil {
			return err
		}

		if after.idle && after.activity == before.activity {
			return nil
		}
	}
}

// Drain flushes and waits, round after round, while completions change the
// queues, so requests unblocked by earlier completions (a created user, a
// new subscription id) go out too. A round whose completions were all
// retryable failures ends it; those requests wait for the next flush.
func (r *Repo) Drain(ctx context.Context, inBackground bool) error {
	for range maxDrainRounds {
		before, err := r.counters(ctx)
		if err != nil {
			return err
		}

		if err := r.Flush(ctx, inBackground); err != nil {
			return err
		}

		if err := r.Wait(ctx); err != nil {
			return err
		}

		after, err := r.counters(ctx)
		if err != nil {
			return err
		}

		if after.progress == before.progress {
			return nil
		}
	}

	r.logger.Warn("drain stopped with work remaining", slog.Int("rounds", maxDrainRounds))

	return nil
}

type repoCounters struct {
	activity uint64
	progress uint64
	idle     bool
}

func (r *Repo) counters(ctx context.Context) (repoCounters, error) {
	total := repoCounters{idle: true}

	for _, e := range r.executors {
		c, err := e.counters(ctx)
		if err != nil {
			return repoCounters{}, err
		}

		total.activity += c.activity
		total.progress += c.progress
		total.idle = total.idle && c.idle
	}

	return total, nil
}

// References returns the identity model ids that queued work (deltas,
// requests, requests held for auth) still names.
func (r *Repo) References(ctx context.Context) (map[string]bool, error) {
	refs := make(map[string]bool)

	for _, e := range r.executors {
		if err := e.references(ctx, refs); err != nil {
			return nil, err
		}
	}

	return refs, nil
}

// ResumePendingAuth releases requests held for externalID in every executor.
func (r *Repo) ResumePendingAuth(ctx context.Context, externalID string) {
	for _, e := range r.executors {
		e.ResumePendingAuth(ctx, externalID)
	}
}

// Stats returns queue depths for every executor, in registration order.
func (r *Repo) Stats(ctx context.Context) ([]Stats, error) {
	out := make([]Stats, 0, len(r.executors))

	for _, e := range r.executors {
		s, err := e.Stats(ctx)
		if err != nil {
			return nil, err
		}

		out = append(out, s)
	}

	return out, nil
}

// Close stops every executor.
func (r *Repo) Close() {
	for _, e := range r.executors {
		e.Close()
	}
}
