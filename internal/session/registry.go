// Package session maps (session, flow slug) pairs to live flows and
// reclaims flows that have gone idle.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jkaninda/tutorbox/internal/flow"
)

var (
	// ErrCapacity is returned when starting a flow would exceed MaxActive.
	ErrCapacity = errors.New("session capacity reached")

	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("session registry closed")
)

// End reasons recorded on flows and in metrics.
const (
	ReasonIdle     = "idle"
	ReasonEvicted  = "evicted"
	ReasonShutdown = "shutdown"
)

// Key identifies one flow of one session.
type Key struct {
	SessionID string
	Slug      string
}

func (k Key) String() string { return k.SessionID + "\x00" + k.Slug }

// Config tunes the registry.
type Config struct {
	// IdleTimeout is how long a flow may go without submissions before a
	// sweep ends it. Zero disables idle eviction.
	IdleTimeout time.Duration
	// MaxActive caps live flows. Zero means unlimited.
	MaxActive int
	// ProvisionTimeout bounds starting a flow. Defaults to two minutes.
	ProvisionTimeout time.Duration
}

const defaultProvisionTimeout = 2 * time.Minute

// EndHook is called after the registry ends a flow.
type EndHook func(ctx context.Context, f *flow.Flow, reason string)

// Registry owns every live flow. It is the only component that starts or
// ends flows, and its map is the only state shared across sessions.
//
// Creation for one key is serialized so that concurrent first requests
// provision exactly one sandbox. Ending a flow always happens after it has
// been removed from the map. Ended flows whose sandbox could not be
// released are kept aside and retried on every sweep.
type Registry struct {
	deps    flow.Deps
	cfg     Config
	metrics *Metrics
	logger  *slog.Logger
	onEnd   EndHook

	group singleflight.Group

	mu         sync.RWMutex
	flows      map[Key]*flow.Flow
	unreleased map[*flow.Flow]struct{}
	closed     bool
}

// NewRegistry creates a registry that starts flows with deps.
func NewRegistry(deps flow.Deps, cfg Config, metrics *Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = defaultProvisionTimeout
	}
	return &Registry{
		deps:       deps,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
		flows:      make(map[Key]*flow.Flow),
		unreleased: make(map[*flow.Flow]struct{}),
	}
}

// WithEndHook registers fn to observe every flow the registry ends.
func (r *Registry) WithEndHook(fn EndHook) *Registry {
	r.onEnd = fn
	return r
}

// createResult is shared by all callers of one singleflight call; claimed
// makes sure only one of them reports the flow as newly created.
type createResult struct {
	flow    *flow.Flow
	fresh   bool
	claimed *atomic.Bool
}

// GetOrCreate returns the live flow for (sessionID, def.Slug), starting one
// if none exists. created is true for exactly one caller per started flow.
func (r *Registry) GetOrCreate(ctx context.Context, sessionID string, def *flow.Definition) (f *flow.Flow, created bool, err error) {
	key := Key{SessionID: sessionID, Slug: def.Slug}
	if f := r.lookup(key); f != nil {
		return f, false, nil
	}

	v, err, _ := r.group.Do(key.String(), func() (any, error) {
		// Another call may have finished between the lookup and Do.
		if f := r.lookup(key); f != nil {
			return createResult{flow: f}, nil
		}
		if err := r.admit(); err != nil {
			return nil, err
		}

		// Every waiter shares this start, so one caller going away must not
		// cancel it for the others.
		startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ProvisionTimeout)
		defer cancel()
		f, err := flow.Start(startCtx, def, sessionID, r.deps)
		if err != nil {
			if r.metrics != nil {
				r.metrics.ProvisionFailures.Inc()
			}
			return nil, err
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = f.End(ctx, ReasonShutdown)
			return nil, ErrClosed
		}
		r.flows[key] = f
		active := len(r.flows)
		r.mu.Unlock()

		if r.metrics != nil {
			r.metrics.FlowsStarted.WithLabelValues(def.Slug).Inc()
			r.metrics.ActiveFlows.Set(float64(active))
		}
		return createResult{flow: f, fresh: true, claimed: new(atomic.Bool)}, nil
	})
	if err != nil {
		return nil, false, err
	}

	res := v.(createResult)
	created = res.fresh && res.claimed.CompareAndSwap(false, true)
	return res.flow, created, nil
}

// admit checks that a new flow may start.
func (r *Registry) admit() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	if r.cfg.MaxActive > 0 && len(r.flows) >= r.cfg.MaxActive {
		return fmt.Errorf("%w: %d active flows", ErrCapacity, len(r.flows))
	}
	return nil
}

// lookup returns the live flow for key, ignoring ended ones.
func (r *Registry) lookup(key Key) *flow.Flow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f := r.flows[key]
	if f == nil || f.Ended() {
		return nil
	}
	return f
}

// Get returns the live flow for (sessionID, slug).
func (r *Registry) Get(sessionID, slug string) (*flow.Flow, bool) {
	f := r.lookup(Key{SessionID: sessionID, Slug: slug})
	return f, f != nil
}

// remove deletes key only if it still maps to f.
func (r *Registry) remove(key Key, f *flow.Flow) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.flows[key] != f {
		return false
	}
	delete(r.flows, key)
	if r.metrics != nil {
		r.metrics.ActiveFlows.Set(float64(len(r.flows)))
	}
	return true
}

// Evict ends and removes one flow, waiting for a running submission.
// It reports whether a flow was found.
func (r *Registry) Evict(ctx context.Context, sessionID, slug, reason string) (bool, error) {
	key := Key{SessionID: sessionID, Slug: slug}

	r.mu.RLock()
	f := r.flows[key]
	r.mu.RUnlock()
	if f == nil || !r.remove(key, f) {
		return false, nil
	}
	if reason == "" {
		reason = ReasonEvicted
	}
	return true, r.end(ctx, f, reason)
}

// EvictSession ends every flow of a session and returns how many were ended.
func (r *Registry) EvictSession(ctx context.Context, sessionID, reason string) (int, error) {
	r.mu.RLock()
	var keys []Key
	for k := range r.flows {
		if k.SessionID == sessionID {
			keys = append(keys, k)
		}
	}
	r.mu.RUnlock()

	var (
		n    int
		errs []error
	)
	for _, k := range keys {
		ok, err := r.Evict(ctx, k.SessionID, k.Slug, reason)
		if ok {
			n++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}

func (r *Registry) end(ctx context.Context, f *flow.Flow, reason string) error {
	err := f.End(ctx, reason)
	r.ended(ctx, f, reason, err)
	if !f.Released() {
		r.keepUnreleased(f)
	}
	return err
}

func (r *Registry) keepUnreleased(f *flow.Flow) {
	r.mu.Lock()
	r.unreleased[f] = struct{}{}
	r.mu.Unlock()
}

// retryReleases retries the sandbox release of ended flows that still hold
// one and returns how many were released.
func (r *Registry) retryReleases(ctx context.Context) int {
	r.mu.RLock()
	pending := slices.Collect(maps.Keys(r.unreleased))
	r.mu.RUnlock()

	released := 0
	for _, f := range pending {
		if err := f.End(ctx, ReasonIdle); err != nil {
			r.logger.Warn("sandbox release retry failed",
				slog.String("flow_id", f.ID()),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.mu.Lock()
		delete(r.unreleased, f)
		r.mu.Unlock()
		released++
	}
	return released
}

// Unreleased returns the number of ended flows still waiting for their
// sandbox to be released.
func (r *Registry) Unreleased() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.unreleased)
}

func (r *Registry) ended(ctx context.Context, f *flow.Flow, reason string, err error) {
	if err != nil {
		r.logger.Warn("flow ended with errors",
			slog.String("flow_id", f.ID()),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}
	if r.metrics != nil {
		r.metrics.FlowsEnded.WithLabelValues(reason).Inc()
	}
	if r.onEnd != nil {
		r.onEnd(ctx, f, reason)
	}
}

// SweepResult summarizes one Sweep.
type SweepResult struct {
	// Evicted counts idle flows ended with their sandbox released.
	Evicted int
	// Busy counts idle flows skipped because a command was running.
	Busy int
	// Failed counts idle flows whose sandbox could not be released. They
	// leave the registry and their release is retried on later sweeps.
	Failed int
	// Released counts earlier failed releases that succeeded this time.
	Released int
}

// Sweep retries failed sandbox releases, then ends flows idle longer than
// IdleTimeout as of now. Flows with a running command are skipped and
// reconsidered on the next sweep.
func (r *Registry) Sweep(ctx context.Context, now time.Time) SweepResult {
	var res SweepResult
	res.Released = r.retryReleases(ctx)
	if r.cfg.IdleTimeout <= 0 {
		return res
	}
	start := time.Now()

	type candidate struct {
		key Key
		f   *flow.Flow
	}
	r.mu.RLock()
	var idle []candidate
	for k, f := range r.flows {
		if f.IdleFor(now) > r.cfg.IdleTimeout {
			idle = append(idle, candidate{k, f})
		}
	}
	r.mu.RUnlock()

	for _, c := range idle {
		ended, err := c.f.TryEnd(ctx, ReasonIdle)
		if !ended {
			res.Busy++
			if r.metrics != nil {
				r.metrics.SweepSkippedBusy.Inc()
			}
			continue
		}
		r.remove(c.key, c.f)
		r.ended(ctx, c.f, ReasonIdle, err)
		if !c.f.Released() {
			r.keepUnreleased(c.f)
			res.Failed++
			continue
		}
		res.Evicted++
	}

	if r.metrics != nil {
		r.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	if res.Evicted > 0 || res.Busy > 0 || res.Failed > 0 || res.Released > 0 {
		r.logger.Info("idle sweep complete",
			slog.Int("evicted", res.Evicted),
			slog.Int("busy", res.Busy),
			slog.Int("failed", res.Failed),
			slog.Int("released", res.Released),
		)
	}
	return res
}

// Len returns the number of live flows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.flows)
}

// Snapshot returns the progress of every live flow, ordered by session then slug.
func (r *Registry) Snapshot() []flow.Progress {
	r.mu.RLock()
	out := make([]flow.Progress, 0, len(r.flows))
	for _, f := range r.flows {
		out = append(out, f.Progress())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].Slug < out[j].Slug
	})
	return out
}

// Shutdown stops accepting new flows and ends every live one concurrently.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	flows := make([]*flow.Flow, 0, len(r.flows))
	for _, f := range r.flows {
		flows = append(flows, f)
	}
	clear(r.flows)
	if r.metrics != nil {
		r.metrics.ActiveFlows.Set(0)
	}
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, f := range flows {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.end(ctx, f, ReasonShutdown); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	r.logger.Info("session registry shut down", slog.Int("flows_ended", len(flows)))
	return errors.Join(errs...)
}
