// Package tutor is the front-end contract of tutorbox. Gateways call
// Service.Submit with a session, a flow slug and the learner's input, and
// get back what to show next. The service resolves the flow, applies
// per-session rate limits, drives the session registry and records
// progress and history in the store.
package tutor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jkaninda/tutorbox/internal/flow"
	"github.com/jkaninda/tutorbox/internal/observability"
	"github.com/jkaninda/tutorbox/internal/ratelimit"
	"github.com/jkaninda/tutorbox/internal/session"
	"github.com/jkaninda/tutorbox/internal/storage"
)

// AlreadyCompleteMessage is returned in Response.OK when input arrives for a
// flow whose steps have all passed.
const AlreadyCompleteMessage = "You have already completed this tutorial."

// ReasonUser is the end reason recorded when a learner ends a flow.
const ReasonUser = "user"

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@-]{0,127}$`)

// ValidSessionID reports whether id is usable as a session ID: 1 to 128
// characters of letters, digits and ._:@- starting with a letter or digit.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Submission outcome labels used in metrics.
const (
	outcomeAdvance     = "advance"
	outcomeRetry       = "retry"
	outcomeTimeout     = "timeout"
	outcomeComplete    = "complete"
	outcomeBusy        = "busy"
	outcomeRateLimited = "rate_limited"
	outcomeError       = "error"
)

// Response is what a front end renders after one submission.
type Response struct {
	Advance    bool   `json:"advance"`
	Hint       string `json:"hint,omitempty"`
	OK         string `json:"ok"`
	Err        string `json:"err"`
	Completed  bool   `json:"completed"`
	StepIndex  int    `json:"step_index"`
	Step       string `json:"step,omitempty"`
	NextStep   string `json:"next_step,omitempty"`
	NextPrompt string `json:"next_prompt,omitempty"`
	TimedOut   bool   `json:"timed_out"`
	Truncated  bool   `json:"truncated,omitempty"`
	ExitCode   int    `json:"exit_code"`
	Duration   string `json:"duration,omitempty"`
}

// State describes where a learner is in a flow.
type State struct {
	FlowID      string `json:"flow_id"`
	SessionID   string `json:"session_id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	StepIndex   int    `json:"step_index"`
	Total       int    `json:"total"`
	Step        string `json:"step,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	Description string `json:"description,omitempty"`
	Completed   bool   `json:"completed"`
	Created     bool   `json:"created"`
}

// Progress combines the live flow, when there is one, with stored history.
type Progress struct {
	Live    *flow.Progress             `json:"live,omitempty"`
	Record  *storage.FlowRecord        `json:"record,omitempty"`
	History []storage.SubmissionRecord `json:"history"`
}

// Options are the collaborators of a Service. Store, Limiter and Metrics
// may be nil.
type Options struct {
	Catalog  *flow.Catalog
	Registry *session.Registry
	Store    storage.Store
	Limiter  *ratelimit.Limiter
	Metrics  *observability.MetricsCollector
	Logger   *slog.Logger
}

// Service implements the submit contract on top of the session registry.
type Service struct {
	catalog  *flow.Catalog
	registry *session.Registry
	store    storage.Store
	limiter  *ratelimit.Limiter
	metrics  *observability.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a Service and registers its end hook on the registry so
// that every ended flow is recorded.
func NewService(opts Options) (*Service, error) {
	if opts.Catalog == nil || opts.Registry == nil {
		return nil, errors.New("tutor: catalog and registry are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		catalog:  opts.Catalog,
		registry: opts.Registry,
		store:    opts.Store,
		limiter:  opts.Limiter,
		metrics:  opts.Metrics,
		logger:   logger.With(slog.String("component", "tutor")),
		now:      time.Now,
	}
	opts.Registry.WithEndHook(s.flowEnded)
	return s, nil
}

// Flows lists the available flows.
func (s *Service) Flows() []flow.Summary {
	return s.catalog.List()
}

// Open returns the learner's current position in a flow, starting the flow
// and provisioning its sandbox if needed.
func (s *Service) Open(ctx context.Context, sessionID, slug string) (*State, error) {
	def, err := s.catalog.Get(slug)
	if err != nil {
		return nil, err
	}
	f, created, err := s.registry.GetOrCreate(ctx, sessionID, def)
	if err != nil {
		return nil, err
	}
	if created {
		s.saveFlow(ctx, f)
	}
	st := stateOf(f)
	st.Created = created
	return st, nil
}

// Submit evaluates input against the current step of the learner's flow.
//
// A flow that is already complete yields a benign Response with Completed
// set. ErrBusy, ErrRateLimited, provisioning and capacity errors are
// returned for the caller to map.
func (s *Service) Submit(ctx context.Context, sessionID, slug, input string) (*Response, error) {
	def, err := s.catalog.Get(slug)
	if err != nil {
		return nil, err
	}
	if err := s.limiter.Allow(sessionID); err != nil {
		if s.metrics != nil {
			s.metrics.RateLimitedTotal.Inc()
		}
		s.recordOutcome(slug, outcomeRateLimited)
		return nil, err
	}

	start := s.now()
	sub, f, err := s.submit(ctx, sessionID, def, input)
	if s.metrics != nil {
		s.metrics.SubmissionDuration.WithLabelValues(slug).Observe(s.now().Sub(start).Seconds())
	}

	switch {
	case errors.Is(err, flow.ErrAlreadyComplete):
		s.recordOutcome(slug, outcomeComplete)
		return &Response{
			OK:        AlreadyCompleteMessage,
			Completed: true,
			StepIndex: len(def.Steps),
		}, nil
	case errors.Is(err, flow.ErrBusy):
		s.recordOutcome(slug, outcomeBusy)
		return nil, err
	case err != nil:
		s.recordOutcome(slug, outcomeError)
		return nil, err
	}

	s.recordSubmission(ctx, f, sub, input)

	resp := responseOf(sub)
	switch {
	case resp.Advance:
		s.recordOutcome(slug, outcomeAdvance)
		if resp.Completed && s.metrics != nil {
			s.metrics.FlowsCompleted.WithLabelValues(slug).Inc()
		}
	case resp.TimedOut:
		s.recordOutcome(slug, outcomeTimeout)
	default:
		s.recordOutcome(slug, outcomeRetry)
	}
	return resp, nil
}

// submit runs input on the live flow. A flow ended between lookup and
// Submit (idle sweep, eviction) is replaced once by a fresh one.
func (s *Service) submit(ctx context.Context, sessionID string, def *flow.Definition, input string) (*flow.Submission, *flow.Flow, error) {
	for attempt := 0; ; attempt++ {
		f, created, err := s.registry.GetOrCreate(ctx, sessionID, def)
		if err != nil {
			return nil, nil, err
		}
		if created {
			s.saveFlow(ctx, f)
		}
		sub, err := f.Submit(ctx, input)
		if errors.Is(err, flow.ErrEnded) && attempt == 0 {
			s.logger.DebugContext(ctx, "flow ended during submission, starting a new one",
				slog.String("session_id", sessionID),
				slog.String("flow", def.Slug),
			)
			continue
		}
		return sub, f, err
	}
}

// Restart ends the learner's current flow, if any, and starts a new one.
func (s *Service) Restart(ctx context.Context, sessionID, slug string) (*State, error) {
	if _, err := s.catalog.Get(slug); err != nil {
		return nil, err
	}
	if _, err := s.registry.Evict(ctx, sessionID, slug, ReasonUser); err != nil {
		s.logger.WarnContext(ctx, "ending flow before restart",
			slog.String("session_id", sessionID),
			slog.String("flow", slug),
			slog.String("error", err.Error()),
		)
	}
	return s.Open(ctx, sessionID, slug)
}

// EndFlow ends one flow for a session. Reports whether a live flow existed.
func (s *Service) EndFlow(ctx context.Context, sessionID, slug string) (bool, error) {
	return s.registry.Evict(ctx, sessionID, slug, ReasonUser)
}

// EndSession ends every live flow of a session and releases their sandboxes.
func (s *Service) EndSession(ctx context.Context, sessionID string) (int, error) {
	return s.registry.EvictSession(ctx, sessionID, ReasonUser)
}

// Progress returns the live state and recorded history of a learner's flow.
// Returns storage.ErrNotFound when the session has neither.
func (s *Service) Progress(ctx context.Context, sessionID, slug string, limit int) (*Progress, error) {
	if _, err := s.catalog.Get(slug); err != nil {
		return nil, err
	}
	p := &Progress{History: []storage.SubmissionRecord{}}
	if f, ok := s.registry.Get(sessionID, slug); ok {
		live := f.Progress()
		p.Live = &live
	}

	if s.store != nil {
		var rec *storage.FlowRecord
		var err error
		if p.Live != nil {
			rec, err = s.store.Flows().GetFlow(ctx, p.Live.FlowID)
		} else {
			rec, err = s.store.Flows().LatestFlow(ctx, sessionID, slug)
		}
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("loading flow record: %w", err)
		default:
			p.Record = rec
			hist, err := s.store.Submissions().ListSubmissions(ctx, rec.FlowID, limit)
			if err != nil {
				return nil, fmt.Errorf("loading submission history: %w", err)
			}
			p.History = hist
		}
	}

	if p.Live == nil && p.Record == nil {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

// Sessions returns live flows for operators.
func (s *Service) Sessions() []flow.Progress {
	return s.registry.Snapshot()
}

func (s *Service) recordOutcome(slug, outcome string) {
	if s.metrics != nil {
		s.metrics.SubmissionsTotal.WithLabelValues(slug, outcome).Inc()
	}
}

// flowEnded is the registry end hook.
func (s *Service) flowEnded(ctx context.Context, f *flow.Flow, reason string) {
	s.saveFlow(ctx, f)
}

// saveFlow records the flow's current state. Store errors are logged; the
// store is a record and never blocks the learner.
func (s *Service) saveFlow(ctx context.Context, f *flow.Flow) {
	if s.store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.store.Flows().UpsertFlow(ctx, flowRecord(f.Progress(), s.now())); err != nil {
		s.logger.WarnContext(ctx, "saving flow record",
			slog.String("flow_id", f.ID()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) recordSubmission(ctx context.Context, f *flow.Flow, sub *flow.Submission, input string) {
	if s.store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	p := f.Progress()
	rec := &storage.SubmissionRecord{
		FlowID:    p.FlowID,
		SessionID: p.SessionID,
		Slug:      p.Slug,
		StepIndex: sub.StepIndex,
		StepName:  sub.StepName,
		Input:     input,
		Stdout:    sub.Result.Stdout,
		Stderr:    sub.Result.Stderr,
		ExitCode:  sub.Result.ExitCode,
		TimedOut:  sub.Result.TimedOut,
		Advanced:  sub.Outcome.Advance,
		Hint:      sub.Outcome.Hint,
		Duration:  sub.Result.Duration,
		CreatedAt: s.now(),
	}
	if err := s.store.Submissions().AppendSubmission(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "saving submission",
			slog.String("flow_id", p.FlowID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.store.Flows().UpsertFlow(ctx, flowRecord(p, s.now())); err != nil {
		s.logger.WarnContext(ctx, "saving flow record",
			slog.String("flow_id", p.FlowID),
			slog.String("error", err.Error()),
		)
	}
}

func flowRecord(p flow.Progress, now time.Time) *storage.FlowRecord {
	rec := &storage.FlowRecord{
		FlowID:    p.FlowID,
		SessionID: p.SessionID,
		Slug:      p.Slug,
		SandboxID: p.SandboxID,
		Cursor:    p.Cursor,
		Total:     p.Total,
		Completed: p.Completed,
		EndReason: p.EndReason,
		StartedAt: p.CreatedAt,
		UpdatedAt: now,
	}
	if p.Ended {
		ended := now
		rec.EndedAt = &ended
	}
	return rec
}

func responseOf(sub *flow.Submission) *Response {
	return &Response{
		Advance:    sub.Outcome.Advance,
		Hint:       sub.Outcome.Hint,
		OK:         sub.Outcome.OK,
		Err:        sub.Outcome.Err,
		Completed:  sub.Completed,
		StepIndex:  sub.StepIndex,
		Step:       sub.StepName,
		NextStep:   sub.NextStep,
		NextPrompt: sub.NextPrompt,
		TimedOut:   sub.Result.TimedOut,
		Truncated:  sub.Result.Truncated,
		ExitCode:   sub.Result.ExitCode,
		Duration:   sub.Result.Duration.String(),
	}
}

func stateOf(f *flow.Flow) *State {
	p := f.Progress()
	def := f.Definition()
	st := &State{
		FlowID:    p.FlowID,
		SessionID: p.SessionID,
		Slug:      p.Slug,
		Name:      def.Name,
		StepIndex: p.Cursor,
		Total:     p.Total,
		Completed: p.Completed,
	}
	if cur, ok := f.CurrentStep(); ok {
		st.Step = cur.Name
		st.Prompt = cur.DisplayPrompt()
		st.Description = cur.Description
	}
	return st
}
