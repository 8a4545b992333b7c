package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/tutorbox/internal/sandbox"
	"github.com/jkaninda/tutorbox/internal/step"
)

// execFailedHint is shown when the sandbox could not launch a command.
const execFailedHint = "Your command could not be run in the sandbox. Please try again."

// Deps are the collaborators a Flow needs.
type Deps struct {
	Provider sandbox.Provider
	Runner   *sandbox.Runner
	Logger   *slog.Logger
	Now      func() time.Time // defaults to time.Now
}

// Flow is one user's live progress through a Definition. It owns exactly
// one sandbox from Start until End.
//
// The cursor only moves forward, one step per passing submission, and
// equals len(Steps) once the flow is complete. At most one submission runs
// at a time; concurrent callers get ErrBusy instead of queueing.
type Flow struct {
	id        string
	sessionID string
	def       *Definition
	provider  sandbox.Provider
	runner    *sandbox.Runner
	logger    *slog.Logger
	now       func() time.Time

	// run is held for the duration of a submission or End.
	run sync.Mutex

	mu           sync.RWMutex
	handle       sandbox.Handle
	cursor       int
	createdAt    time.Time
	lastActivity time.Time
	ended        bool
	endReason    string
}

// Submission is the result of one Submit call.
type Submission struct {
	Outcome   step.Outcome
	Result    sandbox.ExecutionResult
	StepIndex int    // index of the step the input was evaluated against
	StepName  string // name of that step
	Cursor    int    // cursor after the transition
	Completed bool
	// NextPrompt and NextStep describe the step now expected, empty when complete.
	NextPrompt string
	NextStep   string
}

// Start runs the definition's setup, which provisions the sandbox, and
// returns a flow positioned at step 0.
//
// If setup fails, any sandbox it provisioned is destroyed, teardown is not
// run, and the returned error wraps sandbox.ErrProvisionFailed.
func Start(ctx context.Context, def *Definition, sessionID string, deps Deps) (*Flow, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if deps.Provider == nil || deps.Runner == nil {
		return nil, errors.New("flow: provider and runner are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	t := now()
	f := &Flow{
		id:           uuid.NewString(),
		sessionID:    sessionID,
		def:          def,
		provider:     deps.Provider,
		runner:       deps.Runner,
		logger:       logger.With(slog.String("flow", def.Slug), slog.String("session_id", sessionID)),
		now:          now,
		createdAt:    t,
		lastActivity: t,
	}

	setup := def.Setup
	if setup == nil {
		setup = ProvisionSandbox()
	}
	err := setup.Run(ctx, f)
	if err == nil {
		// Custom setups may skip provisioning; the flow still needs a sandbox.
		err = f.provision(ctx)
	}
	if err != nil {
		if relErr := f.release(ctx); relErr != nil {
			f.logger.Warn("releasing sandbox after failed setup", slog.String("error", relErr.Error()))
		}
		f.mu.Lock()
		f.ended, f.endReason = true, "setup failed"
		f.mu.Unlock()
		if !errors.Is(err, sandbox.ErrProvisionFailed) {
			err = fmt.Errorf("%w: setup: %w", sandbox.ErrProvisionFailed, err)
		}
		return nil, err
	}

	f.logger.Info("flow started",
		slog.String("flow_id", f.id),
		slog.String("sandbox_id", f.sandboxID()),
		slog.Int("steps", len(def.Steps)),
	)
	return f, nil
}

// Submit runs input against the current step and applies the outcome.
func (f *Flow) Submit(ctx context.Context, input string) (*Submission, error) {
	if !f.run.TryLock() {
		return nil, ErrBusy
	}
	defer f.run.Unlock()

	f.mu.RLock()
	ended, idx := f.ended, f.cursor
	f.mu.RUnlock()

	if ended {
		return nil, ErrEnded
	}
	if idx >= len(f.def.Steps) {
		return nil, ErrAlreadyComplete
	}
	st := f.def.Steps[idx]

	res, err := f.exec(ctx, st.Rule.Build(input))
	f.touch()

	var outcome step.Outcome
	switch {
	case err == nil:
		outcome = st.Validator.Evaluate(step.Captured{
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			ExitCode: res.ExitCode,
			TimedOut: res.TimedOut,
		})
	case ctx.Err() != nil:
		return nil, err
	case errors.Is(err, sandbox.ErrExecFailed):
		// The sandbox is kept; the user may simply try again.
		f.logger.Warn("command launch failed", slog.String("step", st.Name), slog.String("error", err.Error()))
		outcome = step.Outcome{Hint: execFailedHint}
	default:
		return nil, err
	}

	f.mu.Lock()
	if outcome.Advance {
		f.cursor++
	}
	cursor := f.cursor
	f.mu.Unlock()

	sub := &Submission{
		Outcome:   outcome,
		Result:    res,
		StepIndex: idx,
		StepName:  st.Name,
		Cursor:    cursor,
		Completed: cursor >= len(f.def.Steps),
	}
	if !sub.Completed {
		next := f.def.Steps[cursor]
		sub.NextPrompt = next.DisplayPrompt()
		sub.NextStep = next.Name
	}

	f.logger.Debug("submission evaluated",
		slog.String("step", st.Name),
		slog.Bool("advance", outcome.Advance),
		slog.Bool("timed_out", res.TimedOut),
		slog.Int("exit_code", res.ExitCode),
		slog.Int("cursor", cursor),
	)
	if sub.Completed && outcome.Advance {
		f.logger.Info("flow completed", slog.String("flow_id", f.id))
	}
	return sub, nil
}

// End runs teardown once and releases the sandbox, waiting for any running
// submission to finish first. Calling End again only retries a sandbox
// release that failed.
func (f *Flow) End(ctx context.Context, reason string) error {
	f.run.Lock()
	defer f.run.Unlock()
	return f.endLocked(ctx, reason)
}

// TryEnd is End without waiting: it reports false when a submission is running.
func (f *Flow) TryEnd(ctx context.Context, reason string) (bool, error) {
	if !f.run.TryLock() {
		return false, nil
	}
	defer f.run.Unlock()
	return true, f.endLocked(ctx, reason)
}

func (f *Flow) endLocked(ctx context.Context, reason string) error {
	f.mu.Lock()
	if f.ended {
		f.mu.Unlock()
		// Teardown ran already; only a failed release is retried.
		return f.release(ctx)
	}
	f.ended, f.endReason = true, reason
	f.mu.Unlock()

	// Cleanup must run even when the caller's context is already done.
	ctx = context.WithoutCancel(ctx)

	var errs []error
	if f.def.Teardown != nil {
		if err := f.def.Teardown.Run(ctx, f); err != nil {
			f.logger.Warn("flow teardown failed", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if err := f.release(ctx); err != nil {
		f.logger.Warn("sandbox release failed", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	f.logger.Info("flow ended",
		slog.String("flow_id", f.id),
		slog.String("reason", reason),
		slog.Int("cursor", f.Cursor()),
	)
	return errors.Join(errs...)
}

// provision creates the sandbox if the flow does not hold one yet.
func (f *Flow) provision(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handle != nil {
		return nil
	}
	h, err := f.provider.Create(ctx, f.def.Template)
	if err != nil {
		if !errors.Is(err, sandbox.ErrProvisionFailed) {
			err = fmt.Errorf("%w: %w", sandbox.ErrProvisionFailed, err)
		}
		return err
	}
	f.handle = h
	return nil
}

// release destroys the sandbox. The handle is kept when Destroy fails so a
// later End can retry.
func (f *Flow) release(ctx context.Context) error {
	f.mu.RLock()
	h := f.handle
	f.mu.RUnlock()
	if h == nil {
		return nil
	}
	if err := h.Destroy(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	f.mu.Lock()
	if f.handle == h {
		f.handle = nil
	}
	f.mu.Unlock()
	return nil
}

// Released reports whether the flow no longer holds a sandbox.
func (f *Flow) Released() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.handle == nil
}

// exec runs one command in the sandbox under the flow's time bound.
func (f *Flow) exec(ctx context.Context, cmd step.Command) (sandbox.ExecutionResult, error) {
	f.mu.RLock()
	h := f.handle
	f.mu.RUnlock()
	if h == nil {
		return sandbox.ExecutionResult{}, fmt.Errorf("%w: flow has no sandbox", sandbox.ErrExecFailed)
	}
	return f.runner.Run(ctx, h, cmd.Argv, cmd.Stdin, f.def.Timeout)
}

func (f *Flow) touch() {
	t := f.now()
	f.mu.Lock()
	f.lastActivity = t
	f.mu.Unlock()
}

func (f *Flow) sandboxID() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.handle == nil {
		return ""
	}
	return f.handle.ID()
}

// ID is the flow's unique identity.
func (f *Flow) ID() string { return f.id }

// SessionID is the owning session.
func (f *Flow) SessionID() string { return f.sessionID }

// Definition returns the flow's definition.
func (f *Flow) Definition() *Definition { return f.def }

// Cursor returns the index of the step now expected; len(Steps) when complete.
func (f *Flow) Cursor() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cursor
}

// Completed reports whether every step has passed.
func (f *Flow) Completed() bool {
	return f.Cursor() >= len(f.def.Steps)
}

// Ended reports whether End has run.
func (f *Flow) Ended() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ended
}

// CurrentStep returns the step now expected, or false when complete.
func (f *Flow) CurrentStep() (step.Definition, bool) {
	c := f.Cursor()
	if c >= len(f.def.Steps) {
		return step.Definition{}, false
	}
	return f.def.Steps[c], true
}

// IdleFor returns how long the flow has seen no submissions as of now.
func (f *Flow) IdleFor(now time.Time) time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return now.Sub(f.lastActivity)
}

// Progress is a point-in-time view of a flow.
type Progress struct {
	FlowID       string    `json:"flow_id"`
	SessionID    string    `json:"session_id"`
	Slug         string    `json:"slug"`
	SandboxID    string    `json:"sandbox_id,omitempty"`
	Cursor       int       `json:"cursor"`
	Total        int       `json:"total"`
	Completed    bool      `json:"completed"`
	Ended        bool      `json:"ended"`
	EndReason    string    `json:"end_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Progress returns a snapshot of the flow's state.
func (f *Flow) Progress() Progress {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p := Progress{
		FlowID:       f.id,
		SessionID:    f.sessionID,
		Slug:         f.def.Slug,
		Cursor:       f.cursor,
		Total:        len(f.def.Steps),
		Completed:    f.cursor >= len(f.def.Steps),
		Ended:        f.ended,
		EndReason:    f.endReason,
		CreatedAt:    f.createdAt,
		LastActivity: f.lastActivity,
	}
	if f.handle != nil {
		p.SandboxID = f.handle.ID()
	}
	return p
}
