package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultKillGrace = 2 * time.Second
)

// RunnerConfig configures the bounded command runner.
type RunnerConfig struct {
	DefaultTimeout time.Duration // Used when Run is given a zero bound.
	KillGrace      time.Duration // Extra wait for a backend to report after the bound.
	MaxOutputBytes int           // Per-stream capture cap. Zero = DefaultMaxOutputBytes.
}

// Runner executes single commands inside a sandbox handle with a time bound.
// It never lets a hostile command block the caller past bound + KillGrace.
type Runner struct {
	defaultTimeout time.Duration
	killGrace      time.Duration
	maxOutput      int
	logger         *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		defaultTimeout: cfg.DefaultTimeout,
		killGrace:      cfg.KillGrace,
		maxOutput:      cfg.MaxOutputBytes,
		logger:         logger,
	}
}

// DefaultTimeout returns the bound applied when callers pass zero.
func (r *Runner) DefaultTimeout() time.Duration {
	return r.defaultTimeout
}

type execReply struct {
	raw *RawResult
	err error
}

// Run executes argv in h, feeding stdin, and returns the captured result.
// Exceeding bound is not an error: the result has TimedOut set and
// ExitCode == TimeoutExitCode. Launch failures wrap ErrExecFailed.
func (r *Runner) Run(ctx context.Context, h Handle, argv []string, stdin string, bound time.Duration) (ExecutionResult, error) {
	if len(argv) == 0 {
		return ExecutionResult{}, fmt.Errorf("%w: empty command", ErrExecFailed)
	}
	if bound <= 0 {
		bound = r.defaultTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	out := NewOutput(r.maxOutput)
	req := ExecRequest{
		Argv:           argv,
		Stdin:          stdin,
		Timeout:        bound,
		MaxOutputBytes: r.maxOutput,
		Output:         out,
	}

	start := time.Now()
	replies := make(chan execReply, 1)
	go func() {
		raw, err := h.Exec(execCtx, req)
		replies <- execReply{raw: raw, err: err}
	}()

	var reply execReply
	hardStop := time.NewTimer(bound + r.killGrace)
	defer hardStop.Stop()

	select {
	case reply = <-replies:
	case <-hardStop.C:
		// The backend did not honor cancellation in time. Report a timeout
		// with the output captured so far and let the goroutine drain into
		// the buffered channel.
		r.logger.Warn("sandbox exec did not return after kill grace",
			slog.String("sandbox_id", h.ID()),
			slog.Duration("bound", bound),
			slog.Duration("kill_grace", r.killGrace),
		)
		return ExecutionResult{
			Stdout:    out.Stdout(),
			Stderr:    out.Stderr(),
			ExitCode:  TimeoutExitCode,
			TimedOut:  true,
			Truncated: out.Truncated(),
			Duration:  time.Since(start),
		}, nil
	}
	duration := time.Since(start)

	// Parent cancellation (client went away, shutdown) is not a timeout.
	if ctx.Err() != nil {
		return ExecutionResult{}, fmt.Errorf("%w: %w", ErrExecFailed, ctx.Err())
	}

	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
	if reply.err != nil && !timedOut {
		return ExecutionResult{}, reply.err
	}

	res := ExecutionResult{Duration: duration}
	if reply.raw != nil {
		res.Stdout = reply.raw.Stdout
		res.Stderr = reply.raw.Stderr
		res.ExitCode = reply.raw.ExitCode
		res.Truncated = reply.raw.Truncated
		timedOut = timedOut || reply.raw.TimedOut
	}
	if timedOut {
		res.TimedOut = true
		res.ExitCode = TimeoutExitCode
		r.logger.Info("sandbox command timed out",
			slog.String("sandbox_id", h.ID()),
			slog.Duration("bound", bound),
		)
	}
	return res, nil
}
