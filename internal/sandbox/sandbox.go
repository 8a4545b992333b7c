// Package sandbox provides isolated execution environments for tutorial sessions.
// Every user command runs through a Handle provisioned from a named template,
// never directly on the host.
package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrProvisionFailed is returned when a sandbox cannot be created.
	ErrProvisionFailed = errors.New("sandbox provisioning failed")

	// ErrExecFailed is returned when a command cannot be launched inside
	// an existing sandbox. The sandbox itself remains usable.
	ErrExecFailed = errors.New("sandbox exec failed")

	// ErrTeardownFailed is returned when releasing a sandbox fails.
	// Destroy may be called again to retry.
	ErrTeardownFailed = errors.New("sandbox teardown failed")
)

// TimeoutExitCode is the exit code reported for commands killed because
// they exceeded their time bound.
const TimeoutExitCode = -1

// Provider creates isolated environments from named templates.
type Provider interface {
	// Name identifies the backend ("process", "docker", "virtual").
	Name() string

	// Create provisions a new sandbox. Errors wrap ErrProvisionFailed.
	Create(ctx context.Context, template string) (Handle, error)
}

// Pinger is implemented by providers that can report backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OrphanReaper is implemented by providers whose sandboxes live outside the
// process and can be left behind by a crash.
type OrphanReaper interface {
	ReapOrphans(ctx context.Context) (int, error)
}

// Handle is one live sandbox. A handle is owned by exactly one flow.
type Handle interface {
	ID() string
	Template() string

	// Exec runs one command to completion or until ctx expires.
	// A non-zero exit is a result, not an error. Launch errors wrap ErrExecFailed.
	Exec(ctx context.Context, req ExecRequest) (*RawResult, error)

	// Destroy releases the sandbox. Once it has succeeded, further calls are
	// no-ops; after a failure the next call tries again.
	Destroy(ctx context.Context) error
}

// ExecRequest describes one command execution.
type ExecRequest struct {
	// Argv is the program and its arguments, e.g. ["bash", "-c", "echo hi"].
	Argv []string

	// Stdin is fed to the process when non-empty.
	Stdin string

	// Timeout bounds wall-clock time. Backends use it for in-sandbox
	// enforcement; ctx carries the same deadline.
	Timeout time.Duration

	// MaxOutputBytes caps each of stdout and stderr. Zero = backend default.
	MaxOutputBytes int

	// Output, when set, receives stdout and stderr as they are produced,
	// so the caller keeps partial output even if Exec never returns.
	Output *Output
}

// buffers returns the capture buffers for the request.
func (r ExecRequest) buffers() (stdout, stderr *cappedBuffer) {
	if r.Output != nil {
		return r.Output.stdout, r.Output.stderr
	}
	return newCappedBuffer(r.MaxOutputBytes), newCappedBuffer(r.MaxOutputBytes)
}

// RawResult is what a backend captured. TimedOut is set when ctx expired
// before the command finished.
type RawResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  bool
	Truncated bool
}

// ExecutionResult is the immutable outcome of a bounded command run.
type ExecutionResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// ResourceLimits constrains sandboxed processes.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}

// releaser runs a teardown until it first succeeds.
type releaser struct {
	mu   sync.Mutex
	done bool
}

func (r *releaser) release(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	if err := fn(); err != nil {
		return err
	}
	r.done = true
	return nil
}
