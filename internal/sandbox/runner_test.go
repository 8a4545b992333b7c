package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeHandle is a scripted Handle for runner tests.
type fakeHandle struct {
	mu    sync.Mutex
	reqs  []ExecRequest
	exec  func(ctx context.Context, req ExecRequest) (*RawResult, error)
	freed int
}

func (f *fakeHandle) ID() string       { return "fake" }
func (f *fakeHandle) Template() string { return "fake" }

func (f *fakeHandle) Exec(ctx context.Context, req ExecRequest) (*RawResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.exec(ctx, req)
}

func (f *fakeHandle) Destroy(context.Context) error {
	f.freed++
	return nil
}

func TestRunner_PassesRequest(t *testing.T) {
	h := &fakeHandle{exec: func(_ context.Context, req ExecRequest) (*RawResult, error) {
		return &RawResult{Stdout: req.Stdin, ExitCode: 0}, nil
	}}
	r := NewRunner(RunnerConfig{MaxOutputBytes: 1024}, slog.Default())

	res, err := r.Run(context.Background(), h, []string{"bash"}, "echo hi", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "echo hi" || res.TimedOut {
		t.Errorf("result = %+v", res)
	}
	req := h.reqs[0]
	if req.Timeout != r.DefaultTimeout() {
		t.Errorf("timeout = %s, want default %s", req.Timeout, r.DefaultTimeout())
	}
	if req.MaxOutputBytes != 1024 {
		t.Errorf("max output = %d", req.MaxOutputBytes)
	}
}

func TestRunner_EmptyArgv(t *testing.T) {
	r := NewRunner(RunnerConfig{}, slog.Default())
	_, err := r.Run(context.Background(), &fakeHandle{}, nil, "", time.Second)
	if !errors.Is(err, ErrExecFailed) {
		t.Errorf("err = %v, want ErrExecFailed", err)
	}
}

func TestRunner_BackendErrorPropagates(t *testing.T) {
	h := &fakeHandle{exec: func(context.Context, ExecRequest) (*RawResult, error) {
		return nil, ErrExecFailed
	}}
	r := NewRunner(RunnerConfig{}, slog.Default())

	_, err := r.Run(context.Background(), h, []string{"x"}, "", time.Second)
	if !errors.Is(err, ErrExecFailed) {
		t.Errorf("err = %v, want ErrExecFailed", err)
	}
}

func TestRunner_TimeoutFromBackend(t *testing.T) {
	h := &fakeHandle{exec: func(ctx context.Context, _ ExecRequest) (*RawResult, error) {
		<-ctx.Done()
		return &RawResult{Stdout: "partial", TimedOut: true, ExitCode: TimeoutExitCode}, nil
	}}
	r := NewRunner(RunnerConfig{}, slog.Default())

	res, err := r.Run(context.Background(), h, []string{"x"}, "", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut || res.ExitCode != TimeoutExitCode || res.Stdout != "partial" {
		t.Errorf("result = %+v", res)
	}
}

func TestRunner_HardStopWhenBackendHangs(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := &fakeHandle{exec: func(_ context.Context, req ExecRequest) (*RawResult, error) {
		stdout, stderr := req.buffers()
		_, _ = stdout.Write([]byte("partial\n"))
		_, _ = stderr.Write([]byte("still going\n"))
		<-release
		return &RawResult{}, nil
	}}
	r := NewRunner(RunnerConfig{KillGrace: 50 * time.Millisecond}, slog.Default())

	start := time.Now()
	res, err := r.Run(context.Background(), h, []string{"x"}, "", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Run blocked for %s", elapsed)
	}
	if !res.TimedOut || res.ExitCode != TimeoutExitCode {
		t.Errorf("result = %+v, want timed out", res)
	}
	if res.Stdout != "partial\n" || res.Stderr != "still going\n" {
		t.Errorf("partial output lost: stdout=%q stderr=%q", res.Stdout, res.Stderr)
	}
}

func TestRunner_ParentCancelIsNotTimeout(t *testing.T) {
	h := &fakeHandle{exec: func(ctx context.Context, _ ExecRequest) (*RawResult, error) {
		<-ctx.Done()
		return &RawResult{ExitCode: TimeoutExitCode}, nil
	}}
	r := NewRunner(RunnerConfig{}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := r.Run(ctx, h, []string{"x"}, "", 5*time.Second)
	if !errors.Is(err, ErrExecFailed) || !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want ErrExecFailed wrapping context.Canceled", err)
	}
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(5)
	n, err := b.Write([]byte("abc"))
	if n != 3 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	n, _ = b.Write([]byte("defgh"))
	if n != 5 {
		t.Errorf("Write past cap reported %d, want full length", n)
	}
	if !b.Truncated() {
		t.Error("expected truncated")
	}
	if got := b.String(); got != "abcde"+TruncationMarker {
		t.Errorf("String = %q", got)
	}

	exact := newCappedBuffer(3)
	_, _ = exact.Write([]byte("abc"))
	if exact.Truncated() || exact.String() != "abc" {
		t.Errorf("exact fill: truncated=%v string=%q", exact.Truncated(), exact.String())
	}
}
