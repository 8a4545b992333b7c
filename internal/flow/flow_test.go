package flow

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/tutorbox/internal/sandbox"
	"github.com/jkaninda/tutorbox/internal/step"
)

// fakeProvider records sandbox lifecycle calls.
type fakeProvider struct {
	creates    atomic.Int32
	destroys   atomic.Int32
	execs      atomic.Int32
	createErr  error
	destroyErr error

	mu   sync.Mutex
	log  []string
	exec func(ctx context.Context, req sandbox.ExecRequest) (*sandbox.RawResult, error)
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Create(_ context.Context, template string) (sandbox.Handle, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	n := p.creates.Add(1)
	p.record("create")
	return &fakeHandle{p: p, id: "fake-" + string(rune('0'+n)), template: template}, nil
}

func (p *fakeProvider) record(s string) {
	p.mu.Lock()
	p.log = append(p.log, s)
	p.mu.Unlock()
}

func (p *fakeProvider) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.log...)
}

type fakeHandle struct {
	p        *fakeProvider
	id       string
	template string

	mu        sync.Mutex
	destroyed bool
}

func (h *fakeHandle) ID() string       { return h.id }
func (h *fakeHandle) Template() string { return h.template }

func (h *fakeHandle) Exec(ctx context.Context, req sandbox.ExecRequest) (*sandbox.RawResult, error) {
	h.p.execs.Add(1)
	h.p.record("exec:" + strings.Join(req.Argv, " ") + "|" + req.Stdin)
	if h.p.exec != nil {
		return h.p.exec(ctx, req)
	}
	// Echo the program text back, like "bash" running "echo <text>".
	return &sandbox.RawResult{Stdout: strings.TrimPrefix(req.Stdin, "echo ") + "\n"}, nil
}

func (h *fakeHandle) Destroy(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return nil
	}
	h.p.destroys.Add(1)
	h.p.record("destroy")
	if err := h.p.destroyErr; err != nil {
		return err
	}
	h.destroyed = true
	return nil
}

func testDeps(p sandbox.Provider) Deps {
	return Deps{
		Provider: p,
		Runner:   sandbox.NewRunner(sandbox.RunnerConfig{KillGrace: 200 * time.Millisecond}, slog.Default()),
		Logger:   slog.Default(),
	}
}

func TestStartEnd_ReleasesSandboxOnce(t *testing.T) {
	p := &fakeProvider{}
	ctx := context.Background()

	f, err := Start(ctx, SimpleBash(), "s1", testDeps(p))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.creates.Load() != 1 {
		t.Fatalf("creates = %d, want 1", p.creates.Load())
	}
	if f.Cursor() != 0 || f.Completed() {
		t.Errorf("new flow cursor = %d", f.Cursor())
	}

	if err := f.End(ctx, "test"); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := f.End(ctx, "again"); err != nil {
		t.Fatalf("second End: %v", err)
	}
	if p.destroys.Load() != 1 {
		t.Errorf("destroys = %d, want 1", p.destroys.Load())
	}
	if !f.Ended() || f.Progress().EndReason != "test" {
		t.Errorf("progress = %+v", f.Progress())
	}

	if _, err := f.Submit(ctx, "echo Hello World"); !errors.Is(err, ErrEnded) {
		t.Errorf("Submit after End err = %v, want ErrEnded", err)
	}
}

func TestSimpleBashScenario(t *testing.T) {
	ctx := context.Background()
	vp, err := sandbox.NewVirtualProvider(sandbox.VirtualConfig{Root: t.TempDir()}, slog.Default())
	if err != nil {
		t.Fatalf("NewVirtualProvider: %v", err)
	}

	f, err := Start(ctx, SimpleBash(), "user-1", testDeps(vp))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.End(ctx, "test")

	steps := []struct {
		input     string
		advance   bool
		hint      string
		ok        string
		cursor    int
		completed bool
	}{
		{"echo Hello", false, "Let's try again!", "Hello", 0, false},
		{`echo "Hello World"`, true, "Well done!", "Hello World", 1, false},
		{"echo nope", false, `Try to write a command which prints "next"`, "nope", 1, false},
		{"echo next", true, "", "next", 2, true},
	}
	for _, s := range steps {
		sub, err := f.Submit(ctx, s.input)
		if err != nil {
			t.Fatalf("Submit(%q): %v", s.input, err)
		}
		if sub.Outcome.Advance != s.advance || sub.Outcome.Hint != s.hint {
			t.Errorf("Submit(%q) outcome = %+v", s.input, sub.Outcome)
		}
		if sub.Outcome.OK != s.ok || sub.Outcome.Err != "" {
			t.Errorf("Submit(%q) ok = %q err = %q, want ok %q", s.input, sub.Outcome.OK, sub.Outcome.Err, s.ok)
		}
		if sub.Cursor != s.cursor || sub.Completed != s.completed {
			t.Errorf("Submit(%q) cursor = %d completed = %v", s.input, sub.Cursor, sub.Completed)
		}
	}

	if _, err := f.Submit(ctx, "echo Hello World"); !errors.Is(err, ErrAlreadyComplete) {
		t.Errorf("Submit on complete flow err = %v, want ErrAlreadyComplete", err)
	}
}

func TestSubmit_StderrDoesNotBlockAdvance(t *testing.T) {
	p := &fakeProvider{exec: func(context.Context, sandbox.ExecRequest) (*sandbox.RawResult, error) {
		return &sandbox.RawResult{Stdout: "Hello World\n", Stderr: "ls: /nope: No such file or directory\n", ExitCode: 1}, nil
	}}
	ctx := context.Background()
	f, err := Start(ctx, SimpleBash(), "s", testDeps(p))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.End(ctx, "test")

	sub, err := f.Submit(ctx, `echo "Hello World"; ls /nope`)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	want := step.Outcome{
		Advance: true,
		OK:      "Hello World",
		Err:     "ls: /nope: No such file or directory",
	}
	if sub.Outcome != want {
		t.Errorf("outcome = %+v, want %+v", sub.Outcome, want)
	}
	if f.Cursor() != 1 {
		t.Errorf("cursor = %d, want 1", f.Cursor())
	}
}

func TestCompleteFlowDoesNotRunCommands(t *testing.T) {
	p := &fakeProvider{}
	ctx := context.Background()
	f, err := Start(ctx, SimpleBash(), "s", testDeps(p))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.End(ctx, "test")

	for _, in := range []string{"echo Hello World", "echo next"} {
		if _, err := f.Submit(ctx, in); err != nil {
			t.Fatalf("Submit(%q): %v", in, err)
		}
	}
	if !f.Completed() {
		t.Fatal("flow should be complete")
	}

	before := p.execs.Load()
	for range 3 {
		if _, err := f.Submit(ctx, "echo Hello World"); !errors.Is(err, ErrAlreadyComplete) {
			t.Fatalf("err = %v, want ErrAlreadyComplete", err)
		}
	}
	if p.execs.Load() != before {
		t.Errorf("runner invoked on complete flow: %d execs, want %d", p.execs.Load(), before)
	}
	if _, ok := f.CurrentStep(); ok {
		t.Error("CurrentStep should report none when complete")
	}
}

func TestCursorMonotonicAndBounded(t *testing.T) {
	p := &fakeProvider{}
	ctx := context.Background()
	f, err := Start(ctx, SimpleBash(), "s", testDeps(p))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.End(ctx, "test")

	inputs := []string{"echo Hello World", "echo next", "echo x", "echo Hello", ""}
	rng := rand.New(rand.NewPCG(1, 2))
	last := 0
	for range 200 {
		sub, err := f.Submit(ctx, inputs[rng.IntN(len(inputs))])
		if errors.Is(err, ErrAlreadyComplete) {
			break
		}
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if sub.Cursor < last || sub.Cursor > last+1 {
			t.Fatalf("cursor moved %d -> %d", last, sub.Cursor)
		}
		if sub.Cursor > len(f.Definition().Steps) {
			t.Fatalf("cursor %d out of bounds", sub.Cursor)
		}
		last = sub.Cursor
	}
}

func TestSubmit_BusyWhileRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	p := &fakeProvider{exec: func(context.Context, sandbox.ExecRequest) (*sandbox.RawResult, error) {
		close(started)
		<-release
		return &sandbox.RawResult{Stdout: "Hello World"}, nil
	}}
	ctx := context.Background()
	f, err := Start(ctx, SimpleBash(), "s", testDeps(p))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.Submit(ctx, "slow")
		done <- err
	}()
	<-started

	if _, err := f.Submit(ctx, "fast"); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent Submit err = %v, want ErrBusy", err)
	}
	if ended, _ := f.TryEnd(ctx, "sweep"); ended {
		t.Error("TryEnd should refuse while a command runs")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if f.Cursor() != 1 {
		t.Errorf("cursor = %d, want 1", f.Cursor())
	}
	if ended, err := f.TryEnd(ctx, "sweep"); !ended || err != nil {
		t.Errorf("TryEnd = %v, %v", ended, err)
	}
}

func TestSubmit_ExecFailureKeepsSandbox(t *testing.T) {
	calls := 0
	p := &fakeProvider{exec: func(context.Context, sandbox.ExecRequest) (*sandbox.RawResult, error) {
		calls++
		if calls == 1 {
			return nil, sandbox.ErrExecFailed
		}
		return &sandbox.RawResult{Stdout: "Hello World\n"}, nil
	}}
	ctx := context.Background()
	f, err := Start(ctx, SimpleBash(), "s", testDeps(p))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.End(ctx, "test")

	sub, err := f.Submit(ctx, "echo Hello World")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Outcome.Advance || sub.Outcome.Hint == "" {
		t.Errorf("outcome = %+v, want non-advancing with hint", sub.Outcome)
	}
	if p.destroys.Load() != 0 {
		t.Error("sandbox released after exec failure")
	}

	sub, err = f.Submit(ctx, "echo Hello World")
	if err != nil || !sub.Outcome.Advance {
		t.Errorf("retry = %+v, %v", sub, err)
	}
}

func TestStart_ProvisionFailure(t *testing.T) {
	p := &fakeProvider{createErr: errors.New("no capacity")}
	_, err := Start(context.Background(), SimpleBash(), "s", testDeps(p))
	if !errors.Is(err, sandbox.ErrProvisionFailed) {
		t.Errorf("err = %v, want ErrProvisionFailed", err)
	}
}

func TestStart_SetupFailureDestroysSandboxWithoutTeardown(t *testing.T) {
	p := &fakeProvider{}
	teardownRan := false

	def := SimpleBash()
	def.Setup = Sequence(ProvisionSandbox(), ProcedureFunc(func(context.Context, *Flow) error {
		return errors.New("seed failed")
	}))
	def.Teardown = ProcedureFunc(func(context.Context, *Flow) error {
		teardownRan = true
		return nil
	})

	_, err := Start(context.Background(), def, "s", testDeps(p))
	if !errors.Is(err, sandbox.ErrProvisionFailed) {
		t.Errorf("err = %v, want ErrProvisionFailed", err)
	}
	if p.creates.Load() != 1 || p.destroys.Load() != 1 {
		t.Errorf("creates = %d destroys = %d, want 1/1", p.creates.Load(), p.destroys.Load())
	}
	if teardownRan {
		t.Error("teardown ran after failed setup")
	}
}

func TestStart_CustomSetupStillProvisions(t *testing.T) {
	p := &fakeProvider{}
	def := SimpleBash()
	def.Setup = ProcedureFunc(func(context.Context, *Flow) error { return nil })

	f, err := Start(context.Background(), def, "s", testDeps(p))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.End(context.Background(), "test")
	if p.creates.Load() != 1 || f.Progress().SandboxID == "" {
		t.Errorf("flow has no sandbox after custom setup")
	}
}

func TestProcedures_CommandsRunAroundLifecycle(t *testing.T) {
	p := &fakeProvider{exec: func(_ context.Context, req sandbox.ExecRequest) (*sandbox.RawResult, error) {
		return &sandbox.RawResult{}, nil
	}}
	def := SimpleBash()
	def.Setup = Sequence(ProvisionSandbox(), Commands{Lines: []string{"mkdir work"}})
	def.Teardown = Commands{Lines: []string{"rm -rf work"}}

	ctx := context.Background()
	f, err := Start(ctx, def, "s", testDeps(p))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.End(ctx, "done"); err != nil {
		t.Fatalf("End: %v", err)
	}

	want := []string{"create", "exec:sh -c mkdir work|", "exec:sh -c rm -rf work|", "destroy"}
	got := p.events()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestProcedures_CommandFailure(t *testing.T) {
	p := &fakeProvider{exec: func(context.Context, sandbox.ExecRequest) (*sandbox.RawResult, error) {
		return &sandbox.RawResult{ExitCode: 1, Stderr: "mkdir: denied"}, nil
	}}
	def := SimpleBash()
	def.Setup = Sequence(ProvisionSandbox(), Commands{Lines: []string{"mkdir /x"}})

	_, err := Start(context.Background(), def, "s", testDeps(p))
	if !errors.Is(err, sandbox.ErrProvisionFailed) || !errors.Is(err, ErrProcedureFailed) {
		t.Errorf("err = %v, want ErrProvisionFailed and ErrProcedureFailed", err)
	}
	if p.destroys.Load() != 1 {
		t.Errorf("destroys = %d, want 1", p.destroys.Load())
	}
}

func TestEnd_RetriesFailedRelease(t *testing.T) {
	p := &fakeProvider{destroyErr: sandbox.ErrTeardownFailed}
	ctx := context.Background()
	f, err := Start(ctx, SimpleBash(), "s", testDeps(p))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	err = f.End(ctx, "x")
	if !errors.Is(err, sandbox.ErrTeardownFailed) {
		t.Errorf("End err = %v, want ErrTeardownFailed", err)
	}
	if !f.Ended() || f.Released() || f.Progress().SandboxID == "" {
		t.Error("flow should be ended but still hold its sandbox")
	}

	p.destroyErr = nil
	if err := f.End(ctx, "retry"); err != nil {
		t.Fatalf("second End: %v", err)
	}
	if !f.Released() || p.destroys.Load() != 2 {
		t.Errorf("released = %v, destroys = %d", f.Released(), p.destroys.Load())
	}
	if err := f.End(ctx, "again"); err != nil || p.destroys.Load() != 2 {
		t.Errorf("third End err = %v, destroys = %d", err, p.destroys.Load())
	}
	if f.Progress().EndReason != "x" {
		t.Errorf("end reason = %q, want the first", f.Progress().EndReason)
	}
}

func TestIdleFor(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	deps := testDeps(&fakeProvider{})
	deps.Now = func() time.Time { return now }

	f, err := Start(context.Background(), SimpleBash(), "s", deps)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.End(context.Background(), "test")

	if got := f.IdleFor(now.Add(5 * time.Minute)); got != 5*time.Minute {
		t.Errorf("IdleFor = %s", got)
	}
}
