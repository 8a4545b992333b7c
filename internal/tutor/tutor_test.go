package tutor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/tutorbox/internal/flow"
	"github.com/jkaninda/tutorbox/internal/observability"
	"github.com/jkaninda/tutorbox/internal/ratelimit"
	"github.com/jkaninda/tutorbox/internal/sandbox"
	"github.com/jkaninda/tutorbox/internal/session"
	"github.com/jkaninda/tutorbox/internal/storage"
	"github.com/jkaninda/tutorbox/internal/storage/memory"
)

type testEnv struct {
	svc      *Service
	registry *session.Registry
	store    storage.Store
	metrics  *observability.MetricsCollector
}

func newTestService(t *testing.T, limiter *ratelimit.Limiter) *testEnv {
	t.Helper()
	vp, err := sandbox.NewVirtualProvider(sandbox.VirtualConfig{Root: t.TempDir()}, slog.Default())
	if err != nil {
		t.Fatalf("NewVirtualProvider: %v", err)
	}
	metrics := observability.NewMetricsCollector()
	deps := flow.Deps{
		Provider: observability.NewInstrumentedProvider(vp, metrics, nil, nil),
		Runner:   sandbox.NewRunner(sandbox.RunnerConfig{DefaultTimeout: 5 * time.Second, KillGrace: 200 * time.Millisecond}, slog.Default()),
		Logger:   slog.Default(),
	}
	reg := session.NewRegistry(deps, session.Config{}, session.NewMetrics(metrics.Registry), slog.Default())
	catalog, err := flow.NewCatalog(flow.SimpleBash())
	if err != nil {
		t.Fatal(err)
	}
	store := memory.New()

	svc, err := NewService(Options{
		Catalog:  catalog,
		Registry: reg,
		Store:    store,
		Limiter:  limiter,
		Metrics:  metrics,
		Logger:   slog.Default(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	return &testEnv{svc: svc, registry: reg, store: store, metrics: metrics}
}

func TestNewService_RequiresCatalogAndRegistry(t *testing.T) {
	if _, err := NewService(Options{}); err == nil {
		t.Error("expected error without catalog and registry")
	}
}

func TestSubmit_SimpleBashScenario(t *testing.T) {
	env := newTestService(t, nil)
	ctx := context.Background()

	steps := []struct {
		input     string
		advance   bool
		hint      string
		step      string
		completed bool
		next      string
	}{
		{"echo Hello", false, "Let's try again!", "Step1", false, "Step2"},
		{"echo Hello World", true, "Well done!", "Step1", false, "Step2"},
		{"echo nope", false, `Try to write a command which prints "next"`, "Step2", false, "Step2"},
		{"echo next", true, "", "Step2", true, ""},
	}
	for _, s := range steps {
		resp, err := env.svc.Submit(ctx, "alice", "simple_bash", s.input)
		if err != nil {
			t.Fatalf("Submit(%q): %v", s.input, err)
		}
		if resp.Advance != s.advance || resp.Hint != s.hint || resp.Step != s.step {
			t.Errorf("Submit(%q) = %+v", s.input, resp)
		}
		if resp.Completed != s.completed {
			t.Errorf("Submit(%q) completed = %v", s.input, resp.Completed)
		}
		if !resp.Completed && resp.Advance && resp.NextStep != s.next {
			t.Errorf("Submit(%q) next step = %q, want %q", s.input, resp.NextStep, s.next)
		}
	}

	// Input after completion is benign and runs nothing.
	resp, err := env.svc.Submit(ctx, "alice", "simple_bash", "echo Hello World")
	if err != nil {
		t.Fatalf("Submit after completion: %v", err)
	}
	if !resp.Completed || resp.OK != AlreadyCompleteMessage || resp.StepIndex != 2 {
		t.Errorf("after completion = %+v", resp)
	}

	if got := testutil.ToFloat64(env.metrics.SubmissionsTotal.WithLabelValues("simple_bash", outcomeAdvance)); got != 2 {
		t.Errorf("advance submissions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(env.metrics.SubmissionsTotal.WithLabelValues("simple_bash", outcomeComplete)); got != 1 {
		t.Errorf("complete submissions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(env.metrics.FlowsCompleted.WithLabelValues("simple_bash")); got != 1 {
		t.Errorf("flows completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(env.metrics.SandboxCreatesTotal.WithLabelValues("virtual", "success")); got != 1 {
		t.Errorf("sandboxes created = %v, want 1", got)
	}
}

func TestSubmit_UnknownFlow(t *testing.T) {
	env := newTestService(t, nil)
	_, err := env.svc.Submit(context.Background(), "alice", "missing", "echo hi")
	if !errors.Is(err, flow.ErrUnknownFlow) {
		t.Errorf("err = %v, want ErrUnknownFlow", err)
	}
	if env.registry.Len() != 0 {
		t.Error("unknown flow must not provision a sandbox")
	}
}

func TestSubmit_RateLimited(t *testing.T) {
	env := newTestService(t, ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1}))
	ctx := context.Background()

	if _, err := env.svc.Submit(ctx, "alice", "simple_bash", "echo hi"); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := env.svc.Submit(ctx, "alice", "simple_bash", "echo hi"); !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Errorf("second Submit err = %v, want ErrRateLimited", err)
	}
	// Other sessions keep their own bucket.
	if _, err := env.svc.Submit(ctx, "bob", "simple_bash", "echo hi"); err != nil {
		t.Errorf("bob Submit: %v", err)
	}
	if got := testutil.ToFloat64(env.metrics.RateLimitedTotal); got != 1 {
		t.Errorf("rate limited = %v, want 1", got)
	}
}

func TestSubmit_ConcurrentFirstRequestsShareOneFlow(t *testing.T) {
	env := newTestService(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Submit(ctx, "alice", "simple_bash", "echo Hello")
			if err != nil && !errors.Is(err, flow.ErrBusy) {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Submit: %v", err)
	}
	if env.registry.Len() != 1 {
		t.Errorf("live flows = %d, want 1", env.registry.Len())
	}
	if got := testutil.ToFloat64(env.metrics.SandboxCreatesTotal.WithLabelValues("virtual", "success")); got != 1 {
		t.Errorf("sandboxes created = %v, want 1", got)
	}
}

func TestOpenAndRestart(t *testing.T) {
	env := newTestService(t, nil)
	ctx := context.Background()

	st, err := env.svc.Open(ctx, "alice", "simple_bash")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !st.Created || st.StepIndex != 0 || st.Step != "Step1" || st.Total != 2 || st.Prompt == "" {
		t.Errorf("Open = %+v", st)
	}
	again, err := env.svc.Open(ctx, "alice", "simple_bash")
	if err != nil {
		t.Fatal(err)
	}
	if again.Created || again.FlowID != st.FlowID {
		t.Errorf("second Open = %+v, want same flow", again)
	}

	if _, err := env.svc.Submit(ctx, "alice", "simple_bash", "echo Hello World"); err != nil {
		t.Fatal(err)
	}
	restarted, err := env.svc.Restart(ctx, "alice", "simple_bash")
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if restarted.FlowID == st.FlowID || restarted.StepIndex != 0 {
		t.Errorf("Restart = %+v, want a fresh flow at step 0", restarted)
	}

	old, err := env.store.Flows().GetFlow(ctx, st.FlowID)
	if err != nil {
		t.Fatalf("GetFlow(old): %v", err)
	}
	if old.EndedAt == nil || old.EndReason != ReasonUser || old.Cursor != 1 {
		t.Errorf("old record = %+v", old)
	}
}

func TestProgress_LiveAndHistory(t *testing.T) {
	env := newTestService(t, nil)
	ctx := context.Background()

	if _, err := env.svc.Progress(ctx, "alice", "simple_bash", 0); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Progress before start err = %v, want ErrNotFound", err)
	}

	for _, in := range []string{"echo Hello", "echo Hello World"} {
		if _, err := env.svc.Submit(ctx, "alice", "simple_bash", in); err != nil {
			t.Fatal(err)
		}
	}

	p, err := env.svc.Progress(ctx, "alice", "simple_bash", 0)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if p.Live == nil || p.Live.Cursor != 1 {
		t.Errorf("live = %+v", p.Live)
	}
	if p.Record == nil || p.Record.Cursor != 1 || p.Record.Total != 2 {
		t.Errorf("record = %+v", p.Record)
	}
	if len(p.History) != 2 || p.History[0].Input != "echo Hello" || !p.History[1].Advanced {
		t.Fatalf("history = %+v", p.History)
	}
	if p.History[1].Stdout != "Hello World\n" || p.History[1].StepName != "Step1" {
		t.Errorf("history[1] = %+v", p.History[1])
	}

	// After the session ends only the record remains.
	n, err := env.svc.EndSession(ctx, "alice")
	if err != nil || n != 1 {
		t.Fatalf("EndSession = %d, %v", n, err)
	}
	p, err = env.svc.Progress(ctx, "alice", "simple_bash", 0)
	if err != nil {
		t.Fatalf("Progress after end: %v", err)
	}
	if p.Live != nil || p.Record == nil || p.Record.EndedAt == nil {
		t.Errorf("after end = live %+v record %+v", p.Live, p.Record)
	}
}

func TestEndFlow(t *testing.T) {
	env := newTestService(t, nil)
	ctx := context.Background()

	if ok, err := env.svc.EndFlow(ctx, "alice", "simple_bash"); ok || err != nil {
		t.Errorf("EndFlow without flow = %v, %v", ok, err)
	}
	if _, err := env.svc.Open(ctx, "alice", "simple_bash"); err != nil {
		t.Fatal(err)
	}
	if len(env.svc.Sessions()) != 1 {
		t.Errorf("sessions = %v", env.svc.Sessions())
	}
	if ok, err := env.svc.EndFlow(ctx, "alice", "simple_bash"); !ok || err != nil {
		t.Errorf("EndFlow = %v, %v", ok, err)
	}
	if env.registry.Len() != 0 {
		t.Error("flow still live after EndFlow")
	}
}

func TestFlows(t *testing.T) {
	env := newTestService(t, nil)
	flows := env.svc.Flows()
	if len(flows) != 1 || flows[0].Slug != "simple_bash" {
		t.Errorf("Flows = %+v", flows)
	}
}
