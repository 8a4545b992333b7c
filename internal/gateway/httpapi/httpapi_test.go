package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/tutorbox/internal/flow"
	"github.com/jkaninda/tutorbox/internal/observability"
	"github.com/jkaninda/tutorbox/internal/ratelimit"
	"github.com/jkaninda/tutorbox/internal/sandbox"
	"github.com/jkaninda/tutorbox/internal/session"
	"github.com/jkaninda/tutorbox/internal/storage"
	"github.com/jkaninda/tutorbox/internal/storage/memory"
	"github.com/jkaninda/tutorbox/internal/tutor"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

// startGateway runs a gateway backed by the virtual sandbox and returns its base URL.
func startGateway(t *testing.T, cfg Config, limiter *ratelimit.Limiter) string {
	t.Helper()
	vp, err := sandbox.NewVirtualProvider(sandbox.VirtualConfig{Root: t.TempDir()}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	reg := session.NewRegistry(flow.Deps{
		Provider: vp,
		Runner:   sandbox.NewRunner(sandbox.RunnerConfig{DefaultTimeout: 5 * time.Second}, slog.Default()),
	}, session.Config{}, nil, slog.Default())
	catalog, err := flow.NewCatalog(flow.SimpleBash())
	if err != nil {
		t.Fatal(err)
	}
	svc, err := tutor.NewService(tutor.Options{
		Catalog:  catalog,
		Registry: reg,
		Store:    memory.New(),
		Limiter:  limiter,
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg.ListenAddr = freeAddr(t)
	g := NewGateway(cfg, svc, slog.Default())
	errCh := make(chan error, 1)
	go func() { errCh <- g.Start(context.Background()) }()
	t.Cleanup(func() {
		_ = g.Stop(context.Background())
		_ = reg.Shutdown(context.Background())
	})

	base := "http://" + cfg.ListenAddr
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			t.Fatalf("gateway exited: %v", err)
		default:
		}
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			return base
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("gateway did not start")
	return ""
}

func do(t *testing.T, method, url string, body any, header http.Header) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, data
}

func TestGateway_SimpleBashOverHTTP(t *testing.T) {
	base := startGateway(t, Config{}, nil)
	flowURL := base + "/v1/sessions/alice/flows/simple_bash"

	code, body := do(t, http.MethodGet, base+"/v1/flows", nil, nil)
	if code != http.StatusOK || !strings.Contains(string(body), `"slug":"simple_bash"`) {
		t.Fatalf("GET /v1/flows = %d %s", code, body)
	}

	code, body = do(t, http.MethodPost, flowURL, nil, nil)
	if code != http.StatusCreated {
		t.Fatalf("open = %d %s", code, body)
	}
	var st tutor.State
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatal(err)
	}
	if st.Step != "Step1" || st.StepIndex != 0 {
		t.Errorf("state = %+v", st)
	}

	for _, tc := range []struct {
		input   string
		advance bool
	}{
		{"echo Hello", false},
		{"echo Hello World", true},
		{"echo next", true},
	} {
		code, body = do(t, http.MethodPost, flowURL+"/submit", SubmitRequest{Input: tc.input}, nil)
		if code != http.StatusOK {
			t.Fatalf("submit %q = %d %s", tc.input, code, body)
		}
		var resp tutor.Response
		if err := json.Unmarshal(body, &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Advance != tc.advance {
			t.Errorf("submit %q advance = %v", tc.input, resp.Advance)
		}
	}

	// Completed flows answer benignly with 200.
	code, body = do(t, http.MethodPost, flowURL+"/submit", SubmitRequest{Input: "echo again"}, nil)
	if code != http.StatusOK || !strings.Contains(string(body), `"completed":true`) {
		t.Errorf("submit after completion = %d %s", code, body)
	}

	code, body = do(t, http.MethodGet, flowURL, nil, nil)
	if code != http.StatusOK {
		t.Fatalf("progress = %d %s", code, body)
	}
	var p tutor.Progress
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatal(err)
	}
	if p.Live == nil || !p.Live.Completed || len(p.History) != 3 {
		t.Errorf("progress = %+v", p)
	}

	code, body = do(t, http.MethodDelete, base+"/v1/sessions/alice", nil, nil)
	if code != http.StatusOK || !strings.Contains(string(body), `"ended":1`) {
		t.Errorf("end session = %d %s", code, body)
	}
}

func TestGateway_ErrorStatuses(t *testing.T) {
	base := startGateway(t, Config{}, ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1}))

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown flow", http.MethodPost, "/v1/sessions/bob/flows/nope/submit", SubmitRequest{Input: "ls"}, http.StatusNotFound},
		{"unknown flow describe", http.MethodGet, "/v1/flows/nope", nil, http.StatusNotFound},
		{"no progress", http.MethodGet, "/v1/sessions/bob/flows/simple_bash", nil, http.StatusNotFound},
		{"bad session id", http.MethodPost, "/v1/sessions/%20bad/flows/simple_bash/submit", SubmitRequest{Input: "ls"}, http.StatusBadRequest},
		{"first submit", http.MethodPost, "/v1/sessions/bob/flows/simple_bash/submit", SubmitRequest{Input: "ls"}, http.StatusOK},
		{"rate limited", http.MethodPost, "/v1/sessions/bob/flows/simple_bash/submit", SubmitRequest{Input: "ls"}, http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, tt.method, base+tt.path, tt.body, nil)
			if code != tt.want {
				t.Errorf("%s %s = %d %s, want %d", tt.method, tt.path, code, body, tt.want)
			}
		})
	}
}

func TestGateway_AdminRequiresAPIKey(t *testing.T) {
	base := startGateway(t, Config{APIKeys: map[string]string{"secret-key": "ops"}}, nil)

	if code, _ := do(t, http.MethodGet, base+"/v1/admin/sessions", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("no key = %d, want 401", code)
	}
	bad := http.Header{"Authorization": {"Bearer wrong"}}
	if code, _ := do(t, http.MethodGet, base+"/v1/admin/sessions", nil, bad); code != http.StatusUnauthorized {
		t.Errorf("wrong key = %d, want 401", code)
	}

	if code, body := do(t, http.MethodPost, base+"/v1/sessions/carol/flows/simple_bash", nil, nil); code != http.StatusCreated {
		t.Fatalf("open = %d %s", code, body)
	}
	good := http.Header{"Authorization": {"Bearer secret-key"}}
	code, body := do(t, http.MethodGet, base+"/v1/admin/sessions", nil, good)
	if code != http.StatusOK || !strings.Contains(string(body), `"session_id":"carol"`) {
		t.Errorf("admin sessions = %d %s", code, body)
	}
	code, body = do(t, http.MethodDelete, base+"/v1/admin/sessions/carol", nil, good)
	if code != http.StatusOK || !strings.Contains(string(body), `"ended":1`) {
		t.Errorf("admin end = %d %s", code, body)
	}
}

func TestGateway_ReadinessAndMetrics(t *testing.T) {
	obs := observability.NewMetricsCollector()
	health := observability.NewHealthChecker(nil)
	health.AddCheck("sandbox", func(context.Context) error { return errors.New("down") })

	base := startGateway(t, Config{
		Metrics:         obs,
		MetricsRegistry: obs.Registry,
		HealthChecker:   health,
	}, nil)

	if code, body := do(t, http.MethodGet, base+"/readyz", nil, nil); code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d %s, want 503", code, body)
	}

	do(t, http.MethodGet, base+"/v1/flows", nil, nil)
	code, body := do(t, http.MethodGet, base+"/metrics", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("metrics = %d", code)
	}
	want := fmt.Sprintf(`tutorbox_http_requests_total{method="GET",path="/v1/flows",status_code="%d"}`, http.StatusOK)
	if !strings.Contains(string(body), want) {
		t.Errorf("metrics output missing %s", want)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{flow.ErrUnknownFlow, http.StatusNotFound},
		{storage.ErrNotFound, http.StatusNotFound},
		{flow.ErrBusy, http.StatusConflict},
		{ratelimit.ErrRateLimited, http.StatusTooManyRequests},
		{fmt.Errorf("%w: docker run: exit 125", sandbox.ErrProvisionFailed), http.StatusServiceUnavailable},
		{session.ErrCapacity, http.StatusServiceUnavailable},
		{session.ErrClosed, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestValidSessionID(t *testing.T) {
	for id, want := range map[string]bool{
		"alice":                  true,
		"user@example.com":       true,
		"a1:b2-c3.d4_e5":         true,
		"":                       false,
		" bad":                   false,
		"-leading":               false,
		strings.Repeat("x", 129): false,
	} {
		if got := validSessionID(id); got != want {
			t.Errorf("validSessionID(%q) = %v, want %v", id, got, want)
		}
	}
}
