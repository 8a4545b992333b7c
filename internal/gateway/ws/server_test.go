package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/tutorbox/internal/config"
	"github.com/jkaninda/tutorbox/internal/flow"
	"github.com/jkaninda/tutorbox/internal/observability"
	"github.com/jkaninda/tutorbox/internal/ratelimit"
	"github.com/jkaninda/tutorbox/internal/sandbox"
	"github.com/jkaninda/tutorbox/internal/session"
	"github.com/jkaninda/tutorbox/internal/storage/memory"
	"github.com/jkaninda/tutorbox/internal/tutor"
)

type testServer struct {
	srv     *Server
	url     string
	metrics *observability.MetricsCollector
}

func newTestServer(t *testing.T, limiter *ratelimit.Limiter) *testServer {
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

	metrics := observability.NewMetricsCollector()
	srv := NewServer(svc, &config.WebSocketGatewayConfig{Enabled: true}, metrics, slog.Default())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Stop(context.Background())
		ts.Close()
		_ = reg.Shutdown(context.Background())
	})
	return &testServer{
		srv:     srv,
		url:     "ws" + strings.TrimPrefix(ts.URL, "http"),
		metrics: metrics,
	}
}

// dial connects as sessionID and consumes the ready message.
func (ts *testServer) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, ts.url+"?session="+sessionID, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })

	var ready Reply
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		t.Fatalf("reading ready: %v", err)
	}
	if ready.Type != MsgReady || ready.SessionID != sessionID || len(ready.Flows) != 1 {
		t.Fatalf("ready = %+v", ready)
	}
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, msg ClientMessage) Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := wsjson.Write(ctx, conn, msg); err != nil {
		t.Fatalf("write %s: %v", msg.Type, err)
	}
	var reply Reply
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		t.Fatalf("read reply to %s: %v", msg.Type, err)
	}
	if reply.ID != msg.ID {
		t.Errorf("reply id = %q, want %q", reply.ID, msg.ID)
	}
	return reply
}

func TestServer_SimpleBashSession(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "alice")

	if got := testutil.ToFloat64(ts.metrics.WSConnections); got != 1 {
		t.Errorf("ws connections = %v, want 1", got)
	}

	reply := roundTrip(t, conn, ClientMessage{ID: "1", Type: MsgOpen, Slug: "simple_bash"})
	if reply.Type != MsgState || reply.State == nil || reply.State.Step != "Step1" || !reply.State.Created {
		t.Fatalf("open reply = %+v", reply)
	}

	steps := []struct {
		input   string
		advance bool
		done    bool
	}{
		{"echo Hello", false, false},
		{"echo Hello World", true, false},
		{"echo next", true, true},
	}
	for i, s := range steps {
		reply = roundTrip(t, conn, ClientMessage{ID: string(rune('a' + i)), Type: MsgSubmit, Slug: "simple_bash", Input: s.input})
		if reply.Type != MsgResult || reply.Result == nil {
			t.Fatalf("submit %q reply = %+v", s.input, reply)
		}
		if reply.Result.Advance != s.advance || reply.Result.Completed != s.done {
			t.Errorf("submit %q result = %+v", s.input, reply.Result)
		}
	}

	reply = roundTrip(t, conn, ClientMessage{ID: "p", Type: MsgProgress, Slug: "simple_bash"})
	if reply.Type != MsgProgress || reply.Progress == nil || len(reply.Progress.History) != 3 {
		t.Errorf("progress reply = %+v", reply)
	}

	reply = roundTrip(t, conn, ClientMessage{ID: "e", Type: MsgEnd})
	if reply.Type != MsgEnded || reply.Ended != 1 {
		t.Errorf("end reply = %+v", reply)
	}
}

func TestServer_Errors(t *testing.T) {
	ts := newTestServer(t, ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1}))
	conn := ts.dial(t, "bob")

	tests := []struct {
		name string
		msg  ClientMessage
		want string
	}{
		{"unknown type", ClientMessage{ID: "1", Type: "dance"}, CodeBadRequest},
		{"unknown flow", ClientMessage{ID: "2", Type: MsgSubmit, Slug: "nope", Input: "ls"}, CodeUnknownFlow},
		{"input too large", ClientMessage{ID: "3", Type: MsgSubmit, Slug: "simple_bash", Input: strings.Repeat("x", maxInputBytes+1)}, CodeBadRequest},
		{"no progress", ClientMessage{ID: "4", Type: MsgProgress, Slug: "simple_bash"}, CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := roundTrip(t, conn, tt.msg)
			if reply.Type != MsgError || reply.Code != tt.want {
				t.Errorf("reply = %+v, want error code %s", reply, tt.want)
			}
		})
	}

	if reply := roundTrip(t, conn, ClientMessage{ID: "5", Type: MsgSubmit, Slug: "simple_bash", Input: "ls"}); reply.Type != MsgResult {
		t.Fatalf("first submit = %+v", reply)
	}
	if reply := roundTrip(t, conn, ClientMessage{ID: "6", Type: MsgSubmit, Slug: "simple_bash", Input: "ls"}); reply.Code != CodeRateLimited {
		t.Errorf("second submit = %+v, want rate_limited", reply)
	}
	if reply := roundTrip(t, conn, ClientMessage{ID: "7", Type: MsgPing}); reply.Type != MsgPong {
		t.Errorf("ping = %+v", reply)
	}
}

func TestServer_RejectsBadSession(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, ts.url+"?session=", nil)
	if err == nil {
		t.Fatal("expected dial to fail without a session")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("response = %+v, want 400", resp)
	}
}

func TestServer_StopClosesConnections(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "carol")

	if n := ts.srv.Tracker().Len(); n != 1 {
		t.Fatalf("tracked = %d, want 1", n)
	}
	if err := ts.srv.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected read to fail after Stop")
	} else if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("connection was not closed by Stop")
	}

	deadline := time.Now().Add(5 * time.Second)
	for ts.srv.Tracker().Len() != 0 || testutil.ToFloat64(ts.metrics.WSConnections) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection still tracked after Stop")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnTracker(t *testing.T) {
	tr := NewConnTracker(slog.Default())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	var cancelled []string
	tr.Track("a", "alice", "127.0.0.1:1", func() { cancelled = append(cancelled, "a") })
	now = now.Add(time.Second)
	tr.Track("b", "bob", "127.0.0.1:2", func() { cancelled = append(cancelled, "b") })
	tr.Touch("a")
	tr.Touch("a")
	tr.Touch("missing")

	snap := tr.Snapshot()
	if len(snap) != 2 || snap[0].ID != "a" || snap[0].Messages != 2 || !snap[0].LastMessage.Equal(now) {
		t.Fatalf("snapshot = %+v", snap)
	}
	if n := tr.CloseAll(); n != 2 || len(cancelled) != 2 {
		t.Errorf("CloseAll = %d, cancelled %v", n, cancelled)
	}
	if !tr.Remove("a") || tr.Remove("a") {
		t.Error("Remove should succeed once")
	}
	if tr.Len() != 1 {
		t.Errorf("Len = %d, want 1", tr.Len())
	}
}
