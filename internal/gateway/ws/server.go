// Package ws implements the interactive WebSocket terminal.
// A browser terminal connects with ?session=<id>, then exchanges JSON
// messages: open, submit, restart, progress and end requests, each answered
// by one reply carrying the request ID. Requests are handled concurrently,
// so a second submit while a command runs is answered with code "busy".
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/tutorbox/internal/config"
	"github.com/jkaninda/tutorbox/internal/observability"
	"github.com/jkaninda/tutorbox/internal/storage"
	"github.com/jkaninda/tutorbox/internal/tutor"
)

const (
	maxInputBytes = 16 << 10
	writeTimeout  = 10 * time.Second
)

// Server is the WebSocket terminal. It is mounted on the HTTP gateway via
// Handler and implements gateway.Gateway so it can be stopped with the
// other front ends.
type Server struct {
	service *tutor.Service
	cfg     *config.WebSocketGatewayConfig
	metrics *observability.MetricsCollector
	tracker *ConnTracker
	logger  *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a terminal server. cfg and metrics may be nil.
func NewServer(svc *tutor.Service, cfg *config.WebSocketGatewayConfig, metrics *observability.MetricsCollector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("gateway", "ws"))
	return &Server{
		service: svc,
		cfg:     cfg,
		metrics: metrics,
		tracker: NewConnTracker(logger),
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Tracker returns the set of open connections.
func (s *Server) Tracker() *ConnTracker {
	return s.tracker
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// Start blocks until ctx is canceled or Stop is called, then closes all
// open connections.
func (s *Server) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-s.done:
	}
	s.closeAll()
	return nil
}

// Stop closes all open connections.
func (s *Server) Stop(_ context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	s.closeAll()
	return nil
}

func (s *Server) closeAll() {
	if n := s.tracker.CloseAll(); n > 0 {
		s.logger.Info("closing terminal connections", slog.Int("count", n))
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	sessionID := r.URL.Query().Get("session")
	if !tutor.ValidSessionID(sessionID) {
		http.Error(w, "invalid or missing session", http.StatusBadRequest)
		return
	}

	var origins []string
	if s.cfg != nil {
		origins = s.cfg.AllowedOriginPatterns
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: origins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(s.cfg.WSMaxMessageSize())

	s.handleConnection(r.Context(), conn, sessionID, r.RemoteAddr)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, sessionID, remoteAddr string) {
	ctx, cancel := context.WithCancel(ctx)
	connID := uuid.NewString()
	s.tracker.Track(connID, sessionID, remoteAddr, cancel)
	if s.metrics != nil {
		s.metrics.WSConnections.Inc()
	}

	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
		s.tracker.Remove(connID)
		if s.metrics != nil {
			s.metrics.WSConnections.Dec()
		}
		_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	logger := s.logger.With(
		slog.String("conn_id", connID),
		slog.String("session_id", sessionID),
	)
	logger.Info("terminal connected", slog.String("remote_addr", remoteAddr))

	if err := s.write(ctx, conn, &Reply{Type: MsgReady, SessionID: sessionID, Flows: s.service.Flows()}); err != nil {
		logger.Debug("sending ready", slog.String("error", err.Error()))
		return
	}

	go s.pingLoop(ctx, conn, cancel, logger)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				logger.Info("terminal disconnected")
			default:
				if ctx.Err() == nil {
					logger.Warn("terminal connection error", slog.String("error", err.Error()))
				}
			}
			return
		}
		s.tracker.Touch(connID)

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = s.write(ctx, conn, errorReply("", CodeBadRequest, "invalid message"))
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			reply := s.dispatch(ctx, sessionID, &msg)
			if err := s.write(ctx, conn, reply); err != nil {
				logger.Debug("writing reply",
					slog.String("type", string(reply.Type)),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
}

// dispatch handles one client message and builds the reply.
func (s *Server) dispatch(ctx context.Context, sessionID string, msg *ClientMessage) *Reply {
	var (
		reply *Reply
		err   error
	)
	switch msg.Type {
	case MsgPing:
		reply = &Reply{Type: MsgPong}
	case MsgOpen, MsgRestart:
		var st *tutor.State
		if msg.Type == MsgOpen {
			st, err = s.service.Open(ctx, sessionID, msg.Slug)
		} else {
			st, err = s.service.Restart(ctx, sessionID, msg.Slug)
		}
		reply = &Reply{Type: MsgState, State: st}
	case MsgSubmit:
		if len(msg.Input) > maxInputBytes {
			return errorReply(msg.ID, CodeBadRequest, "input too large")
		}
		var resp *tutor.Response
		resp, err = s.service.Submit(ctx, sessionID, msg.Slug, msg.Input)
		reply = &Reply{Type: MsgResult, Result: resp}
	case MsgProgress:
		var p *tutor.Progress
		p, err = s.service.Progress(ctx, sessionID, msg.Slug, storage.DefaultHistoryLimit)
		reply = &Reply{Type: MsgProgress, Progress: p}
	case MsgEnd:
		reply = &Reply{Type: MsgEnded}
		if msg.Slug == "" {
			reply.Ended, err = s.service.EndSession(ctx, sessionID)
		} else {
			var ok bool
			ok, err = s.service.EndFlow(ctx, sessionID, msg.Slug)
			if ok {
				reply.Ended = 1
			}
		}
		if err != nil {
			// Teardown failures are logged; the sandboxes are released regardless.
			s.logger.WarnContext(ctx, "ending flows",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			err = nil
		}
	default:
		return errorReply(msg.ID, CodeBadRequest, "unknown message type "+string(msg.Type))
	}

	if err != nil {
		code, text := errorCode(err)
		if code == CodeInternal {
			s.logger.ErrorContext(ctx, "terminal request failed",
				slog.String("session_id", sessionID),
				slog.String("type", string(msg.Type)),
				slog.String("error", err.Error()),
			)
		}
		return errorReply(msg.ID, code, text)
	}
	reply.ID = msg.ID
	return reply
}

func (s *Server) pingLoop(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, logger *slog.Logger) {
	interval := s.cfg.WSPingInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, interval)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				logger.Debug("keepalive ping failed", slog.String("error", err.Error()))
				cancel()
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, reply *Reply) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
