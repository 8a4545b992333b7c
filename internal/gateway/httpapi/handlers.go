package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/tutorbox/internal/flow"
	"github.com/jkaninda/tutorbox/internal/ratelimit"
	"github.com/jkaninda/tutorbox/internal/sandbox"
	"github.com/jkaninda/tutorbox/internal/session"
	"github.com/jkaninda/tutorbox/internal/storage"
)

// SubmitRequest is the JSON body for POST .../submit.
type SubmitRequest struct {
	Input string `json:"input"`
}

// EndResponse reports how many flows an end request released.
type EndResponse struct {
	Ended int `json:"ended"`
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleListFlows(c *okapi.Context) error {
	return c.OK(g.service.Flows())
}

func (g *Gateway) handleGetFlow(c *okapi.Context) error {
	slug := c.Param("slug")
	for _, s := range g.service.Flows() {
		if s.Slug == slug {
			return c.OK(s)
		}
	}
	return g.writeError(c, flow.ErrUnknownFlow)
}

func (g *Gateway) handleOpen(c *okapi.Context) error {
	sessionID := c.Param("session")
	if !validSessionID(sessionID) {
		return c.AbortBadRequest("invalid session id")
	}
	st, err := g.service.Open(c.Context(), sessionID, c.Param("slug"))
	if err != nil {
		return g.writeError(c, err)
	}
	if st.Created {
		return c.JSON(http.StatusCreated, st)
	}
	return c.OK(st)
}

func (g *Gateway) handleProgress(c *okapi.Context) error {
	sessionID := c.Param("session")
	if !validSessionID(sessionID) {
		return c.AbortBadRequest("invalid session id")
	}
	p, err := g.service.Progress(c.Context(), sessionID, c.Param("slug"), storage.DefaultHistoryLimit)
	if err != nil {
		return g.writeError(c, err)
	}
	return c.OK(p)
}

func (g *Gateway) handleSubmit(c *okapi.Context) error {
	sessionID, slug, input, err := g.bindSubmit(c)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	correlationID := newCorrelationID()
	g.logger.DebugContext(c.Context(), "submission received",
		slog.String("session_id", sessionID),
		slog.String("flow", slug),
		slog.String("correlation_id", correlationID),
	)

	resp, err := g.service.Submit(c.Context(), sessionID, slug, input)
	if err != nil {
		g.logger.DebugContext(c.Context(), "submission rejected",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return g.writeError(c, err)
	}
	return c.OK(resp)
}

func (g *Gateway) handleRestart(c *okapi.Context) error {
	sessionID := c.Param("session")
	if !validSessionID(sessionID) {
		return c.AbortBadRequest("invalid session id")
	}
	st, err := g.service.Restart(c.Context(), sessionID, c.Param("slug"))
	if err != nil {
		return g.writeError(c, err)
	}
	return c.OK(st)
}

func (g *Gateway) handleEndFlow(c *okapi.Context) error {
	sessionID := c.Param("session")
	if !validSessionID(sessionID) {
		return c.AbortBadRequest("invalid session id")
	}
	ok, err := g.service.EndFlow(c.Context(), sessionID, c.Param("slug"))
	if err != nil {
		g.logger.WarnContext(c.Context(), "ending flow", slog.String("error", err.Error()))
	}
	resp := EndResponse{}
	if ok {
		resp.Ended = 1
	}
	return c.OK(resp)
}

func (g *Gateway) handleEndSession(c *okapi.Context) error {
	sessionID := c.Param("session")
	if !validSessionID(sessionID) {
		return c.AbortBadRequest("invalid session id")
	}
	return g.endSession(c, sessionID)
}

func (g *Gateway) handleAdminSessions(c *okapi.Context) error {
	return c.OK(g.service.Sessions())
}

func (g *Gateway) handleAdminEndSession(c *okapi.Context) error {
	g.logger.InfoContext(c.Context(), "operator ending session",
		slog.String("operator", c.GetString("operator")),
		slog.String("session_id", c.Param("session")),
	)
	return g.endSession(c, c.Param("session"))
}

func (g *Gateway) endSession(c *okapi.Context, sessionID string) error {
	n, err := g.service.EndSession(c.Context(), sessionID)
	if err != nil {
		// Teardown failures are logged; the sandboxes are released regardless.
		g.logger.WarnContext(c.Context(), "ending session",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
	return c.OK(EndResponse{Ended: n})
}

// handleLiveness reports that the process is up.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if !status.OK() {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// bindSubmit validates the path and body of a submit request.
func (g *Gateway) bindSubmit(c *okapi.Context) (sessionID, slug, input string, err error) {
	sessionID = c.Param("session")
	if !validSessionID(sessionID) {
		return "", "", "", errors.New("invalid session id")
	}
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return "", "", "", errors.New("input is required")
	}
	if len(req.Input) > maxInputBytes {
		return "", "", "", errors.New("input too large")
	}
	return sessionID, c.Param("slug"), req.Input, nil
}

// writeError maps service errors to HTTP responses.
func (g *Gateway) writeError(c *okapi.Context, err error) error {
	code, msg := errorStatus(err)
	if code == http.StatusTooManyRequests {
		return c.AbortTooManyRequests(msg)
	}
	if code == http.StatusInternalServerError {
		g.logger.ErrorContext(c.Context(), "request failed", slog.String("error", err.Error()))
	}
	return c.JSON(code, ErrorBody{Error: msg})
}

// errorStatus returns the HTTP status and client-facing message for err.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, flow.ErrUnknownFlow):
		return http.StatusNotFound, "unknown flow"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "no progress recorded for this session"
	case errors.Is(err, flow.ErrBusy):
		return http.StatusConflict, "a command is already running; wait for it to finish"
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests, "rate limit exceeded"
	case errors.Is(err, sandbox.ErrProvisionFailed):
		return http.StatusServiceUnavailable, "sandbox unavailable, try again later"
	case errors.Is(err, session.ErrCapacity):
		return http.StatusServiceUnavailable, "too many active sessions, try again later"
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable, "shutting down"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
