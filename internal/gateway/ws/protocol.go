package ws

import (
	"context"
	"errors"

	"github.com/jkaninda/tutorbox/internal/flow"
	"github.com/jkaninda/tutorbox/internal/ratelimit"
	"github.com/jkaninda/tutorbox/internal/sandbox"
	"github.com/jkaninda/tutorbox/internal/session"
	"github.com/jkaninda/tutorbox/internal/storage"
	"github.com/jkaninda/tutorbox/internal/tutor"
)

// Subprotocol is the WebSocket subprotocol spoken by the terminal.
const Subprotocol = "tutorbox-terminal-v1"

// MessageType identifies a terminal message.
type MessageType string

// Client to server.
const (
	MsgOpen     MessageType = "open"
	MsgSubmit   MessageType = "submit"
	MsgRestart  MessageType = "restart"
	MsgProgress MessageType = "progress"
	MsgEnd      MessageType = "end"
	MsgPing     MessageType = "ping"
)

// Server to client.
const (
	MsgReady  MessageType = "ready"
	MsgState  MessageType = "state"
	MsgResult MessageType = "result"
	MsgEnded  MessageType = "ended"
	MsgPong   MessageType = "pong"
	MsgError  MessageType = "error"
)

// Error codes carried by MsgError replies.
const (
	CodeBadRequest  = "bad_request"
	CodeUnknownFlow = "unknown_flow"
	CodeNotFound    = "not_found"
	CodeBusy        = "busy"
	CodeRateLimited = "rate_limited"
	CodeUnavailable = "unavailable"
	CodeTimeout     = "timeout"
	CodeInternal    = "internal"
)

// ClientMessage is a request from the terminal. ID is echoed in the reply.
type ClientMessage struct {
	ID    string      `json:"id,omitempty"`
	Type  MessageType `json:"type"`
	Slug  string      `json:"slug,omitempty"`
	Input string      `json:"input,omitempty"`
}

// Reply is a message sent to the terminal.
type Reply struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Flows     []flow.Summary  `json:"flows,omitempty"`
	State     *tutor.State    `json:"state,omitempty"`
	Result    *tutor.Response `json:"result,omitempty"`
	Progress  *tutor.Progress `json:"progress,omitempty"`
	Ended     int             `json:"ended,omitempty"`
	Code      string          `json:"code,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func errorReply(id, code, msg string) *Reply {
	return &Reply{ID: id, Type: MsgError, Code: code, Error: msg}
}

// errorCode returns the reply code and client-facing message for err.
func errorCode(err error) (string, string) {
	switch {
	case errors.Is(err, flow.ErrUnknownFlow):
		return CodeUnknownFlow, "unknown flow"
	case errors.Is(err, storage.ErrNotFound):
		return CodeNotFound, "no progress recorded for this session"
	case errors.Is(err, flow.ErrBusy):
		return CodeBusy, "a command is already running; wait for it to finish"
	case errors.Is(err, ratelimit.ErrRateLimited):
		return CodeRateLimited, "rate limit exceeded"
	case errors.Is(err, sandbox.ErrProvisionFailed):
		return CodeUnavailable, "sandbox unavailable, try again later"
	case errors.Is(err, session.ErrCapacity):
		return CodeUnavailable, "too many active sessions, try again later"
	case errors.Is(err, session.ErrClosed):
		return CodeUnavailable, "shutting down"
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout, "request timed out"
	default:
		return CodeInternal, "internal error"
	}
}
