package httpapi

import (
	"log/slog"

	"github.com/jkaninda/okapi"
)

// SSEEvent represents a server-sent event for streaming submissions.
type SSEEvent struct {
	Type    string `json:"type"`              // "stdout", "stderr", "outcome", "prompt", "done", "error"
	Content string `json:"content,omitempty"` // Text content.
	Step    string `json:"step,omitempty"`
	Advance bool   `json:"advance,omitempty"`
}

// handleSubmitStream handles POST .../submit/stream with SSE responses.
// The command runs to completion; its output, the outcome and the next
// prompt are then sent as separate events so terminals can render them
// as they arrive.
func (g *Gateway) handleSubmitStream(c *okapi.Context) error {
	sessionID, slug, input, err := g.bindSubmit(c)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	resp, err := g.service.Submit(c.Context(), sessionID, slug, input)
	if err != nil {
		_, msg := errorStatus(err)
		g.logger.DebugContext(c.Context(), "streamed submission rejected",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		c.SSEvent("error", SSEEvent{Type: "error", Content: msg})
		return nil
	}

	if resp.OK != "" {
		c.SSEvent("stdout", SSEEvent{Type: "stdout", Content: resp.OK})
	}
	if resp.Err != "" {
		c.SSEvent("stderr", SSEEvent{Type: "stderr", Content: resp.Err})
	}
	c.SSEvent("outcome", SSEEvent{Type: "outcome", Content: resp.Hint, Step: resp.Step, Advance: resp.Advance})
	if resp.NextPrompt != "" {
		c.SSEvent("prompt", SSEEvent{Type: "prompt", Content: resp.NextPrompt, Step: resp.NextStep})
	}
	c.SSEvent("done", SSEEvent{Type: "done"})
	return nil
}
