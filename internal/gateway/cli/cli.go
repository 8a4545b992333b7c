// Package cli implements the local interactive terminal for tutorbox.
// It plays one flow for one session: the step prompt is printed, each line
// typed is submitted, and the outcome, output and next prompt are printed
// until the flow completes or the learner quits.
package cli

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jkaninda/tutorbox/internal/flow"
	"github.com/jkaninda/tutorbox/internal/ratelimit"
	"github.com/jkaninda/tutorbox/internal/step"
	"github.com/jkaninda/tutorbox/internal/tutor"
)

// DefaultSessionID is used when no session ID is configured.
const DefaultSessionID = "local"

// Gateway is the interactive command-line interface.
type Gateway struct {
	service   *tutor.Service
	slug      string
	sessionID string
	in        io.Reader
	out       io.Writer
	errOut    io.Writer
	logger    *slog.Logger
	done      chan struct{} // closed by Stop to signal shutdown
	prompt    string        // shell prompt of the current step
}

// NewGateway creates a CLI gateway that plays the flow slug.
func NewGateway(svc *tutor.Service, slug, sessionID string, logger *slog.Logger) *Gateway {
	if sessionID == "" {
		sessionID = DefaultSessionID
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		service:   svc,
		slug:      slug,
		sessionID: sessionID,
		in:        os.Stdin,
		out:       os.Stdout,
		errOut:    os.Stderr,
		logger:    logger,
		done:      make(chan struct{}),
		prompt:    step.DefaultPrompt,
	}
}

// WithIO replaces stdin, stdout and stderr.
func (g *Gateway) WithIO(in io.Reader, out, errOut io.Writer) *Gateway {
	g.in = in
	g.out = out
	g.errOut = errOut
	return g
}

// Start runs the interactive REPL. Blocks until ctx is cancelled, Stop is
// called, the flow is completed, or the user types "exit". The flow is
// ended and its sandbox released on return.
func (g *Gateway) Start(ctx context.Context) error {
	st, err := g.service.Open(ctx, g.sessionID, g.slug)
	if err != nil {
		return fmt.Errorf("opening flow %s: %w", g.slug, err)
	}
	defer g.end()

	fmt.Fprintf(g.out, "%s\n", st.Name)
	fmt.Fprintln(g.out, `Type a command to run it, ":restart" to start over, ":progress" for your position, or "exit" to quit.`)
	fmt.Fprintln(g.out)
	if st.Completed {
		fmt.Fprintln(g.out, tutor.AlreadyCompleteMessage)
		return nil
	}
	g.printState(st)

	scanner := bufio.NewScanner(g.in)
	for {
		fmt.Fprint(g.out, g.prompt)

		// Check for context cancellation or Stop signal between prompts.
		select {
		case <-ctx.Done():
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		case <-g.done:
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		default:
		}

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit", ":quit":
			fmt.Fprintln(g.out, "Goodbye.")
			return nil
		case ":restart":
			g.restart(ctx, scanner)
			continue
		case ":progress":
			g.progress(ctx)
			continue
		}

		correlationID := newCorrelationID()
		g.logger.DebugContext(ctx, "cli submission",
			slog.String("session_id", g.sessionID),
			slog.String("correlation_id", correlationID),
		)

		resp, err := g.service.Submit(ctx, g.sessionID, g.slug, line)
		if err != nil {
			g.logger.DebugContext(ctx, "submission failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(g.errOut, "Error: %s\n", describeError(err))
			continue
		}
		if g.printResponse(resp) {
			return nil
		}
		if resp.Advance {
			g.showCurrent(ctx)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// Stop signals the REPL to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	select {
	case <-g.done:
		// Already closed.
	default:
		close(g.done)
	}
	return nil
}

// printResponse renders one submission. Reports whether the flow is complete.
func (g *Gateway) printResponse(resp *tutor.Response) bool {
	if resp.OK != "" {
		fmt.Fprint(g.out, withNewline(resp.OK))
	}
	if resp.Err != "" {
		fmt.Fprint(g.errOut, withNewline(resp.Err))
	}
	if resp.Truncated {
		fmt.Fprintln(g.out, "[output truncated]")
	}
	if resp.TimedOut {
		fmt.Fprintln(g.out, "[command timed out]")
	}
	if resp.Hint != "" {
		fmt.Fprintf(g.out, "\n%s\n", resp.Hint)
	}

	if resp.Completed {
		if resp.Advance {
			fmt.Fprintln(g.out, "\nCongratulations, you completed this tutorial!")
		}
		return true
	}
	return false
}

// showCurrent prints the step the learner is now on.
func (g *Gateway) showCurrent(ctx context.Context) {
	st, err := g.service.Open(ctx, g.sessionID, g.slug)
	if err != nil {
		fmt.Fprintf(g.errOut, "Error: %s\n", describeError(err))
		return
	}
	fmt.Fprintln(g.out)
	g.printState(st)
}

func (g *Gateway) printState(st *tutor.State) {
	fmt.Fprintf(g.out, "[%d/%d] %s\n", st.StepIndex+1, st.Total, st.Step)
	if st.Description != "" {
		fmt.Fprintln(g.out, st.Description)
	}
	g.prompt = st.Prompt
	if g.prompt == "" {
		g.prompt = step.DefaultPrompt
	}
}

// restart asks for confirmation, then starts the flow over.
func (g *Gateway) restart(ctx context.Context, scanner *bufio.Scanner) {
	fmt.Fprint(g.out, "Start over from the first step? [y/N]: ")
	if !scanner.Scan() {
		return
	}
	answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
	if answer != "y" && answer != "yes" {
		fmt.Fprintln(g.out, "Continuing.")
		return
	}

	st, err := g.service.Restart(ctx, g.sessionID, g.slug)
	if err != nil {
		fmt.Fprintf(g.errOut, "Error: %s\n", describeError(err))
		return
	}
	fmt.Fprintln(g.out)
	g.printState(st)
}

func (g *Gateway) progress(ctx context.Context) {
	p, err := g.service.Progress(ctx, g.sessionID, g.slug, 0)
	if err != nil {
		fmt.Fprintf(g.errOut, "Error: %s\n", describeError(err))
		return
	}
	if p.Live != nil {
		fmt.Fprintf(g.out, "Step %d of %d, %d commands submitted.\n", min(p.Live.Cursor+1, p.Live.Total), p.Live.Total, len(p.History))
	}
}

// end releases the flow's sandbox. It runs on a fresh context so that an
// interrupted REPL still tears down.
func (g *Gateway) end() {
	if _, err := g.service.EndFlow(context.Background(), g.sessionID, g.slug); err != nil {
		g.logger.Warn("ending flow",
			slog.String("flow", g.slug),
			slog.String("error", err.Error()),
		)
	}
}

func describeError(err error) string {
	switch {
	case errors.Is(err, flow.ErrBusy):
		return "a command is already running"
	case errors.Is(err, ratelimit.ErrRateLimited):
		return "too many commands, slow down"
	default:
		return err.Error()
	}
}

func withNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// newCorrelationID generates a short random hex ID for request tracing.
func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}
