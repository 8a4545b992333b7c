package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/jkaninda/tutorbox/internal/step"
)

// Procedure is a setup or teardown action run against a flow.
type Procedure interface {
	Run(ctx context.Context, f *Flow) error
}

// ProcedureFunc adapts a function to Procedure.
type ProcedureFunc func(ctx context.Context, f *Flow) error

func (fn ProcedureFunc) Run(ctx context.Context, f *Flow) error { return fn(ctx, f) }

// ProvisionSandbox creates the flow's sandbox from the definition template.
// It is a no-op when the flow already holds one.
func ProvisionSandbox() Procedure {
	return ProcedureFunc(func(ctx context.Context, f *Flow) error {
		return f.provision(ctx)
	})
}

// ReleaseSandbox destroys the flow's sandbox.
func ReleaseSandbox() Procedure {
	return ProcedureFunc(func(ctx context.Context, f *Flow) error {
		return f.release(ctx)
	})
}

// Sequence runs procedures in order, stopping at the first error.
func Sequence(procs ...Procedure) Procedure {
	return ProcedureFunc(func(ctx context.Context, f *Flow) error {
		for _, p := range procs {
			if p == nil {
				continue
			}
			if err := p.Run(ctx, f); err != nil {
				return err
			}
		}
		return nil
	})
}

// Commands runs shell commands inside the sandbox like steps, under the
// flow's time bound. A non-zero exit or a timeout fails the procedure.
type Commands struct {
	Lines []string
	// Rule builds each command. Nil runs each line with sh -c.
	Rule step.CommandRule
}

func (c Commands) Run(ctx context.Context, f *Flow) error {
	rule := c.Rule
	if rule == nil {
		rule = step.Argument{Argv: []string{"sh", "-c"}}
	}
	for _, line := range c.Lines {
		res, err := f.exec(ctx, rule.Build(line))
		if err != nil {
			return fmt.Errorf("%w: %q: %w", ErrProcedureFailed, line, err)
		}
		if res.TimedOut {
			return fmt.Errorf("%w: %q timed out", ErrProcedureFailed, line)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("%w: %q exited %d: %s",
				ErrProcedureFailed, line, res.ExitCode, strings.TrimSpace(res.Stderr))
		}
	}
	return nil
}
