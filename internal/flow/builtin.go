package flow

import (
	"strings"

	"github.com/jkaninda/tutorbox/internal/step"
)

// SimpleBash returns the built-in introductory flow. Both steps run the
// input as a bash program on stdin.
func SimpleBash() *Definition {
	bash := step.Stdin{Argv: []string{"bash"}}
	return &Definition{
		Name:     "Simple Bash",
		Slug:     "simple_bash",
		Template: "bash",
		Description: "A two-step warm-up for the shell. Each command you type runs " +
			"in your own sandbox and is checked before you move on.",
		Steps: []step.Definition{
			{
				Name:   "Step1",
				Prompt: step.DefaultPrompt,
				Description: "Print the text **Hello World** to standard output.\n\n" +
					"Your command's output must match exactly; anything written to " +
					"stderr is shown back to you.",
				Rule: bash,
				Validator: step.Expect{
					Output:         "Hello World",
					OnSuccessHint:  "Well done!",
					OnWrongOutHint: "Let's try again!",
				},
			},
			{
				Name:   "Step2",
				Prompt: step.DefaultPrompt,
				Description: "Now write a command which prints `next`.\n\n" +
					"This step is judged by a custom check that sees stdout, stderr " +
					"and the exit code.",
				Rule:      bash,
				Validator: step.CheckFunc("prints_next", printsNext),
			},
		},
	}
}

func printsNext(c step.Captured) step.Outcome {
	out := step.Outcome{OK: strings.TrimSpace(c.Stdout), Err: strings.TrimSpace(c.Stderr)}
	if out.OK == "next" {
		out.Advance = true
		return out
	}
	out.Hint = `Try to write a command which prints "next"`
	return out
}
