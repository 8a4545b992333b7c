package step

import (
	"regexp"
	"strings"
)

// Captured is what a validator sees of one command run.
type Captured struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Outcome is the verdict for one submission.
type Outcome struct {
	Advance bool   `json:"advance"`
	Hint    string `json:"hint,omitempty"`
	OK      string `json:"ok"`
	Err     string `json:"err"`
}

// Validator decides whether a captured run completes a step.
// Evaluate must be deterministic and free of side effects.
type Validator interface {
	Evaluate(c Captured) Outcome
}

// Expect is the declarative validator: the trimmed stdout must equal Output.
// Stderr only changes the hint.
//
// Hints are chosen in order: timed out without a match, anything on stderr,
// matching stdout, anything else.
type Expect struct {
	Output         string `yaml:"output" json:"output"`
	OnSuccessHint  string `yaml:"on_success" json:"on_success,omitempty"`
	OnWrongOutHint string `yaml:"on_wrong_output" json:"on_wrong_output,omitempty"`
	OnErrHint      string `yaml:"on_error" json:"on_error,omitempty"`
	OnTimeoutHint  string `yaml:"on_timeout" json:"on_timeout,omitempty"`
}

func (e Expect) Evaluate(c Captured) Outcome {
	out := recorded(c)
	out.Advance = out.OK == e.Output

	switch {
	case c.TimedOut && !out.Advance:
		out.Hint = e.OnTimeoutHint
	case out.Err != "":
		out.Hint = e.OnErrHint
	case out.Advance:
		out.Hint = e.OnSuccessHint
	default:
		out.Hint = e.OnWrongOutHint
	}
	return out
}

// recorded returns an Outcome carrying the stripped output of c.
func recorded(c Captured) Outcome {
	return Outcome{OK: strings.TrimSpace(c.Stdout), Err: strings.TrimSpace(c.Stderr)}
}

// Check is the procedural validator: an arbitrary pure function.
type Check struct {
	Name string
	Fn   func(c Captured) Outcome
}

// CheckFunc wraps fn as a named Validator.
func CheckFunc(name string, fn func(c Captured) Outcome) Check {
	return Check{Name: name, Fn: fn}
}

func (k Check) Evaluate(c Captured) Outcome {
	if k.Fn == nil {
		return recorded(c)
	}
	return k.Fn(c)
}

// Hints are the messages used by the built-in checks.
type Hints struct {
	Success string `yaml:"success" json:"success,omitempty"`
	Failure string `yaml:"failure" json:"failure,omitempty"`
	Timeout string `yaml:"timeout" json:"timeout,omitempty"`
}

// predicate builds a Check that advances when pred holds. A timed-out
// run never advances.
func predicate(name string, h Hints, pred func(c Captured) bool) Check {
	return CheckFunc(name, func(c Captured) Outcome {
		out := recorded(c)
		switch {
		case c.TimedOut:
			out.Hint = h.Timeout
			if out.Hint == "" {
				out.Hint = h.Failure
			}
		case pred(c):
			out.Advance = true
			out.Hint = h.Success
		default:
			out.Hint = h.Failure
		}
		return out
	})
}

// StdoutEquals advances when the trimmed stdout equals want.
func StdoutEquals(want string, h Hints) Check {
	return predicate("stdout_equals", h, func(c Captured) bool {
		return strings.TrimSpace(c.Stdout) == want
	})
}

// StdoutContains advances when stdout contains sub.
func StdoutContains(sub string, h Hints) Check {
	return predicate("stdout_contains", h, func(c Captured) bool {
		return strings.Contains(c.Stdout, sub)
	})
}

// StdoutMatches advances when stdout matches re.
func StdoutMatches(re *regexp.Regexp, h Hints) Check {
	return predicate("stdout_matches", h, func(c Captured) bool {
		return re.MatchString(c.Stdout)
	})
}

// ExitCodeIs advances when the command exited with code.
func ExitCodeIs(code int, h Hints) Check {
	return predicate("exit_code", h, func(c Captured) bool {
		return c.ExitCode == code
	})
}
