// Package step defines tutorial steps: how user input becomes a command and
// how the captured result is judged.
package step

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultPrompt is shown when a step declares none.
const DefaultPrompt = "# "

// Definition is one immutable step of a flow.
type Definition struct {
	Name        string
	Prompt      string
	Description string // Markdown.
	Rule        CommandRule
	Validator   Validator
}

// Validate checks that d is usable.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("step name is required")
	}
	if d.Rule == nil {
		return fmt.Errorf("step %q: command rule is required", d.Name)
	}
	if d.Validator == nil {
		return fmt.Errorf("step %q: validator is required", d.Name)
	}
	return nil
}

// DisplayPrompt returns the prompt, falling back to DefaultPrompt.
func (d Definition) DisplayPrompt() string {
	if d.Prompt == "" {
		return DefaultPrompt
	}
	return d.Prompt
}

// Manifest is the YAML form of a step inside a flow bundle.
type Manifest struct {
	Name        string          `yaml:"name"`
	Prompt      string          `yaml:"prompt"`
	Description string          `yaml:"description"`
	Command     CommandManifest `yaml:"command"`
	Expect      *Expect         `yaml:"expect"`
	Check       *CheckManifest  `yaml:"check"`
}

// CommandManifest selects a CommandRule. Mode is one of "stdin" (default),
// "argument" or "script".
type CommandManifest struct {
	Mode        string   `yaml:"mode"`
	Argv        []string `yaml:"argv"`
	Shell       string   `yaml:"shell"`
	Interpreter string   `yaml:"interpreter"`
}

// CheckManifest selects one built-in check. Exactly one matcher must be set.
type CheckManifest struct {
	StdoutEquals   *string `yaml:"stdout_equals"`
	StdoutContains *string `yaml:"stdout_contains"`
	StdoutMatches  *string `yaml:"stdout_matches"`
	ExitCode       *int    `yaml:"exit_code"`
	Hints          Hints   `yaml:"hints"`
}

// Compile resolves the manifest into a Definition.
func (m Manifest) Compile() (Definition, error) {
	def := Definition{
		Name:        strings.TrimSpace(m.Name),
		Prompt:      m.Prompt,
		Description: m.Description,
	}

	rule, err := m.Command.rule()
	if err != nil {
		return Definition{}, fmt.Errorf("step %q: %w", def.Name, err)
	}
	def.Rule = rule

	switch {
	case m.Expect != nil && m.Check != nil:
		return Definition{}, fmt.Errorf("step %q: expect and check are mutually exclusive", def.Name)
	case m.Expect != nil:
		def.Validator = *m.Expect
	case m.Check != nil:
		v, err := m.Check.validator()
		if err != nil {
			return Definition{}, fmt.Errorf("step %q: %w", def.Name, err)
		}
		def.Validator = v
	default:
		return Definition{}, fmt.Errorf("step %q: one of expect or check is required", def.Name)
	}

	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

func (c CommandManifest) rule() (CommandRule, error) {
	argv := c.Argv
	switch strings.ToLower(c.Mode) {
	case "", "stdin":
		if len(argv) == 0 {
			argv = []string{"bash"}
		}
		return Stdin{Argv: argv}, nil
	case "argument", "arg":
		if len(argv) == 0 {
			argv = []string{"bash", "-c"}
		}
		return Argument{Argv: argv}, nil
	case "script":
		return Script{Shell: c.Shell, Interpreter: c.Interpreter}, nil
	default:
		return nil, fmt.Errorf("unknown command mode %q", c.Mode)
	}
}

func (c CheckManifest) validator() (Validator, error) {
	var (
		v   Validator
		set int
	)
	if c.StdoutEquals != nil {
		v = StdoutEquals(*c.StdoutEquals, c.Hints)
		set++
	}
	if c.StdoutContains != nil {
		v = StdoutContains(*c.StdoutContains, c.Hints)
		set++
	}
	if c.StdoutMatches != nil {
		re, err := regexp.Compile(*c.StdoutMatches)
		if err != nil {
			return nil, fmt.Errorf("stdout_matches: %w", err)
		}
		v = StdoutMatches(re, c.Hints)
		set++
	}
	if c.ExitCode != nil {
		v = ExitCodeIs(*c.ExitCode, c.Hints)
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("check must set exactly one matcher, got %d", set)
	}
	return v, nil
}
