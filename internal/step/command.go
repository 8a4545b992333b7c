package step

import (
	"slices"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Command is the concrete invocation built from user input.
type Command struct {
	Argv  []string
	Stdin string
}

// CommandRule turns raw user input into a Command. Implementations are pure
// and total: every input string yields a Command, and the argv shape is
// fixed by the rule, never by the input text.
type CommandRule interface {
	Build(input string) Command
	Kind() string
}

// Argument appends the input as the final literal argument,
// e.g. Argv ["bash", "-c"] yields ["bash", "-c", input].
type Argument struct {
	Argv []string
}

func (r Argument) Build(input string) Command {
	argv := slices.Clip(slices.Clone(r.Argv))
	return Command{Argv: append(argv, input)}
}

func (Argument) Kind() string { return "argument" }

// Stdin pipes the input to the program, e.g. Argv ["bash"] with the input
// as the script on stdin.
type Stdin struct {
	Argv []string
}

func (r Stdin) Build(input string) Command {
	return Command{Argv: slices.Clone(r.Argv), Stdin: input}
}

func (Stdin) Kind() string { return "stdin" }

// Script embeds the quoted input in a shell command line:
//
//	<Shell> -c "<Interpreter> -c '<input>'"
//
// Inputs that cannot be quoted (NUL bytes) fall back to feeding the input
// on the interpreter's stdin.
type Script struct {
	Shell       string // defaults to "sh"
	Interpreter string // defaults to "bash"
}

func (r Script) Build(input string) Command {
	shell, interp := r.Shell, r.Interpreter
	if shell == "" {
		shell = "sh"
	}
	if interp == "" {
		interp = "bash"
	}

	quotedInterp, err := syntax.Quote(interp, syntax.LangBash)
	if err != nil {
		return Command{Argv: []string{interp}, Stdin: input}
	}
	quoted, err := syntax.Quote(input, syntax.LangBash)
	if err != nil {
		return Command{Argv: []string{interp}, Stdin: input}
	}
	line := strings.Join([]string{quotedInterp, "-c", quoted}, " ")
	return Command{Argv: []string{shell, "-c", line}}
}

func (Script) Kind() string { return "script" }
