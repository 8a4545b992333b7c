package step

import (
	"regexp"
	"slices"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

func TestCommandRules(t *testing.T) {
	input := `echo "Hello World"; rm -rf $HOME`

	arg := Argument{Argv: []string{"bash", "-c"}}.Build(input)
	if !slices.Equal(arg.Argv, []string{"bash", "-c", input}) || arg.Stdin != "" {
		t.Errorf("Argument = %+v", arg)
	}

	in := Stdin{Argv: []string{"bash"}}.Build(input)
	if !slices.Equal(in.Argv, []string{"bash"}) || in.Stdin != input {
		t.Errorf("Stdin = %+v", in)
	}
}

func TestArgument_DoesNotAliasRuleArgv(t *testing.T) {
	rule := Argument{Argv: make([]string, 2, 8)}
	rule.Argv[0], rule.Argv[1] = "bash", "-c"

	a := rule.Build("first")
	b := rule.Build("second")
	if a.Argv[2] != "first" || b.Argv[2] != "second" {
		t.Errorf("builds share storage: %v %v", a.Argv, b.Argv)
	}
}

func TestScript_QuotesInput(t *testing.T) {
	inputs := []string{
		"echo Hello World",
		`echo "it's" $HOME`,
		"printf 'a\\nb'\n",
		"",
		"\t weird \x01 bytes",
	}
	for _, input := range inputs {
		cmd := Script{}.Build(input)
		if len(cmd.Argv) != 3 || cmd.Argv[0] != "sh" || cmd.Argv[1] != "-c" {
			t.Fatalf("Script(%q) argv = %v", input, cmd.Argv)
		}

		f, err := syntax.NewParser().Parse(strings.NewReader(cmd.Argv[2]), "")
		if err != nil {
			t.Fatalf("Script(%q) produced unparsable line %q: %v", input, cmd.Argv[2], err)
		}
		call, ok := f.Stmts[0].Cmd.(*syntax.CallExpr)
		if !ok || len(call.Args) != 3 {
			t.Fatalf("Script(%q) line %q is not a 3-word call", input, cmd.Argv[2])
		}
		got, err := expand.Literal(nil, call.Args[2])
		if err != nil {
			t.Fatalf("expanding: %v", err)
		}
		if got != input {
			t.Errorf("round trip = %q, want %q", got, input)
		}
	}
}

func TestScript_FallsBackToStdin(t *testing.T) {
	cmd := Script{Interpreter: "python3"}.Build("print('x')\x00")
	if !slices.Equal(cmd.Argv, []string{"python3"}) || cmd.Stdin != "print('x')\x00" {
		t.Errorf("fallback = %+v", cmd)
	}
}

func TestExpect_HintPriority(t *testing.T) {
	e := Expect{
		Output:         "Hello World",
		OnSuccessHint:  "Well done!",
		OnWrongOutHint: "Let's try again!",
		OnErrHint:      "stderr!",
		OnTimeoutHint:  "too slow",
	}

	tests := []struct {
		name    string
		in      Captured
		advance bool
		hint    string
	}{
		{"match", Captured{Stdout: "Hello World\n"}, true, "Well done!"},
		{"wrong", Captured{Stdout: "hello"}, false, "Let's try again!"},
		{"stderr picks hint but match advances", Captured{Stdout: "Hello World\n", Stderr: "warning\n"}, true, "stderr!"},
		{"stderr without match", Captured{Stdout: "hello", Stderr: "warn"}, false, "stderr!"},
		{"timeout wins", Captured{Stdout: "Hello", Stderr: "x", TimedOut: true}, false, "too slow"},
		{"timeout with match", Captured{Stdout: "Hello World", TimedOut: true}, true, "Well done!"},
		{"empty", Captured{}, false, "Let's try again!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Evaluate(tt.in)
			if got.Advance != tt.advance || got.Hint != tt.hint {
				t.Errorf("Evaluate = %+v, want advance=%v hint=%q", got, tt.advance, tt.hint)
			}
			if got.OK != strings.TrimSpace(tt.in.Stdout) || got.Err != strings.TrimSpace(tt.in.Stderr) {
				t.Errorf("ok/err not recorded stripped: %+v", got)
			}
		})
	}
}

func TestValidatorsAreDeterministic(t *testing.T) {
	validators := []Validator{
		Expect{Output: "x", OnWrongOutHint: "no"},
		StdoutEquals("next", Hints{Failure: `Try to write a command which prints "next"`}),
		StdoutContains("ok", Hints{}),
		StdoutMatches(regexp.MustCompile(`^\d+$`), Hints{}),
		ExitCodeIs(0, Hints{}),
	}
	inputs := []Captured{
		{Stdout: "next\n"},
		{Stdout: "42", ExitCode: 1},
		{Stderr: "boom", ExitCode: 2},
		{TimedOut: true, ExitCode: -1},
	}
	for _, v := range validators {
		for _, in := range inputs {
			first := v.Evaluate(in)
			for range 5 {
				if again := v.Evaluate(in); again != first {
					t.Fatalf("%T not deterministic for %+v: %+v vs %+v", v, in, first, again)
				}
			}
		}
	}
}

func TestBuiltinChecks(t *testing.T) {
	h := Hints{Success: "yes", Failure: "no", Timeout: "slow"}

	tests := []struct {
		name    string
		v       Validator
		in      Captured
		advance bool
		hint    string
	}{
		{"equals", StdoutEquals("next", h), Captured{Stdout: "next\n"}, true, "yes"},
		{"equals miss", StdoutEquals("next", h), Captured{Stdout: "nxt"}, false, "no"},
		{"contains", StdoutContains("World", h), Captured{Stdout: "Hello World"}, true, "yes"},
		{"matches", StdoutMatches(regexp.MustCompile(`v\d+`), h), Captured{Stdout: "v12"}, true, "yes"},
		{"exit code", ExitCodeIs(3, h), Captured{ExitCode: 3}, true, "yes"},
		{"exit code miss", ExitCodeIs(0, h), Captured{ExitCode: 1}, false, "no"},
		{"timeout never advances", StdoutContains("", h), Captured{TimedOut: true}, false, "slow"},
		{"timeout falls back to failure", ExitCodeIs(-1, Hints{Failure: "no"}), Captured{TimedOut: true, ExitCode: -1}, false, "no"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.v.Evaluate(tt.in)
			if got.Advance != tt.advance || got.Hint != tt.hint {
				t.Errorf("Evaluate = %+v, want advance=%v hint=%q", got, tt.advance, tt.hint)
			}
			if got.OK != strings.TrimSpace(tt.in.Stdout) {
				t.Errorf("ok = %q", got.OK)
			}
		})
	}
}

func TestManifest_Compile(t *testing.T) {
	src := `
name: hello
description: Print **Hello World**.
command:
  mode: argument
  argv: [bash, -c]
expect:
  output: Hello World
  on_success: Well done!
  on_wrong_output: Let's try again!
`
	var m Manifest
	if err := yaml.Unmarshal([]byte(src), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	def, err := m.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if def.DisplayPrompt() != DefaultPrompt {
		t.Errorf("prompt = %q", def.DisplayPrompt())
	}
	if def.Rule.Kind() != "argument" {
		t.Errorf("rule kind = %s", def.Rule.Kind())
	}
	if out := def.Validator.Evaluate(Captured{Stdout: "Hello World\n"}); !out.Advance || out.Hint != "Well done!" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestManifest_CompileErrors(t *testing.T) {
	next := "next"
	code := 0
	tests := []struct {
		name string
		m    Manifest
		want string
	}{
		{"no name", Manifest{Expect: &Expect{}}, "name is required"},
		{"no validator", Manifest{Name: "s"}, "one of expect or check"},
		{"both validators", Manifest{Name: "s", Expect: &Expect{}, Check: &CheckManifest{StdoutEquals: &next}}, "mutually exclusive"},
		{"two matchers", Manifest{Name: "s", Check: &CheckManifest{StdoutEquals: &next, ExitCode: &code}}, "exactly one matcher"},
		{"empty pattern is valid", Manifest{Name: "s", Check: &CheckManifest{StdoutMatches: new(string)}}, ""},
		{"bad mode", Manifest{Name: "s", Command: CommandManifest{Mode: "telnet"}, Expect: &Expect{}}, "unknown command mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.m.Compile()
			if tt.want == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}
