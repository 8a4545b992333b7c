package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// VirtualConfig configures the in-process shell sandbox.
type VirtualConfig struct {
	Root         string
	TemplatesDir string

	// AllowExternal lets scripts run host programs. When false only shell
	// builtins and nested sh/bash invocations are available.
	AllowExternal bool
}

// VirtualProvider runs commands through a pure-Go POSIX shell interpreter
// scoped to a private directory. It needs neither Docker nor /bin/sh.
//
// File opens are confined to the sandbox directory (plus /dev/null) and
// external programs are refused unless AllowExternal is set.
type VirtualProvider struct {
	root          string
	templatesDir  string
	allowExternal bool
	logger        *slog.Logger
}

// NewVirtualProvider creates an interpreter-backed provider.
func NewVirtualProvider(cfg VirtualConfig, logger *slog.Logger) (*VirtualProvider, error) {
	root := cfg.Root
	if root == "" {
		root = filepath.Join(os.TempDir(), "tutorbox-virtual")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root: %w", err)
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("creating sandbox root %s: %w", root, err)
	}
	return &VirtualProvider{
		root:          root,
		templatesDir:  cfg.TemplatesDir,
		allowExternal: cfg.AllowExternal,
		logger:        logger,
	}, nil
}

// Name returns "virtual".
func (p *VirtualProvider) Name() string { return "virtual" }

// Ping checks that the sandbox root is still a usable directory.
func (p *VirtualProvider) Ping(_ context.Context) error {
	return checkRoot(p.root)
}

// Create makes a fresh sandbox directory seeded from the template.
func (p *VirtualProvider) Create(_ context.Context, template string) (Handle, error) {
	id := uuid.NewString()
	dir := filepath.Join(p.root, "vsh-"+id)
	if err := os.Mkdir(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %w", ErrProvisionFailed, dir, err)
	}
	if p.templatesDir != "" && template != "" {
		src := filepath.Join(p.templatesDir, filepath.Base(template))
		if err := copyTree(src, dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("%w: seeding template %q: %w", ErrProvisionFailed, template, err)
		}
	}

	p.logger.Debug("virtual sandbox created",
		slog.String("sandbox_id", id),
		slog.String("template", template),
	)
	return &virtualHandle{
		id:            id,
		template:      template,
		dir:           dir,
		allowExternal: p.allowExternal,
		logger:        p.logger,
	}, nil
}

type virtualHandle struct {
	id            string
	template      string
	dir           string
	allowExternal bool
	logger        *slog.Logger

	destroyed releaser
}

func (h *virtualHandle) ID() string       { return h.id }
func (h *virtualHandle) Template() string { return h.template }

func (h *virtualHandle) Exec(ctx context.Context, req ExecRequest) (*RawResult, error) {
	if len(req.Argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrExecFailed)
	}
	if _, err := os.Stat(h.dir); err != nil {
		return nil, fmt.Errorf("%w: sandbox directory unavailable: %w", ErrExecFailed, err)
	}

	script, stdin, params, err := scriptFor(req.Argv, req.Stdin)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecFailed, err)
	}

	stdout, stderr := req.buffers()

	exitCode, runErr := h.run(ctx, script, params, stdin, stdout, stderr)
	res := &RawResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCode,
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}
	if ctx.Err() != nil {
		res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		res.ExitCode = TimeoutExitCode
		return res, nil
	}
	if runErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecFailed, runErr)
	}
	return res, nil
}

// run parses and interprets script. Syntax errors are reported like a
// shell would: on stderr with exit status 2.
func (h *virtualHandle) run(ctx context.Context, script string, params []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	prog, err := syntax.NewParser().Parse(strings.NewReader(script), "")
	if err != nil {
		fmt.Fprintf(stderr, "sh: %v\n", err)
		return 2, nil
	}

	opts := []interp.RunnerOption{
		interp.Dir(h.dir),
		interp.Env(expand.ListEnviron(h.env()...)),
		interp.StdIO(stdin, stdout, stderr),
		interp.ExecHandlers(h.execHandler),
		interp.OpenHandler(h.openHandler),
	}
	if len(params) > 0 {
		// "--" keeps args like "-v" from being read as shell options.
		opts = append(opts, interp.Params(append([]string{"--"}, params...)...))
	}

	runner, err := interp.New(opts...)
	if err != nil {
		return 0, fmt.Errorf("creating interpreter: %w", err)
	}

	err = runner.Run(ctx, prog)
	if err == nil {
		return 0, nil
	}
	var status interp.ExitStatus
	if errors.As(err, &status) {
		return int(status), nil
	}
	if ctx.Err() != nil {
		return TimeoutExitCode, nil
	}
	return 0, err
}

// execHandler runs nested sh/bash invocations in-process and refuses other
// programs unless external execution is allowed.
func (h *virtualHandle) execHandler(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		hc := interp.HandlerCtx(ctx)
		if isShell(args[0]) {
			return h.nestedShell(ctx, hc, args)
		}
		if !h.allowExternal {
			fmt.Fprintf(hc.Stderr, "%s: command not found\n", args[0])
			return interp.ExitStatus(127)
		}
		return next(ctx, args)
	}
}

// nestedShell handles "sh", "sh -c SCRIPT [ARGS]" and "sh FILE [ARGS]".
func (h *virtualHandle) nestedShell(ctx context.Context, hc interp.HandlerContext, args []string) error {
	var (
		script string
		params []string
		stdin  = hc.Stdin
	)
	switch {
	case len(args) == 1:
		if hc.Stdin == nil {
			return nil
		}
		data, err := io.ReadAll(hc.Stdin)
		if err != nil {
			return interp.ExitStatus(1)
		}
		script, stdin = string(data), nil
	case args[1] == "-c":
		if len(args) < 3 {
			fmt.Fprintf(hc.Stderr, "%s: -c: option requires an argument\n", args[0])
			return interp.ExitStatus(2)
		}
		script = args[2]
		if len(args) > 4 {
			params = args[4:]
		}
	default:
		f, err := h.openHandler(ctx, args[1], os.O_RDONLY, 0)
		if err != nil {
			fmt.Fprintf(hc.Stderr, "%s: %s: %v\n", args[0], args[1], err)
			return interp.ExitStatus(127)
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return interp.ExitStatus(1)
		}
		script, params = string(data), args[2:]
	}

	code, err := h.run(ctx, script, params, stdin, hc.Stdout, hc.Stderr)
	if err != nil {
		return err
	}
	if code != 0 {
		return interp.ExitStatus(uint8(code))
	}
	return nil
}

// openHandler confines file access to the sandbox directory.
func (h *virtualHandle) openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		return interp.DefaultOpenHandler()(ctx, path, flag, perm)
	}
	hc := interp.HandlerCtx(ctx)
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(hc.Dir, abs)
	}
	abs = filepath.Clean(abs)
	if abs != h.dir && !strings.HasPrefix(abs, h.dir+string(filepath.Separator)) {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrPermission}
	}
	return interp.DefaultOpenHandler()(ctx, abs, flag, perm)
}

func (h *virtualHandle) env() []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + h.dir,
		"TMPDIR=" + h.dir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
}

func (h *virtualHandle) Destroy(_ context.Context) error {
	return h.destroyed.release(func() error {
		if err := os.RemoveAll(h.dir); err != nil {
			return fmt.Errorf("%w: removing %s: %w", ErrTeardownFailed, h.dir, err)
		}
		h.logger.Debug("virtual sandbox destroyed", slog.String("sandbox_id", h.id))
		return nil
	})
}

func isShell(name string) bool {
	switch filepath.Base(name) {
	case "sh", "bash", "dash", "ash":
		return true
	}
	return false
}

// scriptFor maps an argv onto a script for the interpreter:
//
//	sh                  -> program read from stdin
//	sh -c SCRIPT [ARGS] -> SCRIPT with positional parameters, stdin passed through
//	prog ARGS...        -> a single quoted simple command
func scriptFor(argv []string, stdin string) (script string, in io.Reader, params []string, err error) {
	if stdin != "" {
		in = strings.NewReader(stdin)
	}
	if isShell(argv[0]) {
		switch {
		case len(argv) == 1:
			return stdin, nil, nil, nil
		case argv[1] == "-c":
			if len(argv) < 3 {
				return "", nil, nil, errors.New("-c: option requires an argument")
			}
			if len(argv) > 4 {
				// argv[3] is $0.
				params = argv[4:]
			}
			return argv[2], in, params, nil
		}
	}

	quoted := make([]string, len(argv))
	for i, a := range argv {
		q, err := syntax.Quote(a, syntax.LangBash)
		if err != nil {
			return "", nil, nil, fmt.Errorf("quoting argument %d: %w", i, err)
		}
		quoted[i] = q
	}
	return strings.Join(quoted, " "), in, nil, nil
}
