package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
)

const (
	defaultCPUSeconds = 10
	defaultMemoryMB   = 256
)

// ProcessConfig configures the process-based sandbox.
type ProcessConfig struct {
	// Root holds one working directory per live sandbox.
	Root string

	// TemplatesDir, when set, holds <template>/ directories whose contents
	// seed each new sandbox. A missing template directory yields an empty sandbox.
	TemplatesDir string

	Limits ResourceLimits
}

// ProcessProvider creates sandboxes backed by a private directory and
// isolated OS processes.
//
// Security guarantees:
//   - Each sandbox gets its own directory (removed on Destroy)
//   - Every command runs in its own process group (Setpgid)
//   - The entire process group is killed on timeout
//   - No environment inheritance from the parent, only a minimal safe set
//   - CPU and memory limits enforced via ulimit
//   - stdout/stderr capped to prevent OOM
type ProcessProvider struct {
	root         string
	templatesDir string
	limits       ResourceLimits
	logger       *slog.Logger
}

// NewProcessProvider creates a process-based provider.
func NewProcessProvider(cfg ProcessConfig, logger *slog.Logger) (*ProcessProvider, error) {
	root := cfg.Root
	if root == "" {
		root = filepath.Join(os.TempDir(), "tutorbox-sandbox")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root: %w", err)
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("creating sandbox root %s: %w", root, err)
	}

	limits := cfg.Limits
	if limits.MaxCPUSeconds <= 0 {
		limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if limits.MaxMemoryMB <= 0 {
		limits.MaxMemoryMB = defaultMemoryMB
	}

	return &ProcessProvider{
		root:         root,
		templatesDir: cfg.TemplatesDir,
		limits:       limits,
		logger:       logger,
	}, nil
}

// Name returns "process".
func (p *ProcessProvider) Name() string { return "process" }

// Ping checks that the sandbox root is still a usable directory.
func (p *ProcessProvider) Ping(_ context.Context) error {
	return checkRoot(p.root)
}

// Create makes a fresh sandbox directory seeded from the template.
func (p *ProcessProvider) Create(_ context.Context, template string) (Handle, error) {
	id := uuid.NewString()
	dir := filepath.Join(p.root, "sbx-"+id)
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

	p.logger.Debug("process sandbox created",
		slog.String("sandbox_id", id),
		slog.String("template", template),
		slog.String("dir", dir),
	)

	return &processHandle{
		id:       id,
		template: template,
		dir:      dir,
		limits:   p.limits,
		logger:   p.logger,
	}, nil
}

type processHandle struct {
	id       string
	template string
	dir      string
	limits   ResourceLimits
	logger   *slog.Logger

	destroyed releaser
}

func (h *processHandle) ID() string       { return h.id }
func (h *processHandle) Template() string { return h.template }

// Dir returns the sandbox working directory.
func (h *processHandle) Dir() string { return h.dir }

func (h *processHandle) Exec(ctx context.Context, req ExecRequest) (*RawResult, error) {
	if len(req.Argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrExecFailed)
	}
	if _, err := os.Stat(h.dir); err != nil {
		return nil, fmt.Errorf("%w: sandbox directory unavailable: %w", ErrExecFailed, err)
	}

	// The command is wrapped: sh -c 'ulimit -v KB; ulimit -t SEC; exec "$@"' _ argv...
	// Using exec "$@" with positional parameters keeps user text out of the
	// shell string entirely.
	memKB := h.limits.MaxMemoryMB * 1024
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memKB, h.limits.MaxCPUSeconds,
	)
	args := make([]string, 0, 3+len(req.Argv))
	args = append(args, "-c", shellScript, "_")
	args = append(args, req.Argv...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = h.dir
	cmd.Env = h.buildEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Kill the whole process group so children spawned by the user die too.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	// Don't wait on pipes held open by orphaned grandchildren.
	cmd.WaitDelay = defaultKillGrace / 2

	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	stdout, stderr := req.buffers()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	h.logger.Debug("process sandbox executing",
		slog.String("sandbox_id", h.id),
		slog.Any("argv", req.Argv),
		slog.Int("stdin_bytes", len(req.Stdin)),
	)

	runErr := cmd.Run()

	res := &RawResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	if runErr != nil {
		if ctx.Err() != nil {
			res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
			res.ExitCode = TimeoutExitCode
			return res, nil
		}

		// Non-zero exit code is not an error, it's a result.
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrExecFailed, runErr)
	}
	return res, nil
}

func (h *processHandle) Destroy(_ context.Context) error {
	return h.destroyed.release(func() error {
		if err := os.RemoveAll(h.dir); err != nil {
			return fmt.Errorf("%w: removing %s: %w", ErrTeardownFailed, h.dir, err)
		}
		h.logger.Debug("process sandbox destroyed", slog.String("sandbox_id", h.id))
		return nil
	})
}

// buildEnv constructs a minimal, safe environment.
// The parent process's environment is never inherited.
func (h *processHandle) buildEnv() []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + h.dir,
		"TMPDIR=" + h.dir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
}

// copyTree copies regular files and directories from src into dst.
// Symlinks and special files are skipped.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("template %s is not a directory", src)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0750)
		case d.Type().IsRegular():
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			return os.WriteFile(target, data, fi.Mode().Perm())
		default:
			return nil
		}
	})
}

func checkRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("sandbox root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("sandbox root %s is not a directory", root)
	}
	return nil
}
