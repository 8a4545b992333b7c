package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDockerPIDsLimit   = 64
	defaultDockerCPUCores    = 1.0
	defaultDockerImagePrefix = "tutorbox-"
	defaultDockerImage       = "tutorbox-base:latest"
	dockerWorkdir            = "/home/sandbox"
	dockerRemoveTimeout      = 10 * time.Second
	dockerSandboxLabel       = "tutorbox.sandbox=true"
)

// DockerConfig configures the Docker-based sandbox.
type DockerConfig struct {
	// Templates maps template names to images. Unmapped templates resolve to
	// ImagePrefix + template + ":latest".
	Templates   map[string]string
	ImagePrefix string
	// DefaultImage is used for the empty template name.
	DefaultImage   string
	MemoryMB       int     // --memory hard limit.
	CPUCores       float64 // --cpus rate limit (e.g. 0.5 = half a core).
	PIDsLimit      int     // --pids-limit (prevents fork bombs).
	NetworkAllowed bool    // false = --network=none (no network stack at all).
}

// DockerProvider runs one long-lived hardened container per sandbox.
// Commands are executed with docker exec.
//
// Security guarantees:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Read-only root filesystem (--read-only) with tmpfs for writable dirs
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (--user=65534:65534)
//   - Network disabled by default (--network=none)
//   - Memory hard limit with no swap, PIDs limit, CPU rate limit
//   - Each command wrapped in timeout -s KILL so a runaway is killed inside
//     the container and the container stays usable
//   - stdout/stderr capped to prevent OOM on the host
type DockerProvider struct {
	config DockerConfig
	logger *slog.Logger

	// docker is the CLI binary; overridden in tests.
	docker string
}

// NewDockerProvider creates a Docker-based provider.
func NewDockerProvider(cfg DockerConfig, logger *slog.Logger) *DockerProvider {
	if cfg.ImagePrefix == "" {
		cfg.ImagePrefix = defaultDockerImagePrefix
	}
	if cfg.DefaultImage == "" {
		cfg.DefaultImage = defaultDockerImage
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerProvider{
		config: cfg,
		logger: logger,
		docker: "docker",
	}
}

// Name returns "docker".
func (p *DockerProvider) Name() string { return "docker" }

// Ping checks that the docker daemon answers.
func (p *DockerProvider) Ping(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, p.docker, "version", "--format", "{{.Server.Version}}").CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker daemon: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Image resolves the image used for a template.
func (p *DockerProvider) Image(template string) string {
	if img, ok := p.config.Templates[template]; ok && img != "" {
		return img
	}
	if template == "" {
		return p.config.DefaultImage
	}
	return p.config.ImagePrefix + template + ":latest"
}

// Create starts a detached container that idles until destroyed.
func (p *DockerProvider) Create(ctx context.Context, template string) (Handle, error) {
	name, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("%w: generating container name: %w", ErrProvisionFailed, err)
	}
	image := p.Image(template)

	args := p.buildRunArgs(name, image)
	out, err := exec.CommandContext(ctx, p.docker, args...).CombinedOutput()
	if err != nil {
		// A failed run may still leave a created container behind.
		p.forceRemoveContainer(name)
		return nil, fmt.Errorf("%w: docker run %s: %w: %s",
			ErrProvisionFailed, image, err, strings.TrimSpace(string(out)))
	}

	p.logger.Info("docker sandbox created",
		slog.String("container", name),
		slog.String("image", image),
		slog.String("template", template),
	)

	return &dockerHandle{
		provider: p,
		name:     name,
		template: template,
	}, nil
}

// buildRunArgs constructs the docker run argument list with all
// security hardening flags.
func (p *DockerProvider) buildRunArgs(name, image string) []string {
	memoryFlag := strconv.Itoa(p.config.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(p.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(p.config.PIDsLimit)

	args := []string{
		"run", "-d",
		"--name", name,
		"--label", dockerSandboxLabel,

		// --- Security hardening ---
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		// --- Writable tmpfs for working directories ---
		"--tmpfs", "/tmp:rw,nosuid,size=64m",
		"--tmpfs", dockerWorkdir + ":rw,nosuid,size=64m,uid=65534,gid=65534",

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=" + dockerWorkdir,
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",

		"--workdir", dockerWorkdir,
	}

	if p.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	// Image must come after all flags, followed by the idle command.
	args = append(args, image, "sleep", "infinity")
	return args
}

// ReapOrphans removes every sandbox container carrying the tutorbox label.
// Call it before serving: containers never outlive the process that created
// them, so any found at startup were left by a crash.
func (p *DockerProvider) ReapOrphans(ctx context.Context) (int, error) {
	out, err := exec.CommandContext(ctx, p.docker, "ps", "-aq", "--filter", "label="+dockerSandboxLabel).Output()
	if err != nil {
		return 0, fmt.Errorf("listing sandbox containers: %w", err)
	}
	var (
		n    int
		errs []error
	)
	for _, id := range strings.Fields(string(out)) {
		if err := p.forceRemoveContainer(id); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	if n > 0 {
		p.logger.Info("removed orphaned docker sandboxes", slog.Int("count", n))
	}
	return n, errors.Join(errs...)
}

// forceRemoveContainer removes a container by name, best effort.
func (p *DockerProvider) forceRemoveContainer(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), dockerRemoveTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, p.docker, "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		p.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
		return fmt.Errorf("docker rm -f %s: %w", name, err)
	}
	return nil
}

type dockerHandle struct {
	provider *DockerProvider
	name     string
	template string

	destroyed releaser
}

func (h *dockerHandle) ID() string       { return h.name }
func (h *dockerHandle) Template() string { return h.template }

func (h *dockerHandle) Exec(ctx context.Context, req ExecRequest) (*RawResult, error) {
	if len(req.Argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrExecFailed)
	}

	args := h.buildExecArgs(req)
	cmd := exec.CommandContext(ctx, h.provider.docker, args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = defaultKillGrace / 2

	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}
	stdout, stderr := req.buffers()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	h.provider.logger.Debug("docker sandbox executing",
		slog.String("container", h.name),
		slog.Any("argv", req.Argv),
		slog.Duration("timeout", req.Timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)
	res := &RawResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	if runErr != nil {
		if ctx.Err() != nil {
			// The client-side docker exec died; the in-container timeout
			// reaps the command shortly after.
			res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
			res.ExitCode = TimeoutExitCode
			return res, nil
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("%w: docker exec: %w", ErrExecFailed, runErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	switch {
	case killedByTimeout(res.ExitCode, elapsed, req.Timeout):
		res.TimedOut = true
		res.ExitCode = TimeoutExitCode
	case res.ExitCode >= 125 && res.ExitCode <= 127:
		// Daemon-level failures (container gone, not runnable) are reported
		// by docker itself on stderr with these codes.
		if strings.Contains(res.Stderr, "No such container") || strings.Contains(res.Stderr, "is not running") {
			return nil, fmt.Errorf("%w: %s", ErrExecFailed, strings.TrimSpace(res.Stderr))
		}
	}
	return res, nil
}

// killedByTimeout reports whether a docker exec status came from the
// in-container `timeout -s KILL` rather than from the command. An OOM kill,
// `kill -9 $$` or `exit 137` that ends before the bound is a normal result.
func killedByTimeout(exitCode int, elapsed, bound time.Duration) bool {
	return bound > 0 && exitCode == 137 && elapsed >= bound
}

// buildExecArgs builds: docker exec -i <name> timeout -s KILL <secs> argv...
func (h *dockerHandle) buildExecArgs(req ExecRequest) []string {
	args := []string{"exec"}
	if req.Stdin != "" {
		args = append(args, "-i")
	}
	args = append(args, "-w", dockerWorkdir, h.name)
	if req.Timeout > 0 {
		secs := int(math.Ceil(req.Timeout.Seconds()))
		args = append(args, "timeout", "-s", "KILL", strconv.Itoa(secs))
	}
	return append(args, req.Argv...)
}

func (h *dockerHandle) Destroy(_ context.Context) error {
	return h.destroyed.release(func() error {
		if err := h.provider.forceRemoveContainer(h.name); err != nil {
			return fmt.Errorf("%w: %w", ErrTeardownFailed, err)
		}
		h.provider.logger.Info("docker sandbox destroyed", slog.String("container", h.name))
		return nil
	})
}

// generateContainerName returns a unique container name: tutorbox-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "tutorbox-sbx-" + hex.EncodeToString(b), nil
}
