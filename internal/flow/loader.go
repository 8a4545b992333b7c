package flow

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jkaninda/tutorbox/internal/step"
)

// Manifest is the YAML form of a flow bundle.
//
// A bundle is either a .yaml/.yml file, or a .md file whose YAML
// frontmatter holds the manifest and whose body is the description.
type Manifest struct {
	Name        string             `yaml:"name"`
	Slug        string             `yaml:"slug"`
	Description string             `yaml:"description"`
	Template    string             `yaml:"template"`
	Timeout     time.Duration      `yaml:"timeout"`
	Setup       *ProcedureManifest `yaml:"setup"`
	Teardown    *ProcedureManifest `yaml:"teardown"`
	Steps       []step.Manifest    `yaml:"steps"`
}

// ProcedureManifest declares setup or teardown commands.
type ProcedureManifest struct {
	Commands []string             `yaml:"commands"`
	Command  step.CommandManifest `yaml:"command"`
}

// Compile resolves the manifest into a validated Definition.
// Declared setup commands run after the sandbox is provisioned.
func (m Manifest) Compile() (*Definition, error) {
	def := &Definition{
		Name:        strings.TrimSpace(m.Name),
		Slug:        strings.TrimSpace(m.Slug),
		Description: strings.TrimSpace(m.Description),
		Template:    m.Template,
		Timeout:     m.Timeout,
	}

	for i, sm := range m.Steps {
		sd, err := sm.Compile()
		if err != nil {
			return nil, fmt.Errorf("%w: step %d: %w", ErrInvalidDefinition, i, err)
		}
		def.Steps = append(def.Steps, sd)
	}

	if m.Setup != nil && len(m.Setup.Commands) > 0 {
		cmds, err := m.Setup.commands()
		if err != nil {
			return nil, fmt.Errorf("%w: setup: %w", ErrInvalidDefinition, err)
		}
		def.Setup = Sequence(ProvisionSandbox(), cmds)
	}
	if m.Teardown != nil && len(m.Teardown.Commands) > 0 {
		cmds, err := m.Teardown.commands()
		if err != nil {
			return nil, fmt.Errorf("%w: teardown: %w", ErrInvalidDefinition, err)
		}
		def.Teardown = cmds
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func (p ProcedureManifest) commands() (Commands, error) {
	c := Commands{Lines: p.Commands}
	if p.Command.Mode != "" || len(p.Command.Argv) > 0 {
		// Reuse step compilation for the rule.
		sm := step.Manifest{Name: "procedure", Command: p.Command, Expect: &step.Expect{}}
		sd, err := sm.Compile()
		if err != nil {
			return Commands{}, err
		}
		c.Rule = sd.Rule
	}
	return c, nil
}

// LoadResult summarizes a directory load operation.
type LoadResult struct {
	Loaded int
	Errors []LoadError
}

// LoadError records a per-file parse or validation error.
type LoadError struct {
	File    string
	Message string
}

// Loader parses flow bundles into a Catalog.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a Loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// LoadDir parses every bundle in dir and registers the valid ones in c.
// Per-file failures are collected in the result; an error is returned
// only if the directory itself cannot be read.
func (l *Loader) LoadDir(dir string, c *Catalog) (*LoadResult, error) {
	correlationID := newCorrelationID()

	l.logger.Info("loading flow bundles",
		slog.String("dir", dir),
		slog.String("correlation_id", correlationID),
	)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading flows directory %s: %w", dir, err)
	}

	result := &LoadResult{}
	for _, entry := range entries {
		if entry.IsDir() || !isBundle(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		def, err := l.ParseFile(path)
		if err == nil {
			err = c.Register(def)
		}
		if err != nil {
			l.logger.Warn("flow bundle rejected",
				slog.String("file", path),
				slog.String("error", err.Error()),
				slog.String("correlation_id", correlationID),
			)
			result.Errors = append(result.Errors, LoadError{File: path, Message: err.Error()})
			continue
		}

		l.logger.Info("flow bundle loaded",
			slog.String("slug", def.Slug),
			slog.String("name", def.Name),
			slog.String("template", def.Template),
			slog.Int("steps", len(def.Steps)),
			slog.String("correlation_id", correlationID),
		)
		result.Loaded++
	}

	l.logger.Info("flow bundles load complete",
		slog.Int("loaded", result.Loaded),
		slog.Int("errors", len(result.Errors)),
		slog.String("correlation_id", correlationID),
	)
	return result, nil
}

// ParseFile reads one bundle and compiles it.
func (l *Loader) ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	var (
		m    Manifest
		body string
	)
	if strings.EqualFold(filepath.Ext(path), ".md") {
		frontmatter, rest, err := splitFrontmatter(data)
		if err != nil {
			return nil, err
		}
		data, body = frontmatter, rest
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if body != "" && m.Description == "" {
		m.Description = body
	}
	if m.Slug == "" {
		m.Slug = filenameStem(path)
	}
	return m.Compile()
}

// splitFrontmatter separates a leading "---" delimited YAML block from
// the Markdown body.
func splitFrontmatter(data []byte) ([]byte, string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() {
		return nil, "", fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != "---" {
		return nil, "", fmt.Errorf("missing YAML frontmatter (file must start with ---)")
	}

	var front []string
	foundClose := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			foundClose = true
			break
		}
		front = append(front, line)
	}
	if !foundClose {
		return nil, "", fmt.Errorf("unclosed YAML frontmatter (missing closing ---)")
	}

	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, "", fmt.Errorf("reading file: %w", err)
	}
	return []byte(strings.Join(front, "\n")), strings.TrimSpace(strings.Join(body, "\n")), nil
}

func isBundle(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".md":
		return true
	}
	return false
}

// filenameStem derives a slug from a file name: "Intro Bash.yaml" -> "intro-bash".
func filenameStem(path string) string {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return strings.ReplaceAll(strings.ToLower(stem), " ", "-")
}

func newCorrelationID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}
