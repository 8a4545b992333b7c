// Package flow sequences tutorial steps against a per-session sandbox.
package flow

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jkaninda/tutorbox/internal/step"
)

// slugRe is the URL-safe form accepted for flow slugs.
var slugRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Definition is an immutable tutorial: an ordered list of steps run in a
// sandbox built from Template.
type Definition struct {
	Name        string
	Slug        string
	Description string // Markdown.
	Template    string
	Steps       []step.Definition

	// Setup runs before the first step is exposed. Nil provisions the sandbox.
	Setup Procedure
	// Teardown runs once when the flow ends, before the sandbox is released.
	// Nil only releases the sandbox.
	Teardown Procedure

	// Timeout bounds every command of the flow. Zero uses the runner default.
	Timeout time.Duration
}

// Validate checks structural invariants: slug shape, at least one step,
// unique step names and complete step definitions.
func (d *Definition) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if !slugRe.MatchString(d.Slug) {
		return fmt.Errorf("%w: slug %q must match %s", ErrInvalidDefinition, d.Slug, slugRe)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: flow %q has no steps", ErrInvalidDefinition, d.Slug)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("%w: flow %q has a negative timeout", ErrInvalidDefinition, d.Slug)
	}

	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("%w: flow %q step %d: %w", ErrInvalidDefinition, d.Slug, i, err)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: flow %q has duplicate step name %q", ErrInvalidDefinition, d.Slug, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Summary is the listing form of a definition.
type Summary struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	Template    string `json:"template"`
	Steps       int    `json:"steps"`
}

// Summary returns the listing form of d.
func (d *Definition) Summary() Summary {
	return Summary{
		Name:        d.Name,
		Slug:        d.Slug,
		Description: d.Description,
		Template:    d.Template,
		Steps:       len(d.Steps),
	}
}
