package flow

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog holds the flow definitions available to sessions, keyed by slug.
type Catalog struct {
	mu    sync.RWMutex
	flows map[string]*Definition
}

// NewCatalog creates a catalog holding defs.
func NewCatalog(defs ...*Definition) (*Catalog, error) {
	c := &Catalog{flows: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		if err := c.Register(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register validates def and adds it. Slugs must be unique.
func (c *Catalog) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.flows[def.Slug]; exists {
		return fmt.Errorf("%w: duplicate slug %q", ErrInvalidDefinition, def.Slug)
	}
	c.flows[def.Slug] = def
	return nil
}

// Get returns the definition for slug or ErrUnknownFlow.
func (c *Catalog) Get(slug string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.flows[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFlow, slug)
	}
	return def, nil
}

// List returns summaries of all flows sorted by slug.
func (c *Catalog) List() []Summary {
	c.mu.RLock()
	out := make([]Summary, 0, len(c.flows))
	for _, d := range c.flows {
		out = append(out, d.Summary())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Len returns the number of registered flows.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.flows)
}
