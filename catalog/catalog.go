// Package catalog keeps the optional registry of event type definitions and
// validates event data against their JSON Schemas.
package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ErrValidation wraps every schema violation returned by Catalog.Validate.
var ErrValidation = errors.New("catalog: payload does not match schema")

// Catalog is the in-memory registry of event type definitions.
type Catalog struct {
	mu        sync.RWMutex
	defs      map[string]*Definition
	validator *Validator
	logger    *slog.Logger
}

// New creates an empty catalog.
func New(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		defs:      make(map[string]*Definition),
		validator: NewValidator(),
		logger:    logger,
	}
}

// Register adds or replaces a definition. The schema is compiled eagerly so
// a broken schema fails here rather than on the first event.
func (c *Catalog) Register(def Definition) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return errors.New("catalog: event type name is required")
	}
	if len(def.Schema) > 0 {
		if _, err := c.validator.Compile(def.Schema); err != nil {
			return fmt.Errorf("catalog: %s: %w", def.Name, err)
		}
	}

	c.mu.Lock()
	c.defs[def.Name] = &def
	c.mu.Unlock()

	c.logger.Debug("event type registered", "event_type", def.Name, "schema", len(def.Schema) > 0)
	return nil
}

// Get returns the definition for name.
func (c *Catalog) Get(name string) (*Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.defs[name]
	if !ok {
		return nil, false
	}
	cp := *def
	return &cp, true
}

// List returns every definition sorted by name.
func (c *Catalog) List() []*Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Definition, 0, len(c.defs))
	for _, def := range c.defs {
		cp := *def
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks data against the schema registered for eventType. Unknown
// event types and definitions without a schema always pass.
func (c *Catalog) Validate(eventType string, data any) error {
	def, ok := c.Get(eventType)
	if !ok || len(def.Schema) == 0 {
		return nil
	}
	if err := c.validator.Validate(def.Schema, data); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrValidation, eventType, err.Error())
	}
	return nil
}
