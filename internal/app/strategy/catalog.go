// Package strategy defines the strategy engine contract and the catalog of registered strategies.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/stratum/errs"
	"github.com/coachpo/stratum/internal/domain/schema"
)

// ErrStrategyExists reports a duplicate registration.
var ErrStrategyExists = errors.New("strategy already registered")

// Input is what an engine sees on each tick.
type Input struct {
	Wallet   string                `json:"walletAddress"`
	Snapshot schema.MarketSnapshot `json:"snapshot"`
	Config   schema.StrategyConfig `json:"config"`
}

// Engine turns market state into a trade decision. Implementations need not be safe for
// concurrent use; each session owns its own engine.
type Engine interface {
	Decide(ctx context.Context, in Input) (schema.Decision, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, in Input) (schema.Decision, error)

// Decide implements Engine.
func (f EngineFunc) Decide(ctx context.Context, in Input) (schema.Decision, error) {
	return f(ctx, in)
}

// Factory creates a fresh engine for one session.
type Factory func() (Engine, error)

// Metadata describes a registered strategy.
type Metadata struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	Source      string `json:"source"`
}

// Definition couples metadata with the engine factory.
type Definition struct {
	Meta    Metadata
	Factory Factory
}

// Catalog is the registry of known strategies, keyed by lowercase name.
type Catalog struct {
	mu          sync.RWMutex
	definitions map[string]Definition
}

// NewCatalog constructs an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{definitions: make(map[string]Definition)}
}

// NormalizeName lowercases and trims a strategy name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a strategy. Names are case-insensitive.
func (c *Catalog) Register(def Definition) error {
	name := NormalizeName(def.Meta.Name)
	if name == "" {
		return fmt.Errorf("strategy: name required")
	}
	if def.Factory == nil {
		return fmt.Errorf("strategy %s: factory required", name)
	}
	def.Meta.Name = name
	if def.Meta.DisplayName == "" {
		def.Meta.DisplayName = name
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.definitions[name]; exists {
		return fmt.Errorf("strategy %s: %w", name, ErrStrategyExists)
	}
	c.definitions[name] = def
	return nil
}

// Replace adds or overwrites a strategy.
func (c *Catalog) Replace(def Definition) error {
	name := NormalizeName(def.Meta.Name)
	c.mu.Lock()
	delete(c.definitions, name)
	c.mu.Unlock()
	return c.Register(def)
}

// Lookup returns the named definition.
func (c *Catalog) Lookup(name string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.definitions[NormalizeName(name)]
	return def, ok
}

// Has reports whether the strategy is registered.
func (c *Catalog) Has(name string) bool {
	_, ok := c.Lookup(name)
	return ok
}

// NewEngine instantiates the named strategy or fails with an unknown-strategy error.
func (c *Catalog) NewEngine(name string) (Engine, error) {
	def, ok := c.Lookup(name)
	if !ok {
		return nil, errs.New("strategy/new", errs.CodeUnknownStrategy,
			errs.WithMessage(fmt.Sprintf("unknown strategy %q", strings.TrimSpace(name))))
	}
	engine, err := def.Factory()
	if err != nil {
		return nil, errs.New("strategy/new", errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("create strategy %q", def.Meta.Name)), errs.WithCause(err))
	}
	return engine, nil
}

// List returns metadata for every strategy sorted by name.
func (c *Catalog) List() []Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Metadata, 0, len(c.definitions))
	for _, def := range c.definitions {
		out = append(out, def.Meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
