package fallback

import (
	"maps"
	"slices"
	"sort"
)

// defaultFamilies are the built-in degradation chains, best model first.
var defaultFamilies = map[string][]string{
	"gemini": {"gemini-3-pro-preview", "gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.5-flash-lite"},
	"claude": {"claude-opus-4-1", "claude-sonnet-4-5", "claude-haiku-4-5"},
	"gpt":    {"gpt-5", "gpt-5-mini", "gpt-4o", "gpt-4o-mini"},
	"codex":  {"gpt-5-codex", "codex-mini-latest"},
}

// Chains holds static, finite per-family fallback chains. It is immutable
// after construction and safe for concurrent use.
type Chains struct {
	families map[string][]string
	// order fixes which family wins when a model appears in several.
	order []string
}

// DefaultChains returns the built-in chains.
func DefaultChains() *Chains { return NewChains(defaultFamilies) }

// NewChains builds chains from family name to ordered model list. The
// input is copied.
func NewChains(families map[string][]string) *Chains {
	c := &Chains{families: make(map[string][]string, len(families))}
	for name, models := range families {
		c.families[name] = slices.Clone(models)
		c.order = append(c.order, name)
	}
	sort.Strings(c.order)
	return c
}

// WithFamilies returns a copy of the built-in chains where each entry of
// overrides adds a family or replaces the one of the same name.
func WithFamilies(overrides map[string][]string) *Chains {
	merged := maps.Clone(defaultFamilies)
	maps.Copy(merged, overrides)
	return NewChains(merged)
}

// Family returns the models of the named family, best first.
func (c *Chains) Family(name string) []string { return slices.Clone(c.families[name]) }

// FamilyOf returns the family that lists model.
func (c *Chains) FamilyOf(model string) (string, bool) {
	for _, name := range c.order {
		if slices.Contains(c.families[name], model) {
			return name, true
		}
	}
	return "", false
}

// Chain returns the degradation chain for model: the model itself followed
// by every lower entry of its family. A model outside every family has a
// chain of one.
func (c *Chains) Chain(model string) []string {
	family, ok := c.FamilyOf(model)
	if !ok {
		return []string{model}
	}
	models := c.families[family]
	i := slices.Index(models, model)
	return slices.Clone(models[i:])
}

// NextFallback returns the first entry of requested's chain not in tried,
// or false once the chain is exhausted.
func (c *Chains) NextFallback(requested string, tried []string) (string, bool) {
	for _, m := range c.Chain(requested) {
		if !slices.Contains(tried, m) {
			return m, true
		}
	}
	return "", false
}

// Families returns the family names in sorted order.
func (c *Chains) Families() []string { return slices.Clone(c.order) }
