package usage

import "sync"

// Override supplies operator-configured profile fields for models that have
// no static catalog entry: local models, proxies, or pass-through pricing.
// Zero-valued cost fields mean free, which is the documented default for
// local vendors.
type Override struct {
	InputCostPerM   float64 `yaml:"input_cost_per_m"`
	OutputCostPerM  float64 `yaml:"output_cost_per_m"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	ContextWindow   int     `yaml:"context_window"`
}

// Catalog maps model API ids to profiles. Resolution is an explicit two-step
// lookup: exact match first, then a profile constructed from the caller's
// override fields. There is no default-on-miss container magic.
type Catalog struct {
	mu       sync.RWMutex
	profiles map[string]ModelProfile
}

// NewCatalog creates a catalog seeded with the built-in rate cards.
func NewCatalog() *Catalog {
	c := &Catalog{profiles: make(map[string]ModelProfile)}
	for _, p := range builtinProfiles {
		c.profiles[p.APIID] = p
	}
	return c
}

// Register adds or replaces a profile.
func (c *Catalog) Register(p ModelProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[p.APIID] = p
}

// Lookup returns the profile for an exact API id match.
func (c *Catalog) Lookup(apiID string) (ModelProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.profiles[apiID]
	return p, ok
}

// Resolve returns the profile for apiID, falling back to a profile built
// from the override when the catalog has no entry.
func (c *Catalog) Resolve(apiID string, o Override) ModelProfile {
	if p, ok := c.Lookup(apiID); ok {
		return p
	}
	maxOutput := o.MaxOutputTokens
	if maxOutput <= 0 {
		maxOutput = 4096
	}
	contextWindow := o.ContextWindow
	if contextWindow <= 0 {
		contextWindow = 128_000
	}
	return ModelProfile{
		APIID:           apiID,
		InputCostPerM:   o.InputCostPerM,
		OutputCostPerM:  o.OutputCostPerM,
		MaxOutputTokens: maxOutput,
		ContextWindow:   contextWindow,
	}
}

// builtinProfiles is the static rate card. Prices are USD per million tokens
// as published by the vendors; cache reads bill at roughly 10% of base input.
var builtinProfiles = []ModelProfile{
	{
		APIID:              "claude-sonnet-4-20250514",
		InputCostPerM:      3.00,
		OutputCostPerM:     15.00,
		CacheWriteCostPerM: 3.75,
		CacheReadCostPerM:  0.30,
		MaxOutputTokens:    64_000,
		ContextWindow:      200_000,
		MinCacheableTokens: 1024,
	},
	{
		APIID:              "claude-opus-4-20250514",
		InputCostPerM:      15.00,
		OutputCostPerM:     75.00,
		CacheWriteCostPerM: 18.75,
		CacheReadCostPerM:  1.50,
		MaxOutputTokens:    32_000,
		ContextWindow:      200_000,
		MinCacheableTokens: 1024,
	},
	{
		APIID:              "claude-3-5-haiku-20241022",
		InputCostPerM:      0.80,
		OutputCostPerM:     4.00,
		CacheWriteCostPerM: 1.00,
		CacheReadCostPerM:  0.08,
		MaxOutputTokens:    8192,
		ContextWindow:      200_000,
		MinCacheableTokens: 2048,
	},
	{
		APIID:             "gpt-4o",
		InputCostPerM:     2.50,
		OutputCostPerM:    10.00,
		CacheReadCostPerM: 1.25,
		MaxOutputTokens:   16_384,
		ContextWindow:     128_000,
	},
	{
		APIID:             "gpt-4o-mini",
		InputCostPerM:     0.15,
		OutputCostPerM:    0.60,
		CacheReadCostPerM: 0.075,
		MaxOutputTokens:   16_384,
		ContextWindow:     128_000,
	},
	{
		APIID:             "gpt-4.1",
		InputCostPerM:     2.00,
		OutputCostPerM:    8.00,
		CacheReadCostPerM: 0.50,
		MaxOutputTokens:   32_768,
		ContextWindow:     1_047_576,
	},
}
