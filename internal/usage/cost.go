package usage

// ModelProfile is an immutable catalog entry describing one model's limits
// and rate card. All rates are USD per million tokens.
type ModelProfile struct {
	APIID              string  `json:"api_id" yaml:"api_id"`
	InputCostPerM      float64 `json:"input_cost_per_m" yaml:"input_cost_per_m"`
	OutputCostPerM     float64 `json:"output_cost_per_m" yaml:"output_cost_per_m"`
	CacheWriteCostPerM float64 `json:"cache_write_cost_per_m,omitempty" yaml:"cache_write_cost_per_m"`
	CacheReadCostPerM  float64 `json:"cache_read_cost_per_m,omitempty" yaml:"cache_read_cost_per_m"`
	MaxOutputTokens    int     `json:"max_output_tokens" yaml:"max_output_tokens"`
	ContextWindow      int     `json:"context_window" yaml:"context_window"`
	MinCacheableTokens int     `json:"min_cacheable_tokens,omitempty" yaml:"min_cacheable_tokens"`
}

// Estimate computes the USD cost of a request against this profile.
//
// Three billing shapes are handled:
//   - no caching signals: input and output at base rates
//   - split cache counts: regular input (input minus cache write and read)
//     at base rate, cache writes at the write rate, cache reads at the read
//     rate
//   - single cached-token count: regular input (input minus cached) at base
//     rate, cached tokens at the read rate
//
// Negative intermediate counts are clamped to zero before multiplication.
func (p ModelProfile) Estimate(u Usage) float64 {
	const perM = 1_000_000

	output := float64(clamp(u.OutputTokens)) / perM * p.OutputCostPerM

	switch {
	case u.CacheCreationTokens > 0 || u.CacheReadTokens > 0:
		regular := clamp(u.InputTokens - u.CacheCreationTokens - u.CacheReadTokens)
		return float64(regular)/perM*p.InputCostPerM +
			float64(clamp(u.CacheCreationTokens))/perM*p.CacheWriteCostPerM +
			float64(clamp(u.CacheReadTokens))/perM*p.CacheReadCostPerM +
			output
	case u.CachedTokens > 0:
		regular := clamp(u.InputTokens - u.CachedTokens)
		return float64(regular)/perM*p.InputCostPerM +
			float64(clamp(u.CachedTokens))/perM*p.CacheReadCostPerM +
			output
	default:
		return float64(clamp(u.InputTokens))/perM*p.InputCostPerM + output
	}
}

func clamp(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
