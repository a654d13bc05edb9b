// Package usage provides token usage records and cache-aware cost estimation
// against per-model rate cards.
package usage

// Usage is the union of vendor usage semantics for a single request. Fields a
// vendor does not report stay zero.
//
// CacheCreationTokens/CacheReadTokens follow the split write/read convention;
// CachedTokens is the single-bucket convention used by vendors with no
// separate write concept. A vendor reports one family or the other, never
// both.
type Usage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int64 `json:"cache_read_tokens,omitempty"`
	CachedTokens        int64 `json:"cached_tokens,omitempty"`
}

// Total returns the total token count across all buckets.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationTokens + u.CacheReadTokens
}

// Merge folds another usage report into this one, taking any field the other
// report actually carries. Vendors spread usage across lifecycle events
// (input counts on stream start, output counts on the final delta), so
// merging must never zero a field that an earlier event populated.
func (u *Usage) Merge(other Usage) {
	if other.InputTokens > 0 {
		u.InputTokens = other.InputTokens
	}
	if other.OutputTokens > 0 {
		u.OutputTokens = other.OutputTokens
	}
	if other.CacheCreationTokens > 0 {
		u.CacheCreationTokens = other.CacheCreationTokens
	}
	if other.CacheReadTokens > 0 {
		u.CacheReadTokens = other.CacheReadTokens
	}
	if other.CachedTokens > 0 {
		u.CachedTokens = other.CachedTokens
	}
}

// Add accumulates another request's usage into this one. Used by the turn
// loop to total usage across iterations.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CachedTokens += other.CachedTokens
}
