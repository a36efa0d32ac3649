package storage

import "context"

// SummaryStore abstracts persistence for finished-match summaries. The live
// engine never reads through this interface — it is a write-only record for
// ops and post-hoc analysis, populated once a Room reaches its finish state.
// gateway.Hub and api.Handler depend on this interface rather than *Store
// directly, so persistence can be disabled by leaving it nil or swapped for
// a test double without touching either package.
type SummaryStore interface {
	RecordMatchEnd(ctx context.Context, s MatchSummary) error
	ListRecent(ctx context.Context, limit int) ([]MatchSummary, error)
	Close()
}

// Ensure *Store implements SummaryStore at compile time.
var _ SummaryStore = (*Store)(nil)
