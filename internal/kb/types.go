package kb

import (
	"fmt"
	"time"

	"github.com/skimlab/arxival/internal/storage"
)

// InvalidQueryError rejects a malformed search before any I/O happens.
type InvalidQueryError struct {
	Reason string
}

func (e *InvalidQueryError) Error() string {
	return "invalid query: " + e.Reason
}

func invalidQuery(format string, args ...any) error {
	return &InvalidQueryError{Reason: fmt.Sprintf(format, args...)}
}

// SearchQuery describes one knowledge base search.
type SearchQuery struct {
	// Text is the free-text query. Required.
	Text string
	// Categories restricts results to papers tagged with at least one
	// of the given categories.
	Categories []string
	// YearFrom and YearTo bound the publication year, inclusive.
	// Zero means unbounded on that side.
	YearFrom int
	YearTo   int
	// MaxResults caps the returned papers. Defaults to 10; values above
	// the configured ceiling are rejected.
	MaxResults int
}

// ScoredPaper pairs a paper with its relevance score in [0, 1].
type ScoredPaper struct {
	storage.Paper
	Score float64
}

// SearchResult holds the ranked papers for one query. Total counts matches
// before truncation to MaxResults.
type SearchResult struct {
	Papers []ScoredPaper
	Total  int
	// Took is the query wall-clock time in seconds.
	Took float64
}

// CategoryResult reports one category's outcome within an update run.
type CategoryResult struct {
	// Fetched is how many papers the upstream returned.
	Fetched int
	// Indexed is how many of those made it into the search index.
	Indexed int
	// Skipped is set when the shard was still fresh and force was off.
	Skipped bool
	Err     error
}

// UpdateSummary is the per-category outcome of one update run. A failing
// category never aborts the others, so errors live inside the map.
type UpdateSummary struct {
	Categories map[string]CategoryResult
	Started    time.Time
	Finished   time.Time
}

// Failed returns the categories whose refresh errored, in no particular order.
func (s UpdateSummary) Failed() []string {
	var failed []string
	for cat, r := range s.Categories {
		if r.Err != nil {
			failed = append(failed, cat)
		}
	}
	return failed
}

// Stats extends the store's counters with the active search variant.
type Stats struct {
	storage.Stats
	Searcher string `json:"searcher"`
}
