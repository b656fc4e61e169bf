// Package index ranks cached papers against a query. Two variants exist:
// VectorIndex embeds title+abstract and answers nearest-neighbor queries;
// KeywordIndex scores term overlap. The variant is chosen at construction,
// so callers never branch on embedding availability.
package index

import (
	"context"

	"github.com/skimlab/arxival/internal/storage"
)

// Match is one ranked result: a paper ID and a relevance score in [0, 1].
type Match struct {
	ArxivID string
	Score   float64
}

// Searcher ranks cached papers against free-text queries.
type Searcher interface {
	// Name identifies the variant ("vector" or "keyword") for logs and stats.
	Name() string

	// Search returns the top-k matches, descending by score, ties broken
	// by ascending arXiv ID.
	Search(ctx context.Context, query string, k int) ([]Match, error)

	// Index makes the paper retrievable. Idempotent: re-indexing overwrites.
	Index(ctx context.Context, p storage.Paper) error

	// Remove drops the paper's derived data. Removing an unknown ID is a no-op.
	Remove(arxivID string) error
}
