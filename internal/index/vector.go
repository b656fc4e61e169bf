package index

import (
	"container/heap"
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/skimlab/arxival/internal/storage"
)

// Compile-time check that VectorIndex implements Searcher.
var _ Searcher = (*VectorIndex)(nil)

// TextEmbedder turns text into an embedding vector.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex stores title+abstract embeddings in the paper_vectors table
// and answers similarity queries by brute-force cosine scan with a top-K
// heap. The table is a derived projection of the paper store: it can be
// dropped and fully rebuilt at any time. While the projection is empty,
// queries delegate to the fallback searcher so cached papers stay visible.
//
// Brute force is adequate at cache scale (thousands of rows); an ANN
// backend would only pay off past ~100K vectors.
type VectorIndex struct {
	db       *sql.DB
	embedder TextEmbedder
	fallback Searcher
}

// NewVectorIndex wraps the store's connection for vector operations.
// fallback, when non-nil, answers queries while the vector table is empty.
func NewVectorIndex(db *sql.DB, embedder TextEmbedder, fallback Searcher) *VectorIndex {
	return &VectorIndex{db: db, embedder: embedder, fallback: fallback}
}

func (v *VectorIndex) Name() string { return "vector" }

// Index embeds the paper's title and abstract and upserts the vector.
func (v *VectorIndex) Index(ctx context.Context, p storage.Paper) error {
	vec, err := v.embedder.Embed(ctx, p.Title+"\n\n"+p.Abstract)
	if err != nil {
		return fmt.Errorf("embedding %s: %w", p.ArxivID, err)
	}

	_, err = v.db.ExecContext(ctx, `
		INSERT INTO paper_vectors (arxiv_id, embedding, embedded_at) VALUES (?, ?, ?)
		ON CONFLICT(arxiv_id) DO UPDATE SET embedding = excluded.embedding, embedded_at = excluded.embedded_at`,
		p.ArxivID, encodeFloat32s(vec), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("storing vector for %s: %w", p.ArxivID, err)
	}
	return nil
}

// Search embeds the query and returns the top-k nearest papers by cosine
// similarity, descending, ties broken by ascending arXiv ID.
func (v *VectorIndex) Search(ctx context.Context, query string, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	n, err := v.Count()
	if err != nil {
		return nil, fmt.Errorf("counting vectors: %w", err)
	}
	if n == 0 && v.fallback != nil {
		return v.fallback.Search(ctx, query, k)
	}

	queryVec, err := v.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	queryNorm := norm(queryVec)
	if queryNorm == 0 {
		return nil, nil
	}

	rows, err := v.db.QueryContext(ctx, `SELECT arxiv_id, embedding FROM paper_vectors`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &matchHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		m := Match{ArxivID: id, Score: cosine(queryVec, buf, queryNorm)}
		if h.Len() < k {
			heap.Push(h, m)
		} else if matchLess((*h)[0], m) {
			(*h)[0] = m
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	matches := make([]Match, h.Len())
	for i := len(matches) - 1; i >= 0; i-- {
		matches[i] = heap.Pop(h).(Match)
	}
	sort.SliceStable(matches, func(i, j int) bool { return matchLess(matches[j], matches[i]) })
	return matches, nil
}

// Remove drops the paper's vector. Unknown IDs are a no-op.
func (v *VectorIndex) Remove(arxivID string) error {
	if _, err := v.db.Exec(`DELETE FROM paper_vectors WHERE arxiv_id = ?`, arxivID); err != nil {
		return fmt.Errorf("removing vector for %s: %w", arxivID, err)
	}
	return nil
}

// Count returns the number of indexed vectors.
func (v *VectorIndex) Count() (int, error) {
	var count int
	err := v.db.QueryRow(`SELECT COUNT(*) FROM paper_vectors`).Scan(&count)
	return count, err
}

// matchLess orders matches ascending: lower score first, and for equal
// scores the lexicographically larger ID first, so the heap root is always
// the weakest result.
func matchLess(a, b Match) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.ArxivID > b.ArxivID
}

// matchHeap is a min-heap of Match by matchLess.
type matchHeap []Match

func (h matchHeap) Len() int            { return len(h) }
func (h matchHeap) Less(i, j int) bool  { return matchLess(h[i], h[j]) }
func (h matchHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x interface{}) { *h = append(*h, x.(Match)) }
func (h *matchHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
