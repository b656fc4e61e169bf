package index

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/skimlab/arxival/internal/storage"
)

// fakeEmbedder maps known texts to fixed vectors so similarity is deterministic.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, ok := f.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no vector for %q", text)
	}
	return v, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func paper(id, title, abstract string) storage.Paper {
	return storage.Paper{
		ArxivID:    id,
		Title:      title,
		Authors:    []string{"A. Author"},
		Abstract:   abstract,
		Categories: []string{"cs.AI"},
		Published:  time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		PDFURL:     "https://arxiv.org/pdf/" + id + ".pdf",
		CachedAt:   time.Now().UTC(),
	}
}

func TestVectorIndexSearch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"Attention Models\n\nabout transformers": {1, 0, 0},
		"Graph Networks\n\nabout graphs":         {0, 1, 0},
		"Diffusion Models\n\nabout images":       {0.9, 0.1, 0},
		"transformers":                           {1, 0, 0},
	}}
	idx := NewVectorIndex(store.DB(), embedder, nil)

	for _, p := range []storage.Paper{
		paper("2401.00001", "Attention Models", "about transformers"),
		paper("2401.00002", "Graph Networks", "about graphs"),
		paper("2401.00003", "Diffusion Models", "about images"),
	} {
		if err := store.SavePaper(p); err != nil {
			t.Fatalf("saving paper: %v", err)
		}
		if err := idx.Index(ctx, p); err != nil {
			t.Fatalf("indexing %s: %v", p.ArxivID, err)
		}
	}

	matches, err := idx.Search(ctx, "transformers", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].ArxivID != "2401.00001" {
		t.Errorf("top match = %s, want 2401.00001", matches[0].ArxivID)
	}
	if matches[1].ArxivID != "2401.00003" {
		t.Errorf("second match = %s, want 2401.00003", matches[1].ArxivID)
	}
	if matches[0].Score < matches[1].Score {
		t.Errorf("scores not descending: %v", matches)
	}
}

func TestVectorIndexReindexOverwrites(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"Old Title\n\nold abstract": {1, 0},
		"New Title\n\nnew abstract": {0, 1},
		"q":                         {0, 1},
	}}
	idx := NewVectorIndex(store.DB(), embedder, nil)

	p := paper("2401.00001", "Old Title", "old abstract")
	if err := idx.Index(ctx, p); err != nil {
		t.Fatalf("first index: %v", err)
	}
	p.Title, p.Abstract = "New Title", "new abstract"
	if err := idx.Index(ctx, p); err != nil {
		t.Fatalf("reindex: %v", err)
	}

	count, err := idx.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d after reindex, want 1", count)
	}

	matches, err := idx.Search(ctx, "q", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 || matches[0].Score < 0.99 {
		t.Errorf("reindexed vector not in effect: %v", matches)
	}
}

func TestVectorIndexTieBreaksByID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"B\n\nsame": {1, 0},
		"A\n\nsame": {1, 0},
		"q":         {1, 0},
	}}
	idx := NewVectorIndex(store.DB(), embedder, nil)

	if err := idx.Index(ctx, paper("2401.00009", "B", "same")); err != nil {
		t.Fatal(err)
	}
	if err := idx.Index(ctx, paper("2401.00001", "A", "same")); err != nil {
		t.Fatal(err)
	}

	matches, err := idx.Search(ctx, "q", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 || matches[0].ArxivID != "2401.00001" {
		t.Errorf("equal scores not broken by ascending ID: %v", matches)
	}
}

func TestVectorIndexRemove(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	embedder := &fakeEmbedder{vectors: map[string][]float32{"T\n\na": {1}}}
	idx := NewVectorIndex(store.DB(), embedder, nil)

	if err := idx.Index(ctx, paper("2401.00001", "T", "a")); err != nil {
		t.Fatal(err)
	}
	if err := idx.Remove("2401.00001"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := idx.Remove("2401.99999"); err != nil {
		t.Errorf("Remove unknown ID: %v", err)
	}

	count, err := idx.Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("count = %d after remove, want 0", count)
	}
}

func TestVectorIndexEmptyTableFallsBack(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SavePaper(paper("2401.00001", "Deep Learning Basics", "gradient descent")); err != nil {
		t.Fatalf("saving paper: %v", err)
	}

	// No vectors indexed yet; the embedder must not even be consulted.
	embedder := &fakeEmbedder{}
	idx := NewVectorIndex(store.DB(), embedder, NewKeywordIndex(store))

	matches, err := idx.Search(ctx, "learning", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 || matches[0].ArxivID != "2401.00001" {
		t.Fatalf("matches = %v, want the cached paper via fallback", matches)
	}

	// Once the projection has rows, similarity search takes over.
	embedder.vectors = map[string][]float32{
		"Deep Learning Basics\n\ngradient descent": {1, 0},
		"learning": {1, 0},
	}
	if err := idx.Index(ctx, paper("2401.00001", "Deep Learning Basics", "gradient descent")); err != nil {
		t.Fatalf("indexing: %v", err)
	}
	matches, err = idx.Search(ctx, "learning", 10)
	if err != nil {
		t.Fatalf("Search after index: %v", err)
	}
	if len(matches) != 1 || matches[0].Score < 0.99 {
		t.Errorf("vector path not used once populated: %v", matches)
	}
}

type fakeLister struct {
	papers []storage.Paper
}

func (f *fakeLister) ListAll() ([]storage.Paper, error) { return f.papers, nil }

func TestKeywordIndexRanking(t *testing.T) {
	titleHit := paper("2401.00001", "Transformer Attention Survey", "covers many models")
	abstractHit := paper("2401.00002", "Vision Models", "a transformer approach to images")
	miss := paper("2401.00003", "Graph Learning", "message passing networks")
	fullTextHit := paper("2401.00004", "Sequence Models", "recurrent baselines")
	fullTextHit.FullText = "we compare against transformer baselines"

	idx := NewKeywordIndex(&fakeLister{papers: []storage.Paper{miss, abstractHit, fullTextHit, titleHit}})

	matches, err := idx.Search(context.Background(), "transformer", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []string{"2401.00001", "2401.00002", "2401.00004"}
	if len(matches) != len(want) {
		t.Fatalf("got %d matches, want %d: %v", len(matches), len(want), matches)
	}
	for i, id := range want {
		if matches[i].ArxivID != id {
			t.Errorf("matches[%d] = %s, want %s", i, matches[i].ArxivID, id)
		}
	}
	for _, m := range matches {
		if m.Score <= 0 || m.Score > 1 {
			t.Errorf("score %f for %s outside (0, 1]", m.Score, m.ArxivID)
		}
	}
}

func TestKeywordIndexTieBreaksByID(t *testing.T) {
	a := paper("2401.00002", "Quantum Computing", "qubits")
	b := paper("2401.00001", "Quantum Computing", "qubits")
	idx := NewKeywordIndex(&fakeLister{papers: []storage.Paper{a, b}})

	matches, err := idx.Search(context.Background(), "quantum", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 || matches[0].ArxivID != "2401.00001" {
		t.Errorf("equal scores not broken by ascending ID: %v", matches)
	}
}

func TestKeywordIndexEmptyQuery(t *testing.T) {
	idx := NewKeywordIndex(&fakeLister{papers: []storage.Paper{paper("2401.00001", "T", "a")}})
	matches, err := idx.Search(context.Background(), "  , !", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("got %d matches for empty query, want 0", len(matches))
	}
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	backend := &orderedBackend{}
	e := NewEmbedder(backend, "nomic-embed-text")

	texts := []string{"zero", "one", "two", "three", "four", "five"}
	vectors, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vectors) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) != 1 || v[0] != float32(i) {
			t.Errorf("vectors[%d] = %v, want [%d]", i, v, i)
		}
	}
}

// orderedBackend returns the text's position in a fixed vocabulary.
type orderedBackend struct{}

func (orderedBackend) Embed(ctx context.Context, model, text string) ([]float32, error) {
	order := map[string]float32{"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5}
	v, ok := order[text]
	if !ok {
		return nil, fmt.Errorf("unknown text %q", text)
	}
	return []float32{v}, nil
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0}
	if got := cosine(a, []float32{1, 0}, norm(a)); got < 0.999 {
		t.Errorf("cosine of identical vectors = %f, want 1", got)
	}
	if got := cosine(a, []float32{0, 1}, norm(a)); got != 0 {
		t.Errorf("cosine of orthogonal vectors = %f, want 0", got)
	}
	if got := cosine(a, []float32{0, 0}, norm(a)); got != 0 {
		t.Errorf("cosine against zero vector = %f, want 0", got)
	}
	if got := cosine(a, []float32{1}, norm(a)); got != 0 {
		t.Errorf("cosine of mismatched dimensions = %f, want 0", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := []float32{0.5, -1.25, 3}
	out, err := decodeFloat32sInto(nil, encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d floats, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %f, want %f", i, out[i], in[i])
		}
	}

	if _, err := decodeFloat32sInto(nil, []byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
