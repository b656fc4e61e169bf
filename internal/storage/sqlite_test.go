package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPaper(id string, published time.Time, categories ...string) Paper {
	if len(categories) == 0 {
		categories = []string{"cs.AI"}
	}
	return Paper{
		ArxivID:    id,
		Title:      "Paper " + id,
		Authors:    []string{"A. Author", "B. Author"},
		Abstract:   "An abstract about learning.",
		Categories: categories,
		Published:  published,
		PDFURL:     "https://arxiv.org/pdf/" + id + ".pdf",
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
	if len(v1) == 0 {
		t.Fatal("expected at least one applied migration")
	}
}

func TestSaveAndGetPaper(t *testing.T) {
	s := openTestStore(t)

	published := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	want := testPaper("2401.00002", published, "cs.AI", "cs.LG")
	if err := s.SavePaper(want); err != nil {
		t.Fatalf("SavePaper: %v", err)
	}

	got, err := s.GetPaper("2401.00002")
	if err != nil {
		t.Fatalf("GetPaper: %v", err)
	}
	if got.Title != want.Title || got.Abstract != want.Abstract || got.PDFURL != want.PDFURL {
		t.Errorf("round-trip mismatch: got %+v", got)
	}
	if len(got.Authors) != 2 || got.Authors[0] != "A. Author" {
		t.Errorf("authors mismatch: %v", got.Authors)
	}
	if len(got.Categories) != 2 || !got.HasCategory("cs.LG") {
		t.Errorf("categories mismatch: %v", got.Categories)
	}
	if !got.Published.Equal(published) {
		t.Errorf("published = %s, want %s", got.Published, published)
	}
	if got.CachedAt.IsZero() {
		t.Error("cached_at not set on save")
	}
}

func TestGetPaperNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetPaper("9999.99999")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPaper on missing ID = %v, want ErrNotFound", err)
	}
}

// Later writes win; the store never holds two records for the same ID.
func TestSavePaperOverwrite(t *testing.T) {
	s := openTestStore(t)

	p := testPaper("2401.00001", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err := s.SavePaper(p); err != nil {
		t.Fatalf("SavePaper: %v", err)
	}

	p.Title = "Revised title"
	p.Abstract = "Revised abstract"
	if err := s.SavePaper(p); err != nil {
		t.Fatalf("SavePaper overwrite: %v", err)
	}

	got, err := s.GetPaper("2401.00001")
	if err != nil {
		t.Fatalf("GetPaper: %v", err)
	}
	if got.Title != "Revised title" {
		t.Errorf("title = %q, want revised value", got.Title)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM papers WHERE arxiv_id = '2401.00001'`).Scan(&count); err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if count != 1 {
		t.Errorf("row count = %d, want 1", count)
	}
}

// cached_at never moves backwards, even if a writer supplies an older timestamp.
func TestCachedAtMonotonic(t *testing.T) {
	s := openTestStore(t)

	newer := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	older := newer.Add(-48 * time.Hour)

	p := testPaper("2401.00001", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	p.CachedAt = newer
	if err := s.SavePaper(p); err != nil {
		t.Fatalf("SavePaper: %v", err)
	}

	p.CachedAt = older
	if err := s.SavePaper(p); err != nil {
		t.Fatalf("SavePaper with older cached_at: %v", err)
	}

	got, err := s.GetPaper("2401.00001")
	if err != nil {
		t.Fatalf("GetPaper: %v", err)
	}
	if !got.CachedAt.Equal(newer) {
		t.Errorf("cached_at = %s, want %s (must not revert)", got.CachedAt, newer)
	}

	// A genuinely newer write still advances it.
	newest := newer.Add(time.Hour)
	p.CachedAt = newest
	if err := s.SavePaper(p); err != nil {
		t.Fatalf("SavePaper with newer cached_at: %v", err)
	}
	got, err = s.GetPaper("2401.00001")
	if err != nil {
		t.Fatalf("GetPaper: %v", err)
	}
	if !got.CachedAt.Equal(newest) {
		t.Errorf("cached_at = %s, want %s", got.CachedAt, newest)
	}
}

func TestListByCategory(t *testing.T) {
	s := openTestStore(t)

	jan1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jan10 := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	feb1 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	for _, p := range []Paper{
		testPaper("2401.00001", jan1, "cs.AI"),
		testPaper("2401.00002", jan10, "cs.AI", "cs.LG"),
		testPaper("2402.00001", feb1, "cs.CV"),
	} {
		if err := s.SavePaper(p); err != nil {
			t.Fatalf("SavePaper(%s): %v", p.ArxivID, err)
		}
	}

	papers, err := s.ListByCategory("cs.AI", time.Time{}, 10)
	if err != nil {
		t.Fatalf("ListByCategory: %v", err)
	}
	if len(papers) != 2 {
		t.Fatalf("got %d papers, want 2", len(papers))
	}
	if papers[0].ArxivID != "2401.00002" || papers[1].ArxivID != "2401.00001" {
		t.Errorf("order = [%s %s], want newest published first", papers[0].ArxivID, papers[1].ArxivID)
	}

	// since bound excludes the older paper.
	papers, err = s.ListByCategory("cs.AI", jan10.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ListByCategory with since: %v", err)
	}
	if len(papers) != 1 || papers[0].ArxivID != "2401.00002" {
		t.Errorf("since filter returned %v", papers)
	}
}

// "cs.A" must not match papers tagged only "cs.AI" despite the LIKE scan.
func TestListByCategoryNoSubstringMatch(t *testing.T) {
	s := openTestStore(t)

	p := testPaper("2401.00001", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "cs.AI")
	if err := s.SavePaper(p); err != nil {
		t.Fatalf("SavePaper: %v", err)
	}

	papers, err := s.ListByCategory("cs.A", time.Time{}, 10)
	if err != nil {
		t.Fatalf("ListByCategory: %v", err)
	}
	if len(papers) != 0 {
		t.Errorf("substring category matched %d papers, want 0", len(papers))
	}
}

func TestGetPapersPreservesInputOrder(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"2403.00001", "2403.00002", "2403.00003"} {
		if err := s.SavePaper(testPaper(id, base)); err != nil {
			t.Fatalf("SavePaper(%s): %v", id, err)
		}
	}

	papers, err := s.GetPapers([]string{"2403.00003", "2403.00001", "missing"})
	if err != nil {
		t.Fatalf("GetPapers: %v", err)
	}
	if len(papers) != 2 {
		t.Fatalf("got %d papers, want 2", len(papers))
	}
	if papers[0].ArxivID != "2403.00003" || papers[1].ArxivID != "2403.00001" {
		t.Errorf("order = [%s %s], want input order", papers[0].ArxivID, papers[1].ArxivID)
	}
}

func TestFullTextSurvivesRefresh(t *testing.T) {
	s := openTestStore(t)

	p := testPaper("2401.00001", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err := s.SavePaper(p); err != nil {
		t.Fatalf("SavePaper: %v", err)
	}
	if err := s.SaveFullText("2401.00001", "full body text"); err != nil {
		t.Fatalf("SaveFullText: %v", err)
	}

	// A refresh overwrite must not discard the extracted text.
	if err := s.SavePaper(p); err != nil {
		t.Fatalf("SavePaper refresh: %v", err)
	}
	got, err := s.GetPaper("2401.00001")
	if err != nil {
		t.Fatalf("GetPaper: %v", err)
	}
	if got.FullText != "full body text" {
		t.Errorf("full_text = %q after refresh, want preserved", got.FullText)
	}

	if err := s.SaveFullText("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SaveFullText on missing paper = %v, want ErrNotFound", err)
	}
}

func TestPurgePaper(t *testing.T) {
	s := openTestStore(t)

	p := testPaper("2401.00001", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err := s.SavePaper(p); err != nil {
		t.Fatalf("SavePaper: %v", err)
	}
	if _, err := s.db.Exec(`INSERT INTO paper_vectors (arxiv_id, embedding, embedded_at)
		VALUES ('2401.00001', X'00000000', '2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("seeding vector row: %v", err)
	}

	if err := s.PurgePaper("2401.00001"); err != nil {
		t.Fatalf("PurgePaper: %v", err)
	}
	if _, err := s.GetPaper("2401.00001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPaper after purge = %v, want ErrNotFound", err)
	}
	var vectors int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM paper_vectors`).Scan(&vectors); err != nil {
		t.Fatalf("counting vectors: %v", err)
	}
	if vectors != 0 {
		t.Errorf("vector rows after purge = %d, want 0", vectors)
	}

	if err := s.PurgePaper("2401.00001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second PurgePaper = %v, want ErrNotFound", err)
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	fresh := testPaper("2401.00001", now.Add(-time.Hour), "cs.AI")
	fresh.CachedAt = now
	stale := testPaper("2301.00001", now.Add(-400*24*time.Hour), "cs.AI", "cs.CV")
	stale.CachedAt = now.Add(-30 * 24 * time.Hour)

	for _, p := range []Paper{fresh, stale} {
		if err := s.SavePaper(p); err != nil {
			t.Fatalf("SavePaper(%s): %v", p.ArxivID, err)
		}
	}
	updatedAt := now.Truncate(time.Second)
	if err := s.RecordUpdate("cs.AI", updatedAt, 2); err != nil {
		t.Fatalf("RecordUpdate: %v", err)
	}

	stats, err := s.Stats(7 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalPapers != 2 {
		t.Errorf("total = %d, want 2", stats.TotalPapers)
	}
	if stats.CachedPapers != 1 {
		t.Errorf("cached (fresh) = %d, want 1", stats.CachedPapers)
	}
	if stats.Categories["cs.AI"] != 2 || stats.Categories["cs.CV"] != 1 {
		t.Errorf("category counts = %v", stats.Categories)
	}
	if !stats.LastUpdated.Equal(updatedAt) {
		t.Errorf("last updated = %s, want %s", stats.LastUpdated, updatedAt)
	}
}

func TestLastUpdates(t *testing.T) {
	s := openTestStore(t)

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := s.RecordUpdate("cs.AI", at, 10); err != nil {
		t.Fatalf("RecordUpdate: %v", err)
	}
	// Overwrite with a later run.
	later := at.Add(time.Hour)
	if err := s.RecordUpdate("cs.AI", later, 5); err != nil {
		t.Fatalf("RecordUpdate overwrite: %v", err)
	}

	updates, err := s.LastUpdates()
	if err != nil {
		t.Fatalf("LastUpdates: %v", err)
	}
	if got := updates["cs.AI"]; !got.Equal(later) {
		t.Errorf("cs.AI last update = %s, want %s", got, later)
	}
}
