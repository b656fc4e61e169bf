package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const paperColumns = `arxiv_id, title, authors, abstract, categories, published, pdf_url, full_text, cached_at`

// SavePaper inserts or overwrites the record keyed by ArxivID. CachedAt is
// set to now when zero. On overwrite, cached_at never moves backwards and
// previously extracted full text is preserved.
func (s *Store) SavePaper(p Paper) error {
	if p.ArxivID == "" {
		return storageErr("saving paper", fmt.Errorf("empty arxiv_id"))
	}
	cachedAt := p.CachedAt
	if cachedAt.IsZero() {
		cachedAt = time.Now().UTC()
	}

	authors, err := json.Marshal(p.Authors)
	if err != nil {
		return storageErr("encoding authors", err)
	}
	categories, err := json.Marshal(p.Categories)
	if err != nil {
		return storageErr("encoding categories", err)
	}

	var published string
	if !p.Published.IsZero() {
		published = p.Published.UTC().Format(time.RFC3339)
	}

	// MAX on RFC3339 text is chronological: fixed-width UTC timestamps
	// sort lexicographically.
	_, err = s.db.Exec(`
		INSERT INTO papers (arxiv_id, title, authors, abstract, categories, published, pdf_url, full_text, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', ?)
		ON CONFLICT(arxiv_id) DO UPDATE SET
			title      = excluded.title,
			authors    = excluded.authors,
			abstract   = excluded.abstract,
			categories = excluded.categories,
			published  = excluded.published,
			pdf_url    = excluded.pdf_url,
			cached_at  = MAX(excluded.cached_at, papers.cached_at)`,
		p.ArxivID, p.Title, string(authors), p.Abstract, string(categories),
		published, p.PDFURL, cachedAt.Format(time.RFC3339),
	)
	return storageErr("saving paper "+p.ArxivID, err)
}

// GetPaper returns the cached record for the given arXiv ID, stale or not.
func (s *Store) GetPaper(arxivID string) (Paper, error) {
	row := s.db.QueryRow(`SELECT `+paperColumns+` FROM papers WHERE arxiv_id = ?`, arxivID)
	p, err := scanPaper(row)
	if err == sql.ErrNoRows {
		return Paper{}, ErrNotFound
	}
	if err != nil {
		return Paper{}, storageErr("getting paper "+arxivID, err)
	}
	return p, nil
}

// GetPapers returns the cached records for the given IDs. Unknown IDs are
// silently skipped; order follows the input order.
func (s *Store) GetPapers(arxivIDs []string) ([]Paper, error) {
	if len(arxivIDs) == 0 {
		return nil, nil
	}

	byID := make(map[string]Paper, len(arxivIDs))
	for _, chunk := range chunkIDs(arxivIDs, 500) {
		args := make([]interface{}, len(chunk))
		placeholders := make([]byte, 0, 2*len(chunk))
		for i, id := range chunk {
			args[i] = id
			if i > 0 {
				placeholders = append(placeholders, ',')
			}
			placeholders = append(placeholders, '?')
		}

		rows, err := s.db.Query(`SELECT `+paperColumns+` FROM papers WHERE arxiv_id IN (`+string(placeholders)+`)`, args...)
		if err != nil {
			return nil, storageErr("getting papers", err)
		}
		if err := func() error {
			defer rows.Close()
			for rows.Next() {
				p, err := scanPaper(rows)
				if err != nil {
					return err
				}
				byID[p.ArxivID] = p
			}
			return rows.Err()
		}(); err != nil {
			return nil, storageErr("scanning papers", err)
		}
	}

	papers := make([]Paper, 0, len(byID))
	for _, id := range arxivIDs {
		if p, ok := byID[id]; ok {
			papers = append(papers, p)
		}
	}
	return papers, nil
}

// ListByCategory returns cached papers carrying the given category tag,
// newest published first. A zero since means no lower bound.
func (s *Store) ListByCategory(category string, since time.Time, limit int) ([]Paper, error) {
	query := `SELECT ` + paperColumns + ` FROM papers WHERE categories LIKE ?`
	args := []interface{}{`%"` + category + `"%`}
	if !since.IsZero() {
		query += ` AND published >= ?`
		args = append(args, since.UTC().Format(time.RFC3339))
	}
	query += ` ORDER BY published DESC, arxiv_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, storageErr("listing papers for "+category, err)
	}
	defer rows.Close()

	// LIKE over the JSON text can match a category that is a substring of
	// another tag; re-check the decoded set.
	var papers []Paper
	for rows.Next() {
		p, err := scanPaper(rows)
		if err != nil {
			return nil, storageErr("scanning paper", err)
		}
		if p.HasCategory(category) {
			papers = append(papers, p)
		}
	}
	return papers, storageErr("iterating papers", rows.Err())
}

// ListRecent returns papers published at or after since, newest first.
func (s *Store) ListRecent(since time.Time, limit int) ([]Paper, error) {
	rows, err := s.db.Query(`SELECT `+paperColumns+` FROM papers
		WHERE published >= ?
		ORDER BY published DESC, arxiv_id ASC LIMIT ?`,
		since.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, storageErr("listing recent papers", err)
	}
	defer rows.Close()

	var papers []Paper
	for rows.Next() {
		p, err := scanPaper(rows)
		if err != nil {
			return nil, storageErr("scanning paper", err)
		}
		papers = append(papers, p)
	}
	return papers, storageErr("iterating papers", rows.Err())
}

// ListAll returns every cached paper. Keyword search scans this set; the
// cache is bounded by the per-category fetch limits, so a full scan stays
// cheap.
func (s *Store) ListAll() ([]Paper, error) {
	rows, err := s.db.Query(`SELECT ` + paperColumns + ` FROM papers ORDER BY arxiv_id ASC`)
	if err != nil {
		return nil, storageErr("listing papers", err)
	}
	defer rows.Close()

	var papers []Paper
	for rows.Next() {
		p, err := scanPaper(rows)
		if err != nil {
			return nil, storageErr("scanning paper", err)
		}
		papers = append(papers, p)
	}
	return papers, storageErr("iterating papers", rows.Err())
}

// SaveFullText attaches extracted PDF text to an existing record.
func (s *Store) SaveFullText(arxivID, text string) error {
	res, err := s.db.Exec(`UPDATE papers SET full_text = ? WHERE arxiv_id = ?`, text, arxivID)
	if err != nil {
		return storageErr("saving full text for "+arxivID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("saving full text for "+arxivID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgePaper removes a record and its derived embedding. Papers are never
// deleted otherwise; upstream absence is not evidence of deletion.
func (s *Store) PurgePaper(arxivID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("purging paper "+arxivID, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM papers WHERE arxiv_id = ?`, arxivID)
	if err != nil {
		return storageErr("purging paper "+arxivID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("purging paper "+arxivID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`DELETE FROM paper_vectors WHERE arxiv_id = ?`, arxivID); err != nil {
		return storageErr("purging vector for "+arxivID, err)
	}
	return storageErr("purging paper "+arxivID, tx.Commit())
}

// RecordUpdate logs a completed category refresh for stats and staleness tracking.
func (s *Store) RecordUpdate(category string, at time.Time, fetched int) error {
	_, err := s.db.Exec(`
		INSERT INTO update_log (category, updated_at, fetched) VALUES (?, ?, ?)
		ON CONFLICT(category) DO UPDATE SET updated_at = excluded.updated_at, fetched = excluded.fetched`,
		category, at.UTC().Format(time.RFC3339), fetched)
	return storageErr("recording update for "+category, err)
}

// LastUpdates returns the most recent refresh time per category.
func (s *Store) LastUpdates() (map[string]time.Time, error) {
	rows, err := s.db.Query(`SELECT category, updated_at FROM update_log`)
	if err != nil {
		return nil, storageErr("reading update log", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var cat, at string
		if err := rows.Scan(&cat, &at); err != nil {
			return nil, storageErr("scanning update log", err)
		}
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return nil, storageErr("parsing update log time", err)
		}
		out[cat] = t
	}
	return out, storageErr("iterating update log", rows.Err())
}

// Stats summarizes the cache: total records, records still within ttl,
// per-category counts, and the most recent refresh time.
func (s *Store) Stats(ttl time.Duration) (Stats, error) {
	stats := Stats{Categories: make(map[string]int)}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM papers`).Scan(&stats.TotalPapers); err != nil {
		return Stats{}, storageErr("counting papers", err)
	}

	freshCutoff := time.Now().UTC().Add(-ttl).Format(time.RFC3339)
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM papers WHERE cached_at >= ?`, freshCutoff).Scan(&stats.CachedPapers); err != nil {
		return Stats{}, storageErr("counting fresh papers", err)
	}

	rows, err := s.db.Query(`SELECT categories FROM papers`)
	if err != nil {
		return Stats{}, storageErr("reading categories", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return Stats{}, storageErr("scanning categories", err)
		}
		var cats []string
		if err := json.Unmarshal([]byte(raw), &cats); err != nil {
			continue
		}
		for _, c := range cats {
			stats.Categories[c]++
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, storageErr("iterating categories", err)
	}

	var last sql.NullString
	if err := s.db.QueryRow(`SELECT MAX(updated_at) FROM update_log`).Scan(&last); err != nil {
		return Stats{}, storageErr("reading last update", err)
	}
	if last.Valid {
		t, err := time.Parse(time.RFC3339, last.String)
		if err != nil {
			return Stats{}, storageErr("parsing last update", err)
		}
		stats.LastUpdated = t
	}

	return stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPaper(row rowScanner) (Paper, error) {
	var p Paper
	var authors, categories string
	var published sql.NullString
	var cachedAt string

	err := row.Scan(&p.ArxivID, &p.Title, &authors, &p.Abstract, &categories,
		&published, &p.PDFURL, &p.FullText, &cachedAt)
	if err != nil {
		return Paper{}, err
	}

	if err := json.Unmarshal([]byte(authors), &p.Authors); err != nil {
		return Paper{}, fmt.Errorf("decoding authors for %s: %w", p.ArxivID, err)
	}
	if err := json.Unmarshal([]byte(categories), &p.Categories); err != nil {
		return Paper{}, fmt.Errorf("decoding categories for %s: %w", p.ArxivID, err)
	}
	if published.Valid && published.String != "" {
		t, err := time.Parse(time.RFC3339, published.String)
		if err != nil {
			return Paper{}, fmt.Errorf("parsing published for %s: %w", p.ArxivID, err)
		}
		p.Published = t
	}
	t, err := time.Parse(time.RFC3339, cachedAt)
	if err != nil {
		return Paper{}, fmt.Errorf("parsing cached_at for %s: %w", p.ArxivID, err)
	}
	p.CachedAt = t

	return p, nil
}

func chunkIDs(ids []string, size int) [][]string {
	if len(ids) <= size {
		return [][]string{ids}
	}
	var chunks [][]string
	for len(ids) > 0 {
		n := size
		if len(ids) < n {
			n = len(ids)
		}
		chunks = append(chunks, ids[:n])
		ids = ids[n:]
	}
	return chunks
}
