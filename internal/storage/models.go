package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// StorageError wraps a local persistence failure so callers can distinguish
// it from upstream or validation errors.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// storageErr wraps err in a StorageError unless it is nil or ErrNotFound.
func storageErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Paper is the canonical cached record for one arXiv paper.
// ArxivID is the stable unique key; CachedAt is bumped on every successful
// refresh and never moves backwards for a given ID.
type Paper struct {
	ArxivID    string    `json:"arxiv_id"`
	Title      string    `json:"title"`
	Authors    []string  `json:"authors"`
	Abstract   string    `json:"abstract"`
	Categories []string  `json:"categories"`
	Published  time.Time `json:"published"`
	PDFURL     string    `json:"pdf_url"`
	CachedAt   time.Time `json:"cached_at"`

	// FullText is populated only when the PDF has been downloaded and
	// extracted; it feeds keyword search and is never sent to clients.
	FullText string `json:"-"`
}

// HasCategory reports whether the paper carries the given category tag.
func (p Paper) HasCategory(category string) bool {
	for _, c := range p.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Stale reports whether the record's TTL has elapsed at the given instant.
func (p Paper) Stale(now time.Time, ttl time.Duration) bool {
	return now.After(p.CachedAt.Add(ttl))
}

// Stats summarizes the knowledge base contents.
type Stats struct {
	TotalPapers  int            `json:"total_papers"`
	CachedPapers int            `json:"cached_papers"`
	Categories   map[string]int `json:"categories"`
	LastUpdated  time.Time      `json:"last_updated"`
}
