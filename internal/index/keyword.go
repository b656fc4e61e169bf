package index

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/skimlab/arxival/internal/storage"
)

var _ Searcher = (*KeywordIndex)(nil)

// Lister is the slice of the paper store the keyword index scans.
type Lister interface {
	ListAll() ([]storage.Paper, error)
}

// KeywordIndex is the fallback ranking used when no embedding model is
// available. It scans the whole cache and scores papers by query term
// overlap. Matches in the title count most, then abstract, then full text.
// No derived state is kept, so Index and Remove are no-ops.
type KeywordIndex struct {
	store Lister
}

func NewKeywordIndex(store Lister) *KeywordIndex {
	return &KeywordIndex{store: store}
}

func (k *KeywordIndex) Name() string { return "keyword" }

const (
	titleWeight    = 3.0
	abstractWeight = 1.0
	fullTextWeight = 0.5
)

// Search tokenizes the query and returns the top-k papers by weighted term
// overlap, normalized to [0, 1]. Papers matching no term are omitted.
func (k *KeywordIndex) Search(ctx context.Context, query string, max int) ([]Match, error) {
	if max <= 0 {
		return nil, nil
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	papers, err := k.store.ListAll()
	if err != nil {
		return nil, err
	}

	// A paper matching every term in both title and abstract scores 1.0.
	maxScore := float64(len(terms)) * (titleWeight + abstractWeight)

	var matches []Match
	for _, p := range papers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		title := strings.ToLower(p.Title)
		abstract := strings.ToLower(p.Abstract)
		fullText := strings.ToLower(p.FullText)

		var score float64
		for _, term := range terms {
			if strings.Contains(title, term) {
				score += titleWeight
			}
			if strings.Contains(abstract, term) {
				score += abstractWeight
			}
			if fullText != "" && strings.Contains(fullText, term) {
				score += fullTextWeight
			}
		}
		if score == 0 {
			continue
		}
		if score > maxScore {
			score = maxScore
		}
		matches = append(matches, Match{ArxivID: p.ArxivID, Score: score / maxScore})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ArxivID < matches[j].ArxivID
	})
	if len(matches) > max {
		matches = matches[:max]
	}
	return matches, nil
}

// Index is a no-op: the keyword variant reads papers straight from the store.
func (k *KeywordIndex) Index(ctx context.Context, p storage.Paper) error { return nil }

// Remove is a no-op for the same reason.
func (k *KeywordIndex) Remove(arxivID string) error { return nil }

// tokenize lowercases and splits on non-alphanumeric runes, dropping
// single-character terms.
func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	terms := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			terms = append(terms, f)
		}
	}
	return terms
}
