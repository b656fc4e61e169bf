// Package kb orchestrates the paper store, the upstream fetcher, and the
// search index. It owns the update lifecycle: per-category shards move
// Fresh -> Stale -> Refreshing, stale data keeps serving while a refresh
// runs in the background, and concurrent refreshes of the same category
// coalesce into a single upstream fetch.
package kb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/skimlab/arxival/internal/arxiv"
	"github.com/skimlab/arxival/internal/index"
	"github.com/skimlab/arxival/internal/storage"
)

// backgroundRefreshTimeout bounds a refresh spawned by a stale read, which
// has no request context to inherit. Variable so tests can shorten it.
var backgroundRefreshTimeout = 2 * time.Minute

// Fetcher is the slice of the arXiv client the manager calls.
type Fetcher interface {
	Search(ctx context.Context, q arxiv.Query) ([]storage.Paper, error)
	GetByID(ctx context.Context, arxivID string) (storage.Paper, error)
}

// Config fixes the manager's caching and update policy at construction.
type Config struct {
	// CacheTTL is how long a paper or category shard stays fresh.
	CacheTTL time.Duration
	// Categories is the supported category set, refreshed by default.
	Categories []string
	// UpdateWorkers bounds concurrent per-category refreshes.
	UpdateWorkers int
	// FetchWindowDays is the trailing submission window pulled per refresh.
	FetchWindowDays int
	// FetchLimit caps papers pulled per category per refresh.
	FetchLimit int
	// MaxResults is the hard ceiling on SearchQuery.MaxResults.
	MaxResults int
}

// Manager is the single owner of update and consistency policy. No other
// component writes to the store or the index.
type Manager struct {
	store    *storage.Store
	fetcher  Fetcher
	searcher index.Searcher
	cfg      Config
	logger   *slog.Logger

	// sf coalesces concurrent refreshes of the same category.
	sf singleflight.Group

	mu     sync.Mutex
	shards map[string]*shard

	// bg tracks background refresh goroutines so Close can drain them.
	bg sync.WaitGroup
}

// New builds a Manager and seeds shard freshness from the update log, so a
// restart does not treat recently refreshed categories as stale.
func New(store *storage.Store, fetcher Fetcher, searcher index.Searcher, cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.UpdateWorkers <= 0 {
		cfg.UpdateWorkers = 3
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 100
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 50
	}
	if cfg.FetchWindowDays <= 0 {
		cfg.FetchWindowDays = 30
	}

	m := &Manager{
		store:    store,
		fetcher:  fetcher,
		searcher: searcher,
		cfg:      cfg,
		logger:   logger,
		shards:   make(map[string]*shard),
	}

	updates, err := store.LastUpdates()
	if err != nil {
		return nil, fmt.Errorf("loading update log: %w", err)
	}
	for cat, at := range updates {
		m.shards[cat] = &shard{lastUpdated: at}
	}
	return m, nil
}

// Close waits for in-flight background refreshes to finish.
func (m *Manager) Close() {
	m.bg.Wait()
}

// SearchPapers ranks cached papers against the query. When nothing cached
// matches the filters, it falls through to the upstream once, ingests the
// results, and ranks again, so a cold cache still answers. Ordering is
// deterministic: score descending, then published descending, then arXiv
// ID ascending.
func (m *Manager) SearchPapers(ctx context.Context, q SearchQuery) (SearchResult, error) {
	if err := m.validate(&q); err != nil {
		return SearchResult{}, err
	}
	start := time.Now()

	papers, err := m.rank(ctx, q)
	if err != nil {
		return SearchResult{}, err
	}

	if len(papers) == 0 {
		if err := m.fallbackFetch(ctx, q); err != nil {
			return SearchResult{}, err
		}
		if papers, err = m.rank(ctx, q); err != nil {
			return SearchResult{}, err
		}
	}

	sortScored(papers)
	total := len(papers)
	if len(papers) > q.MaxResults {
		papers = papers[:q.MaxResults]
	}
	return SearchResult{Papers: papers, Total: total, Took: time.Since(start).Seconds()}, nil
}

func (m *Manager) validate(q *SearchQuery) error {
	if q.Text == "" {
		return invalidQuery("text must not be empty")
	}
	if q.YearFrom != 0 && q.YearTo != 0 && q.YearFrom > q.YearTo {
		return invalidQuery("year_from %d after year_to %d", q.YearFrom, q.YearTo)
	}
	if q.MaxResults <= 0 {
		q.MaxResults = 10
	}
	if q.MaxResults > m.cfg.MaxResults {
		return invalidQuery("max_results %d above ceiling %d", q.MaxResults, m.cfg.MaxResults)
	}
	return nil
}

// rank runs the searcher over the whole cache and applies the query's
// filters. No candidate cap: Total must count every qualifying paper, and
// both search variants score the full corpus anyway.
func (m *Manager) rank(ctx context.Context, q SearchQuery) ([]ScoredPaper, error) {
	matches, err := m.searcher.Search(ctx, q.Text, math.MaxInt)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]string, len(matches))
	for i, match := range matches {
		ids[i] = match.ArxivID
	}
	papers, err := m.store.GetPapers(ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]storage.Paper, len(papers))
	for _, p := range papers {
		byID[p.ArxivID] = p
	}

	var scored []ScoredPaper
	for _, match := range matches {
		p, ok := byID[match.ArxivID]
		if !ok {
			// Index entry with no backing paper; derived state lagging
			// behind a purge.
			continue
		}
		if !q.matches(p) {
			continue
		}
		scored = append(scored, ScoredPaper{Paper: p, Score: match.Score})
	}
	return scored, nil
}

func (q SearchQuery) matches(p storage.Paper) bool {
	if len(q.Categories) > 0 {
		hit := false
		for _, cat := range q.Categories {
			if p.HasCategory(cat) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	year := p.Published.Year()
	if q.YearFrom != 0 && year < q.YearFrom {
		return false
	}
	if q.YearTo != 0 && year > q.YearTo {
		return false
	}
	return true
}

// fallbackFetch pulls papers matching the query straight from the upstream
// and ingests them. Used only on a true cache miss.
func (m *Manager) fallbackFetch(ctx context.Context, q SearchQuery) error {
	uq := arxiv.Query{
		Text:       q.Text,
		Categories: q.Categories,
		MaxResults: q.MaxResults,
	}
	if q.YearFrom != 0 {
		uq.From = time.Date(q.YearFrom, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if q.YearTo != 0 {
		uq.To = time.Date(q.YearTo, 12, 31, 23, 59, 59, 0, time.UTC)
	}

	papers, err := m.fetcher.Search(ctx, uq)
	if err != nil {
		return err
	}
	m.ingest(ctx, papers)
	return nil
}

// ingest upserts papers and re-indexes them. Index failures are logged and
// skipped; the paper is still stored and reachable by ID. Returns how many
// papers were indexed.
func (m *Manager) ingest(ctx context.Context, papers []storage.Paper) int {
	now := time.Now().UTC()
	indexed := 0
	for _, p := range papers {
		p.CachedAt = now
		if err := m.store.SavePaper(p); err != nil {
			m.logger.Warn("saving paper failed", "arxiv_id", p.ArxivID, "error", err)
			continue
		}
		if err := m.searcher.Index(ctx, p); err != nil {
			m.logger.Warn("indexing paper failed", "arxiv_id", p.ArxivID, "error", err)
			continue
		}
		indexed++
	}
	return indexed
}

// GetPaper serves from the store even when stale; a stale hit enqueues one
// background shard refresh and returns immediately. Only when both the
// store and the upstream miss does it report not found.
func (m *Manager) GetPaper(ctx context.Context, arxivID string) (storage.Paper, error) {
	p, err := m.store.GetPaper(arxivID)
	if err == nil {
		if p.Stale(time.Now(), m.cfg.CacheTTL) {
			m.enqueueRefresh(p.Categories)
		}
		return p, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Paper{}, err
	}

	p, err = m.fetcher.GetByID(ctx, arxivID)
	if err != nil {
		return storage.Paper{}, err
	}
	m.ingest(ctx, []storage.Paper{p})

	stored, err := m.store.GetPaper(arxivID)
	if errors.Is(err, storage.ErrNotFound) {
		// The save failed (ingest logged it). The upstream still delivered,
		// so serve the fetched paper instead of reporting a miss.
		p.CachedAt = time.Now().UTC()
		return p, nil
	}
	return stored, err
}

// enqueueRefresh starts one background refresh for the first supported
// category among cats. When that shard is already refreshing, nothing new
// is enqueued.
func (m *Manager) enqueueRefresh(cats []string) {
	for _, cat := range cats {
		if !m.supported(cat) {
			continue
		}
		if !m.tryMarkRefreshing(cat) {
			return
		}
		m.bg.Add(1)
		go func() {
			defer m.bg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), backgroundRefreshTimeout)
			defer cancel()
			if _, err := m.refreshCategory(ctx, cat); err != nil {
				m.logger.Warn("background refresh failed", "category", cat, "error", err)
			}
		}()
		return
	}
}

// tryMarkRefreshing transitions the shard to Refreshing. Returns false when
// a refresh is already in flight, so concurrent stale reads enqueue at most
// one refresh.
func (m *Manager) tryMarkRefreshing(category string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh := m.shardLocked(category)
	if sh.refreshing {
		return false
	}
	sh.refreshing = true
	return true
}

func (m *Manager) shardLocked(category string) *shard {
	sh, ok := m.shards[category]
	if !ok {
		sh = &shard{}
		m.shards[category] = sh
	}
	return sh
}

func (m *Manager) shardState(category string) shardState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shardLocked(category).state(time.Now(), m.cfg.CacheTTL)
}

func (m *Manager) supported(category string) bool {
	for _, c := range m.cfg.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// refreshCategory fetches the category's recent window, ingests it, and
// records the update. Concurrent calls for the same category coalesce into
// one upstream fetch; late callers receive the shared result.
func (m *Manager) refreshCategory(ctx context.Context, category string) (CategoryResult, error) {
	v, err, _ := m.sf.Do("refresh:"+category, func() (any, error) {
		m.mu.Lock()
		m.shardLocked(category).refreshing = true
		m.mu.Unlock()

		now := time.Now().UTC()
		defer func() {
			m.mu.Lock()
			m.shardLocked(category).refreshing = false
			m.mu.Unlock()
		}()

		papers, err := m.fetcher.Search(ctx, arxiv.Query{
			Categories: []string{category},
			From:       now.AddDate(0, 0, -m.cfg.FetchWindowDays),
			To:         now,
			MaxResults: m.cfg.FetchLimit,
			SortByDate: true,
		})
		if err != nil {
			return CategoryResult{}, err
		}

		indexed := m.ingest(ctx, papers)
		if err := m.store.RecordUpdate(category, now, len(papers)); err != nil {
			return CategoryResult{}, err
		}
		m.mu.Lock()
		m.shardLocked(category).lastUpdated = now
		m.mu.Unlock()

		m.logger.Info("category refreshed", "category", category, "fetched", len(papers), "indexed", indexed)
		return CategoryResult{Fetched: len(papers), Indexed: indexed}, nil
	})
	if err != nil {
		return CategoryResult{Err: err}, err
	}
	return v.(CategoryResult), nil
}

// Update refreshes the given categories (all supported ones when empty)
// with bounded concurrency. Fresh shards are skipped unless force is set,
// and one failing category never aborts the others.
func (m *Manager) Update(ctx context.Context, categories []string, force bool) (UpdateSummary, error) {
	if len(categories) == 0 {
		categories = m.cfg.Categories
	}

	summary := UpdateSummary{
		Categories: make(map[string]CategoryResult, len(categories)),
		Started:    time.Now().UTC(),
	}

	var mu sync.Mutex
	record := func(cat string, r CategoryResult) {
		mu.Lock()
		summary.Categories[cat] = r
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(m.cfg.UpdateWorkers)
	for _, cat := range categories {
		g.Go(func() error {
			if !m.supported(cat) {
				record(cat, CategoryResult{Err: fmt.Errorf("category %q: %w", cat, storage.ErrNotFound)})
				return nil
			}
			if !force && m.shardState(cat) == stateFresh {
				record(cat, CategoryResult{Skipped: true})
				return nil
			}
			r, err := m.refreshCategory(ctx, cat)
			if err != nil {
				m.logger.Warn("category refresh failed", "category", cat, "error", err)
			}
			record(cat, r)
			return nil
		})
	}
	g.Wait()

	summary.Finished = time.Now().UTC()
	return summary, nil
}

// GetTrending returns papers published within the trailing window, ranked
// by recency decay score(p) = 1 / (1 + age_days/halflife) with halflife =
// days/2. No usage signal exists, so recency is the whole proxy. Ties
// break by ascending arXiv ID.
func (m *Manager) GetTrending(ctx context.Context, days, limit int) ([]ScoredPaper, error) {
	if days <= 0 {
		days = 7
	}
	if limit <= 0 {
		limit = 10
	}
	now := time.Now().UTC()
	papers, err := m.store.ListRecent(now.AddDate(0, 0, -days), 10*limit)
	if err != nil {
		return nil, err
	}

	halflife := float64(days) / 2
	scored := make([]ScoredPaper, len(papers))
	for i, p := range papers {
		ageDays := now.Sub(p.Published).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		scored[i] = ScoredPaper{Paper: p, Score: 1 / (1 + ageDays/halflife)}
	}
	sortScored(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// ListByCategory returns the category's cached papers newest first. An
// empty shard is refreshed synchronously before re-reading; a stale one is
// served as-is with a background refresh enqueued.
func (m *Manager) ListByCategory(ctx context.Context, category string, days, limit int) ([]storage.Paper, error) {
	if !m.supported(category) {
		return nil, fmt.Errorf("category %q: %w", category, storage.ErrNotFound)
	}
	if limit <= 0 {
		limit = 10
	}
	var since time.Time
	if days > 0 {
		since = time.Now().UTC().AddDate(0, 0, -days)
	}

	papers, err := m.store.ListByCategory(category, since, limit)
	if err != nil {
		return nil, err
	}
	if len(papers) > 0 {
		if m.shardState(category) == stateStale {
			m.enqueueRefresh([]string{category})
		}
		return papers, nil
	}

	if _, err := m.refreshCategory(ctx, category); err != nil {
		return nil, err
	}
	return m.store.ListByCategory(category, since, limit)
}

// Purge removes a paper and its index entry. Papers are otherwise never
// deleted; upstream absence is not evidence of deletion.
func (m *Manager) Purge(arxivID string) error {
	if err := m.store.PurgePaper(arxivID); err != nil {
		return err
	}
	return m.searcher.Remove(arxivID)
}

// Stats reports store counters plus the active search variant.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	s, err := m.store.Stats(m.cfg.CacheTTL)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Stats: s, Searcher: m.searcher.Name()}, nil
}

func sortScored(papers []ScoredPaper) {
	sort.Slice(papers, func(i, j int) bool {
		if papers[i].Score != papers[j].Score {
			return papers[i].Score > papers[j].Score
		}
		if !papers[i].Published.Equal(papers[j].Published) {
			return papers[i].Published.After(papers[j].Published)
		}
		return papers[i].ArxivID < papers[j].ArxivID
	})
}
