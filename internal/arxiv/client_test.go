package arxiv

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/skimlab/arxival/internal/storage"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>http://arxiv.org/abs/2401.00002v1</id>
    <title>Deep  Learning
  for   Retrieval</title>
    <summary>We study retrieval with
  deep models.</summary>
    <published>2024-01-10T00:00:00Z</published>
    <author><name>Ada Lovelace</name></author>
    <author><name>Alan Turing</name></author>
    <category term="cs.AI"/>
    <category term="cs.LG"/>
    <link href="http://arxiv.org/pdf/2401.00002v1" title="pdf" type="application/pdf"/>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/2401.00001v2</id>
    <title>Symbolic Reasoning</title>
    <summary>Reasoning over symbols.</summary>
    <published>2024-01-01T00:00:00Z</published>
    <author><name>Grace Hopper</name></author>
    <category term="cs.AI"/>
  </entry>
</feed>`

func shortBackoff(t *testing.T) {
	t.Helper()
	oldBase, oldCool := baseBackoff, defaultCooloff
	baseBackoff = time.Millisecond
	defaultCooloff = time.Millisecond
	t.Cleanup(func() { baseBackoff, defaultCooloff = oldBase, oldCool })
}

func testClient(url string) *Client {
	return New(Config{BaseURL: url, MaxResults: 100, Timeout: 5 * time.Second, RateLimit: 1000})
}

func TestSearchParsesFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	papers, err := testClient(srv.URL).Search(context.Background(), Query{Text: "deep learning"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(papers) != 2 {
		t.Fatalf("got %d papers, want 2", len(papers))
	}

	p := papers[0]
	if p.ArxivID != "2401.00002" {
		t.Errorf("arxiv_id = %q, want version suffix stripped", p.ArxivID)
	}
	if p.Title != "Deep Learning for Retrieval" {
		t.Errorf("title = %q, want collapsed whitespace", p.Title)
	}
	if p.Abstract != "We study retrieval with deep models." {
		t.Errorf("abstract = %q", p.Abstract)
	}
	if len(p.Authors) != 2 || p.Authors[0] != "Ada Lovelace" {
		t.Errorf("authors = %v", p.Authors)
	}
	if len(p.Categories) != 2 || p.Categories[1] != "cs.LG" {
		t.Errorf("categories = %v", p.Categories)
	}
	if !p.Published.Equal(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("published = %s", p.Published)
	}
	if p.PDFURL != "http://arxiv.org/pdf/2401.00002v1" {
		t.Errorf("pdf_url = %q, want feed link", p.PDFURL)
	}

	// Second entry has no pdf link; the canonical URL is constructed.
	if papers[1].PDFURL != "https://arxiv.org/pdf/2401.00001.pdf" {
		t.Errorf("fallback pdf_url = %q", papers[1].PDFURL)
	}
}

func TestSearchEnforcesMaxResultsCeiling(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxResults: 20, Timeout: 5 * time.Second, RateLimit: 1000})
	if _, err := c.Search(context.Background(), Query{Text: "x", MaxResults: 500}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !strings.Contains(gotQuery, "max_results=20") {
		t.Errorf("query = %q, want max_results capped at 20", gotQuery)
	}
}

func TestBuildSearchQuery(t *testing.T) {
	cases := []struct {
		name string
		q    Query
		want string
	}{
		{
			name: "free text",
			q:    Query{Text: "deep learning"},
			want: "all:deep+learning",
		},
		{
			name: "single category",
			q:    Query{Categories: []string{"cs.AI"}},
			want: "cat:cs.AI",
		},
		{
			name: "text and categories",
			q:    Query{Text: "transformers", Categories: []string{"cs.AI", "cs.LG"}},
			want: "all:transformers+AND+%28cat:cs.AI+OR+cat:cs.LG%29",
		},
		{
			name: "date range",
			q: Query{
				Categories: []string{"cs.CV"},
				From:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
				To:         time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			},
			want: "cat:cs.CV+AND+submittedDate:[202401010000+TO+202402010000]",
		},
	}
	for _, tc := range cases {
		if got := buildSearchQuery(tc.q); got != tc.want {
			t.Errorf("%s: buildSearchQuery = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestSearchRetriesTransientFailures(t *testing.T) {
	shortBackoff(t)

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	papers, err := testClient(srv.URL).Search(context.Background(), Query{Text: "x"})
	if err != nil {
		t.Fatalf("Search after transient failures: %v", err)
	}
	if calls != 3 {
		t.Errorf("upstream calls = %d, want 3", calls)
	}
	if len(papers) != 2 {
		t.Errorf("got %d papers", len(papers))
	}
}

func TestSearchGivesUpAfterBoundedRetries(t *testing.T) {
	shortBackoff(t)

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Search(context.Background(), Query{Text: "x"})
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("err = %v, want ErrUpstreamUnavailable", err)
	}
	if calls != maxAttempts {
		t.Errorf("upstream calls = %d, want %d", calls, maxAttempts)
	}
}

func TestSearchDoesNotRetryClientErrors(t *testing.T) {
	shortBackoff(t)

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Search(context.Background(), Query{Text: "x"})
	if err == nil {
		t.Fatal("expected error on HTTP 400")
	}
	if errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("HTTP 400 surfaced as ErrUpstreamUnavailable: %v", err)
	}
	if calls != 1 {
		t.Errorf("upstream calls = %d, want 1 (no retry)", calls)
	}
}

func TestSearchCoolsOffOnRateLimit(t *testing.T) {
	shortBackoff(t)

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).Search(context.Background(), Query{Text: "x"}); err != nil {
		t.Fatalf("Search after 429: %v", err)
	}
	if calls != 2 {
		t.Errorf("upstream calls = %d, want 2", calls)
	}
}

func TestSearchSurfacesRateLimited(t *testing.T) {
	shortBackoff(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Search(context.Background(), Query{Text: "x"})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestSearchParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"this": "is not xml"`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Search(context.Background(), Query{Text: "x"})
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
	if perr.Snippet == "" {
		t.Error("parse error carries no payload snippet")
	}
}

func TestGetByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "id_list=2401.00002") {
			t.Errorf("query = %q, want id_list", r.URL.RawQuery)
		}
		w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	p, err := testClient(srv.URL).GetByID(context.Background(), "2401.00002")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if p.ArxivID != "2401.00002" {
		t.Errorf("arxiv_id = %q", p.ArxivID)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<feed xmlns="http://www.w3.org/2005/Atom"></feed>`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetByID(context.Background(), "0000.00000")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want storage.ErrNotFound", err)
	}
}
