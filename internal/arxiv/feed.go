package arxiv

import (
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"github.com/skimlab/arxival/internal/storage"
)

// arXiv Atom feed XML structures.
type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID         string         `xml:"id"`
	Title      string         `xml:"title"`
	Summary    string         `xml:"summary"`
	Published  string         `xml:"published"`
	Authors    []atomAuthor   `xml:"author"`
	Categories []atomCategory `xml:"category"`
	Links      []atomLink     `xml:"link"`
}

type atomAuthor struct {
	Name string `xml:"name"`
}

type atomCategory struct {
	Term string `xml:"term,attr"`
}

type atomLink struct {
	Href  string `xml:"href,attr"`
	Title string `xml:"title,attr"`
	Type  string `xml:"type,attr"`
}

// parseFeed decodes an Atom response into Paper records. Entries without a
// recognizable arXiv ID (including the API's error pseudo-entries) are
// dropped rather than failing the whole page.
func parseFeed(body []byte) ([]storage.Paper, error) {
	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, &ParseError{Snippet: snippet(body), Err: err}
	}

	var papers []storage.Paper
	for _, entry := range feed.Entries {
		arxivID := extractArxivID(entry.ID)
		if arxivID == "" {
			continue
		}

		p := storage.Paper{
			ArxivID:  arxivID,
			Title:    collapseWhitespace(entry.Title),
			Abstract: collapseWhitespace(entry.Summary),
			PDFURL:   pdfURL(entry, arxivID),
		}
		for _, a := range entry.Authors {
			if name := strings.TrimSpace(a.Name); name != "" {
				p.Authors = append(p.Authors, name)
			}
		}
		for _, c := range entry.Categories {
			if c.Term != "" {
				p.Categories = append(p.Categories, c.Term)
			}
		}
		if t, err := time.Parse(time.RFC3339, entry.Published); err == nil {
			p.Published = t
		}

		papers = append(papers, p)
	}
	return papers, nil
}

// extractArxivID pulls the arXiv ID from the entry's <id> URL
// (e.g. "http://arxiv.org/abs/2301.07041v1" -> "2301.07041").
func extractArxivID(idURL string) string {
	const prefix = "/abs/"
	idx := strings.Index(idURL, prefix)
	if idx < 0 {
		return ""
	}
	id := idURL[idx+len(prefix):]

	// Strip version suffix (e.g. "v1", "v2").
	if vIdx := strings.LastIndex(id, "v"); vIdx > 0 {
		if _, err := strconv.Atoi(id[vIdx+1:]); err == nil {
			id = id[:vIdx]
		}
	}
	return id
}

// pdfURL prefers the feed's pdf link, falling back to the canonical URL.
func pdfURL(entry atomEntry, arxivID string) string {
	for _, l := range entry.Links {
		if l.Title == "pdf" || l.Type == "application/pdf" {
			return l.Href
		}
	}
	return "https://arxiv.org/pdf/" + arxivID + ".pdf"
}

// collapseWhitespace normalizes the feed's hard-wrapped text fields.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func snippet(body []byte) string {
	if len(body) > snippetLen {
		return string(body[:snippetLen]) + "..."
	}
	return string(body)
}
