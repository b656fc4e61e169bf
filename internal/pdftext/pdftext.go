// Package pdftext extracts plain text from downloaded paper PDFs. The
// extracted text feeds keyword search, so a paper matches on its body and
// not just title and abstract.
package pdftext

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// maxPages caps extraction; appendices and references past this point add
// little search signal relative to their size.
const maxPages = 50

// Extract returns the concatenated plain text of the PDF at path. Pages
// that fail to decode are skipped; extraction fails only when no page
// yields text.
func Extract(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	pages := r.NumPage()
	if pages > maxPages {
		pages = maxPages
	}

	var b strings.Builder
	extracted := 0
	for i := 1; i <= pages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text == "" {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
		extracted++
	}

	if extracted == 0 {
		return "", fmt.Errorf("no extractable text in %s", path)
	}
	return b.String(), nil
}
