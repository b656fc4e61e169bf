package rag

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/skimlab/arxival/internal/kb"
	"github.com/skimlab/arxival/internal/ollama"
)

const systemPrompt = `You are a research assistant answering questions about scientific papers. Answer using only the numbered papers provided as context. Reference papers by their number, e.g. [1]. If the context does not contain the answer, say so instead of guessing.`

// abstractLimit truncates a single abstract inside the prompt so one
// verbose paper cannot consume the whole context budget.
const abstractLimit = 1200

// buildMessages assembles the chat messages: a fixed system prompt and a
// user message holding the numbered grounding papers followed by the
// question. Papers are added in relevance order until the character budget
// runs out; at least one always fits.
func buildMessages(question string, papers []kb.ScoredPaper, maxChars int) []ollama.Message {
	var b strings.Builder
	b.WriteString("Context papers:\n\n")

	for i, p := range papers {
		block := contextBlock(i+1, p)
		if i > 0 && b.Len()+len(block) > maxChars {
			break
		}
		b.WriteString(block)
	}

	b.WriteString("Question: ")
	b.WriteString(question)

	return []ollama.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}
}

func contextBlock(n int, p kb.ScoredPaper) string {
	abstract := p.Abstract
	if len(abstract) > abstractLimit {
		// Back up to a rune boundary so the cut never splits a multi-byte
		// character.
		cut := abstractLimit
		for cut > 0 && !utf8.RuneStart(abstract[cut]) {
			cut--
		}
		abstract = abstract[:cut] + "..."
	}
	return fmt.Sprintf("[%d] %s\nAuthors: %s\nPublished: %s\nAbstract: %s\n\n",
		n, p.Title, strings.Join(p.Authors, ", "), p.Published.Format("2006-01-02"), abstract)
}
