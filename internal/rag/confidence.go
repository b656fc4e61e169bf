package rag

import (
	"strings"

	"github.com/skimlab/arxival/internal/kb"
)

// hedgePhrases signal the model could not ground its answer; their presence
// halves the confidence estimate.
var hedgePhrases = []string{
	"i don't know",
	"not sure",
	"cannot determine",
	"unclear",
}

// confidence estimates answer quality as the mean relevance of the
// grounding papers, clamped to [0, 1] and damped when the answer hedges.
func confidence(papers []kb.ScoredPaper, answer string) float64 {
	if len(papers) == 0 {
		return 0.1
	}
	var sum float64
	for _, p := range papers {
		sum += p.Score
	}
	c := sum / float64(len(papers))
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}

	lower := strings.ToLower(answer)
	for _, phrase := range hedgePhrases {
		if strings.Contains(lower, phrase) {
			return c * 0.5
		}
	}
	return c
}
