// Package rag answers questions grounded in the knowledge base: retrieve
// top-K relevant papers, build a numbered-context prompt, generate, and
// annotate the answer with citations and a confidence estimate.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skimlab/arxival/internal/kb"
	"github.com/skimlab/arxival/internal/ollama"
)

// ErrAnswerGeneration marks a failed or timed-out generation call.
// Generation is not retried; the question can simply be asked again.
var ErrAnswerGeneration = errors.New("answer generation failed")

// noContextAnswer is returned when retrieval finds nothing to ground on.
// No generation call is made in that case.
const noContextAnswer = "I could not find any relevant papers in the knowledge base to answer this question. Try updating the knowledge base or rephrasing the question."

// Citation points the answer back at one grounding paper.
type Citation struct {
	PaperID        string  `json:"paper_id"`
	Title          string  `json:"title"`
	URL            string  `json:"url"`
	RelevanceScore float64 `json:"relevance_score"`
	Section        string  `json:"section,omitempty"`
}

// QAResponse is the full answer envelope. Citations are ordered by
// descending relevance.
type QAResponse struct {
	Answer         string     `json:"answer"`
	Citations      []Citation `json:"citations"`
	Confidence     float64    `json:"confidence"`
	ProcessingTime float64    `json:"processing_time"`
}

// Retriever is the slice of the knowledge base the engine queries.
type Retriever interface {
	SearchPapers(ctx context.Context, q kb.SearchQuery) (kb.SearchResult, error)
}

// Generator produces text from chat messages. Implemented by the ollama
// client.
type Generator interface {
	Chat(ctx context.Context, model string, messages []ollama.Message) (string, error)
}

// Config fixes the engine's retrieval and prompt budgets at construction.
type Config struct {
	// Model is the generation model name.
	Model string
	// ContextLimit is the default number of papers retrieved as context.
	ContextLimit int
	// MaxContextChars budgets the grounding context within the prompt.
	MaxContextChars int
}

type Engine struct {
	retriever Retriever
	gen       Generator
	cfg       Config
	logger    *slog.Logger
}

func New(retriever Retriever, gen Generator, cfg Config, logger *slog.Logger) *Engine {
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = 5
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = 8000
	}
	return &Engine{retriever: retriever, gen: gen, cfg: cfg, logger: logger}
}

// Answer retrieves grounding papers for the question and generates an
// answer from them. includeSources=false drops the citation list but keeps
// the confidence estimate.
func (e *Engine) Answer(ctx context.Context, question string, contextLimit int, includeSources bool) (QAResponse, error) {
	if question == "" {
		return QAResponse{}, &kb.InvalidQueryError{Reason: "question must not be empty"}
	}
	if contextLimit <= 0 {
		contextLimit = e.cfg.ContextLimit
	}
	start := time.Now()

	res, err := e.retriever.SearchPapers(ctx, kb.SearchQuery{Text: question, MaxResults: contextLimit})
	if err != nil {
		return QAResponse{}, fmt.Errorf("retrieving context: %w", err)
	}

	if len(res.Papers) == 0 {
		return QAResponse{
			Answer:         noContextAnswer,
			Confidence:     0.1,
			ProcessingTime: time.Since(start).Seconds(),
		}, nil
	}

	answer, err := e.gen.Chat(ctx, e.cfg.Model, buildMessages(question, res.Papers, e.cfg.MaxContextChars))
	if err != nil {
		return QAResponse{}, fmt.Errorf("%w: %v", ErrAnswerGeneration, err)
	}

	resp := QAResponse{
		Answer:         answer,
		Confidence:     confidence(res.Papers, answer),
		ProcessingTime: time.Since(start).Seconds(),
	}
	if includeSources {
		resp.Citations = citations(res.Papers)
	}
	e.logger.Debug("question answered",
		"papers", len(res.Papers), "confidence", resp.Confidence, "took", resp.ProcessingTime)
	return resp, nil
}

// citations maps the retrieved papers to citations, preserving the
// retrieval order, which is already descending by relevance.
func citations(papers []kb.ScoredPaper) []Citation {
	cits := make([]Citation, len(papers))
	for i, p := range papers {
		url := "https://arxiv.org/abs/" + p.ArxivID
		if p.ArxivID == "" {
			url = p.PDFURL
		}
		cits[i] = Citation{
			PaperID:        p.ArxivID,
			Title:          p.Title,
			URL:            url,
			RelevanceScore: p.Score,
		}
	}
	return cits
}
