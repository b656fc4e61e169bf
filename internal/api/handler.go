// Package api exposes the knowledge base and the answering engine over
// HTTP, and mirrors the main operations as MCP tools.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/skimlab/arxival/internal/kb"
	"github.com/skimlab/arxival/internal/rag"
	"github.com/skimlab/arxival/internal/scheduler"
	"github.com/skimlab/arxival/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// KnowledgeBase abstracts the manager for the API layer.
type KnowledgeBase interface {
	SearchPapers(ctx context.Context, q kb.SearchQuery) (kb.SearchResult, error)
	GetPaper(ctx context.Context, arxivID string) (storage.Paper, error)
	GetTrending(ctx context.Context, days, limit int) ([]kb.ScoredPaper, error)
	ListByCategory(ctx context.Context, category string, days, limit int) ([]storage.Paper, error)
	Stats(ctx context.Context) (kb.Stats, error)
}

// Answerer abstracts the RAG engine.
type Answerer interface {
	Answer(ctx context.Context, question string, contextLimit int, includeSources bool) (rag.QAResponse, error)
}

// UpdateTrigger abstracts the scheduler's on-demand side.
type UpdateTrigger interface {
	Trigger(categories []string, force bool) string
	Status(id string) (scheduler.Task, bool)
}

type AppDeps struct {
	KB      KnowledgeBase
	QA      Answerer
	Updates UpdateTrigger
	// Token enables bearer auth when non-empty.
	Token  string
	Logger *slog.Logger
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	if deps.Token != "" {
		r.Use(BearerAuth(deps.Token))
	}

	r.Get("/health", handleHealth)
	r.Route("/knowledge-base", func(r chi.Router) {
		r.Get("/stats", handleStats(deps))
		r.Post("/search", handleSearch(deps))
		r.Get("/paper/{arxivID}", handleGetPaper(deps))
		r.Get("/categories/{category}/papers", handleCategoryPapers(deps))
		r.Get("/trending", handleTrending(deps))
		r.Post("/update", handleUpdate(deps))
		r.Get("/update/{taskID}", handleUpdateStatus(deps))
	})
	r.Post("/qa", handleQA(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.KB.Stats(r.Context())
		if err != nil {
			deps.Logger.Error("stats failed", "error", err)
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

type searchRequest struct {
	Query      string   `json:"query"`
	MaxResults int      `json:"max_results"`
	Categories []string `json:"categories"`
	YearFrom   int      `json:"year_from"`
	YearTo     int      `json:"year_to"`
}

// scoredPaper is the wire form of one ranked result.
type scoredPaper struct {
	storage.Paper
	Score float64 `json:"score"`
}

type searchResponse struct {
	Papers []scoredPaper `json:"papers"`
	Total  int           `json:"total"`
	Query  string        `json:"query"`
	Took   float64       `json:"took"`
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		res, err := deps.KB.SearchPapers(r.Context(), kb.SearchQuery{
			Text:       req.Query,
			Categories: req.Categories,
			YearFrom:   req.YearFrom,
			YearTo:     req.YearTo,
			MaxResults: req.MaxResults,
		})
		if err != nil {
			deps.Logger.Warn("search failed", "query", req.Query, "error", err)
			writeError(w, err)
			return
		}

		papers := make([]scoredPaper, len(res.Papers))
		for i, p := range res.Papers {
			papers[i] = scoredPaper{Paper: p.Paper, Score: p.Score}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(searchResponse{
			Papers: papers,
			Total:  res.Total,
			Query:  req.Query,
			Took:   res.Took,
		})
	}
}

func handleGetPaper(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		arxivID := chi.URLParam(r, "arxivID")

		p, err := deps.KB.GetPaper(r.Context(), arxivID)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]storage.Paper{"paper": p})
	}
}

func handleCategoryPapers(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		category := chi.URLParam(r, "category")
		limit := parseIntParam(r, "max_results", 10, 100)
		days := parseIntParam(r, "days", 0, 0)

		papers, err := deps.KB.ListByCategory(r.Context(), category, days, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if papers == nil {
			papers = []storage.Paper{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"category": category,
			"papers":   papers,
			"total":    len(papers),
		})
	}
}

func handleTrending(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := parseIntParam(r, "days", 7, 365)
		limit := parseIntParam(r, "max_results", 10, 100)

		trending, err := deps.KB.GetTrending(r.Context(), days, limit)
		if err != nil {
			writeError(w, err)
			return
		}

		papers := make([]scoredPaper, len(trending))
		for i, p := range trending {
			papers[i] = scoredPaper{Paper: p.Paper, Score: p.Score}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"trending_papers": papers,
			"total":           len(papers),
			"days":            days,
		})
	}
}

type updateRequest struct {
	Categories  []string `json:"categories"`
	ForceUpdate bool     `json:"force_update"`
}

func handleUpdate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req updateRequest
		// An empty body means "update everything".
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		taskID := deps.Updates.Trigger(req.Categories, req.ForceUpdate)
		deps.Logger.Info("update triggered", "task_id", taskID, "categories", req.Categories, "force", req.ForceUpdate)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"message": "knowledge base update started",
			"task_id": taskID,
		})
	}
}

type categoryOutcome struct {
	Fetched int    `json:"fetched"`
	Indexed int    `json:"indexed"`
	Skipped bool   `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

func handleUpdateStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")

		task, ok := deps.Updates.Status(taskID)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "unknown task %s", taskID)
			return
		}

		outcomes := make(map[string]categoryOutcome, len(task.Summary.Categories))
		for cat, res := range task.Summary.Categories {
			o := categoryOutcome{Fetched: res.Fetched, Indexed: res.Indexed, Skipped: res.Skipped}
			if res.Err != nil {
				o.Error = res.Err.Error()
			}
			outcomes[cat] = o
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"task":       task,
			"categories": outcomes,
		})
	}
}

type qaRequest struct {
	Question       string `json:"question"`
	ContextLimit   int    `json:"context_limit"`
	IncludeSources *bool  `json:"include_sources"`
}

func handleQA(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req qaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		includeSources := true
		if req.IncludeSources != nil {
			includeSources = *req.IncludeSources
		}

		resp, err := deps.QA.Answer(r.Context(), req.Question, req.ContextLimit, includeSources)
		if err != nil {
			deps.Logger.Warn("qa failed", "error", err)
			writeError(w, err)
			return
		}
		if resp.Citations == nil {
			resp.Citations = []rag.Citation{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
