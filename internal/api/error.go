package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/skimlab/arxival/internal/arxiv"
	"github.com/skimlab/arxival/internal/kb"
	"github.com/skimlab/arxival/internal/rag"
	"github.com/skimlab/arxival/internal/storage"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeError maps the domain error taxonomy onto HTTP statuses. Callers
// never see raw storage or upstream errors; internal detail stays in logs.
func writeError(w http.ResponseWriter, err error) {
	var invalid *kb.InvalidQueryError
	var parseErr *arxiv.ParseError
	var storageErr *storage.StorageError

	switch {
	case errors.As(err, &invalid):
		httpError(w, http.StatusBadRequest, "invalid_query", "%s", invalid.Reason)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, arxiv.ErrRateLimited):
		httpError(w, http.StatusTooManyRequests, "rate_limited", "upstream rate limit hit, slow down")
	case errors.Is(err, arxiv.ErrUpstreamUnavailable) || errors.As(err, &parseErr):
		httpError(w, http.StatusBadGateway, "upstream_error", "upstream source unavailable")
	case errors.Is(err, rag.ErrAnswerGeneration):
		httpError(w, http.StatusBadGateway, "generation_error", "answer generation failed")
	case errors.As(err, &storageErr):
		httpError(w, http.StatusInternalServerError, "storage_error", "internal storage failure")
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}
