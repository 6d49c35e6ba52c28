package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
	"github.com/JakeFAU/tradestat-ingest/internal/seed"
)

const (
	defaultItemLimit = 100
	maxItemLimit     = 1000
	defaultRunLimit  = 20
	maxRunLimit      = 200
)

// stats handles GET /v1/stats.
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.items.Stats(r.Context())
	if err != nil {
		s.logger.Error("load stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// listItems handles GET /v1/items?status=&mode=&min_errors=&limit=.
func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	filter, err := parseItemFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, err := s.items.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list items failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	if items == nil {
		items = []ingest.WorkItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// getItem handles GET /v1/items/{code}.
func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if !seed.Valid(code) {
		writeError(w, http.StatusBadRequest, "code must be 8 digits")
		return
	}
	items, err := s.items.Get(r.Context(), code)
	if errors.Is(err, ingest.ErrNotFound) {
		writeError(w, http.StatusNotFound, "code not found")
		return
	}
	if err != nil {
		s.logger.Error("get item failed", zap.String("code", code), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load item")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"code": code, "modes": items})
}

// listRuns handles GET /v1/runs?limit=.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []ingest.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func parseItemFilter(r *http.Request) (ingest.ItemFilter, error) {
	q := r.URL.Query()
	var filter ingest.ItemFilter
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status := ingest.Status(strings.ToLower(raw))
		if !status.Valid() {
			return filter, fmt.Errorf("invalid status %q", raw)
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(q.Get("mode")); raw != "" {
		mode, err := ingest.ParseMode(strings.ToLower(raw))
		if err != nil {
			return filter, err
		}
		filter.Mode = mode
	}
	if raw := strings.TrimSpace(q.Get("min_errors")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("min_errors must be a non-negative integer")
		}
		filter.MinErrors = n
	}
	limit, err := parseLimit(r, defaultItemLimit, maxItemLimit)
	if err != nil {
		return filter, err
	}
	filter.Limit = limit
	return filter, nil
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}
