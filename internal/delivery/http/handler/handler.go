package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/user/portal-ingest/internal/delivery/http/request"
	"github.com/user/portal-ingest/internal/delivery/http/response"
	"github.com/user/portal-ingest/internal/entity"
	"github.com/user/portal-ingest/internal/usecase"
	"github.com/user/portal-ingest/internal/worker"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// JobLister exposes the serve-mode schedule.
type JobLister interface {
	Jobs() []worker.JobInfo
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	files  usecase.FileManager
	jobs   JobLister
	checks map[string]HealthCheck
	logger *zap.Logger
}

func NewHandler(files usecase.FileManager, jobs JobLister, checks map[string]HealthCheck, logger *zap.Logger) *Handler {
	return &Handler{
		files:  files,
		jobs:   jobs,
		checks: checks,
		logger: logger,
	}
}

func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Error("health check failed", zap.String("dependency", name), zap.Error(err))
			status[name] = "unhealthy"
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "healthy"
	}
	h.writeJSON(w, code, status)
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	rows, err := h.files.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to load stats", zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, response.NewStatsResponse(rows))
}

func (h *Handler) HandleListFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := entity.FileFilter{
		Categories:         q["category"],
		LegislativePeriods: q["period"],
		Limit:              defaultListLimit,
	}
	for _, raw := range q["status"] {
		s, err := entity.ParseStatus(raw)
		if err != nil {
			h.writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Statuses = append(filter.Statuses, s)
	}
	for _, raw := range q["file_type"] {
		filter.FileTypes = append(filter.FileTypes, entity.FileType(raw))
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			h.writeJSONError(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeJSONError(w, "offset must be a non-negative integer", http.StatusBadRequest)
			return
		}
		filter.Offset = n
	}

	files, err := h.files.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list files", zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if files == nil {
		files = []*entity.TrackedFile{}
	}
	h.writeJSON(w, http.StatusOK, response.FileListResponse{Files: files, Limit: filter.Limit, Offset: filter.Offset})
}

func (h *Handler) HandleGetFile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.fileID(w, r)
	if !ok {
		return
	}
	f, err := h.files.Get(r.Context(), id)
	if err != nil {
		h.writeFileError(w, id, err)
		return
	}
	h.writeJSON(w, http.StatusOK, f)
}

func (h *Handler) HandleRequeue(w http.ResponseWriter, r *http.Request) {
	id, ok := h.fileID(w, r)
	if !ok {
		return
	}
	f, err := h.files.Requeue(r.Context(), id)
	if err != nil {
		h.writeFileError(w, id, err)
		return
	}
	h.writeJSON(w, http.StatusOK, f)
}

func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	var req request.ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Empty() {
		h.writeJSONError(w, "at least one of statuses, categories or periods is required", http.StatusBadRequest)
		return
	}

	filter := entity.FileFilter{Categories: req.Categories, LegislativePeriods: req.Periods}
	for _, raw := range req.Statuses {
		s, err := entity.ParseStatus(raw)
		if err != nil {
			h.writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Statuses = append(filter.Statuses, s)
	}

	n, err := h.files.Reset(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to reset files", zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, response.ResetResponse{Reset: n})
}

func (h *Handler) HandleJobs(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.writeJSON(w, http.StatusOK, []worker.JobInfo{})
		return
	}
	h.writeJSON(w, http.StatusOK, h.jobs.Jobs())
}

func (h *Handler) fileID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		h.writeJSONError(w, "Invalid file id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (h *Handler) writeFileError(w http.ResponseWriter, id int64, err error) {
	switch {
	case errors.Is(err, entity.ErrNotFound):
		h.writeJSONError(w, "File not found", http.StatusNotFound)
	case errors.Is(err, usecase.ErrNothingToRequeue), errors.Is(err, entity.ErrStaleState), errors.Is(err, entity.ErrInvalidTransition):
		h.writeJSONError(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("file operation failed", zap.Int64("id", id), zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write JSON response", zap.Error(err))
	}
}

func (h *Handler) writeJSONError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
