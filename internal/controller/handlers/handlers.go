// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"srmjobs/internal/engine"
	"srmjobs/internal/job"
	"srmjobs/internal/logger"
	"srmjobs/internal/store"
	"srmjobs/pkg/api"
)

// Service is what the handlers need from the engine.
type Service interface {
	Submit(ctx context.Context, sub engine.Submission) (job.Entity, error)
	Get(ctx context.Context, id int64) (job.Entity, error)
	List(ctx context.Context, f store.ListFilter) ([]int64, error)
	Cancel(ctx context.Context, id int64, reason string) (job.Entity, error)
	AggregateOf(ent job.Entity) (job.Aggregate, bool)
	Ping(ctx context.Context) error
}

var _ Service = (*engine.Engine)(nil)

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	svc    Service
	logger *slog.Logger
}

// New creates a new Handlers instance. A nil logger uses slog.Default.
func New(svc Service, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{svc: svc, logger: log}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// engineError maps engine and store errors to a status code. Server-side
// failures are logged with the request id.
func (h *Handlers) engineError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status  int
		message string
	)
	switch {
	case errors.Is(err, job.ErrInvalidParams), errors.Is(err, store.ErrUnknownType):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrNotFound):
		status, message = http.StatusNotFound, "Job not found"
	case errors.Is(err, job.ErrIllegalStateTransition), errors.Is(err, store.ErrLeaseLost):
		status, message = http.StatusConflict, err.Error()
	case errors.Is(err, store.ErrStorageUnavailable):
		status, message = http.StatusServiceUnavailable, "Database unavailable"
	default:
		status, message = http.StatusInternalServerError, "Internal error"
	}
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context(), h.logger).ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	h.httpError(w, message, status)
}

func parseID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}
