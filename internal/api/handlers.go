package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"maiachat/backend/internal/engine"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Logger is the subset of the application logger used by the handlers.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains the operational HTTP handlers of the workflow service.
type Handler struct {
	store Pinger
}

// NewHandler creates a new Handler with required dependencies
func NewHandler(store Pinger) *Handler {
	return &Handler{store: store}
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Store     string    `json:"store"`
}

// HandleHealth reports liveness and whether the store answers a ping. It
// returns 503 when the store is unreachable.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "maiachat-workflows",
		Version:   Version,
		Store:     "ok",
	}
	code := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		status.Status = "degraded"
		status.Store = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
	Code     string `json:"code,omitempty"`
}

// writeError writes an RFC 7807 Problem Details JSON error response
func writeError(w http.ResponseWriter, problem ProblemDetails) {
	if problem.Type == "" {
		problem.Type = "about:blank"
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// problemFor maps an error returned by a handler to a problem response.
// Engine errors keep their kind as the problem code.
func problemFor(err error) ProblemDetails {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		detail := http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok {
			detail = msg
		}
		return ProblemDetails{Title: http.StatusText(he.Code), Status: he.Code, Detail: detail}
	}

	kind := engine.KindOf(err)
	status := statusForKind(kind)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		detail = "internal error"
	}
	return ProblemDetails{
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
		Code:   string(kind),
	}
}

func statusForKind(kind engine.ErrorKind) int {
	switch kind {
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindForbidden:
		return http.StatusForbidden
	case engine.KindInvalidResumeToken:
		return http.StatusGone
	case engine.KindUnknownStepType, engine.KindValidationFailed:
		return http.StatusUnprocessableEntity
	case engine.KindRunAlreadyAdvanced:
		return http.StatusConflict
	case engine.KindStepExecutionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler renders handler errors as RFC 7807 problems. It replaces
// echo's default JSON error body.
func ErrorHandler(logger Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		problem := problemFor(err)
		problem.Instance = c.Request().URL.Path
		if problem.Status >= http.StatusInternalServerError {
			logger.Error("request failed", "path", problem.Instance, "error", err)
		} else {
			logger.Warn("request refused", "path", problem.Instance, "status", problem.Status, "error", err)
		}
		writeError(c.Response(), problem)
	}
}
