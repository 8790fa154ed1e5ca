package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bcnelson/instance-rental/internal/api/middleware"
	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/validation"
)

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError writes a standardized JSON error response.
func respondError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	respondJSON(w, status, &domain.StandardErrorResponse{
		Error: domain.StandardError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// handleError converts errors to HTTP errors. The retry signal is logged at
// debug, client errors at info and everything else at error.
func handleError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, code, message := classify(err)

	var details map[string]any
	if fields, ok := validation.FieldsOf(err); ok {
		details = map[string]any{"fields": fields}
	}

	attrs := []any{"method", r.Method, "path", r.URL.Path, "status", status, "error", err}
	if id := middleware.GetIdentity(r.Context()); id != nil {
		attrs = append(attrs, "caller", id.Email)
	}
	switch {
	case status == http.StatusUnsupportedMediaType:
		logger.Debug("operation in progress", attrs...)
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", attrs...)
	default:
		logger.Info("request rejected", attrs...)
	}

	respondError(w, status, code, message, details)
}

func classify(err error) (int, string, string) {
	var de *domain.Error
	if errors.As(err, &de) {
		message := de.Message
		if de.Kind.HTTPStatus() >= http.StatusInternalServerError {
			message = "internal server error"
		}
		return de.Kind.HTTPStatus(), de.Kind.Code(), message
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, domain.ErrCodeResourceNotFound, "not found"
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, domain.ErrCodeResourceAlreadyExists, "already exists"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, domain.ErrCodeConflict, "conflict"
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid input"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, domain.ErrCodeUnauthorized, "unauthorized"
	}
	return http.StatusInternalServerError, domain.ErrCodeInternalError, "internal server error"
}

// decodeJSON decodes JSON from request body.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.Wrap(domain.KindInvalidArguments, err, "invalid request body")
	}
	return nil
}

// caller returns the authenticated identity. The Identity middleware
// guarantees one on every route that calls it.
func caller(r *http.Request) (*domain.Identity, error) {
	id := middleware.GetIdentity(r.Context())
	if id == nil {
		return nil, domain.ErrNoIdentity
	}
	return id, nil
}
