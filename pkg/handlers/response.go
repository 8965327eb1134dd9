// Package handlers contains the HTTP surface of the import engine.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rowforge/rowforge-engine/pkg/apperrors"
)

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// ApiResponse wraps data in the format expected by clients.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// PaginatedResponse wraps paginated results with metadata.
type PaginatedResponse struct {
	Items  any `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// statusForError maps the service error taxonomy onto HTTP status codes.
func statusForError(err error) (int, string) {
	var fileErr *apperrors.FileAlreadyImportedError
	var dupErr *apperrors.DuplicateDataError
	var conflictErr *apperrors.RollbackConflictError

	switch {
	case errors.As(err, &fileErr):
		return http.StatusConflict, "file_already_imported"
	case errors.As(err, &dupErr):
		return http.StatusConflict, "duplicate_data"
	case errors.As(err, &conflictErr):
		return http.StatusConflict, "rollback_conflict"
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperrors.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperrors.ErrInvalidConfig), errors.Is(err, apperrors.ErrInvalidIdentifier):
		return http.StatusBadRequest, "invalid_config"
	case errors.Is(err, apperrors.ErrImportCancelled):
		return http.StatusConflict, "import_cancelled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
