package models

import (
	"time"

	"github.com/google/uuid"
)

// MappingErrorType classifies per-row mapping failures.
type MappingErrorType string

const (
	ErrorTypeCoercion       MappingErrorType = "type_coercion"
	ErrorTypeTransformation MappingErrorType = "transformation"
	ErrorTypeMissingField   MappingErrorType = "missing_field"
)

// IsValid returns true if the type is a known mapping error type.
func (t MappingErrorType) IsValid() bool {
	switch t {
	case ErrorTypeCoercion, ErrorTypeTransformation, ErrorTypeMissingField:
		return true
	default:
		return false
	}
}

// MappingError is a per-row, non-fatal failure recorded during
// transformation or coercion. The offending row proceeds with a null in the
// affected field; a single bad value never aborts an import.
type MappingError struct {
	ID           int64            `json:"id,omitempty"`
	ImportID     uuid.UUID        `json:"import_id"`
	RecordNumber int              `json:"record_number"` // source row number
	SourceField  string           `json:"source_field,omitempty"`
	TargetField  string           `json:"target_field,omitempty"`
	ErrorType    MappingErrorType `json:"error_type"`
	ErrorMessage string           `json:"error_message"`
	SourceValue  string           `json:"source_value,omitempty"` // truncated sample
	ChunkNumber  int              `json:"chunk_number"`
	CreatedAt    time.Time        `json:"created_at,omitempty"`
}

// MappingErrorFilter narrows GetMappingErrors listings.
type MappingErrorFilter struct {
	ErrorType   MappingErrorType `json:"error_type,omitempty"`
	TargetField string           `json:"target_field,omitempty"`
}

// Page is offset pagination for audit listings.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Normalize clamps a page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 || p.Limit > 1000 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
