package models

import (
	"time"

	"github.com/google/uuid"
)

// ImportStatus is the lifecycle status of one import attempt.
type ImportStatus string

const (
	ImportStatusInProgress ImportStatus = "in_progress"
	ImportStatusSuccess    ImportStatus = "success"
	ImportStatusFailed     ImportStatus = "failed"
	ImportStatusPartial    ImportStatus = "partial"
)

// IsValid returns true if the status is a known import status.
func (s ImportStatus) IsValid() bool {
	switch s {
	case ImportStatusInProgress, ImportStatusSuccess, ImportStatusFailed, ImportStatusPartial:
		return true
	default:
		return false
	}
}

// MappingStatus tracks the transformation/mapping stage of an import.
type MappingStatus string

const (
	MappingStatusNotStarted          MappingStatus = "not_started"
	MappingStatusInProgress          MappingStatus = "in_progress"
	MappingStatusCompleted           MappingStatus = "completed"
	MappingStatusCompletedWithErrors MappingStatus = "completed_with_errors"
	MappingStatusFailed              MappingStatus = "failed"
)

// IsValid returns true if the status is a known mapping status.
func (s MappingStatus) IsValid() bool {
	switch s {
	case MappingStatusNotStarted, MappingStatusInProgress, MappingStatusCompleted,
		MappingStatusCompletedWithErrors, MappingStatusFailed:
		return true
	default:
		return false
	}
}

// ImportRecord is the persisted audit record for one RunImport call. It is
// created when the import starts, updated at completion, and deleted only by
// explicit rollback, which cascades to every row the import produced.
type ImportRecord struct {
	ID            uuid.UUID     `json:"id"`
	SourceType    string        `json:"source_type"`
	FileName      string        `json:"file_name"`
	FileHash      string        `json:"file_hash"`
	TableName     string        `json:"table_name"`
	Strategy      Strategy      `json:"strategy"`
	Status        ImportStatus  `json:"status"`
	MappingStatus MappingStatus `json:"mapping_status"`

	RowsProcessed   int `json:"rows_processed"`
	RowsInserted    int `json:"rows_inserted"`
	RowsUpdated     int `json:"rows_updated"`
	RowsSkipped     int `json:"rows_skipped"`
	DuplicatesFound int `json:"duplicates_found"`
	MappingErrors   int `json:"mapping_errors"`

	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMS   int64      `json:"duration_ms"`
}

// DuplicatePreview pairs an incoming duplicate record with the existing row
// it collides with, so an external resolver can decide merge/keep/skip. The
// engine itself never decides which duplicates to keep.
type DuplicatePreview struct {
	ChunkNumber     int            `json:"chunk_number"`
	SourceRowNumber int            `json:"source_row_number"`
	Incoming        map[string]any `json:"incoming"`
	Existing        map[string]any `json:"existing,omitempty"`
	ExistingRowID   *int64         `json:"existing_row_id,omitempty"`
}

// ImportResult is the caller-visible outcome of RunImport.
type ImportResult struct {
	ImportID        uuid.UUID     `json:"import_id"`
	Status          ImportStatus  `json:"status"`
	Strategy        Strategy      `json:"strategy"`
	TableName       string        `json:"table_name"`
	RowsProcessed   int           `json:"rows_processed"`
	RowsInserted    int           `json:"rows_inserted"`
	RowsUpdated     int           `json:"rows_updated"`
	RowsSkipped     int           `json:"rows_skipped"`
	DuplicatesFound int           `json:"duplicates_found"`
	MappingErrors   int           `json:"mapping_errors_count"`
	Duration        time.Duration `json:"duration"`

	// NeedsUserInput is set when duplicates were found but not auto-resolved;
	// DuplicatePreviews carries what an external resolver needs to decide.
	NeedsUserInput    bool               `json:"needs_user_input,omitempty"`
	DuplicatePreviews []DuplicatePreview `json:"duplicate_previews,omitempty"`
}
