package models

import (
	"time"

	"github.com/google/uuid"
)

// RowUpdate is the persisted audit record of one update-on-duplicate event:
// which row changed, what it looked like before and after, and a content
// hash of the row immediately after the update. The hash detects external
// mutation before a rollback is allowed to restore previous values.
type RowUpdate struct {
	ID                uuid.UUID      `json:"id"`
	ImportID          uuid.UUID      `json:"import_id"`
	TableName         string         `json:"table_name"`
	RowID             int64          `json:"row_id"`
	PreviousValues    map[string]any `json:"previous_values"`
	NewValues         map[string]any `json:"new_values"`
	UpdatedColumns    []string       `json:"updated_columns"`
	CurrentValuesHash string         `json:"current_values_hash"`
	CreatedAt         time.Time      `json:"created_at"`
	RolledBackAt      *time.Time     `json:"rolled_back_at,omitempty"`
}

// RolledBack reports whether this update was already rolled back.
func (u *RowUpdate) RolledBack() bool {
	return u.RolledBackAt != nil
}

// RollbackOutcome describes the result of rolling back one tracked update.
type RollbackOutcome struct {
	UpdateID   uuid.UUID `json:"update_id"`
	RolledBack bool      `json:"rolled_back"`
	Conflict   bool      `json:"conflict,omitempty"`
	Message    string    `json:"message,omitempty"`
}
