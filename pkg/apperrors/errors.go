// Package apperrors defines the error taxonomy for the import engine.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrImportCancelled   = errors.New("import cancelled")
	ErrInvalidConfig     = errors.New("invalid mapping config")
	ErrInvalidIdentifier = errors.New("invalid SQL identifier")
)

// FileAlreadyImportedError is returned by the file-level gate when the exact
// same file bytes were already imported into the same table. It is fatal to
// the whole import and is raised before any row work begins.
type FileAlreadyImportedError struct {
	FileHash  string
	TableName string
	ImportID  string
}

func (e *FileAlreadyImportedError) Error() string {
	return fmt.Sprintf("file already imported into %q (hash %s, import %s)",
		e.TableName, e.FileHash, e.ImportID)
}

// DuplicateDataError is returned when the check phase finds row-level
// collisions and the config does not allow them. Nothing has been written
// when this error is returned.
type DuplicateDataError struct {
	Count        int
	ChunkNumbers []int
	Message      string
}

func (e *DuplicateDataError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (%d duplicate rows in chunks %v)", e.Message, e.Count, e.ChunkNumbers)
	}
	return fmt.Sprintf("duplicate data: %d duplicate rows in chunks %v", e.Count, e.ChunkNumbers)
}

// RollbackConflictError is returned when a tracked row was mutated externally
// after the update being rolled back. No mutation is performed unless forced.
type RollbackConflictError struct {
	UpdateID       string
	RowID          int64
	TableName      string
	OriginalValues map[string]any
	UpdatedValues  map[string]any
	CurrentValues  map[string]any
}

func (e *RollbackConflictError) Error() string {
	return fmt.Sprintf("row %d in %q changed since update %s; rollback refused", e.RowID, e.TableName, e.UpdateID)
}

// ChunkFailureError is returned when a chunk fails during the insert phase.
// Chunks committed before the failure remain committed; explicit rollback is
// required to undo them.
type ChunkFailureError struct {
	ChunkNumber     int
	CommittedChunks int
	Err             error
}

func (e *ChunkFailureError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d committed chunks: %v", e.ChunkNumber, e.CommittedChunks, e.Err)
}

func (e *ChunkFailureError) Unwrap() error { return e.Err }
