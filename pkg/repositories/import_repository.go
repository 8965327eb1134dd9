// Package repositories contains the PostgreSQL data-access layer for the
// engine's audit tables and the dynamically managed target tables.
package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rowforge/rowforge-engine/pkg/apperrors"
	"github.com/rowforge/rowforge-engine/pkg/database"
	"github.com/rowforge/rowforge-engine/pkg/models"
)

// ImportRepository defines data access for import audit records.
type ImportRepository interface {
	// Create inserts a new import record with status in_progress.
	Create(ctx context.Context, rec *models.ImportRecord) error

	// Complete writes the final status, counters, and timings.
	Complete(ctx context.Context, rec *models.ImportRecord) error

	// GetByID retrieves an import record.
	GetByID(ctx context.Context, id uuid.UUID) (*models.ImportRecord, error)

	// FindCompletedByFileHash returns the most recent non-failed import of
	// the same file bytes into the same table, or ErrNotFound.
	FindCompletedByFileHash(ctx context.Context, fileHash, tableName string) (*models.ImportRecord, error)

	// Delete removes an import record. Audit rows and provenance-tagged data
	// rows cascade via their foreign keys.
	Delete(ctx context.Context, id uuid.UUID) error

	// List returns import records, newest first.
	List(ctx context.Context, page models.Page) ([]*models.ImportRecord, error)
}

type importRepository struct {
	db *database.DB
}

// NewImportRepository creates a new import repository.
func NewImportRepository(db *database.DB) ImportRepository {
	return &importRepository{db: db}
}

const importColumns = `id, source_type, file_name, file_hash, table_name, strategy,
	status, mapping_status, rows_processed, rows_inserted, rows_updated,
	rows_skipped, duplicates_found, mapping_error_count, error_message,
	started_at, completed_at, duration_ms`

func (r *importRepository) Create(ctx context.Context, rec *models.ImportRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = models.ImportStatusInProgress
	}
	if rec.MappingStatus == "" {
		rec.MappingStatus = models.MappingStatusNotStarted
	}

	query := `
		INSERT INTO import_history (id, source_type, file_name, file_hash, table_name,
			strategy, status, mapping_status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.Exec(ctx, query,
		rec.ID, rec.SourceType, rec.FileName, rec.FileHash, rec.TableName,
		rec.Strategy, rec.Status, rec.MappingStatus, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create import record: %w", err)
	}
	return nil
}

func (r *importRepository) Complete(ctx context.Context, rec *models.ImportRecord) error {
	now := time.Now().UTC()
	if rec.CompletedAt == nil {
		rec.CompletedAt = &now
	}
	rec.DurationMS = rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()

	query := `
		UPDATE import_history
		SET status = $2, mapping_status = $3, rows_processed = $4, rows_inserted = $5,
			rows_updated = $6, rows_skipped = $7, duplicates_found = $8,
			mapping_error_count = $9, error_message = $10, completed_at = $11,
			duration_ms = $12
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query,
		rec.ID, rec.Status, rec.MappingStatus, rec.RowsProcessed, rec.RowsInserted,
		rec.RowsUpdated, rec.RowsSkipped, rec.DuplicatesFound,
		rec.MappingErrors, rec.ErrorMessage, rec.CompletedAt, rec.DurationMS)
	if err != nil {
		return fmt.Errorf("failed to complete import record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *importRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ImportRecord, error) {
	query := `SELECT ` + importColumns + ` FROM import_history WHERE id = $1`
	rec, err := scanImportRecord(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get import record: %w", err)
	}
	return rec, nil
}

func (r *importRepository) FindCompletedByFileHash(ctx context.Context, fileHash, tableName string) (*models.ImportRecord, error) {
	query := `
		SELECT ` + importColumns + `
		FROM import_history
		WHERE file_hash = $1 AND table_name = $2 AND status IN ('success', 'partial')
		ORDER BY started_at DESC
		LIMIT 1`

	rec, err := scanImportRecord(r.db.QueryRow(ctx, query, fileHash, tableName))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up file hash: %w", err)
	}
	return rec, nil
}

func (r *importRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM import_history WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete import record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *importRepository) List(ctx context.Context, page models.Page) ([]*models.ImportRecord, error) {
	page = page.Normalize()
	query := `SELECT ` + importColumns + `
		FROM import_history
		ORDER BY started_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.Query(ctx, query, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list import records: %w", err)
	}
	defer rows.Close()

	var out []*models.ImportRecord
	for rows.Next() {
		rec, err := scanImportRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan import record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating import records: %w", err)
	}
	return out, nil
}

func scanImportRecord(row pgx.Row) (*models.ImportRecord, error) {
	var rec models.ImportRecord
	var errorMessage *string
	err := row.Scan(
		&rec.ID, &rec.SourceType, &rec.FileName, &rec.FileHash, &rec.TableName,
		&rec.Strategy, &rec.Status, &rec.MappingStatus, &rec.RowsProcessed,
		&rec.RowsInserted, &rec.RowsUpdated, &rec.RowsSkipped,
		&rec.DuplicatesFound, &rec.MappingErrors, &errorMessage,
		&rec.StartedAt, &rec.CompletedAt, &rec.DurationMS,
	)
	if err != nil {
		return nil, err
	}
	if errorMessage != nil {
		rec.ErrorMessage = *errorMessage
	}
	return &rec, nil
}

var _ ImportRepository = (*importRepository)(nil)
