package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rowforge/rowforge-engine/pkg/database"
	"github.com/rowforge/rowforge-engine/pkg/logging"
	"github.com/rowforge/rowforge-engine/pkg/models"
)

// MappingErrorRepository defines data access for per-row mapping failures.
type MappingErrorRepository interface {
	// CreateBatch inserts mapping errors in a single round trip.
	CreateBatch(ctx context.Context, errs []models.MappingError) error

	// ListByImport returns mapping errors for an import, oldest row first,
	// optionally filtered by error type and target field.
	ListByImport(ctx context.Context, importID uuid.UUID, filter models.MappingErrorFilter, page models.Page) ([]models.MappingError, error)

	// CountByImport returns the number of mapping errors matching the filter.
	CountByImport(ctx context.Context, importID uuid.UUID, filter models.MappingErrorFilter) (int, error)
}

type mappingErrorRepository struct {
	db *database.DB
}

// NewMappingErrorRepository creates a new mapping error repository.
func NewMappingErrorRepository(db *database.DB) MappingErrorRepository {
	return &mappingErrorRepository{db: db}
}

func (r *mappingErrorRepository) CreateBatch(ctx context.Context, errs []models.MappingError) error {
	if len(errs) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(errs))
	for _, e := range errs {
		rows = append(rows, []any{
			e.ImportID, e.RecordNumber, e.SourceField, e.TargetField,
			e.ErrorType, e.ErrorMessage,
			logging.TruncateValue(e.SourceValue), e.ChunkNumber,
		})
	}

	_, err := r.db.CopyFrom(ctx,
		pgx.Identifier{"mapping_errors"},
		[]string{"import_id", "record_number", "source_field", "target_field",
			"error_type", "error_message", "source_value", "chunk_number"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to insert mapping errors: %w", err)
	}
	return nil
}

func (r *mappingErrorRepository) ListByImport(ctx context.Context, importID uuid.UUID, filter models.MappingErrorFilter, page models.Page) ([]models.MappingError, error) {
	page = page.Normalize()
	query := `
		SELECT id, import_id, record_number, source_field, target_field,
			error_type, error_message, source_value, chunk_number, created_at
		FROM mapping_errors
		WHERE import_id = $1` + filterClauses(filter, 4) + `
		ORDER BY record_number, id
		LIMIT $2 OFFSET $3`

	args := appendFilterArgs([]any{importID, page.Limit, page.Offset}, filter)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list mapping errors: %w", err)
	}
	defer rows.Close()

	var out []models.MappingError
	for rows.Next() {
		var e models.MappingError
		err := rows.Scan(&e.ID, &e.ImportID, &e.RecordNumber, &e.SourceField,
			&e.TargetField, &e.ErrorType, &e.ErrorMessage, &e.SourceValue,
			&e.ChunkNumber, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping error: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mapping errors: %w", err)
	}
	return out, nil
}

func (r *mappingErrorRepository) CountByImport(ctx context.Context, importID uuid.UUID, filter models.MappingErrorFilter) (int, error) {
	query := `SELECT count(*) FROM mapping_errors WHERE import_id = $1` + filterClauses(filter, 2)
	args := appendFilterArgs([]any{importID}, filter)

	var count int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count mapping errors: %w", err)
	}
	return count, nil
}

// filterClauses and appendFilterArgs must stay in lockstep: clauses are
// numbered from firstArg, the placeholder position the filter args are
// appended at in the caller's arg slice.
func filterClauses(filter models.MappingErrorFilter, firstArg int) string {
	clause := ""
	n := firstArg
	if filter.ErrorType != "" {
		clause += fmt.Sprintf(" AND error_type = $%d", n)
		n++
	}
	if filter.TargetField != "" {
		clause += fmt.Sprintf(" AND target_field = $%d", n)
		n++
	}
	return clause
}

func appendFilterArgs(args []any, filter models.MappingErrorFilter) []any {
	if filter.ErrorType != "" {
		args = append(args, filter.ErrorType)
	}
	if filter.TargetField != "" {
		args = append(args, filter.TargetField)
	}
	return args
}

var _ MappingErrorRepository = (*mappingErrorRepository)(nil)
