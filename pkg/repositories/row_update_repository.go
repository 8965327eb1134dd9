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

// RowUpdateRepository defines data access for update-on-duplicate audit
// records.
type RowUpdateRepository interface {
	// CreateBatch inserts row update records in a single round trip.
	CreateBatch(ctx context.Context, updates []*models.RowUpdate) error

	// GetByID retrieves one row update record.
	GetByID(ctx context.Context, id uuid.UUID) (*models.RowUpdate, error)

	// ListByImport returns all row updates recorded for an import, in the
	// order they were applied.
	ListByImport(ctx context.Context, importID uuid.UUID) ([]*models.RowUpdate, error)

	// MarkRolledBack stamps an update as rolled back. Returns ErrConflict if
	// the update was already rolled back.
	MarkRolledBack(ctx context.Context, id uuid.UUID, at time.Time) error
}

type rowUpdateRepository struct {
	db *database.DB
}

// NewRowUpdateRepository creates a new row update repository.
func NewRowUpdateRepository(db *database.DB) RowUpdateRepository {
	return &rowUpdateRepository{db: db}
}

const rowUpdateColumns = `id, import_id, table_name, row_id, previous_values,
	new_values, updated_columns, current_values_hash, created_at, rolled_back_at`

func (r *rowUpdateRepository) CreateBatch(ctx context.Context, updates []*models.RowUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(updates))
	for _, u := range updates {
		if u.ID == uuid.Nil {
			u.ID = uuid.New()
		}
		rows = append(rows, []any{
			u.ID, u.ImportID, u.TableName, u.RowID,
			u.PreviousValues, u.NewValues, u.UpdatedColumns, u.CurrentValuesHash,
		})
	}

	_, err := r.db.CopyFrom(ctx,
		pgx.Identifier{"row_updates"},
		[]string{"id", "import_id", "table_name", "row_id", "previous_values",
			"new_values", "updated_columns", "current_values_hash"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to insert row updates: %w", err)
	}
	return nil
}

func (r *rowUpdateRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.RowUpdate, error) {
	query := `SELECT ` + rowUpdateColumns + ` FROM row_updates WHERE id = $1`
	u, err := scanRowUpdate(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get row update: %w", err)
	}
	return u, nil
}

func (r *rowUpdateRepository) ListByImport(ctx context.Context, importID uuid.UUID) ([]*models.RowUpdate, error) {
	query := `SELECT ` + rowUpdateColumns + `
		FROM row_updates
		WHERE import_id = $1
		ORDER BY seq`

	rows, err := r.db.Query(ctx, query, importID)
	if err != nil {
		return nil, fmt.Errorf("failed to list row updates: %w", err)
	}
	defer rows.Close()

	var out []*models.RowUpdate
	for rows.Next() {
		u, err := scanRowUpdate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row update: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating row updates: %w", err)
	}
	return out, nil
}

func (r *rowUpdateRepository) MarkRolledBack(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE row_updates
		SET rolled_back_at = $2
		WHERE id = $1 AND rolled_back_at IS NULL`

	result, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark row update rolled back: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Either missing or already rolled back; disambiguate for the caller.
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM row_updates WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check row update: %w", err)
		}
		if !exists {
			return apperrors.ErrNotFound
		}
		return apperrors.ErrConflict
	}
	return nil
}

func scanRowUpdate(row pgx.Row) (*models.RowUpdate, error) {
	var u models.RowUpdate
	err := row.Scan(&u.ID, &u.ImportID, &u.TableName, &u.RowID,
		&u.PreviousValues, &u.NewValues, &u.UpdatedColumns,
		&u.CurrentValuesHash, &u.CreatedAt, &u.RolledBackAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

var _ RowUpdateRepository = (*rowUpdateRepository)(nil)
