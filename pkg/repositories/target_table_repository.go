package repositories

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/rowforge/rowforge-engine/pkg/apperrors"
	"github.com/rowforge/rowforge-engine/pkg/database"
	"github.com/rowforge/rowforge-engine/pkg/fingerprint"
	"github.com/rowforge/rowforge-engine/pkg/models"
	"github.com/rowforge/rowforge-engine/pkg/sqlsafe"
)

// lookupBatchSize is the number of key tuples pushed into one
// (cols) IN (...) predicate when checking duplicates against a large table.
const lookupBatchSize = 500

// TargetTableRepository is data access for the dynamically managed data
// tables. Table and column names come from mapping configs, so every method
// validates identifiers before interpolating them.
type TargetTableRepository interface {
	// GetTableSchema returns the observed shape and row count of a table, or
	// ErrNotFound when the table does not exist.
	GetTableSchema(ctx context.Context, tableName string) (*models.TableSchema, error)

	// ExecDDL runs DDL statements in order inside one transaction.
	ExecDDL(ctx context.Context, statements []string) error

	// InsertChunk bulk-inserts mapped records with their provenance columns,
	// preserving record order. Returns the number of rows written.
	InsertChunk(ctx context.Context, tableName string, columns []string, records []models.MappedRecord, importID uuid.UUID, importedAt time.Time) (int, error)

	// PreloadKeys reads every existing row's uniqueness tuple into a key set.
	PreloadKeys(ctx context.Context, schema *models.TableSchema, keyColumns []string) (*fingerprint.KeySet, error)

	// LookupKeys checks only the given records' uniqueness tuples against the
	// table, batching tuples into IN predicates. Used instead of PreloadKeys
	// when the table is too large to hold in memory.
	LookupKeys(ctx context.Context, schema *models.TableSchema, keyColumns []string, records []models.MappedRecord) (*fingerprint.KeySet, error)

	// FetchRow returns a row's user columns by row id, or ErrNotFound.
	FetchRow(ctx context.Context, tableName string, rowID int64) (map[string]any, error)

	// UpdateRow sets columns on one row and returns the row's user-column
	// values before and after the update. The read and write share one
	// transaction with the row locked.
	UpdateRow(ctx context.Context, tableName string, rowID int64, values map[string]any) (previous, current map[string]any, err error)

	// DeleteByImport removes every row an import inserted.
	DeleteByImport(ctx context.Context, tableName string, importID uuid.UUID) (int64, error)
}

type targetTableRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewTargetTableRepository creates a new target table repository.
func NewTargetTableRepository(db *database.DB, logger *zap.Logger) TargetTableRepository {
	return &targetTableRepository{db: db, logger: logger}
}

func (r *targetTableRepository) GetTableSchema(ctx context.Context, tableName string) (*models.TableSchema, error) {
	if err := sqlsafe.ValidateIdentifier(tableName); err != nil {
		return nil, err
	}

	query := `
		SELECT column_name, data_type, is_nullable = 'YES'
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`

	rows, err := r.db.Query(ctx, query, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to read table schema: %w", err)
	}
	defer rows.Close()

	schema := &models.TableSchema{TableName: tableName}
	for rows.Next() {
		var col models.TableColumn
		if err := rows.Scan(&col.Name, &col.DataType, &col.IsNullable); err != nil {
			return nil, fmt.Errorf("failed to scan table column: %w", err)
		}
		schema.Columns = append(schema.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating table columns: %w", err)
	}
	if len(schema.Columns) == 0 {
		return nil, apperrors.ErrNotFound
	}

	countQuery := `SELECT count(*) FROM ` + sqlsafe.QuoteIdentifier(tableName)
	if err := r.db.QueryRow(ctx, countQuery).Scan(&schema.RowCount); err != nil {
		return nil, fmt.Errorf("failed to count table rows: %w", err)
	}
	return schema, nil
}

func (r *targetTableRepository) ExecDDL(ctx context.Context, statements []string) error {
	if len(statements) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin DDL transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("DDL statement failed: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit DDL: %w", err)
	}
	return nil
}

func (r *targetTableRepository) InsertChunk(ctx context.Context, tableName string, columns []string, records []models.MappedRecord, importID uuid.UUID, importedAt time.Time) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if err := sqlsafe.ValidateIdentifier(tableName); err != nil {
		return 0, err
	}
	for _, col := range columns {
		if err := sqlsafe.ValidateIdentifier(col); err != nil {
			return 0, err
		}
	}

	copyColumns := make([]string, 0, len(columns)+4)
	copyColumns = append(copyColumns, columns...)
	copyColumns = append(copyColumns,
		models.ColumnImportID, models.ColumnImportedAt,
		models.ColumnSourceRowNumber, models.ColumnCorrections)

	copyRows := make([][]any, 0, len(records))
	for _, rec := range records {
		row := make([]any, 0, len(copyColumns))
		for _, col := range columns {
			row = append(row, rec.Values[col])
		}
		var corrections any
		if len(rec.Corrections) > 0 {
			corrections = rec.Corrections
		}
		row = append(row, importID, importedAt, rec.SourceRowNumber, corrections)
		copyRows = append(copyRows, row)
	}

	n, err := r.db.CopyFrom(ctx, pgx.Identifier{tableName}, copyColumns, pgx.CopyFromRows(copyRows))
	if err != nil {
		return 0, fmt.Errorf("failed to insert chunk into %s: %w", tableName, err)
	}
	return int(n), nil
}

func (r *targetTableRepository) PreloadKeys(ctx context.Context, schema *models.TableSchema, keyColumns []string) (*fingerprint.KeySet, error) {
	selectCols, hasRowID, err := keySelectColumns(schema, keyColumns)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + selectCols + ` FROM ` + sqlsafe.QuoteIdentifier(schema.TableName)
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to preload keys from %s: %w", schema.TableName, err)
	}
	defer rows.Close()

	set := fingerprint.NewKeySet(int(schema.RowCount))
	if err := collectKeys(rows, keyColumns, hasRowID, set); err != nil {
		return nil, err
	}

	r.logger.Debug("preloaded uniqueness keys",
		zap.String("table", schema.TableName),
		zap.Int("keys", set.Len()))
	return set, nil
}

func (r *targetTableRepository) LookupKeys(ctx context.Context, schema *models.TableSchema, keyColumns []string, records []models.MappedRecord) (*fingerprint.KeySet, error) {
	selectCols, hasRowID, err := keySelectColumns(schema, keyColumns)
	if err != nil {
		return nil, err
	}

	quotedKeys := make([]string, len(keyColumns))
	for i, col := range keyColumns {
		quotedKeys[i] = sqlsafe.QuoteIdentifier(col)
	}
	tupleList := "(" + strings.Join(quotedKeys, ", ") + ")"

	set := fingerprint.NewKeySet(len(records))
	for start := 0; start < len(records); start += lookupBatchSize {
		end := start + lookupBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		placeholders := make([]string, 0, len(batch))
		args := make([]any, 0, len(batch)*len(keyColumns))
		for _, rec := range batch {
			slots := make([]string, len(keyColumns))
			for i, col := range keyColumns {
				args = append(args, rec.Values[col])
				slots[i] = fmt.Sprintf("$%d", len(args))
			}
			placeholders = append(placeholders, "("+strings.Join(slots, ", ")+")")
		}

		query := `SELECT ` + selectCols +
			` FROM ` + sqlsafe.QuoteIdentifier(schema.TableName) +
			` WHERE ` + tupleList + ` IN (` + strings.Join(placeholders, ", ") + `)`

		rows, err := r.db.Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to look up keys in %s: %w", schema.TableName, err)
		}
		if err := collectKeys(rows, keyColumns, hasRowID, set); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return set, nil
}

func (r *targetTableRepository) FetchRow(ctx context.Context, tableName string, rowID int64) (map[string]any, error) {
	if err := sqlsafe.ValidateIdentifier(tableName); err != nil {
		return nil, err
	}

	query := `SELECT * FROM ` + sqlsafe.QuoteIdentifier(tableName) +
		` WHERE ` + sqlsafe.QuoteIdentifier(models.ColumnRowID) + ` = $1`

	rows, err := r.db.Query(ctx, query, rowID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch row from %s: %w", tableName, err)
	}
	defer rows.Close()

	vals, err := rowToMap(rows)
	if err != nil {
		return nil, err
	}
	return vals, nil
}

func (r *targetTableRepository) UpdateRow(ctx context.Context, tableName string, rowID int64, values map[string]any) (map[string]any, map[string]any, error) {
	if err := sqlsafe.ValidateIdentifier(tableName); err != nil {
		return nil, nil, err
	}
	for col := range values {
		if err := sqlsafe.ValidateIdentifier(col); err != nil {
			return nil, nil, err
		}
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin update transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	quotedTable := sqlsafe.QuoteIdentifier(tableName)
	quotedRowID := sqlsafe.QuoteIdentifier(models.ColumnRowID)

	lockQuery := `SELECT * FROM ` + quotedTable + ` WHERE ` + quotedRowID + ` = $1 FOR UPDATE`
	lockRows, err := tx.Query(ctx, lockQuery, rowID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock row in %s: %w", tableName, err)
	}
	previous, err := rowToMap(lockRows)
	lockRows.Close()
	if err != nil {
		return nil, nil, err
	}

	// Stable column order keeps the statement deterministic.
	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sets := make([]string, 0, len(cols))
	args := []any{rowID}
	for _, col := range cols {
		args = append(args, values[col])
		sets = append(sets, fmt.Sprintf("%s = $%d", sqlsafe.QuoteIdentifier(col), len(args)))
	}

	updateQuery := `UPDATE ` + quotedTable + ` SET ` + strings.Join(sets, ", ") +
		` WHERE ` + quotedRowID + ` = $1`
	if _, err := tx.Exec(ctx, updateQuery, args...); err != nil {
		return nil, nil, fmt.Errorf("failed to update row in %s: %w", tableName, err)
	}

	currentRows, err := tx.Query(ctx, lockQuery, rowID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to re-read row in %s: %w", tableName, err)
	}
	current, err := rowToMap(currentRows)
	currentRows.Close()
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit row update: %w", err)
	}
	return previous, current, nil
}

func (r *targetTableRepository) DeleteByImport(ctx context.Context, tableName string, importID uuid.UUID) (int64, error) {
	if err := sqlsafe.ValidateIdentifier(tableName); err != nil {
		return 0, err
	}

	query := `DELETE FROM ` + sqlsafe.QuoteIdentifier(tableName) +
		` WHERE ` + sqlsafe.QuoteIdentifier(models.ColumnImportID) + ` = $1`
	result, err := r.db.Exec(ctx, query, importID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete import rows from %s: %w", tableName, err)
	}
	return result.RowsAffected(), nil
}

// keySelectColumns builds the select list for key scans: the key columns
// plus _row_id when the table has one. Tables adopted from outside the
// engine may not carry _row_id; their keys record a zero row id.
func keySelectColumns(schema *models.TableSchema, keyColumns []string) (string, bool, error) {
	if len(keyColumns) == 0 {
		return "", false, fmt.Errorf("%w: no uniqueness columns", apperrors.ErrInvalidConfig)
	}
	if err := sqlsafe.ValidateIdentifier(schema.TableName); err != nil {
		return "", false, err
	}

	quoted := make([]string, 0, len(keyColumns)+1)
	for _, col := range keyColumns {
		if err := sqlsafe.ValidateIdentifier(col); err != nil {
			return "", false, err
		}
		quoted = append(quoted, sqlsafe.QuoteIdentifier(col))
	}
	hasRowID := schema.HasColumn(models.ColumnRowID)
	if hasRowID {
		quoted = append(quoted, sqlsafe.QuoteIdentifier(models.ColumnRowID))
	}
	return strings.Join(quoted, ", "), hasRowID, nil
}

// collectKeys hashes each scanned row's key tuple into the set. When two
// existing rows share a tuple, the first row id scanned wins.
func collectKeys(rows pgx.Rows, keyColumns []string, hasRowID bool, set *fingerprint.KeySet) error {
	for rows.Next() {
		raw, err := rows.Values()
		if err != nil {
			return fmt.Errorf("failed to read key row: %w", err)
		}

		tuple := make(map[string]any, len(keyColumns))
		for i, col := range keyColumns {
			tuple[col] = normalizeDBValue(raw[i])
		}
		key := fingerprint.RowKey(tuple, keyColumns)
		if set.Contains(key) {
			continue
		}

		var rowID int64
		if hasRowID {
			if id, ok := raw[len(keyColumns)].(int64); ok {
				rowID = id
			}
		}
		set.Add(key, rowID)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating key rows: %w", err)
	}
	return nil
}

// rowToMap reads the single expected row into a column map with values
// normalized to the engine's scalar types. Returns ErrNotFound when the
// result set is empty.
func rowToMap(rows pgx.Rows) (map[string]any, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error reading row: %w", err)
		}
		return nil, apperrors.ErrNotFound
	}

	raw, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("failed to read row values: %w", err)
	}

	out := make(map[string]any, len(raw))
	for i, fd := range rows.FieldDescriptions() {
		out[string(fd.Name)] = normalizeDBValue(raw[i])
	}
	return out, nil
}

// normalizeDBValue maps pgx scan types onto the scalar set the rest of the
// engine works with, so values read back from the database hash and compare
// identically to values that never left memory.
func normalizeDBValue(v any) any {
	switch t := v.(type) {
	case pgtype.Numeric:
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		return uuid.UUID(t).String()
	case int32:
		return int64(t)
	case int16:
		return int64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

var _ TargetTableRepository = (*targetTableRepository)(nil)
