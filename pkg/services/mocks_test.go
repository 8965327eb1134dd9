package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rowforge/rowforge-engine/pkg/apperrors"
	"github.com/rowforge/rowforge-engine/pkg/fingerprint"
	"github.com/rowforge/rowforge-engine/pkg/models"
	"github.com/rowforge/rowforge-engine/pkg/repositories"
)

// mockTableRepo is an in-memory stand-in for the target table. Rows live in
// insertion order so tests can assert ordering guarantees.
type mockTableRepo struct {
	mu     sync.Mutex
	schema *models.TableSchema // nil means the table does not exist yet
	rows   []*mockRow
	nextID int64

	ddl            []string
	schemaAfterDDL *models.TableSchema     // when set, ExecDDL swaps the schema in
	insertChunks   [][]models.MappedRecord // one entry per InsertChunk call, in call order

	failInsertAtCall int // 1-indexed call number to fail at, 0 disables
	insertCalls      int
	failErr          error
	afterInsert      func() // invoked after each successful InsertChunk
}

type mockRow struct {
	id       int64
	importID uuid.UUID
	values   map[string]any
}

func newMockTableRepo() *mockTableRepo {
	return &mockTableRepo{}
}

// seedRow inserts an existing row outside any import.
func (m *mockTableRepo) seedRow(values map[string]any) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = v
	}
	m.rows = append(m.rows, &mockRow{id: m.nextID, values: copied})
	if m.schema != nil {
		m.schema.RowCount = int64(len(m.rows))
	}
	return m.nextID
}

func (m *mockTableRepo) GetTableSchema(_ context.Context, tableName string) (*models.TableSchema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.schema == nil || m.schema.TableName != tableName {
		return nil, apperrors.ErrNotFound
	}
	out := *m.schema
	out.RowCount = int64(len(m.rows))
	if m.schema.RowCount > int64(len(m.rows)) {
		out.RowCount = m.schema.RowCount // tests can fake a huge table
	}
	return &out, nil
}

func (m *mockTableRepo) ExecDDL(_ context.Context, statements []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ddl = append(m.ddl, statements...)
	if m.schemaAfterDDL != nil {
		m.schema = m.schemaAfterDDL
	}
	return nil
}

func (m *mockTableRepo) InsertChunk(_ context.Context, _ string, columns []string, records []models.MappedRecord, importID uuid.UUID, _ time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertCalls++
	if m.failInsertAtCall > 0 && m.insertCalls == m.failInsertAtCall {
		if m.failErr != nil {
			return 0, m.failErr
		}
		return 0, fmt.Errorf("simulated insert failure")
	}

	for _, rec := range records {
		m.nextID++
		values := make(map[string]any, len(columns))
		for _, col := range columns {
			values[col] = rec.Values[col]
		}
		values[models.ColumnSourceRowNumber] = int64(rec.SourceRowNumber)
		m.rows = append(m.rows, &mockRow{id: m.nextID, importID: importID, values: values})
	}
	m.insertChunks = append(m.insertChunks, records)
	if m.afterInsert != nil {
		m.afterInsert()
	}
	return len(records), nil
}

func (m *mockTableRepo) PreloadKeys(_ context.Context, schema *models.TableSchema, keyColumns []string) (*fingerprint.KeySet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Tables without _row_id cannot address rows for update, same as the
	// real repository.
	hasRowID := schema.HasColumn(models.ColumnRowID)
	set := fingerprint.NewKeySet(len(m.rows))
	for _, row := range m.rows {
		key := fingerprint.RowKey(row.values, keyColumns)
		if !set.Contains(key) {
			id := row.id
			if !hasRowID {
				id = 0
			}
			set.Add(key, id)
		}
	}
	return set, nil
}

func (m *mockTableRepo) LookupKeys(_ context.Context, schema *models.TableSchema, keyColumns []string, records []models.MappedRecord) (*fingerprint.KeySet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hasRowID := schema.HasColumn(models.ColumnRowID)
	wanted := make(map[uint64]struct{}, len(records))
	for _, rec := range records {
		wanted[fingerprint.RowKey(rec.Values, keyColumns)] = struct{}{}
	}
	set := fingerprint.NewKeySet(len(records))
	for _, row := range m.rows {
		key := fingerprint.RowKey(row.values, keyColumns)
		if _, ok := wanted[key]; ok && !set.Contains(key) {
			id := row.id
			if !hasRowID {
				id = 0
			}
			set.Add(key, id)
		}
	}
	return set, nil
}

func (m *mockTableRepo) FetchRow(_ context.Context, _ string, rowID int64) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.findRow(rowID)
	if row == nil {
		return nil, apperrors.ErrNotFound
	}
	out := make(map[string]any, len(row.values))
	for k, v := range row.values {
		out[k] = v
	}
	return out, nil
}

func (m *mockTableRepo) UpdateRow(_ context.Context, _ string, rowID int64, values map[string]any) (map[string]any, map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.findRow(rowID)
	if row == nil {
		return nil, nil, apperrors.ErrNotFound
	}
	previous := make(map[string]any, len(row.values))
	for k, v := range row.values {
		previous[k] = v
	}
	for k, v := range values {
		row.values[k] = v
	}
	current := make(map[string]any, len(row.values))
	for k, v := range row.values {
		current[k] = v
	}
	return previous, current, nil
}

func (m *mockTableRepo) DeleteByImport(_ context.Context, _ string, importID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rows[:0]
	var deleted int64
	for _, row := range m.rows {
		if row.importID == importID {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	m.rows = kept
	return deleted, nil
}

func (m *mockTableRepo) findRow(rowID int64) *mockRow {
	for _, row := range m.rows {
		if row.id == rowID {
			return row
		}
	}
	return nil
}

func (m *mockTableRepo) rowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

var _ repositories.TargetTableRepository = (*mockTableRepo)(nil)

type mockRowUpdateRepo struct {
	mu      sync.Mutex
	updates []*models.RowUpdate
}

func (m *mockRowUpdateRepo) CreateBatch(_ context.Context, updates []*models.RowUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		if u.ID == uuid.Nil {
			u.ID = uuid.New()
		}
		if u.CreatedAt.IsZero() {
			u.CreatedAt = time.Now().UTC()
		}
		m.updates = append(m.updates, u)
	}
	return nil
}

func (m *mockRowUpdateRepo) GetByID(_ context.Context, id uuid.UUID) (*models.RowUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.updates {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockRowUpdateRepo) ListByImport(_ context.Context, importID uuid.UUID) ([]*models.RowUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.RowUpdate
	for _, u := range m.updates {
		if u.ImportID == importID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *mockRowUpdateRepo) MarkRolledBack(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.updates {
		if u.ID == id {
			if u.RolledBackAt != nil {
				return apperrors.ErrConflict
			}
			u.RolledBackAt = &at
			return nil
		}
	}
	return apperrors.ErrNotFound
}

var _ repositories.RowUpdateRepository = (*mockRowUpdateRepo)(nil)

type mockImportRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*models.ImportRecord
}

func newMockImportRepo() *mockImportRepo {
	return &mockImportRepo{records: make(map[uuid.UUID]*models.ImportRecord)}
}

func (m *mockImportRepo) Create(_ context.Context, rec *models.ImportRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = models.ImportStatusInProgress
	}
	copied := *rec
	m.records[rec.ID] = &copied
	return nil
}

func (m *mockImportRepo) Complete(_ context.Context, rec *models.ImportRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; !ok {
		return apperrors.ErrNotFound
	}
	now := time.Now().UTC()
	if rec.CompletedAt == nil {
		rec.CompletedAt = &now
	}
	rec.DurationMS = rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()
	copied := *rec
	m.records[rec.ID] = &copied
	return nil
}

func (m *mockImportRepo) GetByID(_ context.Context, id uuid.UUID) (*models.ImportRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (m *mockImportRepo) FindCompletedByFileHash(_ context.Context, fileHash, tableName string) (*models.ImportRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.FileHash == fileHash && rec.TableName == tableName &&
			(rec.Status == models.ImportStatusSuccess || rec.Status == models.ImportStatusPartial) {
			copied := *rec
			return &copied, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockImportRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *mockImportRepo) List(_ context.Context, _ models.Page) ([]*models.ImportRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.ImportRecord, 0, len(m.records))
	for _, rec := range m.records {
		copied := *rec
		out = append(out, &copied)
	}
	return out, nil
}

var _ repositories.ImportRepository = (*mockImportRepo)(nil)

type mockMappingErrorRepo struct {
	mu     sync.Mutex
	errors []models.MappingError
}

func (m *mockMappingErrorRepo) CreateBatch(_ context.Context, errs []models.MappingError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, errs...)
	return nil
}

func (m *mockMappingErrorRepo) ListByImport(_ context.Context, importID uuid.UUID, filter models.MappingErrorFilter, _ models.Page) ([]models.MappingError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.MappingError
	for _, e := range m.errors {
		if e.ImportID != importID {
			continue
		}
		if filter.ErrorType != "" && e.ErrorType != filter.ErrorType {
			continue
		}
		if filter.TargetField != "" && e.TargetField != filter.TargetField {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *mockMappingErrorRepo) CountByImport(ctx context.Context, importID uuid.UUID, filter models.MappingErrorFilter) (int, error) {
	list, err := m.ListByImport(ctx, importID, filter, models.Page{})
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

var _ repositories.MappingErrorRepository = (*mockMappingErrorRepo)(nil)
