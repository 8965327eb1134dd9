package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rowforge/rowforge-engine/pkg/apperrors"
	"github.com/rowforge/rowforge-engine/pkg/fingerprint"
	"github.com/rowforge/rowforge-engine/pkg/models"
)

type rollbackFixture struct {
	imports    *mockImportRepo
	rowUpdates *mockRowUpdateRepo
	tables     *mockTableRepo
	service    RollbackService
}

func newRollbackFixture() *rollbackFixture {
	imports := newMockImportRepo()
	rowUpdates := &mockRowUpdateRepo{}
	tables := newMockTableRepo()
	tables.schema = contactsSchema()
	return &rollbackFixture{
		imports:    imports,
		rowUpdates: rowUpdates,
		tables:     tables,
		service:    NewRollbackService(imports, rowUpdates, tables, zap.NewNop()),
	}
}

// trackUpdate applies an update through the mock table and records its audit
// entry the same way the chunk coordinator does.
func (fx *rollbackFixture) trackUpdate(t *testing.T, importID uuid.UUID, rowID int64, values map[string]any) *models.RowUpdate {
	t.Helper()
	previous, current, err := fx.tables.UpdateRow(context.Background(), "contacts", rowID, values)
	require.NoError(t, err)

	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	u := &models.RowUpdate{
		ImportID:          importID,
		TableName:         "contacts",
		RowID:             rowID,
		PreviousValues:    previous,
		NewValues:         current,
		UpdatedColumns:    cols,
		CurrentValuesHash: fingerprint.ContentHash(current),
	}
	require.NoError(t, fx.rowUpdates.CreateBatch(context.Background(), []*models.RowUpdate{u}))
	return u
}

func (fx *rollbackFixture) seedImport(t *testing.T) uuid.UUID {
	t.Helper()
	rec := &models.ImportRecord{
		TableName: "contacts",
		Status:    models.ImportStatusSuccess,
	}
	require.NoError(t, fx.imports.Create(context.Background(), rec))
	return rec.ID
}

func TestRollbackService_DeletesInsertedRowsAndImportRecord(t *testing.T) {
	fx := newRollbackFixture()
	importID := fx.seedImport(t)

	_, err := fx.tables.InsertChunk(context.Background(), "contacts", []string{"email", "age"},
		[]models.MappedRecord{
			mappedContact(1, "a@example.com", 30),
			mappedContact(2, "b@example.com", 31),
		}, importID, time.Now().UTC())
	require.NoError(t, err)
	fx.tables.seedRow(map[string]any{"email": "unrelated@example.com", "age": int64(50)})

	result, err := fx.service.RollbackImport(context.Background(), importID, false)
	require.NoError(t, err)

	assert.Equal(t, int64(2), result.RowsDeleted)
	assert.Equal(t, 1, fx.tables.rowCount(), "rows from other imports survive")

	_, err = fx.imports.GetByID(context.Background(), importID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRollbackService_RevertsTrackedUpdates(t *testing.T) {
	fx := newRollbackFixture()
	importID := fx.seedImport(t)
	rowID := fx.tables.seedRow(map[string]any{"email": "a@example.com", "age": int64(30)})

	fx.trackUpdate(t, importID, rowID, map[string]any{"age": int64(31)})

	result, err := fx.service.RollbackImport(context.Background(), importID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.UpdatesTotal)
	assert.Equal(t, 1, result.UpdatesReverted)
	assert.Equal(t, 0, result.UpdatesSkipped)

	row, err := fx.tables.FetchRow(context.Background(), "contacts", rowID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), row["age"])
}

func TestRollbackService_ConflictWhenRowChangedExternally(t *testing.T) {
	fx := newRollbackFixture()
	importID := fx.seedImport(t)
	rowID := fx.tables.seedRow(map[string]any{"email": "a@example.com", "age": int64(30)})

	u := fx.trackUpdate(t, importID, rowID, map[string]any{"age": int64(31)})

	// Someone else edits the row after the import.
	_, _, err := fx.tables.UpdateRow(context.Background(), "contacts", rowID, map[string]any{"age": int64(99)})
	require.NoError(t, err)

	_, err = fx.service.RollbackUpdate(context.Background(), u.ID, false)
	var conflict *apperrors.RollbackConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, rowID, conflict.RowID)
	assert.Equal(t, int64(30), conflict.OriginalValues["age"])
	assert.Equal(t, int64(31), conflict.UpdatedValues["age"])
	assert.Equal(t, int64(99), conflict.CurrentValues["age"])

	// The external edit is untouched.
	row, err := fx.tables.FetchRow(context.Background(), "contacts", rowID)
	require.NoError(t, err)
	assert.Equal(t, int64(99), row["age"])

	// Forcing overrides the guard.
	outcome, err := fx.service.RollbackUpdate(context.Background(), u.ID, true)
	require.NoError(t, err)
	assert.True(t, outcome.RolledBack)
	row, err = fx.tables.FetchRow(context.Background(), "contacts", rowID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), row["age"])
}

func TestRollbackService_SkipConflictsLeavesExternalEdits(t *testing.T) {
	fx := newRollbackFixture()
	importID := fx.seedImport(t)
	rowA := fx.tables.seedRow(map[string]any{"email": "a@example.com", "age": int64(30)})
	rowB := fx.tables.seedRow(map[string]any{"email": "b@example.com", "age": int64(40)})

	fx.trackUpdate(t, importID, rowA, map[string]any{"age": int64(31)})
	fx.trackUpdate(t, importID, rowB, map[string]any{"age": int64(41)})

	// External edit to row B only.
	_, _, err := fx.tables.UpdateRow(context.Background(), "contacts", rowB, map[string]any{"age": int64(99)})
	require.NoError(t, err)

	result, err := fx.service.RollbackImport(context.Background(), importID, true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.UpdatesTotal)
	assert.Equal(t, 1, result.UpdatesReverted)
	assert.Equal(t, 1, result.UpdatesSkipped)

	rowAVals, err := fx.tables.FetchRow(context.Background(), "contacts", rowA)
	require.NoError(t, err)
	assert.Equal(t, int64(30), rowAVals["age"])

	rowBVals, err := fx.tables.FetchRow(context.Background(), "contacts", rowB)
	require.NoError(t, err)
	assert.Equal(t, int64(99), rowBVals["age"], "conflicted row keeps the external edit")
}

func TestRollbackService_RollbackAllUpdatesKeepsInsertedRows(t *testing.T) {
	fx := newRollbackFixture()
	importID := fx.seedImport(t)

	_, err := fx.tables.InsertChunk(context.Background(), "contacts", []string{"email", "age"},
		[]models.MappedRecord{mappedContact(1, "inserted@example.com", 20)},
		importID, time.Now().UTC())
	require.NoError(t, err)

	rowID := fx.tables.seedRow(map[string]any{"email": "a@example.com", "age": int64(30)})
	fx.trackUpdate(t, importID, rowID, map[string]any{"age": int64(31)})

	result, err := fx.service.RollbackAllUpdates(context.Background(), importID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.UpdatesTotal)
	assert.Equal(t, 1, result.UpdatesReverted)
	assert.Equal(t, int64(0), result.RowsDeleted)

	row, err := fx.tables.FetchRow(context.Background(), "contacts", rowID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), row["age"])

	// Inserted rows and the import record stay in place.
	assert.Equal(t, 2, fx.tables.rowCount())
	_, err = fx.imports.GetByID(context.Background(), importID)
	require.NoError(t, err)
}

func TestRollbackService_AlreadyRolledBackIsIdempotent(t *testing.T) {
	fx := newRollbackFixture()
	importID := fx.seedImport(t)
	rowID := fx.tables.seedRow(map[string]any{"email": "a@example.com", "age": int64(30)})
	u := fx.trackUpdate(t, importID, rowID, map[string]any{"age": int64(31)})

	outcome, err := fx.service.RollbackUpdate(context.Background(), u.ID, false)
	require.NoError(t, err)
	assert.True(t, outcome.RolledBack)

	outcome, err = fx.service.RollbackUpdate(context.Background(), u.ID, false)
	require.NoError(t, err)
	assert.False(t, outcome.RolledBack)
	assert.Equal(t, "already rolled back", outcome.Message)
}
