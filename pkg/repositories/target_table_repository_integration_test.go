//go:build integration

package repositories

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rowforge/rowforge-engine/pkg/apperrors"
	"github.com/rowforge/rowforge-engine/pkg/fingerprint"
	"github.com/rowforge/rowforge-engine/pkg/models"
	"github.com/rowforge/rowforge-engine/pkg/testhelpers"
)

var targetTableSeq atomic.Int64

// targetTableTestContext holds dependencies for target table repository
// integration tests. Each test gets its own table in the shared container.
type targetTableTestContext struct {
	t        *testing.T
	repo     TargetTableRepository
	imports  ImportRepository
	table    string
	importID uuid.UUID
}

func setupTargetTableTest(t *testing.T) *targetTableTestContext {
	t.Helper()
	testDB := testhelpers.GetTestDB(t)

	tc := &targetTableTestContext{
		t:       t,
		repo:    NewTargetTableRepository(testDB.DB, zap.NewNop()),
		imports: NewImportRepository(testDB.DB),
		table:   fmt.Sprintf("it_people_%d", targetTableSeq.Add(1)),
	}

	rec := &models.ImportRecord{
		FileHash:  fmt.Sprintf("hash-%s", uuid.New()),
		TableName: tc.table,
		Strategy:  models.StrategyNewTable,
	}
	if err := tc.imports.Create(context.Background(), rec); err != nil {
		t.Fatalf("Failed to create parent import: %v", err)
	}
	tc.importID = rec.ID

	ddl := []string{
		`CREATE TABLE "` + tc.table + `" (
			"_row_id" BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			"email" TEXT,
			"age" BIGINT,
			"_import_id" UUID REFERENCES import_history(id) ON DELETE CASCADE,
			"_imported_at" TIMESTAMPTZ,
			"_source_row_number" BIGINT,
			"_corrections_applied" JSONB
		)`,
	}
	if err := tc.repo.ExecDDL(context.Background(), ddl); err != nil {
		t.Fatalf("Failed to create test table: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		_ = tc.repo.ExecDDL(ctx, []string{`DROP TABLE IF EXISTS "` + tc.table + `"`})
		_ = tc.imports.Delete(ctx, tc.importID)
	})
	return tc
}

func mappedPerson(srcRow int, email string, age int64) models.MappedRecord {
	return models.MappedRecord{
		Columns:         []string{"email", "age"},
		Values:          map[string]any{"email": email, "age": age},
		SourceRowNumber: srcRow,
	}
}

// insert writes the records as one chunk tagged with the test's import.
func (tc *targetTableTestContext) insert(records []models.MappedRecord) int {
	tc.t.Helper()
	n, err := tc.repo.InsertChunk(context.Background(), tc.table,
		[]string{"email", "age"}, records, tc.importID, time.Now().UTC())
	if err != nil {
		tc.t.Fatalf("InsertChunk failed: %v", err)
	}
	return n
}

func TestTargetTableRepository_GetTableSchema(t *testing.T) {
	tc := setupTargetTableTest(t)
	ctx := context.Background()

	schema, err := tc.repo.GetTableSchema(ctx, tc.table)
	if err != nil {
		t.Fatalf("GetTableSchema failed: %v", err)
	}
	if !schema.HasColumn("email") || !schema.HasColumn(models.ColumnRowID) {
		t.Errorf("Expected email and %s columns, got %+v", models.ColumnRowID, schema.Columns)
	}
	if schema.RowCount != 0 {
		t.Errorf("Expected empty table, got %d rows", schema.RowCount)
	}

	if _, err := tc.repo.GetTableSchema(ctx, "no_such_table"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing table, got %v", err)
	}
}

func TestTargetTableRepository_InsertChunkAndFetch(t *testing.T) {
	tc := setupTargetTableTest(t)
	ctx := context.Background()

	corrections := map[string]models.Correction{
		"age": {Before: "30x", After: "30", CorrectionType: models.CorrectionTypeCast},
	}
	records := []models.MappedRecord{
		mappedPerson(1, "ada@example.com", 30),
		mappedPerson(2, "bob@example.com", 40),
	}
	records[0].Corrections = corrections

	if n := tc.insert(records); n != 2 {
		t.Fatalf("Expected 2 rows inserted, got %d", n)
	}

	row, err := tc.repo.FetchRow(ctx, tc.table, 1)
	if err != nil {
		t.Fatalf("FetchRow failed: %v", err)
	}
	if row["email"] != "ada@example.com" {
		t.Errorf("Expected ada@example.com, got %v", row["email"])
	}
	if row["age"] != int64(30) {
		t.Errorf("Expected normalized int64 age, got %T %v", row["age"], row["age"])
	}
	if row[models.ColumnImportID] != tc.importID.String() {
		t.Errorf("Expected provenance import id %s, got %v", tc.importID, row[models.ColumnImportID])
	}
	if row[models.ColumnSourceRowNumber] != int64(1) {
		t.Errorf("Expected source row 1, got %v", row[models.ColumnSourceRowNumber])
	}

	if _, err := tc.repo.FetchRow(ctx, tc.table, 999); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing row, got %v", err)
	}
}

func TestTargetTableRepository_PreloadAndLookupKeysAgree(t *testing.T) {
	tc := setupTargetTableTest(t)
	ctx := context.Background()

	tc.insert([]models.MappedRecord{
		mappedPerson(1, "ada@example.com", 30),
		mappedPerson(2, "bob@example.com", 40),
	})

	schema, err := tc.repo.GetTableSchema(ctx, tc.table)
	if err != nil {
		t.Fatalf("GetTableSchema failed: %v", err)
	}
	keyCols := []string{"email"}

	preloaded, err := tc.repo.PreloadKeys(ctx, schema, keyCols)
	if err != nil {
		t.Fatalf("PreloadKeys failed: %v", err)
	}
	if preloaded.Len() != 2 {
		t.Fatalf("Expected 2 preloaded keys, got %d", preloaded.Len())
	}

	probe := []models.MappedRecord{
		mappedPerson(1, "ada@example.com", 99),
		mappedPerson(2, "carol@example.com", 25),
	}
	looked, err := tc.repo.LookupKeys(ctx, schema, keyCols, probe)
	if err != nil {
		t.Fatalf("LookupKeys failed: %v", err)
	}
	if looked.Len() != 1 {
		t.Fatalf("Expected 1 matched key, got %d", looked.Len())
	}

	adaKey := fingerprint.RowKey(map[string]any{"email": "ada@example.com"}, keyCols)
	preID, ok := preloaded.Lookup(adaKey)
	if !ok {
		t.Fatal("Preload missed ada's key")
	}
	lookID, ok := looked.Lookup(adaKey)
	if !ok {
		t.Fatal("Lookup missed ada's key")
	}
	if preID != lookID || preID == 0 {
		t.Errorf("Expected matching non-zero row ids, got preload=%d lookup=%d", preID, lookID)
	}
}

func TestTargetTableRepository_UpdateRowSnapshotsValues(t *testing.T) {
	tc := setupTargetTableTest(t)
	ctx := context.Background()

	tc.insert([]models.MappedRecord{mappedPerson(1, "ada@example.com", 30)})

	previous, current, err := tc.repo.UpdateRow(ctx, tc.table, 1, map[string]any{"age": int64(31)})
	if err != nil {
		t.Fatalf("UpdateRow failed: %v", err)
	}
	if previous["age"] != int64(30) {
		t.Errorf("Expected previous age 30, got %v", previous["age"])
	}
	if current["age"] != int64(31) {
		t.Errorf("Expected current age 31, got %v", current["age"])
	}
	if previous["email"] != "ada@example.com" || current["email"] != "ada@example.com" {
		t.Errorf("Untouched columns must appear in both snapshots")
	}

	if _, _, err := tc.repo.UpdateRow(ctx, tc.table, 999, map[string]any{"age": int64(1)}); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing row, got %v", err)
	}
}

func TestTargetTableRepository_DeleteByImport(t *testing.T) {
	tc := setupTargetTableTest(t)
	ctx := context.Background()

	tc.insert([]models.MappedRecord{
		mappedPerson(1, "ada@example.com", 30),
		mappedPerson(2, "bob@example.com", 40),
	})

	// A second import's rows must survive the delete.
	other := &models.ImportRecord{
		FileHash:  fmt.Sprintf("hash-%s", uuid.New()),
		TableName: tc.table,
		Strategy:  models.StrategyMergeExact,
	}
	if err := tc.imports.Create(ctx, other); err != nil {
		t.Fatalf("Failed to create second import: %v", err)
	}
	t.Cleanup(func() { _ = tc.imports.Delete(context.Background(), other.ID) })

	if _, err := tc.repo.InsertChunk(ctx, tc.table, []string{"email", "age"},
		[]models.MappedRecord{mappedPerson(1, "carol@example.com", 25)},
		other.ID, time.Now().UTC()); err != nil {
		t.Fatalf("InsertChunk for second import failed: %v", err)
	}

	deleted, err := tc.repo.DeleteByImport(ctx, tc.table, tc.importID)
	if err != nil {
		t.Fatalf("DeleteByImport failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 rows deleted, got %d", deleted)
	}

	schema, err := tc.repo.GetTableSchema(ctx, tc.table)
	if err != nil {
		t.Fatalf("GetTableSchema failed: %v", err)
	}
	if schema.RowCount != 1 {
		t.Errorf("Expected 1 surviving row, got %d", schema.RowCount)
	}
}
