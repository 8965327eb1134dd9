// Package services contains the import engine's business logic: schema
// resolution, chunked duplicate checking and insertion, import orchestration,
// and rollback.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rowforge/rowforge-engine/pkg/apperrors"
	"github.com/rowforge/rowforge-engine/pkg/models"
	"github.com/rowforge/rowforge-engine/pkg/repositories"
	"github.com/rowforge/rowforge-engine/pkg/sqlsafe"
)

// Resolution is the outcome of comparing a mapping config against the
// current shape of its target table.
type Resolution struct {
	Strategy models.Strategy

	// Existing is the table's observed schema, nil for new_table.
	Existing *models.TableSchema

	// DDL is the ordered statements to run before any row is written.
	DDL []string

	// InsertColumns is the user columns each insert will carry, in schema
	// declaration order.
	InsertColumns []string
}

// SchemaResolver decides how a mapping config's declared schema meets the
// target table: create it, insert directly, extend it, or adapt to it.
type SchemaResolver interface {
	Resolve(ctx context.Context, cfg *models.MappingConfig) (*Resolution, error)
}

type schemaResolver struct {
	tables repositories.TargetTableRepository
	logger *zap.Logger
}

// NewSchemaResolver creates a new schema resolver.
func NewSchemaResolver(tables repositories.TargetTableRepository, logger *zap.Logger) SchemaResolver {
	return &schemaResolver{tables: tables, logger: logger}
}

// pgType maps a semantic column type to its postgres column type.
func pgType(t models.ColumnType) string {
	switch t {
	case models.TypeInteger:
		return "BIGINT"
	case models.TypeDecimal:
		return "DOUBLE PRECISION"
	case models.TypeTimestamp:
		return "TIMESTAMPTZ"
	case models.TypeBoolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// compatiblePGTypes lists the postgres type names an existing column may
// have for each semantic type. Wider numeric types are accepted; silently
// inserting text into a numeric column is not.
var compatiblePGTypes = map[models.ColumnType][]string{
	models.TypeInteger:   {"bigint", "integer", "smallint"},
	models.TypeDecimal:   {"double precision", "real", "numeric", "bigint", "integer", "smallint"},
	models.TypeTimestamp: {"timestamp with time zone", "timestamp without time zone", "date"},
	models.TypeBoolean:   {"boolean"},
	models.TypeText:      {"text", "character varying", "character"},
}

func typeCompatible(declared models.ColumnType, pgTypeName string) bool {
	for _, t := range compatiblePGTypes[declared] {
		if t == pgTypeName {
			return true
		}
	}
	return false
}

func (s *schemaResolver) Resolve(ctx context.Context, cfg *models.MappingConfig) (*Resolution, error) {
	existing, err := s.tables.GetTableSchema(ctx, cfg.TableName)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return s.resolveNewTable(cfg)
		}
		return nil, err
	}
	return s.resolveExisting(cfg, existing)
}

func (s *schemaResolver) resolveNewTable(cfg *models.MappingConfig) (*Resolution, error) {
	quotedTable := sqlsafe.QuoteIdentifier(cfg.TableName)

	defs := make([]string, 0, len(cfg.Schema)+5)
	defs = append(defs, fmt.Sprintf("%s BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY",
		sqlsafe.QuoteIdentifier(models.ColumnRowID)))
	for _, col := range cfg.Schema {
		defs = append(defs, fmt.Sprintf("%s %s", sqlsafe.QuoteIdentifier(col.Name), pgType(col.Type)))
	}
	defs = append(defs,
		fmt.Sprintf("%s UUID REFERENCES import_history(id) ON DELETE CASCADE",
			sqlsafe.QuoteIdentifier(models.ColumnImportID)),
		fmt.Sprintf("%s TIMESTAMPTZ", sqlsafe.QuoteIdentifier(models.ColumnImportedAt)),
		fmt.Sprintf("%s BIGINT", sqlsafe.QuoteIdentifier(models.ColumnSourceRowNumber)),
		fmt.Sprintf("%s JSONB", sqlsafe.QuoteIdentifier(models.ColumnCorrections)),
	)

	ddl := []string{
		fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", quotedTable, strings.Join(defs, ",\n\t")),
		fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
			sqlsafe.QuoteIdentifier("idx_"+cfg.TableName+"_import_id"),
			quotedTable, sqlsafe.QuoteIdentifier(models.ColumnImportID)),
	}

	s.logger.Info("target table will be created",
		zap.String("table", cfg.TableName),
		zap.Int("columns", len(cfg.Schema)))

	return &Resolution{
		Strategy:      models.StrategyNewTable,
		DDL:           ddl,
		InsertColumns: cfg.ColumnNames(),
	}, nil
}

func (s *schemaResolver) resolveExisting(cfg *models.MappingConfig, existing *models.TableSchema) (*Resolution, error) {
	existingUser := make(map[string]models.TableColumn)
	for _, col := range existing.UserColumns() {
		existingUser[col.Name] = col
	}

	var added []models.SchemaColumn
	for _, col := range cfg.Schema {
		have, ok := existingUser[col.Name]
		if !ok {
			added = append(added, col)
			continue
		}
		if !typeCompatible(col.Type, have.DataType) {
			return nil, fmt.Errorf("%w: column %q is declared %s but table %q has %s",
				apperrors.ErrInvalidConfig, col.Name, col.Type, cfg.TableName, have.DataType)
		}
	}

	incoming := make(map[string]struct{}, len(cfg.Schema))
	for _, col := range cfg.Schema {
		incoming[col.Name] = struct{}{}
	}
	narrower := false
	for name := range existingUser {
		if _, ok := incoming[name]; !ok {
			narrower = true
			break
		}
	}

	quotedTable := sqlsafe.QuoteIdentifier(cfg.TableName)
	var ddl []string
	for _, col := range added {
		ddl = append(ddl, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			quotedTable, sqlsafe.QuoteIdentifier(col.Name), pgType(col.Type)))
	}
	ddl = append(ddl, s.systemColumnDDL(existing)...)

	strategy := models.StrategyMergeExact
	switch {
	case len(added) > 0:
		strategy = models.StrategyExtendTable
	case narrower:
		strategy = models.StrategyAdaptData
	}

	s.logger.Info("resolved schema strategy",
		zap.String("table", cfg.TableName),
		zap.String("strategy", strategy.String()),
		zap.Int("columns_added", len(added)))

	return &Resolution{
		Strategy:      strategy,
		Existing:      existing,
		DDL:           ddl,
		InsertColumns: cfg.ColumnNames(),
	}, nil
}

// systemColumnDDL backfills provenance columns onto tables that predate the
// engine, so inserts and rollback work the same everywhere. Existing rows
// keep null provenance.
func (s *schemaResolver) systemColumnDDL(existing *models.TableSchema) []string {
	quotedTable := sqlsafe.QuoteIdentifier(existing.TableName)
	var ddl []string
	add := func(name, def string) {
		if !existing.HasColumn(name) {
			ddl = append(ddl, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
				quotedTable, sqlsafe.QuoteIdentifier(name), def))
		}
	}
	add(models.ColumnRowID, "BIGINT GENERATED ALWAYS AS IDENTITY")
	add(models.ColumnImportID, "UUID REFERENCES import_history(id) ON DELETE CASCADE")
	add(models.ColumnImportedAt, "TIMESTAMPTZ")
	add(models.ColumnSourceRowNumber, "BIGINT")
	add(models.ColumnCorrections, "JSONB")
	return ddl
}

var _ SchemaResolver = (*schemaResolver)(nil)
