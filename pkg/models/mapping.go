// Package models contains domain types for rowforge-engine.
package models

import (
	"fmt"
	"time"

	"github.com/rowforge/rowforge-engine/pkg/apperrors"
	"github.com/rowforge/rowforge-engine/pkg/sqlsafe"
)

// ColumnType is the closed set of semantic column types a mapping config
// may assign to a target column.
type ColumnType string

const (
	TypeInteger   ColumnType = "INTEGER"
	TypeDecimal   ColumnType = "DECIMAL"
	TypeTimestamp ColumnType = "TIMESTAMP"
	TypeBoolean   ColumnType = "BOOLEAN"
	TypeText      ColumnType = "TEXT"
)

// String returns the string representation of a ColumnType.
func (t ColumnType) String() string {
	return string(t)
}

// IsValid returns true if the type is a known column type.
func (t ColumnType) IsValid() bool {
	switch t {
	case TypeInteger, TypeDecimal, TypeTimestamp, TypeBoolean, TypeText:
		return true
	default:
		return false
	}
}

// SchemaColumn is one target column in declared order.
type SchemaColumn struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// MappingConfig declares how a batch of raw records becomes rows of a target
// table. It is treated as immutable once an import starts, and as the single
// source of truth for column selection: the engine never auto-expands column
// lists beyond what the config states.
type MappingConfig struct {
	TableName             string                `json:"table_name"`
	Schema                []SchemaColumn        `json:"schema"`
	Mappings              map[string]string     `json:"mappings"` // target column -> source field
	RowTransformations    []RowTransformRule    `json:"row_transformations,omitempty"`
	ColumnTransformations []ColumnTransformRule `json:"column_transformations,omitempty"`
	DuplicateCheck        DuplicateCheckConfig  `json:"duplicate_check"`
	SourceType            string                `json:"source_type,omitempty"`
	IsTemporary           bool                  `json:"is_temporary,omitempty"`
	ExpiresAt             *time.Time            `json:"expires_at,omitempty"`
}

// DuplicateCheckConfig controls file- and row-level duplicate protection.
type DuplicateCheckConfig struct {
	Enabled             bool     `json:"enabled"`
	CheckFileLevel      bool     `json:"check_file_level"`
	AllowFileLevelRetry bool     `json:"allow_file_level_retry"`
	UniquenessColumns   []string `json:"uniqueness_columns,omitempty"` // empty => all columns
	AllowDuplicates     bool     `json:"allow_duplicates"`
	ForceImport         bool     `json:"force_import"`
	UpdateOnDuplicate   bool     `json:"update_on_duplicate"`
	UpdateColumns       []string `json:"update_columns,omitempty"` // empty with UpdateOnDuplicate => all non-null
	ErrorMessage        string   `json:"error_message,omitempty"`
}

// ColumnNames returns the target column names in declared order.
func (c *MappingConfig) ColumnNames() []string {
	names := make([]string, len(c.Schema))
	for i, col := range c.Schema {
		names[i] = col.Name
	}
	return names
}

// ColumnTypeOf returns the declared type for a target column.
func (c *MappingConfig) ColumnTypeOf(name string) (ColumnType, bool) {
	for _, col := range c.Schema {
		if col.Name == name {
			return col.Type, true
		}
	}
	return "", false
}

// KeyColumns returns the uniqueness columns for row-level duplicate checks.
// An empty configured set means every target column participates.
func (c *MappingConfig) KeyColumns() []string {
	if len(c.DuplicateCheck.UniquenessColumns) > 0 {
		return c.DuplicateCheck.UniquenessColumns
	}
	return c.ColumnNames()
}

// Validate checks the config before an import starts: identifiers must be
// SQL-safe, column types known, mappings and uniqueness columns must refer
// to declared schema columns, and free-text fields must pass injection
// screening. Configs may be machine-generated, so nothing is trusted.
func (c *MappingConfig) Validate() error {
	if c.TableName == "" {
		return fmt.Errorf("%w: table_name is required", apperrors.ErrInvalidConfig)
	}
	if err := sqlsafe.ValidateIdentifier(c.TableName); err != nil {
		return fmt.Errorf("%w: table_name: %v", apperrors.ErrInvalidIdentifier, err)
	}
	if len(c.Schema) == 0 {
		return fmt.Errorf("%w: schema must declare at least one column", apperrors.ErrInvalidConfig)
	}

	seen := make(map[string]struct{}, len(c.Schema))
	for _, col := range c.Schema {
		if err := sqlsafe.ValidateIdentifier(col.Name); err != nil {
			return fmt.Errorf("%w: column %q: %v", apperrors.ErrInvalidIdentifier, col.Name, err)
		}
		if !col.Type.IsValid() {
			return fmt.Errorf("%w: column %q has unknown type %q", apperrors.ErrInvalidConfig, col.Name, col.Type)
		}
		if _, dup := seen[col.Name]; dup {
			return fmt.Errorf("%w: column %q declared twice", apperrors.ErrInvalidConfig, col.Name)
		}
		seen[col.Name] = struct{}{}
	}

	for target := range c.Mappings {
		if _, ok := seen[target]; !ok {
			return fmt.Errorf("%w: mapping target %q is not a schema column", apperrors.ErrInvalidConfig, target)
		}
	}

	for _, col := range c.DuplicateCheck.UniquenessColumns {
		if _, ok := seen[col]; !ok {
			return fmt.Errorf("%w: uniqueness column %q is not a schema column", apperrors.ErrInvalidConfig, col)
		}
	}
	for _, col := range c.DuplicateCheck.UpdateColumns {
		if _, ok := seen[col]; !ok {
			return fmt.Errorf("%w: update column %q is not a schema column", apperrors.ErrInvalidConfig, col)
		}
	}

	if hit := sqlsafe.CheckConfigString("duplicate_check.error_message", c.DuplicateCheck.ErrorMessage); hit != nil {
		return fmt.Errorf("%w: %s failed injection screening (%s)", apperrors.ErrInvalidConfig, hit.Field, hit.Fingerprint)
	}

	for i, rule := range c.RowTransformations {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("%w: row_transformations[%d]: %v", apperrors.ErrInvalidConfig, i, err)
		}
	}
	for i, rule := range c.ColumnTransformations {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("%w: column_transformations[%d]: %v", apperrors.ErrInvalidConfig, i, err)
		}
	}

	return nil
}
