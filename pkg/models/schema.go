package models

// Strategy is the decision of how an incoming record set's columns relate to
// an existing table's columns.
type Strategy string

const (
	StrategyNewTable    Strategy = "new_table"    // target table absent; create it
	StrategyMergeExact  Strategy = "merge_exact"  // existing columns cover incoming; insert directly
	StrategyExtendTable Strategy = "extend_table" // incoming adds columns; add nullable columns first
	StrategyAdaptData   Strategy = "adapt_data"   // incoming is narrower; unmapped existing columns stay null
)

// String returns the string representation of a Strategy.
func (s Strategy) String() string {
	return string(s)
}

// IsValid returns true if the strategy is a known schema strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyNewTable, StrategyMergeExact, StrategyExtendTable, StrategyAdaptData:
		return true
	default:
		return false
	}
}

// System columns carried by every dynamically created data table. The
// provenance columns make "all rows from import X" a single indexed
// predicate; _row_id gives updates a stable row identity.
const (
	ColumnRowID           = "_row_id"
	ColumnImportID        = "_import_id"
	ColumnImportedAt      = "_imported_at"
	ColumnSourceRowNumber = "_source_row_number"
	ColumnCorrections     = "_corrections_applied"
)

// SystemColumns lists every engine-managed column name.
func SystemColumns() []string {
	return []string{ColumnRowID, ColumnImportID, ColumnImportedAt, ColumnSourceRowNumber, ColumnCorrections}
}

// IsSystemColumn reports whether a column name is engine-managed.
func IsSystemColumn(name string) bool {
	switch name {
	case ColumnRowID, ColumnImportID, ColumnImportedAt, ColumnSourceRowNumber, ColumnCorrections:
		return true
	default:
		return false
	}
}

// TableColumn is one column of an existing target table.
type TableColumn struct {
	Name       string `json:"name"`
	DataType   string `json:"data_type"` // postgres type name
	IsNullable bool   `json:"is_nullable"`
}

// TableSchema is the observed shape of an existing target table.
type TableSchema struct {
	TableName string        `json:"table_name"`
	Columns   []TableColumn `json:"columns"`
	RowCount  int64         `json:"row_count"`
}

// HasColumn reports whether the table declares the column.
func (t *TableSchema) HasColumn(name string) bool {
	for _, col := range t.Columns {
		if col.Name == name {
			return true
		}
	}
	return false
}

// UserColumns returns the table's columns excluding engine-managed ones.
func (t *TableSchema) UserColumns() []TableColumn {
	out := make([]TableColumn, 0, len(t.Columns))
	for _, col := range t.Columns {
		if !IsSystemColumn(col.Name) {
			out = append(out, col)
		}
	}
	return out
}
