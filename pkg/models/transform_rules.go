package models

import (
	"fmt"
	"regexp"
)

// RowTransformType discriminates the row transformation variants.
type RowTransformType string

const (
	RowTransformExplodeColumns RowTransformType = "explode_columns"
	RowTransformFilterRows     RowTransformType = "filter_rows"
	RowTransformRegexReplace   RowTransformType = "regex_replace"
	RowTransformConditional    RowTransformType = "conditional_transform"
)

// IsValid returns true if the type is a known row transformation.
func (t RowTransformType) IsValid() bool {
	switch t {
	case RowTransformExplodeColumns, RowTransformFilterRows, RowTransformRegexReplace, RowTransformConditional:
		return true
	default:
		return false
	}
}

// RowTransformRule is a tagged union over the row transformation variants.
// Only the fields relevant to Type are read; rules apply in declared order,
// before deduplication and mapping.
type RowTransformRule struct {
	Type RowTransformType `json:"type"`

	// explode_columns. SourceColumns is an exact list: the rule reads only
	// the columns named here and never auto-expands to similarly named
	// siblings. Upstream config generators rely on that contract.
	SourceColumns         []string `json:"source_columns,omitempty"`
	TargetColumn          string   `json:"target_column,omitempty"`
	DropSourceColumns     bool     `json:"drop_source_columns,omitempty"`
	IncludeOriginalRow    bool     `json:"include_original_row,omitempty"`
	KeepEmptyRows         bool     `json:"keep_empty_rows,omitempty"`
	DedupeValues          *bool    `json:"dedupe_values,omitempty"` // nil => true
	CaseInsensitiveDedupe bool     `json:"case_insensitive_dedupe,omitempty"`

	// filter_rows / conditional_transform gates
	IncludeRegex string   `json:"include_regex,omitempty"`
	ExcludeRegex string   `json:"exclude_regex,omitempty"`
	Columns      []string `json:"columns,omitempty"`

	// regex_replace
	Pattern       string   `json:"pattern,omitempty"`
	Replacement   string   `json:"replacement,omitempty"`
	Outputs       []string `json:"outputs,omitempty"` // capture-group target columns
	SkipOnNoMatch bool     `json:"skip_on_no_match,omitempty"`

	// conditional_transform nested actions
	Actions []RowTransformRule `json:"actions,omitempty"`
}

// DedupeEnabled reports whether explode_columns should drop rows whose
// dedupe key collides within the same source row. Defaults to true.
func (r *RowTransformRule) DedupeEnabled() bool {
	return r.DedupeValues == nil || *r.DedupeValues
}

// Validate checks the rule is well-formed for its type, including that any
// regular expressions compile.
func (r *RowTransformRule) Validate() error {
	if !r.Type.IsValid() {
		return fmt.Errorf("unknown row transformation type %q", r.Type)
	}

	switch r.Type {
	case RowTransformExplodeColumns:
		if len(r.SourceColumns) == 0 {
			return fmt.Errorf("explode_columns requires source_columns")
		}
		if r.TargetColumn == "" {
			return fmt.Errorf("explode_columns requires target_column")
		}
	case RowTransformFilterRows:
		if r.IncludeRegex == "" && r.ExcludeRegex == "" {
			return fmt.Errorf("filter_rows requires include_regex or exclude_regex")
		}
	case RowTransformRegexReplace:
		if r.Pattern == "" {
			return fmt.Errorf("regex_replace requires pattern")
		}
		if len(r.Columns) == 0 {
			return fmt.Errorf("regex_replace requires columns")
		}
	case RowTransformConditional:
		if r.IncludeRegex == "" && r.ExcludeRegex == "" {
			return fmt.Errorf("conditional_transform requires include_regex or exclude_regex")
		}
		if len(r.Actions) == 0 {
			return fmt.Errorf("conditional_transform requires actions")
		}
		for i := range r.Actions {
			if r.Actions[i].Type == RowTransformConditional {
				return fmt.Errorf("conditional_transform actions cannot nest further conditionals")
			}
			if err := r.Actions[i].Validate(); err != nil {
				return fmt.Errorf("actions[%d]: %w", i, err)
			}
		}
	}

	for _, expr := range []string{r.IncludeRegex, r.ExcludeRegex, r.Pattern} {
		if expr == "" {
			continue
		}
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("invalid regex %q: %w", expr, err)
		}
	}

	return nil
}

// ColumnTransformType discriminates the column transformation variants.
type ColumnTransformType string

const (
	ColumnTransformMergeColumns     ColumnTransformType = "merge_columns"
	ColumnTransformRegexReplace     ColumnTransformType = "regex_replace"
	ColumnTransformSplitMultiValue  ColumnTransformType = "split_multi_value_column"
	ColumnTransformStandardizePhone ColumnTransformType = "standardize_phone"
)

// IsValid returns true if the type is a known column transformation.
func (t ColumnTransformType) IsValid() bool {
	switch t {
	case ColumnTransformMergeColumns, ColumnTransformRegexReplace,
		ColumnTransformSplitMultiValue, ColumnTransformStandardizePhone:
		return true
	default:
		return false
	}
}

// ColumnTransformRule is a tagged union over the column transformation
// variants, applied after column selection in declared order.
type ColumnTransformRule struct {
	Type ColumnTransformType `json:"type"`

	// merge_columns
	SourceColumns []string `json:"source_columns,omitempty"`
	Separator     string   `json:"separator,omitempty"`

	// shared target
	TargetColumn string `json:"target_column,omitempty"`

	// regex_replace
	Pattern       string   `json:"pattern,omitempty"`
	Replacement   string   `json:"replacement,omitempty"`
	Columns       []string `json:"columns,omitempty"`
	Outputs       []string `json:"outputs,omitempty"`
	SkipOnNoMatch bool     `json:"skip_on_no_match,omitempty"`

	// split_multi_value_column
	Delimiter string `json:"delimiter,omitempty"`
	KeepIndex int    `json:"keep_index,omitempty"`
}

// Validate checks the rule is well-formed for its type.
func (r *ColumnTransformRule) Validate() error {
	if !r.Type.IsValid() {
		return fmt.Errorf("unknown column transformation type %q", r.Type)
	}

	switch r.Type {
	case ColumnTransformMergeColumns:
		if len(r.SourceColumns) < 2 {
			return fmt.Errorf("merge_columns requires at least two source_columns")
		}
		if r.TargetColumn == "" {
			return fmt.Errorf("merge_columns requires target_column")
		}
	case ColumnTransformRegexReplace:
		if r.Pattern == "" {
			return fmt.Errorf("regex_replace requires pattern")
		}
		if len(r.Columns) == 0 {
			return fmt.Errorf("regex_replace requires columns")
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("invalid regex %q: %w", r.Pattern, err)
		}
	case ColumnTransformSplitMultiValue:
		if r.TargetColumn == "" && len(r.Columns) == 0 {
			return fmt.Errorf("split_multi_value_column requires a column")
		}
	case ColumnTransformStandardizePhone:
		if len(r.Columns) == 0 {
			return fmt.Errorf("standardize_phone requires columns")
		}
	}

	return nil
}
