// Package transform implements the pre-mapping row reshaping, column
// mapping, and type coercion stages of the import pipeline.
package transform

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/rowforge/rowforge-engine/pkg/jsonutil"
	"github.com/rowforge/rowforge-engine/pkg/logging"
	"github.com/rowforge/rowforge-engine/pkg/models"
)

// RowTransformer applies row transformation rules in declared order, before
// deduplication and mapping. A rule failing on one row records a mapping
// error for that row and passes the row through; it never aborts the batch.
type RowTransformer struct {
	logger *zap.Logger
}

// NewRowTransformer creates a new row transformer.
func NewRowTransformer(logger *zap.Logger) *RowTransformer {
	return &RowTransformer{logger: logger}
}

// Transform applies rules in order and returns the reshaped records plus any
// per-row mapping errors. Input records are never mutated.
func (t *RowTransformer) Transform(records []models.RawRecord, rules []models.RowTransformRule) ([]models.RawRecord, []models.MappingError) {
	out := records
	var errs []models.MappingError

	for i, rule := range rules {
		var ruleErrs []models.MappingError
		out, ruleErrs = t.applyRule(out, &rule)
		if len(ruleErrs) > 0 {
			t.logger.Warn("row transformation produced errors",
				zap.Int("rule", i),
				zap.String("type", string(rule.Type)),
				zap.Int("errors", len(ruleErrs)))
			errs = append(errs, ruleErrs...)
		}
	}

	return out, errs
}

func (t *RowTransformer) applyRule(records []models.RawRecord, rule *models.RowTransformRule) ([]models.RawRecord, []models.MappingError) {
	switch rule.Type {
	case models.RowTransformExplodeColumns:
		return t.explodeColumns(records, rule)
	case models.RowTransformFilterRows:
		return t.filterRows(records, rule)
	case models.RowTransformRegexReplace:
		return t.regexReplace(records, rule)
	case models.RowTransformConditional:
		return t.conditionalTransform(records, rule)
	default:
		return records, []models.MappingError{{
			ErrorType:    models.ErrorTypeTransformation,
			ErrorMessage: fmt.Sprintf("unknown row transformation type %q", rule.Type),
		}}
	}
}

// explodeColumns emits one output row per populated source column entry.
// It reads only the exact columns named in the rule: upstream config
// generators rely on explicit column selection, so pattern-matched siblings
// are never pulled in.
func (t *RowTransformer) explodeColumns(records []models.RawRecord, rule *models.RowTransformRule) ([]models.RawRecord, []models.MappingError) {
	out := make([]models.RawRecord, 0, len(records))

	for _, rec := range records {
		seen := make(map[string]struct{}, len(rule.SourceColumns))
		emitted := 0

		for _, col := range rule.SourceColumns {
			v, ok := rec.Get(col)
			text := jsonutil.ScalarString(v)
			if !ok || text == "" {
				continue
			}

			if rule.DedupeEnabled() {
				key := text
				if rule.CaseInsensitiveDedupe {
					key = strings.ToLower(key)
				}
				if _, dup := seen[key]; dup {
					// Same value in two named columns of one source row;
					// emitting both would manufacture a duplicate.
					continue
				}
				seen[key] = struct{}{}
			}

			row := rec
			if rule.DropSourceColumns {
				for _, src := range rule.SourceColumns {
					row = row.Delete(src)
				}
			}
			out = append(out, row.Set(rule.TargetColumn, v))
			emitted++
		}

		if emitted == 0 && rule.KeepEmptyRows {
			row := rec
			if rule.DropSourceColumns {
				for _, src := range rule.SourceColumns {
					row = row.Delete(src)
				}
			}
			out = append(out, row.Set(rule.TargetColumn, nil))
			continue
		}

		if rule.IncludeOriginalRow {
			out = append(out, rec.Clone())
		}
	}

	return out, nil
}

func (t *RowTransformer) filterRows(records []models.RawRecord, rule *models.RowTransformRule) ([]models.RawRecord, []models.MappingError) {
	include, exclude, err := compileGates(rule.IncludeRegex, rule.ExcludeRegex)
	if err != nil {
		return records, []models.MappingError{{
			ErrorType:    models.ErrorTypeTransformation,
			ErrorMessage: err.Error(),
		}}
	}

	out := make([]models.RawRecord, 0, len(records))
	for _, rec := range records {
		if rowMatches(rec, rule.Columns, include, exclude) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (t *RowTransformer) regexReplace(records []models.RawRecord, rule *models.RowTransformRule) ([]models.RawRecord, []models.MappingError) {
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return records, []models.MappingError{{
			ErrorType:    models.ErrorTypeTransformation,
			ErrorMessage: fmt.Sprintf("invalid pattern %q: %v", rule.Pattern, err),
		}}
	}

	var errs []models.MappingError
	out := make([]models.RawRecord, 0, len(records))

	for _, rec := range records {
		row := rec
		for _, col := range rule.Columns {
			v, ok := row.Get(col)
			if !ok || v == nil {
				continue
			}
			text := jsonutil.ScalarString(v)

			if len(rule.Outputs) == 0 {
				replaced := re.ReplaceAllString(text, rule.Replacement)
				if replaced != text {
					row = row.Set(col, replaced)
				}
				continue
			}

			// Capture mode: groups land in the named output columns.
			match := re.FindStringSubmatch(text)
			if match == nil {
				if rule.SkipOnNoMatch {
					continue
				}
				errs = append(errs, models.MappingError{
					RecordNumber: rec.SourceRowNumber,
					SourceField:  col,
					ErrorType:    models.ErrorTypeTransformation,
					ErrorMessage: fmt.Sprintf("pattern %q did not match", rule.Pattern),
					SourceValue:  logging.TruncateValue(text),
				})
				continue
			}
			for i, outCol := range rule.Outputs {
				if i+1 < len(match) {
					row = row.Set(outCol, match[i+1])
				} else {
					row = row.Set(outCol, nil)
				}
			}
		}
		out = append(out, row)
	}

	return out, errs
}

func (t *RowTransformer) conditionalTransform(records []models.RawRecord, rule *models.RowTransformRule) ([]models.RawRecord, []models.MappingError) {
	include, exclude, err := compileGates(rule.IncludeRegex, rule.ExcludeRegex)
	if err != nil {
		return records, []models.MappingError{{
			ErrorType:    models.ErrorTypeTransformation,
			ErrorMessage: err.Error(),
		}}
	}

	var errs []models.MappingError
	out := make([]models.RawRecord, 0, len(records))

	for _, rec := range records {
		if !rowMatches(rec, rule.Columns, include, exclude) {
			// Unmatched rows pass through untouched.
			out = append(out, rec)
			continue
		}

		matched := []models.RawRecord{rec}
		for i := range rule.Actions {
			var actionErrs []models.MappingError
			matched, actionErrs = t.applyRule(matched, &rule.Actions[i])
			errs = append(errs, actionErrs...)
		}
		out = append(out, matched...)
	}

	return out, errs
}

func compileGates(includeExpr, excludeExpr string) (include, exclude *regexp.Regexp, err error) {
	if includeExpr != "" {
		include, err = regexp.Compile(includeExpr)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid include_regex %q: %w", includeExpr, err)
		}
	}
	if excludeExpr != "" {
		exclude, err = regexp.Compile(excludeExpr)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid exclude_regex %q: %w", excludeExpr, err)
		}
	}
	return include, exclude, nil
}

// rowMatches tests the named columns (or all non-helper columns when none
// are named; helper columns start with an underscore) against the gates.
func rowMatches(rec models.RawRecord, columns []string, include, exclude *regexp.Regexp) bool {
	fields := columns
	if len(fields) == 0 {
		for _, f := range rec.Fields {
			if !strings.HasPrefix(f, "_") {
				fields = append(fields, f)
			}
		}
	}

	anyMatch := func(re *regexp.Regexp) bool {
		for _, f := range fields {
			if v, ok := rec.Get(f); ok && v != nil && re.MatchString(jsonutil.ScalarString(v)) {
				return true
			}
		}
		return false
	}

	if include != nil && !anyMatch(include) {
		return false
	}
	if exclude != nil && anyMatch(exclude) {
		return false
	}
	return true
}
