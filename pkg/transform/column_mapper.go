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

// ColumnMapper selects source fields into target columns, applies
// column-level transformation rules, and coerces values to their declared
// types. Errors never cause record loss: a failing field becomes null and
// the error is recorded.
type ColumnMapper struct {
	logger *zap.Logger
}

// NewColumnMapper creates a new column mapper.
func NewColumnMapper(logger *zap.Logger) *ColumnMapper {
	return &ColumnMapper{logger: logger}
}

// Map converts raw records into mapped records per the config. Row count in
// equals row count out.
func (m *ColumnMapper) Map(records []models.RawRecord, cfg *models.MappingConfig) ([]models.MappedRecord, []models.MappingError) {
	out := make([]models.MappedRecord, 0, len(records))
	var errs []models.MappingError

	columns := cfg.ColumnNames()

	for _, rec := range records {
		mapped := models.MappedRecord{
			Columns:         columns,
			Values:          make(map[string]any, len(columns)),
			SourceRowNumber: rec.SourceRowNumber,
		}

		// Column selection: read the mapped source field for every target
		// column. A target without a mapping entry reads a field of its own
		// name (row transformations emit columns under their target names).
		for _, target := range columns {
			source, hasMapping := cfg.Mappings[target]
			if !hasMapping {
				source = target
			}
			if v, ok := rec.Get(source); ok {
				mapped.Values[target] = v
			} else {
				mapped.Values[target] = nil
			}
		}

		for i := range cfg.ColumnTransformations {
			transformErrs := m.applyColumnRule(&mapped, &cfg.ColumnTransformations[i])
			errs = append(errs, transformErrs...)
		}

		errs = append(errs, m.coerceRecord(&mapped, cfg)...)
		out = append(out, mapped)
	}

	return out, errs
}

func (m *ColumnMapper) coerceRecord(mapped *models.MappedRecord, cfg *models.MappingConfig) []models.MappingError {
	var errs []models.MappingError

	for _, col := range cfg.Schema {
		v := mapped.Values[col.Name]
		coerced, correction, err := Coerce(v, col.Type)
		if err != nil {
			source := cfg.Mappings[col.Name]
			errs = append(errs, models.MappingError{
				RecordNumber: mapped.SourceRowNumber,
				SourceField:  source,
				TargetField:  col.Name,
				ErrorType:    models.ErrorTypeCoercion,
				ErrorMessage: err.Error(),
				SourceValue:  logging.TruncateValue(jsonutil.ScalarString(v)),
			})
			mapped.Values[col.Name] = nil
			continue
		}
		mapped.Values[col.Name] = coerced
		if correction != nil {
			mapped.AddCorrection(col.Name, *correction)
		}
	}

	return errs
}

func (m *ColumnMapper) applyColumnRule(mapped *models.MappedRecord, rule *models.ColumnTransformRule) []models.MappingError {
	switch rule.Type {
	case models.ColumnTransformMergeColumns:
		return m.mergeColumns(mapped, rule)
	case models.ColumnTransformRegexReplace:
		return m.regexReplaceColumns(mapped, rule)
	case models.ColumnTransformSplitMultiValue:
		return m.splitMultiValue(mapped, rule)
	case models.ColumnTransformStandardizePhone:
		return m.standardizePhone(mapped, rule)
	default:
		return []models.MappingError{{
			RecordNumber: mapped.SourceRowNumber,
			ErrorType:    models.ErrorTypeTransformation,
			ErrorMessage: fmt.Sprintf("unknown column transformation type %q", rule.Type),
		}}
	}
}

func (m *ColumnMapper) mergeColumns(mapped *models.MappedRecord, rule *models.ColumnTransformRule) []models.MappingError {
	parts := make([]string, 0, len(rule.SourceColumns))
	for _, col := range rule.SourceColumns {
		if text := jsonutil.ScalarString(mapped.Values[col]); text != "" {
			parts = append(parts, text)
		}
	}
	merged := strings.Join(parts, rule.Separator)

	before := jsonutil.ScalarString(mapped.Values[rule.TargetColumn])
	if merged == before {
		return nil
	}
	mapped.Values[rule.TargetColumn] = merged
	mapped.AddCorrection(rule.TargetColumn, models.Correction{
		Before:         before,
		After:          merged,
		CorrectionType: models.CorrectionTransformed,
	})
	return nil
}

func (m *ColumnMapper) regexReplaceColumns(mapped *models.MappedRecord, rule *models.ColumnTransformRule) []models.MappingError {
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return []models.MappingError{{
			RecordNumber: mapped.SourceRowNumber,
			ErrorType:    models.ErrorTypeTransformation,
			ErrorMessage: fmt.Sprintf("invalid pattern %q: %v", rule.Pattern, err),
		}}
	}

	var errs []models.MappingError
	for _, col := range rule.Columns {
		v := mapped.Values[col]
		if v == nil {
			continue
		}
		text := jsonutil.ScalarString(v)

		if len(rule.Outputs) == 0 {
			replaced := re.ReplaceAllString(text, rule.Replacement)
			if replaced == text {
				continue
			}
			mapped.Values[col] = replaced
			mapped.AddCorrection(col, models.Correction{
				Before:         text,
				After:          replaced,
				CorrectionType: models.CorrectionTransformed,
			})
			continue
		}

		match := re.FindStringSubmatch(text)
		if match == nil {
			if rule.SkipOnNoMatch {
				continue
			}
			errs = append(errs, models.MappingError{
				RecordNumber: mapped.SourceRowNumber,
				TargetField:  col,
				ErrorType:    models.ErrorTypeTransformation,
				ErrorMessage: fmt.Sprintf("pattern %q did not match", rule.Pattern),
				SourceValue:  logging.TruncateValue(text),
			})
			continue
		}
		for i, outCol := range rule.Outputs {
			if i+1 < len(match) {
				mapped.Values[outCol] = match[i+1]
			} else {
				mapped.Values[outCol] = nil
			}
		}
	}
	return errs
}

func (m *ColumnMapper) splitMultiValue(mapped *models.MappedRecord, rule *models.ColumnTransformRule) []models.MappingError {
	delimiter := rule.Delimiter
	if delimiter == "" {
		delimiter = ","
	}

	columns := rule.Columns
	if len(columns) == 0 {
		columns = []string{rule.TargetColumn}
	}

	for _, col := range columns {
		v := mapped.Values[col]
		if v == nil {
			continue
		}
		text := jsonutil.ScalarString(v)
		parts := strings.Split(text, delimiter)
		if len(parts) <= 1 {
			continue
		}
		idx := rule.KeepIndex
		if idx < 0 || idx >= len(parts) {
			idx = 0
		}
		kept := strings.TrimSpace(parts[idx])
		if kept == text {
			continue
		}
		mapped.Values[col] = kept
		mapped.AddCorrection(col, models.Correction{
			Before:         text,
			After:          kept,
			CorrectionType: models.CorrectionTransformed,
		})
	}
	return nil
}

var nonPhoneChars = regexp.MustCompile(`[^0-9+]`)

func (m *ColumnMapper) standardizePhone(mapped *models.MappedRecord, rule *models.ColumnTransformRule) []models.MappingError {
	var errs []models.MappingError

	for _, col := range rule.Columns {
		v := mapped.Values[col]
		if v == nil {
			continue
		}
		text := jsonutil.ScalarString(v)
		if strings.TrimSpace(text) == "" {
			continue
		}

		standardized, err := standardizePhoneNumber(text)
		if err != nil {
			errs = append(errs, models.MappingError{
				RecordNumber: mapped.SourceRowNumber,
				TargetField:  col,
				ErrorType:    models.ErrorTypeTransformation,
				ErrorMessage: err.Error(),
				SourceValue:  logging.TruncateValue(text),
			})
			mapped.Values[col] = nil
			continue
		}
		if standardized == text {
			continue
		}
		mapped.Values[col] = standardized
		mapped.AddCorrection(col, models.Correction{
			Before:         text,
			After:          standardized,
			CorrectionType: models.CorrectionNormalized,
		})
	}
	return errs
}

// standardizePhoneNumber normalizes to E.164-style digits. Ten digits are
// assumed North American; an existing country prefix is preserved.
func standardizePhoneNumber(text string) (string, error) {
	cleaned := nonPhoneChars.ReplaceAllString(text, "")
	hadPlus := strings.HasPrefix(cleaned, "+")
	digits := strings.ReplaceAll(cleaned, "+", "")

	if len(digits) < 7 {
		return "", fmt.Errorf("value %q has too few digits for a phone number", text)
	}

	switch {
	case hadPlus:
		return "+" + digits, nil
	case len(digits) == 10:
		return "+1" + digits, nil
	case len(digits) == 11 && strings.HasPrefix(digits, "1"):
		return "+" + digits, nil
	default:
		return "+" + digits, nil
	}
}
