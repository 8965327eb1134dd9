package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rowforge/rowforge-engine/pkg/jsonutil"
	"github.com/rowforge/rowforge-engine/pkg/models"
)

// timestampLayouts are tried in order. ISO forms first, then common US
// forms, then named-month forms.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006 15:04:05",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"02 January 2006",
}

var currencyReplacer = strings.NewReplacer("$", "", "€", "", "£", "", ",", "", " ", "")

// Coerce converts a raw scalar to a target column's semantic type. It
// returns the coerced value and, when the textual representation changed or
// a string input became a typed value, a correction describing before/after.
// A nil value passes through untouched.
// On failure the caller nulls the field and records a mapping error; the row
// itself is never dropped.
func Coerce(value any, target models.ColumnType) (any, *models.Correction, error) {
	if value == nil {
		return nil, nil, nil
	}

	before := jsonutil.ScalarString(value)

	var (
		out any
		err error
	)
	switch target {
	case models.TypeInteger:
		out, err = coerceInteger(value, before)
	case models.TypeDecimal:
		out, err = coerceDecimal(value, before)
	case models.TypeTimestamp:
		out, err = coerceTimestamp(value, before)
	case models.TypeBoolean:
		out, err = coerceBoolean(before)
	case models.TypeText:
		out = before
	default:
		return nil, nil, fmt.Errorf("unknown column type %q", target)
	}
	if err != nil {
		return nil, nil, err
	}

	after := jsonutil.ScalarString(out)
	_, wasText := value.(string)
	_, isText := out.(string)
	// "42" becoming int64(42) renders identically but is still a cast:
	// the stored type changed even though the text did not.
	if after == before && (!wasText || isText) {
		return out, nil, nil
	}

	ctype := models.CorrectionTypeCast
	if target == models.TypeTimestamp {
		ctype = models.CorrectionNormalized
	}
	return out, &models.Correction{Before: before, After: after, CorrectionType: ctype}, nil
}

func coerceInteger(value any, text string) (any, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("non-whole number %v cannot become INTEGER", v)
		}
		return int64(v), nil
	case bool:
		return nil, fmt.Errorf("boolean cannot become INTEGER")
	}

	stripped := currencyReplacer.Replace(strings.TrimSpace(text))
	if stripped == "" {
		return nil, fmt.Errorf("empty value cannot become INTEGER")
	}
	if i, err := strconv.ParseInt(stripped, 10, 64); err == nil {
		return i, nil
	}
	// Accept whole-valued floats like "1.0"; reject anything fractional.
	f, err := strconv.ParseFloat(stripped, 64)
	if err != nil {
		return nil, fmt.Errorf("value %q is not numeric", text)
	}
	if f != math.Trunc(f) {
		return nil, fmt.Errorf("value %q is not a whole number", text)
	}
	return int64(f), nil
}

func coerceDecimal(value any, text string) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case bool:
		return nil, fmt.Errorf("boolean cannot become DECIMAL")
	}

	stripped := currencyReplacer.Replace(strings.TrimSpace(text))
	if stripped == "" {
		return nil, fmt.Errorf("empty value cannot become DECIMAL")
	}
	f, err := strconv.ParseFloat(stripped, 64)
	if err != nil {
		return nil, fmt.Errorf("value %q is not numeric", text)
	}
	return f, nil
}

// coerceTimestamp normalizes any recognized layout to a UTC instant. It
// renders as ISO 8601 wherever the value becomes text again.
func coerceTimestamp(value any, text string) (any, error) {
	if t, ok := value.(time.Time); ok {
		return t.UTC(), nil
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("empty value cannot become TIMESTAMP")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.UTC(), nil
		}
	}
	return nil, fmt.Errorf("value %q does not match any known timestamp format", text)
}

func coerceBoolean(text string) (any, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "true", "yes", "1", "t":
		return true, nil
	case "false", "no", "0", "f":
		return false, nil
	default:
		return nil, fmt.Errorf("value %q is not a recognized boolean", text)
	}
}
