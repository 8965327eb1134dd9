package transform

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rowforge/rowforge-engine/pkg/models"
)

func mapperConfig() *models.MappingConfig {
	return &models.MappingConfig{
		TableName: "contacts",
		Schema: []models.SchemaColumn{
			{Name: "email", Type: models.TypeText},
			{Name: "age", Type: models.TypeInteger},
			{Name: "signup_date", Type: models.TypeTimestamp},
			{Name: "active", Type: models.TypeBoolean},
		},
		Mappings: map[string]string{
			"email":       "Email",
			"age":         "Age",
			"signup_date": "SignupDate",
			"active":      "Active",
		},
	}
}

func TestMap_SelectsAndCoerces(t *testing.T) {
	m := NewColumnMapper(zap.NewNop())

	records := []models.RawRecord{
		rawRecord(1, "Email", "a@x.com", "Age", "30", "SignupDate", "03/05/2024", "Active", "yes"),
	}

	out, errs := m.Map(records, mapperConfig())
	require.Empty(t, errs)
	require.Len(t, out, 1)

	rec := out[0]
	assert.Equal(t, "a@x.com", rec.Get("email"))
	assert.Equal(t, int64(30), rec.Get("age"))
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), rec.Get("signup_date"))
	assert.Equal(t, true, rec.Get("active"))
	assert.Equal(t, 1, rec.SourceRowNumber)

	// Coercions that changed representation are recorded; text that did not
	// change is not.
	assert.Contains(t, rec.Corrections, "age")
	assert.Contains(t, rec.Corrections, "signup_date")
	assert.Contains(t, rec.Corrections, "active")
	assert.NotContains(t, rec.Corrections, "email")
}

func TestMap_MissingSourceFieldBecomesNull(t *testing.T) {
	m := NewColumnMapper(zap.NewNop())

	records := []models.RawRecord{
		rawRecord(1, "Email", "a@x.com"),
	}

	out, errs := m.Map(records, mapperConfig())
	require.Empty(t, errs, "a missing source field is null, not an error")
	assert.Nil(t, out[0].Get("age"))
	assert.Nil(t, out[0].Get("signup_date"))
}

func TestMap_CoercionFailureNeverDropsRows(t *testing.T) {
	m := NewColumnMapper(zap.NewNop())

	records := make([]models.RawRecord, 0, 10)
	for i := 1; i <= 10; i++ {
		age := "30"
		if i%2 == 0 {
			age = "not-a-number"
		}
		records = append(records, rawRecord(i, "Email", fmt.Sprintf("u%d@x.com", i), "Age", age))
	}

	out, errs := m.Map(records, mapperConfig())
	require.Len(t, out, 10, "row count in equals row count out")
	require.Len(t, errs, 5, "exactly one error per failed field")

	for i, rec := range out {
		if (i+1)%2 == 0 {
			assert.Nil(t, rec.Get("age"))
		} else {
			assert.Equal(t, int64(30), rec.Get("age"))
		}
	}

	for _, e := range errs {
		assert.Equal(t, models.ErrorTypeCoercion, e.ErrorType)
		assert.Equal(t, "Age", e.SourceField)
		assert.Equal(t, "age", e.TargetField)
		assert.Equal(t, "not-a-number", e.SourceValue)
	}
}

func TestMap_UnmappedTargetReadsItsOwnName(t *testing.T) {
	m := NewColumnMapper(zap.NewNop())

	// Row transformations emit columns under their target names; those are
	// picked up without an explicit mapping entry.
	cfg := &models.MappingConfig{
		TableName: "contacts",
		Schema:    []models.SchemaColumn{{Name: "email", Type: models.TypeText}},
		Mappings:  map[string]string{},
	}
	records := []models.RawRecord{rawRecord(1, "email", "a@x.com")}

	out, errs := m.Map(records, cfg)
	require.Empty(t, errs)
	assert.Equal(t, "a@x.com", out[0].Get("email"))
}

func TestColumnTransform_MergeColumns(t *testing.T) {
	m := NewColumnMapper(zap.NewNop())

	cfg := &models.MappingConfig{
		TableName: "contacts",
		Schema: []models.SchemaColumn{
			{Name: "first", Type: models.TypeText},
			{Name: "last", Type: models.TypeText},
			{Name: "full_name", Type: models.TypeText},
		},
		Mappings: map[string]string{"first": "First", "last": "Last"},
		ColumnTransformations: []models.ColumnTransformRule{{
			Type:          models.ColumnTransformMergeColumns,
			SourceColumns: []string{"first", "last"},
			Separator:     " ",
			TargetColumn:  "full_name",
		}},
	}
	records := []models.RawRecord{rawRecord(1, "First", "Ada", "Last", "Lovelace")}

	out, errs := m.Map(records, cfg)
	require.Empty(t, errs)
	assert.Equal(t, "Ada Lovelace", out[0].Get("full_name"))
	assert.Contains(t, out[0].Corrections, "full_name")
}

func TestColumnTransform_StandardizePhone(t *testing.T) {
	m := NewColumnMapper(zap.NewNop())

	cfg := &models.MappingConfig{
		TableName: "contacts",
		Schema:    []models.SchemaColumn{{Name: "phone", Type: models.TypeText}},
		Mappings:  map[string]string{"phone": "Phone"},
		ColumnTransformations: []models.ColumnTransformRule{{
			Type:    models.ColumnTransformStandardizePhone,
			Columns: []string{"phone"},
		}},
	}

	tests := []struct {
		in   string
		want any
	}{
		{"(555) 123-4567", "+15551234567"},
		{"555.123.4567", "+15551234567"},
		{"+44 20 7946 0958", "+442079460958"},
		{"1-555-123-4567", "+15551234567"},
	}
	for _, tt := range tests {
		out, errs := m.Map([]models.RawRecord{rawRecord(1, "Phone", tt.in)}, cfg)
		require.Empty(t, errs, tt.in)
		assert.Equal(t, tt.want, out[0].Get("phone"), tt.in)
		correction := out[0].Corrections["phone"]
		assert.Equal(t, models.CorrectionNormalized, correction.CorrectionType)
	}

	// Too few digits: null + one error, row kept.
	out, errs := m.Map([]models.RawRecord{rawRecord(1, "Phone", "call me")}, cfg)
	require.Len(t, out, 1)
	require.Len(t, errs, 1)
	assert.Nil(t, out[0].Get("phone"))
}

func TestColumnTransform_SplitMultiValue(t *testing.T) {
	m := NewColumnMapper(zap.NewNop())

	cfg := &models.MappingConfig{
		TableName: "contacts",
		Schema:    []models.SchemaColumn{{Name: "tag", Type: models.TypeText}},
		Mappings:  map[string]string{"tag": "Tags"},
		ColumnTransformations: []models.ColumnTransformRule{{
			Type:      models.ColumnTransformSplitMultiValue,
			Columns:   []string{"tag"},
			Delimiter: ";",
		}},
	}
	records := []models.RawRecord{rawRecord(1, "Tags", "alpha; beta; gamma")}

	out, errs := m.Map(records, cfg)
	require.Empty(t, errs)
	assert.Equal(t, "alpha", out[0].Get("tag"))
}

func TestColumnTransform_RunInDeclaredOrder(t *testing.T) {
	m := NewColumnMapper(zap.NewNop())

	cfg := &models.MappingConfig{
		TableName: "contacts",
		Schema:    []models.SchemaColumn{{Name: "code", Type: models.TypeText}},
		Mappings:  map[string]string{"code": "Code"},
		ColumnTransformations: []models.ColumnTransformRule{
			{
				Type: models.ColumnTransformRegexReplace, Pattern: `-`, Replacement: "_",
				Columns: []string{"code"},
			},
			{
				Type: models.ColumnTransformRegexReplace, Pattern: `_`, Replacement: ".",
				Columns: []string{"code"},
			},
		},
	}
	records := []models.RawRecord{rawRecord(1, "Code", "a-b")}

	out, _ := m.Map(records, cfg)
	assert.Equal(t, "a.b", out[0].Get("code"), "second rule sees the first rule's output")
}
