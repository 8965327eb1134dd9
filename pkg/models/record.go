package models

// RawRecord is one flat record as produced by a format decoder: an ordered
// mapping of source field name to scalar, tagged with its 1-indexed position
// in the source file. Raw records are never mutated; transformations build
// new records with Clone.
type RawRecord struct {
	Fields          []string       `json:"fields"` // field names in source order
	Values          map[string]any `json:"values"`
	SourceRowNumber int            `json:"source_row_number"`
}

// NewRawRecord builds a record preserving the given field order.
func NewRawRecord(fields []string, values map[string]any, sourceRow int) RawRecord {
	return RawRecord{Fields: fields, Values: values, SourceRowNumber: sourceRow}
}

// Get returns the value of a field and whether the field exists.
func (r RawRecord) Get(field string) (any, bool) {
	v, ok := r.Values[field]
	return v, ok
}

// Clone returns a deep-enough copy: field slice and value map are fresh,
// scalars are shared.
func (r RawRecord) Clone() RawRecord {
	fields := make([]string, len(r.Fields))
	copy(fields, r.Fields)
	values := make(map[string]any, len(r.Values))
	for k, v := range r.Values {
		values[k] = v
	}
	return RawRecord{Fields: fields, Values: values, SourceRowNumber: r.SourceRowNumber}
}

// Set returns a copy of the record with the field set, appending the field
// name to the order when it is new.
func (r RawRecord) Set(field string, value any) RawRecord {
	out := r.Clone()
	if _, exists := out.Values[field]; !exists {
		out.Fields = append(out.Fields, field)
	}
	out.Values[field] = value
	return out
}

// Delete returns a copy of the record without the field.
func (r RawRecord) Delete(field string) RawRecord {
	out := RawRecord{
		Fields:          make([]string, 0, len(r.Fields)),
		Values:          make(map[string]any, len(r.Values)),
		SourceRowNumber: r.SourceRowNumber,
	}
	for _, f := range r.Fields {
		if f == field {
			continue
		}
		out.Fields = append(out.Fields, f)
		if v, ok := r.Values[f]; ok {
			out.Values[f] = v
		}
	}
	return out
}

// CorrectionType classifies how a value changed during mapping.
type CorrectionType string

const (
	CorrectionTypeCast    CorrectionType = "type_cast"   // textual/type representation changed
	CorrectionNormalized  CorrectionType = "normalized"  // shape standardized (dates, phones)
	CorrectionTransformed CorrectionType = "transformed" // column transformation rewrote the value
)

// Correction records a before/after value change made during type coercion
// or transformation. Unchanged values are never recorded.
type Correction struct {
	Before         string         `json:"before"`
	After          string         `json:"after"`
	CorrectionType CorrectionType `json:"correction_type"`
}

// MappedRecord is a record after column selection, transformation, and type
// coercion: ordered target columns plus the provenance needed for row-level
// traceability.
type MappedRecord struct {
	Columns         []string              `json:"columns"` // target columns in schema order
	Values          map[string]any        `json:"values"`
	SourceRowNumber int                   `json:"source_row_number"`
	Corrections     map[string]Correction `json:"corrections,omitempty"`
}

// Get returns the value of a target column.
func (m MappedRecord) Get(column string) any {
	return m.Values[column]
}

// AddCorrection records a value change for a column.
func (m *MappedRecord) AddCorrection(column string, c Correction) {
	if m.Corrections == nil {
		m.Corrections = make(map[string]Correction)
	}
	m.Corrections[column] = c
}
