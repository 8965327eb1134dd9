package jsonutil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlexibleStringValue(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"string", `"hello"`, "hello"},
		{"whole number", `42`, "42"},
		{"float number", `42.5`, "42.5"},
		{"whole float", `42.0`, "42"},
		{"boolean true", `true`, "true"},
		{"boolean false", `false`, "false"},
		{"null", `null`, ""},
		{"empty", ``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FlexibleStringValue(json.RawMessage(tt.raw)))
		})
	}
}

func TestScalarString(t *testing.T) {
	assert.Equal(t, "", ScalarString(nil))
	assert.Equal(t, "abc", ScalarString("abc"))
	assert.Equal(t, "7", ScalarString(float64(7)))
	assert.Equal(t, "7.25", ScalarString(7.25))
	assert.Equal(t, "12", ScalarString(12))
	assert.Equal(t, "true", ScalarString(true))
	assert.Equal(t, "9001", ScalarString(json.Number("9001")))
}
