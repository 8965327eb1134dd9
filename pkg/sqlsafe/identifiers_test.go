package sqlsafe

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateIdentifier(t *testing.T) {
	valid := []string{"customers", "order_items", "_staging", "Col2", "a"}
	for _, name := range valid {
		assert.NoError(t, ValidateIdentifier(name), name)
	}

	invalid := []string{
		"",
		"2fast",
		"name with spaces",
		"semi;colon",
		`quo"te`,
		"drop",
		"SELECT",
		strings.Repeat("x", MaxIdentifierLength+1),
		"users; DROP TABLE users--",
	}
	for _, name := range invalid {
		assert.Error(t, ValidateIdentifier(name), name)
	}
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"customers"`, QuoteIdentifier("customers"))
	assert.Equal(t, `"we""ird"`, QuoteIdentifier(`we"ird`))
}

func TestCheckConfigString(t *testing.T) {
	assert.Nil(t, CheckConfigString("error_message", ""))
	assert.Nil(t, CheckConfigString("error_message", "This file was already imported."))

	result := CheckConfigString("error_message", "' OR 1=1 --")
	require.NotNil(t, result)
	assert.Equal(t, "error_message", result.Field)
	assert.NotEmpty(t, result.Fingerprint)
}
