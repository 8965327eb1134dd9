// Package sqlsafe validates and quotes the identifiers and free-text strings
// that arrive inside a mapping config before they are interpolated into DDL.
// Mapping configs may be machine-generated upstream, so nothing from a config
// reaches a SQL statement without passing through this package.
package sqlsafe

import (
	"fmt"
	"regexp"
	"strings"

	libinjection "github.com/corazawaf/libinjection-go"
)

// MaxIdentifierLength matches the PostgreSQL identifier limit.
const MaxIdentifierLength = 63

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// reservedWords is the subset of reserved words that commonly collide with
// user-supplied table or column names. DDL always quotes identifiers, but
// rejecting these early gives a clearer error than a syntax failure later.
var reservedWords = map[string]struct{}{
	"select": {}, "insert": {}, "update": {}, "delete": {}, "drop": {},
	"create": {}, "alter": {}, "table": {}, "where": {}, "from": {},
	"join": {}, "union": {}, "grant": {}, "revoke": {}, "truncate": {},
}

// ValidateIdentifier checks that a table or column name is a safe SQL
// identifier: letters, digits, underscores, not starting with a digit,
// within the length limit, and not a reserved word.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier is empty")
	}
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("identifier %q exceeds %d characters", name, MaxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("identifier %q contains invalid characters", name)
	}
	if _, ok := reservedWords[strings.ToLower(name)]; ok {
		return fmt.Errorf("identifier %q is a reserved word", name)
	}
	return nil
}

// QuoteIdentifier double-quotes an identifier for interpolation into DDL.
// Callers must validate the identifier first; quoting is belt and braces.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// InjectionCheckResult describes a config string that failed screening.
type InjectionCheckResult struct {
	Field       string
	Fingerprint string
}

// CheckConfigString screens a free-text config value (for example a custom
// duplicate error message) for SQL injection patterns. Returns nil when the
// value is clean.
func CheckConfigString(field, value string) *InjectionCheckResult {
	if value == "" {
		return nil
	}
	isSQLi, fingerprint := libinjection.IsSQLi(value)
	if !isSQLi {
		return nil
	}
	return &InjectionCheckResult{
		Field:       field,
		Fingerprint: string(fingerprint),
	}
}
