// Package fingerprint computes the file- and row-level fingerprints used for
// duplicate detection, and the content hashes persisted with row updates.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/rowforge/rowforge-engine/pkg/jsonutil"
)

// keySeparator joins uniqueness-column values into one canonical key.
// An unlikely byte keeps "a|b"+"c" and "a"+"b|c" from colliding.
const keySeparator = '\x1f'

// FileHash returns the SHA-256 hex digest of raw file bytes. It is computed
// on the bytes as received, independent of how they later parse.
func FileHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalKey renders the uniqueness-column values of a record as one
// stable string. Missing and null values render as empty segments.
func CanonicalKey(values map[string]any, columns []string) string {
	var b strings.Builder
	for i, col := range columns {
		if i > 0 {
			b.WriteByte(keySeparator)
		}
		b.WriteString(jsonutil.ScalarString(values[col]))
	}
	return b.String()
}

// RowKey hashes a record's uniqueness tuple into the 64-bit key used by the
// in-memory duplicate sets.
func RowKey(values map[string]any, columns []string) uint64 {
	return xxh3.HashString(CanonicalKey(values, columns))
}

// ContentHash returns the SHA-256 hex digest of a row's values in canonical
// form (sorted column order, stable scalar rendering). It is persisted with
// a RowUpdate and recomputed at rollback time to detect external mutation.
func ContentHash(values map[string]any) string {
	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	canon := make([][2]string, len(cols))
	for i, col := range cols {
		canon[i] = [2]string{col, jsonutil.ScalarString(values[col])}
	}
	payload, _ := json.Marshal(canon)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// KeySet is a set of row keys. Build once from existing rows, share
// read-only across check workers, merge per-chunk results after the join.
type KeySet struct {
	keys map[uint64]int64 // key -> existing row id (0 when unknown)
}

// NewKeySet returns an empty key set with the given capacity hint.
func NewKeySet(capacity int) *KeySet {
	return &KeySet{keys: make(map[uint64]int64, capacity)}
}

// Add inserts a key with its owning row id (0 when the row id is unknown).
func (s *KeySet) Add(key uint64, rowID int64) {
	s.keys[key] = rowID
}

// Lookup returns the row id recorded for a key and whether it is present.
func (s *KeySet) Lookup(key uint64) (int64, bool) {
	id, ok := s.keys[key]
	return id, ok
}

// Contains reports whether a key is present.
func (s *KeySet) Contains(key uint64) bool {
	_, ok := s.keys[key]
	return ok
}

// Len returns the number of keys in the set.
func (s *KeySet) Len() int {
	return len(s.keys)
}

// Merge copies every key from other into s.
func (s *KeySet) Merge(other *KeySet) {
	for k, id := range other.keys {
		s.keys[k] = id
	}
}
