// Package queryhash normalizes SQL query text and derives the stable digest
// used to key embeddings and to deduplicate queries across formatting
// differences (whitespace, case).
package queryhash

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Normalize trims, lowercases, and collapses internal whitespace runs to a
// single space. It is idempotent: Normalize(Normalize(s)) == Normalize(s).
func Normalize(query string) string {
	lower := strings.ToLower(strings.TrimSpace(query))
	return strings.Join(strings.Fields(lower), " ")
}

// Hash returns the hexadecimal xxhash64 digest of the normalized query
// text. Two queries that normalize to the same text always hash identically.
func Hash(query string) string {
	sum := xxhash.Sum64String(Normalize(query))
	return strconv.FormatUint(sum, 16)
}
