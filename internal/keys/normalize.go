// Package keys folds loosely typed course references and spreadsheet headers
// into comparable canonical keys.
//
// Every matching decision in the resolver and the importer goes through this
// package, so two spellings that fold to the same key are treated as equal
// everywhere.
package keys

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// parenthetical matches "(...)" groups, which carry annotations such as
// "(opcional)" or "(2025)" that must not affect comparison.
var parenthetical = regexp.MustCompile(`\([^)]*\)`)

// Normalize folds a raw reference into its canonical key.
//
// It lowercases, drops parenthetical content, removes every rune that is not
// a letter, digit or whitespace, and collapses whitespace runs to a single
// space. Normalize is total and idempotent.
func Normalize(raw string) string {
	s := strings.ToLower(raw)
	s = parenthetical.ReplaceAllString(s, " ")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// StripAccents removes combining marks ("Año" -> "Ano", "Edición" -> "Edicion").
// Input that cannot be transformed is returned unchanged.
func StripAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// FoldHeader is Normalize applied after accent stripping. Spreadsheet headers
// and enum cells are compared with it; course names and codes are not.
func FoldHeader(s string) string {
	return Normalize(StripAccents(s))
}

// Segments splits a course or certificate code on '-' and trims each part.
func Segments(code string) []string {
	parts := strings.Split(strings.TrimSpace(code), "-")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// JoinSegments is the inverse of Segments.
func JoinSegments(parts []string) string {
	return strings.Join(parts, "-")
}
