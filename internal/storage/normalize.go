package storage

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeString folds s for accent and case insensitive matching:
// lower case, whitespace runs collapsed to one space, combining marks
// stripped after canonical decomposition.
func NormalizeString(s string) string {
	s = strings.Join(strings.Fields(strings.ToLower(s)), " ")
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn))), s)
	if err != nil {
		return s
	}
	return folded
}
