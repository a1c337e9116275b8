package resolver

import (
	"strings"
	"unicode"

	"github.com/JonMunkholm/certledger/internal/keys"
)

// MaxInitials caps the length of a synthesized course id root.
const MaxInitials = 5

var stopWords = map[string]bool{
	"a": true, "al": true, "con": true, "de": true, "del": true, "el": true,
	"en": true, "la": true, "las": true, "lo": true, "los": true, "para": true,
	"por": true, "sobre": true, "un": true, "una": true, "y": true, "e": true,
	"o": true, "u": true,
	"and": true, "for": true, "in": true, "of": true, "on": true, "the": true, "to": true,
}

// Initials builds an uppercase id root from the first letter or digit of
// each significant word in name: "Taller Nuevo" -> "TN",
// "Liderazgo de Mercados" -> "LM". If every word is a stop word the stop
// words are used instead.
func Initials(name string) string {
	words := strings.Fields(keys.Normalize(keys.StripAccents(name)))

	var significant []string
	for _, w := range words {
		if !stopWords[w] {
			significant = append(significant, w)
		}
	}
	if len(significant) == 0 {
		significant = words
	}

	initials := make([]rune, 0, MaxInitials)
	for _, w := range significant {
		if len(initials) == MaxInitials {
			break
		}
		for _, r := range w {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				initials = append(initials, unicode.ToUpper(r))
				break
			}
		}
	}
	return string(initials)
}
