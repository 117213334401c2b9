package ranking

import (
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "have": {}, "in": {}, "into": {}, "is": {}, "it": {},
	"its": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {}, "their": {}, "this": {},
	"to": {}, "was": {}, "we": {}, "were": {}, "which": {}, "with": {}, "our": {}, "these": {},
	"using": {}, "via": {}, "can": {}, "not": {}, "but": {}, "also": {}, "than": {}, "such": {},
}

// Tokenize lowercases text, splits it on anything that is not a letter or a
// digit and drops stopwords.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}
