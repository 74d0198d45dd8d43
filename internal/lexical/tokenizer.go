package lexical

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

var swedishLower = cases.Lower(language.Swedish)

// Normalize lowercases with Swedish casing rules and NFC-normalizes a token.
// Combining-character spellings of å/ä/ö collapse to their composed forms.
func Normalize(s string) string {
	return swedishLower.String(norm.NFC.String(s))
}

// Tokenize splits text into normalized tokens, stripping punctuation.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != ':' && r != '§'
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ":")
		if f == "" {
			continue
		}
		tokens = append(tokens, Normalize(f))
	}
	return tokens
}

// Common Swedish compound suffixes used for naive decompounding. Splitting
// "offentlighetsprincipen" into "offentlighets principen" widens recall on
// compound-heavy legal prose.
var compoundSuffixes = []string{
	"lagen", "lagstiftning", "balken", "förordningen", "principen",
	"myndigheten", "nämnden", "domstolen", "skyldighet", "rätten",
	"avgift", "ansökan", "beslut", "prövning",
}

// ExpandCompounds returns the token plus any decompounded parts.
func ExpandCompounds(token string) []string {
	out := []string{token}
	if len(token) < 10 {
		return out
	}
	for _, suffix := range compoundSuffixes {
		if strings.HasSuffix(token, suffix) && len(token) > len(suffix)+3 {
			head := strings.TrimSuffix(token, suffix)
			head = strings.TrimSuffix(head, "s") // binding -s-
			out = append(out, head, suffix)
			break
		}
	}
	return out
}

// Stem applies a light Swedish suffix-stripping stem. It is deliberately
// conservative: only unambiguous inflection endings are removed.
func Stem(token string) string {
	if len(token) <= 4 {
		return token
	}
	for _, suffix := range []string{"ernas", "arnas", "orna", "erna", "arna", "ades", "ande", "erne", "aste", "ade", "are", "ast", "ens", "ets", "en", "ar", "er", "or", "et", "na", "a", "s"} {
		if strings.HasSuffix(token, suffix) && len(token)-len(suffix) >= 4 {
			return token[:len(token)-len(suffix)]
		}
	}
	return token
}
