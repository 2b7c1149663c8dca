package refdata

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DefaultPrefix is prepended to bare four-digit codes.
const DefaultPrefix = "P"

var codePattern = regexp.MustCompile(`^[PBCU][0-9]{4}$`)

// NormalizeCode trims and uppercases raw, and prefixes DefaultPrefix when
// the result is exactly four digits.
func NormalizeCode(raw string) string {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) == 4 && isDigits(code) {
		code = DefaultPrefix + code
	}
	return code
}

// LooksLikeCode reports whether raw normalizes to a syntactically valid
// trouble code, whether or not the table contains it.
func LooksLikeCode(raw string) bool {
	return codePattern.MatchString(NormalizeCode(raw))
}

// NormalizeText applies NFKC and collapses runs of whitespace.
func NormalizeText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
