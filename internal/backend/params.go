package backend

import (
	"regexp"
	"strings"
)

// namedParamPattern matches the canonical ":name" placeholder style.
// Names are alphanumeric/underscore.
var namedParamPattern = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)

// TranslateToPositional rewrites a canonical query using ":name"
// placeholders into one using sequential "$1, $2, ..." (pgx) or "?"
// (SQLite) positional placeholders, returning the rewritten query and the
// args in the order the placeholders were encountered. Positional-only
// queries (no ":name" tokens) pass through unchanged.
func TranslateToPositional(query string, named map[string]any, style PositionalStyle) (string, []any) {
	if !strings.Contains(query, ":") || len(named) == 0 {
		return query, nil
	}

	var args []any
	n := 0
	out := namedParamPattern.ReplaceAllStringFunc(query, func(match string) string {
		name := match[1:]
		val, ok := named[name]
		if !ok {
			// Not a recognized bind variable (e.g. "::" casts in postgres
			// or a literal colon) — leave untouched.
			return match
		}
		n++
		args = append(args, val)
		switch style {
		case StyleDollar:
			return dollarPlaceholder(n)
		default:
			return "?"
		}
	})
	return out, args
}

// PositionalStyle selects the native placeholder syntax a backend expects.
type PositionalStyle int

const (
	StyleQuestion PositionalStyle = iota // SQLite, positional "?"
	StyleDollar                          // Postgres, "$1", "$2", ...
)

func dollarPlaceholder(n int) string {
	const digits = "0123456789"
	if n < 10 {
		return "$" + string(digits[n])
	}
	// fall back to generic formatting for large param counts
	buf := []byte{'$'}
	return string(append(buf, []byte(itoa(n))...))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}
