// Package search holds the query and the matching rules shared by both scan
// lanes.
package search

import (
	"bytes"
	"errors"
	"strings"
	"unicode"
)

// ErrEmptyQuery is returned for a blank search text.
var ErrEmptyQuery = errors.New("search text cannot be empty")

// MaxFileNameRunes caps the query-derived part of output file names.
const MaxFileNameRunes = 50

// Comparison is the set of comparisons that matched a payload.
type Comparison uint8

const (
	// ByText is case-insensitive containment in the UTF-8 decoded payload.
	ByText Comparison = 1 << iota
	// ByBytes is exact containment of the UTF-8 encoded query.
	ByBytes
	// ByFoldedBytes is containment of the lowercased query in the payload
	// with ASCII letters folded to lower case.
	ByFoldedBytes
)

// Matched reports whether any comparison matched.
func (c Comparison) Matched() bool { return c != 0 }

func (c Comparison) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	if c&ByText != 0 {
		parts = append(parts, "text")
	}
	if c&ByBytes != 0 {
		parts = append(parts, "bytes")
	}
	if c&ByFoldedBytes != 0 {
		parts = append(parts, "folded")
	}
	return strings.Join(parts, "|")
}

// Query is a validated search text with its precomputed forms.
type Query struct {
	text       string
	lower      string
	textBytes  []byte
	lowerBytes []byte
}

// NewQuery validates text. The text is used as given; callers trim
// interactive input themselves.
func NewQuery(text string) (*Query, error) {
	if text == "" {
		return nil, ErrEmptyQuery
	}
	lower := strings.ToLower(text)
	return &Query{
		text:       text,
		lower:      lower,
		textBytes:  []byte(text),
		lowerBytes: []byte(lower),
	}, nil
}

// String returns the query as entered.
func (q *Query) String() string { return q.text }

// MatchPayload runs the three payload comparisons against raw.
func (q *Query) MatchPayload(raw []byte) Comparison {
	var c Comparison
	if strings.Contains(strings.ToLower(strings.ToValidUTF8(string(raw), "")), q.lower) {
		c |= ByText
	}
	if bytes.Contains(raw, q.textBytes) {
		c |= ByBytes
	}
	if bytes.Contains(foldASCII(raw), q.lowerBytes) {
		c |= ByFoldedBytes
	}
	return c
}

// MatchLiteral reports whether a sanitized string literal contains the query,
// ignoring case.
func (q *Query) MatchLiteral(literal string) bool {
	return strings.Contains(strings.ToLower(literal), q.lower)
}

// foldASCII returns a copy of b with ASCII upper-case letters lowered. Other
// bytes are left alone so invalid UTF-8 keeps its length.
func foldASCII(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}

var sanitizer = strings.NewReplacer("\n", `\n`, "\r", `\r`, "\t", `\t`)

// Sanitize escapes newline, carriage return and tab as two-character
// sequences. It is idempotent.
func Sanitize(s string) string {
	return sanitizer.Replace(s)
}

// SafeFileName keeps letters, digits, spaces, underscores and hyphens of s,
// replaces every other rune with an underscore and caps the result at
// MaxFileNameRunes runes.
func SafeFileName(s string) string {
	var b strings.Builder
	n := 0
	for _, r := range s {
		if n == MaxFileNameRunes {
			break
		}
		if unicode.IsLetter(r) || unicode.IsNumber(r) || r == ' ' || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		n++
	}
	return b.String()
}
