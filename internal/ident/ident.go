package ident

import (
	"errors"
	"strings"
	"unicode"
)

// ErrInvalidName is returned by Parse for empty or over-qualified identifiers.
var ErrInvalidName = errors.New("ident: invalid table name")

// Name is a table identifier with an optional schema (or attached database) qualifier.
type Name struct {
	Schema string
	Table  string
}

// Parse splits a table identifier such as `orders`, `public.orders` or `"Sales"."Order Detail"`.
func Parse(s string) (Name, error) {
	parts := SplitQualified(s)
	switch {
	case len(parts) == 1 && parts[0] != "":
		return Name{Table: parts[0]}, nil
	case len(parts) == 2 && parts[1] != "":
		return Name{Schema: parts[0], Table: parts[1]}, nil
	default:
		return Name{}, ErrInvalidName
	}
}

// Quoted renders n as a quoted SQL identifier.
func (n Name) Quoted() string {
	if n.Schema == "" {
		return Quote(n.Table)
	}
	return Quote(n.Schema) + "." + Quote(n.Table)
}

// SplitQualified splits a potentially qualified identifier into unquoted parts.
// Double quotes and backticks both delimit quoted parts; a doubled delimiter escapes itself.
func SplitQualified(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		parts []string
		buf   strings.Builder
		quote rune
	)
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote == 0 && (r == '"' || r == '`'):
			quote = r
		case quote != 0 && r == quote:
			if i+1 < len(runes) && runes[i+1] == quote {
				buf.WriteRune(r)
				i++
				continue
			}
			quote = 0
		case quote == 0 && r == '.':
			parts = append(parts, strings.TrimSpace(buf.String()))
			buf.Reset()
		default:
			buf.WriteRune(r)
		}
	}
	return append(parts, strings.TrimSpace(buf.String()))
}

// StripAlias drops a trailing alias (`orders o`, `orders AS o`) from a table reference.
func StripAlias(s string) string {
	s = strings.TrimRight(strings.TrimSpace(s), ",")
	var quote rune
	for i, r := range s {
		switch {
		case quote == 0 && (r == '"' || r == '`'):
			quote = r
		case r == quote:
			quote = 0
		case quote == 0 && unicode.IsSpace(r):
			return strings.TrimSpace(s[:i])
		}
	}
	return s
}

// Quote quotes a single identifier part.
func Quote(part string) string {
	return `"` + strings.ReplaceAll(part, `"`, `""`) + `"`
}

// QuoteTable quotes a possibly qualified table name. Unparseable input is quoted as a single part.
func QuoteTable(s string) string {
	n, err := Parse(s)
	if err != nil {
		return Quote(strings.TrimSpace(s))
	}
	return n.Quoted()
}

// BaseTableName returns the unqualified, unquoted table part of s.
func BaseTableName(s string) string {
	parts := SplitQualified(s)
	if len(parts) == 0 {
		return strings.TrimSpace(s)
	}
	return parts[len(parts)-1]
}

// SameTable reports whether two identifiers name the same base table,
// ignoring quoting, qualification and case.
func SameTable(a, b string) bool {
	return strings.EqualFold(BaseTableName(a), BaseTableName(b))
}
