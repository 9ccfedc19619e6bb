package query

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	reInt   = regexp.MustCompile(`^[-+]?\d+$`)
	reFloat = regexp.MustCompile(`^[-+]?(\d+\.\d*|\.\d+|\d+)([eE][-+]?\d+)?$`)

	// reEquality matches "column = value" and "column = 'value'", optionally qualified or quoted.
	reEquality = regexp.MustCompile(`(?:^|[^\w."$])(?:(?:"[^"]+"|\w+)\.)?("[^"]+"|\w+)\s*=\s*('(?:[^']|'')*'|[-+]?[\w.]+)`)
)

// ParseLiteral converts a SQL literal expression into a Go value.
// It reports false for anything that is not a plain literal (function calls, column references, arithmetic).
func ParseLiteral(expr string) (any, bool) {
	s := strings.TrimSpace(expr)
	for strings.HasPrefix(s, "(") && matchParen(s, 0) == len(s)-1 {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if i := lastTopLevelCast(s); i > 0 {
		s = strings.TrimSpace(s[:i])
	}
	if s == "" {
		return nil, false
	}

	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		body := s[1 : len(s)-1]
		if strings.Contains(strings.ReplaceAll(body, "''", ""), "'") {
			return nil, false
		}
		return strings.ReplaceAll(body, "''", "'"), true
	}

	switch strings.ToUpper(s) {
	case "NULL":
		return nil, true
	case "TRUE":
		return true, true
	case "FALSE":
		return false, true
	}
	if reInt.MatchString(s) {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
	}
	if reFloat.MatchString(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
	}
	return nil, false
}

// lastTopLevelCast returns the index of a trailing PostgreSQL "::type" cast outside quotes, or -1.
func lastTopLevelCast(s string) int {
	at := -1
	var quote byte
	depth := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
		case ':':
			if depth == 0 && i+1 < len(s) && s[i+1] == ':' {
				at = i
				i++
			}
		}
	}
	return at
}

// Equality is a column = literal condition found in a predicate.
type Equality struct {
	Column string
	Value  any
}

// Equalities extracts every column = literal pair from a predicate.
// It is deliberately permissive: compound conditions, joins and functions yield partial or no matches.
func Equalities(predicate string) []Equality {
	var out []Equality
	for _, m := range reEquality.FindAllStringSubmatch(predicate, -1) {
		v, ok := ParseLiteral(m[2])
		if !ok || v == nil {
			continue
		}
		out = append(out, Equality{Column: strings.Trim(m[1], `"`), Value: v})
	}
	return out
}

// Inline substitutes ?, $n and @name placeholders in q with literal renderings of args.
// The result is meant for audit parsing only and is never executed.
func Inline(q string, args []any) string {
	if len(args) == 0 {
		return q
	}
	named := make(map[string]any)
	positional := make([]any, 0, len(args))
	for _, a := range args {
		if na, ok := a.(sql.NamedArg); ok {
			if na.Name != "" {
				named[strings.ToLower(na.Name)] = na.Value
			}
			positional = append(positional, na.Value)
			continue
		}
		positional = append(positional, a)
	}

	var b strings.Builder
	next := 0
	var quote byte
	for i := 0; i < len(q); i++ {
		c := q[i]
		if quote != 0 {
			b.WriteByte(c)
			if c == quote {
				quote = 0
			}
			continue
		}
		switch {
		case c == '\'' || c == '"':
			quote = c
			b.WriteByte(c)
		case c == '?':
			if next < len(positional) {
				b.WriteString(Literal(positional[next]))
				next++
				continue
			}
			b.WriteByte(c)
		case c == '$' && i+1 < len(q) && isDigit(q[i+1]):
			j := i + 1
			for j < len(q) && isDigit(q[j]) {
				j++
			}
			n, _ := strconv.Atoi(q[i+1 : j])
			if n >= 1 && n <= len(positional) {
				b.WriteString(Literal(positional[n-1]))
				i = j - 1
				continue
			}
			b.WriteByte(c)
		case c == '@' && i+1 < len(q) && isWordByte(q[i+1]):
			j := i + 1
			for j < len(q) && isWordByte(q[j]) {
				j++
			}
			if v, ok := named[strings.ToLower(q[i+1:j])]; ok {
				b.WriteString(Literal(v))
				i = j - 1
				continue
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Literal renders v as a SQL literal.
func Literal(v any) string {
	if vr, ok := v.(driver.Valuer); ok {
		dv, err := vr.Value()
		if err != nil {
			return "NULL"
		}
		v = dv
	}
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return quoteString(x)
	case []byte:
		return quoteString(string(x))
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case int:
		return strconv.Itoa(x)
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", x)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return quoteString(x.Format(time.RFC3339Nano))
	default:
		return quoteString(fmt.Sprint(x))
	}
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
