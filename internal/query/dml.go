package query

import (
	"regexp"
	"strings"

	"github.com/mickamy/txaudit/internal/ident"
)

// DML describes a recognized data-changing statement.
type DML struct {
	Op           string // INSERT, UPDATE, DELETE
	Table        string // possibly schema-qualified
	HasReturning bool
	Columns      []string     // INSERT target columns, unquoted
	Values       [][]string   // INSERT VALUES tuples as raw expressions
	Set          []Assignment // UPDATE assignments
	Where        string       // UPDATE/DELETE row-selection condition
}

// Assignment is one column = expression pair of an UPDATE SET list.
type Assignment struct {
	Column string
	Expr   string
}

var (
	reInsert = regexp.MustCompile(`(?is)^\s*(?:with\b.*?\)\s*)?insert\s+into\s+([^\s(]+)`)
	reUpdate = regexp.MustCompile(`(?is)^\s*(?:with\b.*?\)\s*)?update\s+([^\s]+(?:\s+(?:as\s+)?[^\s]+)?)\s+set\b`)
	reDelete = regexp.MustCompile(`(?is)^\s*(?:with\b.*?\)\s*)?delete\s+from\s+([^\s]+(?:\s+(?:as\s+)?[^\s]+)?)`)
)

// ParseDML attempts to recognize a single top-level DML and return its metadata.
func ParseDML(q string) (DML, bool) {
	qs := strings.TrimSpace(q)
	if m := reInsert.FindStringSubmatchIndex(qs); m != nil {
		d := DML{Op: "INSERT", Table: ident.StripAlias(qs[m[2]:m[3]]), HasReturning: hasReturning(qs)}
		d.Columns, d.Values = parseInsert(qs[m[1]:])
		return d, true
	}
	if m := reUpdate.FindStringSubmatchIndex(qs); m != nil {
		d := DML{Op: "UPDATE", Table: ident.StripAlias(qs[m[2]:m[3]]), HasReturning: hasReturning(qs)}
		d.Set, d.Where = parseUpdate(qs[m[1]:])
		return d, true
	}
	if m := reDelete.FindStringSubmatchIndex(qs); m != nil {
		d := DML{Op: "DELETE", Table: ident.StripAlias(qs[m[2]:m[3]]), HasReturning: hasReturning(qs)}
		d.Where = parseWhere(qs[m[2]:])
		return d, true
	}
	return DML{}, false
}

// hasReturning reports a top-level RETURNING clause; the word inside literals does not count.
func hasReturning(q string) bool {
	return findKeyword(q, "returning", 0) >= 0
}

// AppendReturningAll appends "RETURNING *" to the provided statement if non-empty.
// It preserves trailing semicolons by re-attaching them after the RETURNING clause.
func AppendReturningAll(q string) (string, bool) {
	trimmed := strings.TrimSpace(q)
	if trimmed == "" {
		return q, false
	}

	hasSemicolon := false
	for strings.HasSuffix(trimmed, ";") {
		hasSemicolon = true
		trimmed = strings.TrimSpace(trimmed[:len(trimmed)-1])
	}
	if trimmed == "" {
		return q, false
	}

	var b strings.Builder
	b.WriteString(trimmed)
	b.WriteString("\nRETURNING *")
	if hasSemicolon {
		b.WriteString(";")
	}
	return b.String(), true
}

// parseInsert reads the optional column list and the VALUES tuples that follow the target table.
func parseInsert(rest string) ([]string, [][]string) {
	rest = strings.TrimSpace(rest)
	var cols []string
	if strings.HasPrefix(rest, "(") {
		end := matchParen(rest, 0)
		if end < 0 {
			return nil, nil
		}
		for _, c := range splitTopLevel(rest[1:end], ',') {
			cols = append(cols, columnName(c))
		}
		rest = rest[end+1:]
	}

	at := findKeyword(rest, "values", 0)
	if at < 0 {
		return cols, nil
	}
	rest = rest[at+len("values"):]

	var tuples [][]string
	for {
		rest = strings.TrimSpace(rest)
		if !strings.HasPrefix(rest, "(") {
			break
		}
		end := matchParen(rest, 0)
		if end < 0 {
			break
		}
		exprs := splitTopLevel(rest[1:end], ',')
		for i := range exprs {
			exprs[i] = strings.TrimSpace(exprs[i])
		}
		tuples = append(tuples, exprs)
		rest = strings.TrimSpace(rest[end+1:])
		if !strings.HasPrefix(rest, ",") {
			break
		}
		rest = rest[1:]
	}
	return cols, tuples
}

// parseUpdate reads the SET list and WHERE condition that follow the SET keyword.
func parseUpdate(rest string) ([]Assignment, string) {
	end := len(rest)
	for _, kw := range []string{"where", "from", "returning"} {
		if at := findKeyword(rest, kw, 0); at >= 0 && at < end {
			end = at
		}
	}

	var set []Assignment
	for _, item := range splitTopLevel(rest[:end], ',') {
		item = strings.TrimSpace(item)
		if item == "" || strings.HasPrefix(item, "(") {
			continue
		}
		eq := indexTopLevel(item, '=')
		if eq <= 0 {
			continue
		}
		set = append(set, Assignment{
			Column: columnName(item[:eq]),
			Expr:   strings.TrimSpace(item[eq+1:]),
		})
	}
	return set, parseWhere(rest)
}

// parseWhere returns the top-level WHERE condition of s, if any.
func parseWhere(s string) string {
	at := findKeyword(s, "where", 0)
	if at < 0 {
		return ""
	}
	cond := s[at+len("where"):]
	end := len(cond)
	for _, kw := range []string{"returning", "order", "limit"} {
		if i := findKeyword(cond, kw, 0); i >= 0 && i < end {
			end = i
		}
	}
	cond = strings.TrimSpace(cond[:end])
	return strings.TrimSpace(strings.TrimRight(cond, ";"))
}

func columnName(s string) string {
	return ident.BaseTableName(strings.TrimSpace(s))
}

// findKeyword returns the byte offset of the first top-level, whole-word,
// case-insensitive occurrence of kw in s at or after from, or -1.
func findKeyword(s, kw string, from int) int {
	depth := 0
	var quote byte
	for i := from; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
		default:
			if depth != 0 || i+len(kw) > len(s) || !strings.EqualFold(s[i:i+len(kw)], kw) {
				continue
			}
			if i > 0 && isWordByte(s[i-1]) {
				continue
			}
			if i+len(kw) < len(s) && isWordByte(s[i+len(kw)]) {
				continue
			}
			return i
		}
	}
	return -1
}

// matchParen returns the index of the parenthesis closing the one at open, or -1.
func matchParen(s string, open int) int {
	depth := 0
	var quote byte
	for i := open; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitTopLevel splits s on sep occurrences outside quotes and parentheses.
func splitTopLevel(s string, sep byte) []string {
	var out []string
	depth, start := 0, 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
		case sep:
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

func indexTopLevel(s string, b byte) int {
	parts := splitTopLevel(s, b)
	if len(parts) < 2 {
		return -1
	}
	return len(parts[0])
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
