package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mickamy/txaudit/internal/ident"
)

// SelectByKey renders a single-row SELECT of table filtered by equality on every key column,
// in column name order. placeholder renders the n-th (1-based) bind parameter.
func SelectByKey(table string, key map[string]any, placeholder func(n int) string) (string, []any) {
	names := make([]string, 0, len(key))
	for k := range key {
		names = append(names, k)
	}
	sort.Strings(names)

	conds := make([]string, len(names))
	args := make([]any, len(names))
	for i, k := range names {
		conds[i] = fmt.Sprintf("%s = %s", ident.Quote(k), placeholder(i+1))
		args[i] = key[k]
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE %s LIMIT 1",
		ident.QuoteTable(table), strings.Join(conds, " AND ")), args
}
