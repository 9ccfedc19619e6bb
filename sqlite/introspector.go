package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/mickamy/txaudit"
	"github.com/mickamy/txaudit/internal/ident"
	"github.com/mickamy/txaudit/internal/query"
	"github.com/mickamy/txaudit/internal/rowscan"
)

// Introspector reads table metadata from pragma_table_xinfo.
type Introspector struct {
	db *sql.DB
}

func NewIntrospector(db *sql.DB) *Introspector {
	return &Introspector{db: db}
}

// TableColumns returns the columns of table. An unknown table yields empty metadata.
func (i *Introspector) TableColumns(ctx context.Context, table string) (txaudit.Columns, error) {
	q := txaudit.QueryerFromContext(ctx, i.db)
	n, err := ident.Parse(table)
	if err != nil {
		return nil, fmt.Errorf("sqlite: invalid table identifier %q: %w", table, err)
	}

	stmt := `SELECT name, type, dflt_value, pk, hidden FROM pragma_table_xinfo(?)`
	args := []any{n.Table}
	if n.Schema != "" {
		stmt = `SELECT name, type, dflt_value, pk, hidden FROM pragma_table_xinfo(?, ?)`
		args = append(args, n.Schema)
	}
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to read columns of %s: %w", table, err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	cols := txaudit.Columns{}
	for rows.Next() {
		var (
			name, typ  string
			dflt       sql.NullString
			pk, hidden int
		)
		if err := rows.Scan(&name, &typ, &dflt, &pk, &hidden); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan column: %w", err)
		}
		c := txaudit.Column{
			Name:       name,
			Type:       typ,
			PrimaryKey: pk > 0,
			Computed:   hidden == 2 || hidden == 3,
		}
		if dflt.Valid {
			parseDefault(&c, dflt.String)
		}
		cols[name] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// A single INTEGER PRIMARY KEY aliases the rowid.
	if keys := cols.PrimaryKeys(); len(keys) == 1 {
		c := cols[keys[0]]
		if strings.EqualFold(strings.TrimSpace(c.Type), "INTEGER") {
			c.AutoIncrement = true
			cols[keys[0]] = c
		}
	}
	return cols, nil
}

// FetchRow reads the row of table identified by key. A missing row yields an empty Row.
func (i *Introspector) FetchRow(ctx context.Context, table string, key txaudit.Row) (txaudit.Row, error) {
	if len(key) == 0 {
		return txaudit.Row{}, nil
	}
	stmt, args := query.SelectByKey(table, key, func(int) string { return "?" })
	rows, err := txaudit.QueryerFromContext(ctx, i.db).QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to fetch row of %s: %w", table, err)
	}
	m, err := rowscan.One(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to scan row of %s: %w", table, err)
	}
	if m == nil {
		return txaudit.Row{}, nil
	}
	return txaudit.Row(m), nil
}

func parseDefault(c *txaudit.Column, expr string) {
	if v, ok := query.ParseLiteral(expr); ok {
		c.HasDefault = true
		c.Default = v
		return
	}
	c.DefaultExpression = expr
}
