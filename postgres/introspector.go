// Package postgres provides a schema introspector and an audit store for PostgreSQL.
// The introspector runs on database/sql (typically the pgx stdlib driver) so it can read
// through the caller's transaction; the store uses a dedicated pgx pool.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mickamy/txaudit"
	"github.com/mickamy/txaudit/internal/ident"
	"github.com/mickamy/txaudit/internal/query"
	"github.com/mickamy/txaudit/internal/rowscan"
)

// DefaultSchema is assumed for unqualified table names.
const DefaultSchema = "public"

var reNextval = regexp.MustCompile(`(?i)^\s*nextval\s*\(`)

// Introspector reads column metadata from information_schema.
type Introspector struct {
	db *sql.DB
}

func NewIntrospector(db *sql.DB) *Introspector {
	return &Introspector{db: db}
}

// TableColumns returns the columns of table. Primary keys are reported by PrimaryKeys.
func (i *Introspector) TableColumns(ctx context.Context, table string) (txaudit.Columns, error) {
	schema, name, err := splitTable(table)
	if err != nil {
		return nil, err
	}
	var cols txaudit.Columns
	err = i.read(ctx, func(q txaudit.Queryer) error {
		cols, err = readColumns(ctx, q, schema, name)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to read columns of %s: %w", table, err)
	}
	return cols, nil
}

func readColumns(ctx context.Context, q txaudit.Queryer, schema, name string) (txaudit.Columns, error) {
	rows, err := q.QueryContext(ctx, `
SELECT column_name, data_type, column_default, is_identity, is_generated, generation_expression
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position
`, schema, name)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	cols := txaudit.Columns{}
	for rows.Next() {
		var (
			col, typ, identity, generated string
			dflt, expr                    sql.NullString
		)
		if err := rows.Scan(&col, &typ, &dflt, &identity, &generated, &expr); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		c := txaudit.Column{
			Name:          col,
			Type:          typ,
			AutoIncrement: identity == "YES",
			Computed:      generated == "ALWAYS",
			Expression:    expr.String,
		}
		if dflt.Valid {
			parseDefault(&c, dflt.String)
		}
		cols[col] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cols, nil
}

// PrimaryKeys returns the primary-key columns of table in key order.
func (i *Introspector) PrimaryKeys(ctx context.Context, table string) ([]string, error) {
	schema, name, err := splitTable(table)
	if err != nil {
		return nil, err
	}
	var keys []string
	err = i.read(ctx, func(q txaudit.Queryer) error {
		keys, err = readPrimaryKeys(ctx, q, schema, name)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to read primary key of %s: %w", table, err)
	}
	return keys, nil
}

func readPrimaryKeys(ctx context.Context, q txaudit.Queryer, schema, name string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name
 AND kcu.table_schema = tc.table_schema
 AND kcu.table_name = tc.table_name
WHERE tc.constraint_type = 'PRIMARY KEY'
  AND tc.table_schema = $1
  AND tc.table_name = $2
ORDER BY kcu.ordinal_position
`, schema, name)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// FetchRow reads the row of table identified by key. A missing row yields an empty Row.
func (i *Introspector) FetchRow(ctx context.Context, table string, key txaudit.Row) (txaudit.Row, error) {
	if len(key) == 0 {
		return txaudit.Row{}, nil
	}
	stmt, args := query.SelectByKey(table, key, func(n int) string { return "$" + strconv.Itoa(n) })
	var m map[string]any
	err := i.read(ctx, func(q txaudit.Queryer) error {
		rows, err := q.QueryContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		m, err = rowscan.One(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to fetch row of %s: %w", table, err)
	}
	if m == nil {
		return txaudit.Row{}, nil
	}
	return txaudit.Row(m), nil
}

// parseDefault classifies a column_default expression: sequences mark auto-increment,
// literals become declared defaults, anything else is evaluated by the server.
func parseDefault(c *txaudit.Column, expr string) {
	if reNextval.MatchString(expr) {
		c.AutoIncrement = true
		c.DefaultExpression = expr
		return
	}
	if v, ok := query.ParseLiteral(expr); ok {
		c.HasDefault = true
		c.Default = v
		return
	}
	c.DefaultExpression = expr
}

// savepoint is the savepoint audit reads run under inside a caller's transaction.
const savepoint = "txaudit_read"

// execQueryer is a queryer that can also run statements, such as *sql.Tx.
type execQueryer interface {
	txaudit.Queryer
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// read runs fn on the ambient queryer. Inside a transaction fn runs under a savepoint so
// that a failed audit read does not abort the caller's transaction.
func (i *Introspector) read(ctx context.Context, fn func(q txaudit.Queryer) error) error {
	q := txaudit.QueryerFromContext(ctx, i.db)
	tx, ok := q.(execQueryer)
	if _, isDB := q.(*sql.DB); !ok || isDB {
		return fn(q)
	}
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(tx); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		_, _ = tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint)
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func splitTable(table string) (schema, name string, err error) {
	n, err := ident.Parse(table)
	if err != nil {
		return "", "", fmt.Errorf("postgres: unsupported identifier %q: %w", strings.TrimSpace(table), err)
	}
	if n.Schema == "" {
		n.Schema = DefaultSchema
	}
	return n.Schema, n.Table, nil
}
