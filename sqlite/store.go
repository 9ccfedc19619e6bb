package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mickamy/txaudit"
	"github.com/mickamy/txaudit/internal/ident"
)

// Store persists audit records in a SQLite table. Times are stored as Unix nanoseconds.
type Store struct {
	db    *sql.DB
	table string
}

// NewStore returns a store writing to table, or txaudit.DefaultAuditTable when empty.
func NewStore(db *sql.DB, table string) *Store {
	if table == "" {
		table = txaudit.DefaultAuditTable
	}
	return &Store{db: db, table: table}
}

const schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    table_name        TEXT NOT NULL,
    operation_type    TEXT NOT NULL,
    primary_key_name  TEXT,
    primary_key_value TEXT,
    old_value         TEXT,
    new_value         TEXT,
    operator          TEXT,
    trace_id          TEXT,
    operate_time      INTEGER NOT NULL,
    remark            TEXT
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s(table_name COLLATE NOCASE, operate_time);
`

// Migrate creates the audit table and its index if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	index := ident.Quote("idx_" + ident.BaseTableName(s.table) + "_table_time")
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(schema, ident.QuoteTable(s.table), index)); err != nil {
		return fmt.Errorf("sqlite: failed to migrate audit table: %w", err)
	}
	return nil
}

func (s *Store) insertSQL() string {
	return fmt.Sprintf(`INSERT INTO %s
    (table_name, operation_type, primary_key_name, primary_key_value, old_value, new_value,
     operator, trace_id, operate_time, remark)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, ident.QuoteTable(s.table))
}

func (s *Store) Save(ctx context.Context, rec txaudit.Record) error {
	if _, err := s.db.ExecContext(ctx, s.insertSQL(), insertArgs(rec)...); err != nil {
		return fmt.Errorf("sqlite: failed to insert audit record: %w", err)
	}
	return nil
}

// SaveAll inserts recs in a single transaction; either all rows are stored or none.
func (s *Store) SaveAll(ctx context.Context, recs []txaudit.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, s.insertSQL())
	if err != nil {
		return fmt.Errorf("sqlite: failed to prepare insert: %w", err)
	}
	defer func(stmt *sql.Stmt) {
		_ = stmt.Close()
	}(stmt)

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx, insertArgs(rec)...); err != nil {
			return fmt.Errorf("sqlite: failed to insert audit record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit audit records: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, q txaudit.Query) (txaudit.Page, error) {
	conds := []string{"table_name = ? COLLATE NOCASE"}
	args := []any{q.Table}
	if !q.Start.IsZero() {
		conds = append(conds, "operate_time >= ?")
		args = append(args, q.Start.UnixNano())
	}
	if !q.End.IsZero() {
		conds = append(conds, "operate_time <= ?")
		args = append(args, q.End.UnixNano())
	}
	where := strings.Join(conds, " AND ")
	table := ident.QuoteTable(s.table)

	var total int
	if err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, table, where), args...).Scan(&total); err != nil {
		return txaudit.Page{}, fmt.Errorf("sqlite: failed to count audit records: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT id, table_name, operation_type, primary_key_name, primary_key_value, old_value, new_value,
       operator, trace_id, operate_time, remark
FROM %s
WHERE %s
ORDER BY operate_time, id
LIMIT ? OFFSET ?`, table, where), append(args, q.PageSize, q.Offset())...)
	if err != nil {
		return txaudit.Page{}, fmt.Errorf("sqlite: failed to query audit records: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var recs []txaudit.Record
	for rows.Next() {
		var (
			r                           txaudit.Record
			op                          string
			pkName, pkValue, oldV, newV sql.NullString
			operator, traceID, remark   sql.NullString
			operateTime                 int64
		)
		if err := rows.Scan(&r.ID, &r.Table, &op, &pkName, &pkValue, &oldV, &newV,
			&operator, &traceID, &operateTime, &remark); err != nil {
			return txaudit.Page{}, fmt.Errorf("sqlite: failed to scan audit record: %w", err)
		}
		r.Op = txaudit.Operation(op)
		r.PrimaryKeyName = pkName.String
		r.PrimaryKeyValue = pkValue.String
		r.OldValue = oldV.String
		r.NewValue = newV.String
		r.Actor = operator.String
		r.TraceID = traceID.String
		r.OccurredAt = time.Unix(0, operateTime).UTC()
		r.Remark = remark.String
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return txaudit.Page{}, err
	}
	return txaudit.NewPage(q, recs, total), nil
}

func (s *Store) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT DISTINCT table_name FROM %s ORDER BY table_name`, ident.QuoteTable(s.table)))
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list audited tables: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func insertArgs(r txaudit.Record) []any {
	return []any{
		r.Table,
		string(r.Op),
		nullable(r.PrimaryKeyName),
		nullable(r.PrimaryKeyValue),
		nullable(r.OldValue),
		nullable(r.NewValue),
		nullable(r.Actor),
		nullable(r.TraceID),
		r.OccurredAt.UnixNano(),
		nullable(r.Remark),
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
