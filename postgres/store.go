package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mickamy/txaudit"
	"github.com/mickamy/txaudit/internal/ident"
)

// Store persists audit records through a pgx pool.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

// NewStore returns a store writing to table, or txaudit.DefaultAuditTable when empty.
func NewStore(pool *pgxpool.Pool, table string) *Store {
	if table == "" {
		table = txaudit.DefaultAuditTable
	}
	return &Store{pool: pool, table: table}
}

// Migrate creates the audit table and its index if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	table := ident.QuoteTable(s.table)
	index := ident.Quote("idx_" + ident.BaseTableName(s.table) + "_table_time")
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id                BIGSERIAL PRIMARY KEY,
    table_name        TEXT NOT NULL,
    operation_type    TEXT NOT NULL,
    primary_key_name  TEXT,
    primary_key_value TEXT,
    old_value         JSONB,
    new_value         JSONB,
    operator          TEXT,
    trace_id          TEXT,
    operate_time      TIMESTAMPTZ NOT NULL,
    remark            TEXT
)`, table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: failed to create audit table: %w", err)
	}
	stmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (lower(table_name), operate_time)`, index, table)
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("postgres: failed to create audit index: %w", err)
	}
	return nil
}

func (s *Store) insertSQL() string {
	return fmt.Sprintf(`
INSERT INTO %s (table_name, operation_type, primary_key_name, primary_key_value,
                old_value, new_value, operator, trace_id, operate_time, remark)
VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, $9, $10)
`, ident.QuoteTable(s.table))
}

func (s *Store) Save(ctx context.Context, rec txaudit.Record) error {
	if _, err := s.pool.Exec(ctx, s.insertSQL(), insertArgs(rec)...); err != nil {
		return fmt.Errorf("postgres: failed to insert audit record: %w", err)
	}
	return nil
}

// SaveAll sends recs as one batch inside a transaction; either all rows are stored or none.
func (s *Store) SaveAll(ctx context.Context, recs []txaudit.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	stmt := s.insertSQL()
	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(stmt, insertArgs(rec)...)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: failed to insert audit records: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: failed to commit audit records: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, q txaudit.Query) (txaudit.Page, error) {
	where, args := queryFilter(q)
	table := ident.QuoteTable(s.table)

	var total int
	if err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, table, where), args...).Scan(&total); err != nil {
		return txaudit.Page{}, fmt.Errorf("postgres: failed to count audit records: %w", err)
	}

	n := len(args)
	args = append(args, q.PageSize, q.Offset())
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT id, table_name, operation_type, primary_key_name, primary_key_value,
       old_value::text, new_value::text, operator, trace_id, operate_time, remark
FROM %s
WHERE %s
ORDER BY operate_time, id
LIMIT $%d OFFSET $%d`, table, where, n+1, n+2), args...)
	if err != nil {
		return txaudit.Page{}, fmt.Errorf("postgres: failed to query audit records: %w", err)
	}
	defer rows.Close()

	var recs []txaudit.Record
	for rows.Next() {
		var (
			r                           txaudit.Record
			op                          string
			pkName, pkValue, oldV, newV *string
			operator, traceID, remark   *string
		)
		if err := rows.Scan(&r.ID, &r.Table, &op, &pkName, &pkValue, &oldV, &newV,
			&operator, &traceID, &r.OccurredAt, &remark); err != nil {
			return txaudit.Page{}, fmt.Errorf("postgres: failed to scan audit record: %w", err)
		}
		r.Op = txaudit.Operation(op)
		r.PrimaryKeyName = deref(pkName)
		r.PrimaryKeyValue = deref(pkValue)
		r.OldValue = deref(oldV)
		r.NewValue = deref(newV)
		r.Actor = deref(operator)
		r.TraceID = deref(traceID)
		r.Remark = deref(remark)
		r.OccurredAt = r.OccurredAt.UTC()
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return txaudit.Page{}, err
	}
	return txaudit.NewPage(q, recs, total), nil
}

func (s *Store) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT DISTINCT table_name FROM %s ORDER BY table_name`, ident.QuoteTable(s.table)))
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list audited tables: %w", err)
	}
	tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to scan audited tables: %w", err)
	}
	return tables, nil
}

// queryFilter renders the WHERE clause of q with numbered placeholders.
func queryFilter(q txaudit.Query) (string, []any) {
	conds := []string{"lower(table_name) = lower($1)"}
	args := []any{q.Table}
	if !q.Start.IsZero() {
		args = append(args, q.Start)
		conds = append(conds, "operate_time >= $"+strconv.Itoa(len(args)))
	}
	if !q.End.IsZero() {
		args = append(args, q.End)
		conds = append(conds, "operate_time <= $"+strconv.Itoa(len(args)))
	}
	return strings.Join(conds, " AND "), args
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
		r.OccurredAt,
		nullable(r.Remark),
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
