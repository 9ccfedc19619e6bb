package txaudit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mickamy/txaudit/internal/query"
	"github.com/mickamy/txaudit/internal/rowscan"
)

var (
	// ErrTxDone is returned when registering a listener on a finished transaction.
	ErrTxDone = errors.New("txaudit: transaction has already been committed or rolled back")

	errNoInsertID = errors.New("txaudit: LastInsertId is not supported for RETURNING statements")
)

// DB wraps a *sql.DB so that DML executed through it is audited.
type DB struct {
	*sql.DB
	a *Auditor
}

// WrapDB attaches the auditor to a *sql.DB connection.
func (a *Auditor) WrapDB(db *sql.DB) *DB {
	return &DB{DB: db, a: a}
}

// ExecContext executes q outside a transaction. Its audit record is written directly.
func (db *DB) ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return db.a.exec(WithQueryer(ctx, db.DB), db.DB, q, args)
}

// BeginTx starts a wrapped transaction whose audit records are persisted only if it commits.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	t, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: t, a: db.a, id: uuid.NewString()}, nil
}

// Tx wraps a *sql.Tx and implements Transaction.
type Tx struct {
	*sql.Tx
	a  *Auditor
	id string

	mu        sync.Mutex
	done      bool
	listeners []func(Completion)
}

// ID returns the transaction id used to key audit buffers.
func (t *Tx) ID() string { return t.id }

// Active reports whether the transaction has not completed yet.
func (t *Tx) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.done
}

// OnComplete registers fn to run once the transaction commits or rolls back.
func (t *Tx) OnComplete(fn func(Completion)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.listeners = append(t.listeners, fn)
	return nil
}

// Context makes t the ambient transaction of ctx. Use it when reporting changes
// through Auditor.Capture for statements run on t.
func (t *Tx) Context(ctx context.Context) context.Context {
	return WithQueryer(WithTransaction(ctx, t), t.Tx)
}

// ExecContext intercepts ExecContext to capture DML changes.
func (t *Tx) ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return t.a.exec(t.Context(ctx), t.Tx, q, args)
}

// Commit commits the transaction and releases its audit records to the writer.
// A failed commit discards them.
func (t *Tx) Commit() error {
	err := t.Tx.Commit()
	if err != nil && errors.Is(err, sql.ErrTxDone) && !t.Active() {
		return err
	}
	status := Committed
	if err != nil {
		status = Unknown
	}
	t.complete(status)
	return err
}

// Rollback rolls back the transaction and discards its audit records.
func (t *Tx) Rollback() error {
	err := t.Tx.Rollback()
	if err != nil && errors.Is(err, sql.ErrTxDone) && !t.Active() {
		return err
	}
	t.complete(RolledBack)
	return err
}

func (t *Tx) complete(status Completion) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	listeners := t.listeners
	t.listeners = nil
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(status)
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// exec runs q on conn and audits it when it is a recognized DML on an audited table.
// Only the database's own errors are returned.
func (a *Auditor) exec(ctx context.Context, conn execer, q string, args []any) (sql.Result, error) {
	if extractSkip(ctx) {
		return conn.ExecContext(ctx, q, args...)
	}
	dml, ok := query.ParseDML(q)
	if !ok || !a.builder.Audited(dml.Table) {
		return conn.ExecContext(ctx, q, args...)
	}

	muts := a.captureDML(ctx, dml, q, args)

	stmt := q
	returning := dml.HasReturning
	if !returning && a.cfg.ReturningAll && dml.Op != string(OpDelete) {
		stmt, returning = query.AppendReturningAll(q)
	}
	if returning {
		return a.execReturning(ctx, conn, dml, muts, stmt, args)
	}

	res, err := conn.ExecContext(ctx, stmt, args...)
	if err != nil {
		discardAll(muts)
		return res, err
	}
	if n, rerr := res.RowsAffected(); rerr == nil && n == 0 {
		discardAll(muts)
		return res, nil
	}
	if dml.Op == string(OpInsert) && len(muts) == 1 {
		if id, ierr := res.LastInsertId(); ierr == nil && id > 0 {
			muts[0].SetInsertID(id)
		}
	}
	for _, m := range muts {
		m.Finish(ctx)
	}
	return res, nil
}

// execReturning runs a statement with a RETURNING clause; returned rows are authoritative.
func (a *Auditor) execReturning(ctx context.Context, conn execer, dml query.DML, muts []*Mutation, stmt string, args []any) (sql.Result, error) {
	rows, err := conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		discardAll(muts)
		return nil, err
	}
	ms, err := rowscan.All(rows)
	if err != nil {
		discardAll(muts)
		return nil, fmt.Errorf("txaudit: failed to scan rows: %w", err)
	}

	switch {
	case len(ms) == len(muts):
		for i, m := range muts {
			m.SetReturned(ms[i])
			m.Finish(ctx)
		}
	case len(ms) > 0 && len(muts) == 1 && dml.Op != string(OpInsert):
		muts[0].SetReturned(ms[0])
		muts[0].Finish(ctx)
		a.recordReturned(ctx, dml, ms[1:])
	default:
		discardAll(muts)
		a.recordReturned(ctx, dml, ms)
	}
	return returnedRows(len(ms)), nil
}

// recordReturned audits rows for which no change was captured before execution.
func (a *Auditor) recordReturned(ctx context.Context, dml query.DML, rows []map[string]any) {
	for _, row := range rows {
		ch := Change{Table: dml.Table, Op: Operation(dml.Op)}
		if ch.Op == OpDelete {
			ch.Before = row
		} else {
			ch.After = row
		}
		m := a.captureExecuted(ctx, ch)
		m.SetReturned(row)
		m.Finish(ctx)
	}
}

// captureDML builds changes from the statement text, with arguments inlined, and captures them.
func (a *Auditor) captureDML(ctx context.Context, dml query.DML, q string, args []any) []*Mutation {
	if len(args) > 0 {
		if inlined, ok := query.ParseDML(query.Inline(q, args)); ok {
			dml = inlined
		}
	}

	var changes []Change
	switch Operation(dml.Op) {
	case OpInsert:
		if len(dml.Columns) == 0 {
			break
		}
		for _, tuple := range dml.Values {
			if len(tuple) != len(dml.Columns) {
				continue
			}
			after := make(Row, len(tuple))
			for i, col := range dml.Columns {
				after[col] = exprValue(tuple[i])
			}
			changes = append(changes, Change{Table: dml.Table, Op: OpInsert, After: after})
		}
	case OpUpdate:
		after := make(Row, len(dml.Set))
		for _, s := range dml.Set {
			after[s.Column] = exprValue(s.Expr)
		}
		changes = append(changes, Change{Table: dml.Table, Op: OpUpdate, Predicate: dml.Where, After: after})
	case OpDelete:
		changes = append(changes, Change{Table: dml.Table, Op: OpDelete, Predicate: dml.Where})
	}

	muts := make([]*Mutation, 0, len(changes))
	for _, ch := range changes {
		if m := a.Capture(ctx, ch); m != nil {
			muts = append(muts, m)
		}
	}
	return muts
}

// exprValue returns the literal value of expr, or a placeholder resolved after execution.
func exprValue(expr string) any {
	if v, ok := query.ParseLiteral(expr); ok {
		return v
	}
	return Deferred{Expr: expr}
}

func discardAll(muts []*Mutation) {
	for _, m := range muts {
		m.Discard()
	}
}

// returnedRows is the sql.Result of a statement executed through QueryContext.
type returnedRows int64

func (returnedRows) LastInsertId() (int64, error) { return 0, errNoInsertID }

func (n returnedRows) RowsAffected() (int64, error) { return int64(n), nil }
