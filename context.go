package txaudit

import (
	"context"
	"database/sql"
)

type (
	metaKey    struct{}
	skipKey    struct{}
	txKey      struct{}
	queryerKey struct{}
)

// WithOperator sets the actor recorded for changes made under ctx.
func WithOperator(ctx context.Context, v string) context.Context {
	return withMeta(ctx, func(m *meta) { m.operator = v })
}

// WithTraceID attaches a trace identifier.
func WithTraceID(ctx context.Context, v string) context.Context {
	return withMeta(ctx, func(m *meta) { m.traceID = v })
}

// WithReason attaches a human-readable reason, stored as the record remark.
func WithReason(ctx context.Context, v string) context.Context {
	return withMeta(ctx, func(m *meta) { m.reason = v })
}

func withMeta(ctx context.Context, set func(*meta)) context.Context {
	m := extractMeta(ctx)
	set(&m)
	return context.WithValue(ctx, metaKey{}, m)
}

// WithSkip marks the context so txaudit bypasses capture for subsequent statements.
func WithSkip(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipKey{}, true)
}

// WithTransaction makes tx the ambient transaction for audit records produced under ctx.
func WithTransaction(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TransactionFromContext returns the ambient transaction, if any.
func TransactionFromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(txKey{}).(Transaction)
	return tx, ok && tx != nil
}

// Queryer is the read capability introspectors use to fetch rows.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// WithQueryer routes row fetches made under ctx through q, typically the in-flight *sql.Tx
// so that uncommitted rows are visible.
func WithQueryer(ctx context.Context, q Queryer) context.Context {
	return context.WithValue(ctx, queryerKey{}, q)
}

// QueryerFromContext returns the queryer attached to ctx, or fallback.
func QueryerFromContext(ctx context.Context, fallback Queryer) Queryer {
	if q, ok := ctx.Value(queryerKey{}).(Queryer); ok && q != nil {
		return q
	}
	return fallback
}

func extractMeta(ctx context.Context) meta {
	m, _ := ctx.Value(metaKey{}).(meta)
	return m
}

func extractSkip(ctx context.Context) bool {
	skip, _ := ctx.Value(skipKey{}).(bool)
	return skip
}
