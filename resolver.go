package txaudit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jinzhu/inflection"

	"github.com/mickamy/txaudit/internal/ident"
	"github.com/mickamy/txaudit/internal/query"
)

// Resolution carries what the resolver learned about a change between the
// pre-execution and post-execution phases.
type Resolution struct {
	Columns     Columns
	PrimaryKeys []string
	Key         Row // primary-key values captured before execution

	Returned    Row   // authoritative row returned by the statement (RETURNING)
	InsertID    int64 // generated key reported by the driver
	HasInsertID bool
}

// Resolver turns partial change data into complete before/after row snapshots.
// It never fails: errors degrade to an absent snapshot and are reported through onFailure.
type Resolver struct {
	schema    *SchemaCache
	logger    *slog.Logger
	onFailure func(ctx context.Context, table string, err error)
}

// NewResolver creates a resolver backed by schema.
func NewResolver(schema *SchemaCache, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{schema: schema, logger: logger}
}

// Prepare runs before the mutation executes. It fills INSERT defaults and placeholders,
// marks computed columns of an UPDATE as deferred, and captures the before snapshot of UPDATE/DELETE.
func (r *Resolver) Prepare(ctx context.Context, ch *Change) *Resolution {
	return r.prepare(ctx, ch, false)
}

// PrepareExecuted is Prepare for a mutation that has already executed. The stored row no
// longer holds the old values, so no before snapshot is fetched: Before keeps only what the
// caller supplied, and the key is remembered for refetching the after snapshot.
func (r *Resolver) PrepareExecuted(ctx context.Context, ch *Change) *Resolution {
	return r.prepare(ctx, ch, true)
}

func (r *Resolver) prepare(ctx context.Context, ch *Change, executed bool) *Resolution {
	res := &Resolution{}
	cols, err := r.schema.TableColumns(ctx, ch.Table)
	if err != nil {
		r.fail(ctx, ch.Table, "table metadata", err)
	}
	res.Columns = cols
	keys, err := r.schema.PrimaryKeys(ctx, ch.Table)
	if err != nil {
		r.fail(ctx, ch.Table, "primary keys", err)
	}
	res.PrimaryKeys = keys

	switch ch.Op {
	case OpInsert:
		ch.After = fillInsert(ch.After, cols)
	case OpUpdate:
		ch.After = deferComputed(ch.After, cols)
		if executed {
			res.Key = changeKey(ch, res.PrimaryKeys)
			break
		}
		r.captureBefore(ctx, ch, res)
	case OpDelete:
		if !executed {
			r.captureBefore(ctx, ch, res)
		}
	}
	return res
}

// Complete runs after the mutation executed and replaces placeholders with stored values.
func (r *Resolver) Complete(ctx context.Context, ch *Change, res *Resolution) {
	if res.Returned != nil {
		if ch.Op == OpDelete {
			ch.Before = merge(ch.Before, res.Returned)
		} else {
			ch.After = merge(ch.After, res.Returned)
		}
	}

	var key Row
	switch ch.Op {
	case OpInsert:
		r.applyInsertID(ch, res)
		key = keyFrom(ch.After, res.PrimaryKeys)
	case OpUpdate:
		if key = keyFrom(ch.After, res.PrimaryKeys); key == nil {
			key = res.Key
		}
	}

	if key != nil && res.Returned == nil && (ch.Op == OpUpdate || hasDeferred(ch.After)) {
		row, err := r.schema.FetchRow(ctx, ch.Table, key)
		switch {
		case err != nil:
			r.fail(ctx, ch.Table, "fetch after", err)
		case len(row) > 0:
			ch.After = merge(ch.After, row)
		}
	}

	ch.Before = finalize(ch.Before, res.Columns)
	ch.After = finalize(ch.After, res.Columns)
}

// KeyOf returns the primary-key names and values identifying the row of ch.
// Without key metadata it falls back to an "id" or "<singular>_id" column.
func (r *Resolver) KeyOf(ch Change, res *Resolution) ([]string, Row) {
	names := res.PrimaryKeys
	if len(names) == 0 {
		if name := guessKeyName(ch.Table, ch.Before, ch.After); name != "" {
			names = []string{name}
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	for _, src := range []Row{ch.After, ch.Before, res.Key} {
		if key := keyFrom(src, names); key != nil {
			return names, key
		}
	}
	return names, nil
}

// PredicateKeys extracts primary-key values from a raw predicate.
// Only equalities on columns in keys are kept; anything else yields an empty result.
func PredicateKeys(predicate string, keys []string) Row {
	if predicate == "" || len(keys) == 0 {
		return nil
	}
	out := Row{}
	for _, eq := range query.Equalities(predicate) {
		for _, k := range keys {
			if strings.EqualFold(eq.Column, k) {
				out[k] = eq.Value
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// changeKey finds the primary-key values of ch in Before, the predicate, or an UPDATE's After.
func changeKey(ch *Change, keys []string) Row {
	if key := keyFrom(ch.Before, keys); key != nil {
		return key
	}
	if key := PredicateKeys(ch.Predicate, keys); key != nil {
		return key
	}
	if ch.Op == OpUpdate {
		return keyFrom(ch.After, keys)
	}
	return nil
}

func (r *Resolver) captureBefore(ctx context.Context, ch *Change, res *Resolution) {
	key := changeKey(ch, res.PrimaryKeys)
	if key == nil {
		r.logger.DebugContext(ctx, "txaudit: no primary key in change, before snapshot skipped",
			"table", ch.Table, "predicate", ch.Predicate)
		return
	}
	res.Key = key

	row, err := r.schema.FetchRow(ctx, ch.Table, key)
	if err != nil {
		r.fail(ctx, ch.Table, "fetch before", err)
		return
	}
	if len(row) == 0 {
		if ch.Before == nil {
			ch.Before = Row{}
		}
		return
	}
	ch.Before = merge(ch.Before, row)
}

func (r *Resolver) applyInsertID(ch *Change, res *Resolution) {
	if !res.HasInsertID || len(res.PrimaryKeys) != 1 || ch.After == nil {
		return
	}
	pk := res.PrimaryKeys[0]
	if v, ok := ch.After[pk]; ok && !IsDeferred(v) && v != nil {
		return
	}
	if c, ok := res.Columns[pk]; ok && !c.Generated() {
		return
	}
	ch.After[pk] = res.InsertID
}

func (r *Resolver) fail(ctx context.Context, table, stage string, err error) {
	err = fmt.Errorf("txaudit: %s: %w", stage, err)
	r.logger.WarnContext(ctx, "txaudit: snapshot resolution failed", "table", table, "error", err)
	if r.onFailure != nil {
		r.onFailure(ctx, table, err)
	}
}

// fillInsert completes INSERT data with declared defaults and placeholders for generated columns.
func fillInsert(after Row, cols Columns) Row {
	if len(cols) == 0 {
		return after
	}
	out := after.Clone()
	if out == nil {
		out = Row{}
	}
	for name, c := range cols {
		if _, ok := out[name]; ok {
			continue
		}
		switch {
		case c.HasDefault:
			out[name] = c.Default
		case c.Generated():
			out[name] = Deferred{Expr: firstNonEmpty(c.Expression, c.DefaultExpression)}
		}
	}
	return out
}

// deferComputed forces computed columns of an UPDATE to placeholders.
func deferComputed(after Row, cols Columns) Row {
	out := after.Clone()
	for name, c := range cols {
		if !c.Computed {
			continue
		}
		if out == nil {
			out = Row{}
		}
		out[name] = Deferred{Expr: c.Expression}
	}
	return out
}

// keyFrom returns the values of keys in row, or nil unless every key has a concrete value.
func keyFrom(row Row, keys []string) Row {
	if len(keys) == 0 || row == nil {
		return nil
	}
	out := make(Row, len(keys))
	for _, k := range keys {
		v, ok := row[k]
		if !ok || v == nil || IsDeferred(v) {
			return nil
		}
		out[k] = v
	}
	return out
}

// merge overlays src onto dst; src values win.
func merge(dst, src Row) Row {
	out := dst.Clone()
	if out == nil {
		out = make(Row, len(src))
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

// finalize drops columns unknown to the table and clears unresolved placeholders.
func finalize(row Row, cols Columns) Row {
	if row == nil {
		return nil
	}
	out := make(Row, len(row))
	for k, v := range row {
		if len(cols) > 0 {
			if _, ok := cols[k]; !ok {
				continue
			}
		}
		if IsDeferred(v) {
			v = nil
		}
		out[k] = v
	}
	return out
}

func hasDeferred(row Row) bool {
	for _, v := range row {
		if IsDeferred(v) {
			return true
		}
	}
	return false
}

// guessKeyName attempts to choose a sensible primary key column from before/after maps.
func guessKeyName(table string, before, after Row) string {
	// Heuristics: "id" first; then "<singular>_id".
	if _, ok := before["id"]; ok {
		return "id"
	}
	if _, ok := after["id"]; ok {
		return "id"
	}
	singular := inflection.Singular(ident.BaseTableName(table))
	singularID := fmt.Sprintf("%s_id", singular)
	if _, ok := before[singularID]; ok {
		return singularID
	}
	if _, ok := after[singularID]; ok {
		return singularID
	}
	return ""
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
