package txaudit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mickamy/txaudit/internal/ident"
)

// SystemActor is recorded when no acting identity can be resolved.
const SystemActor = "SYSTEM"

// Builder turns resolved changes into audit records. It performs no I/O.
type Builder struct {
	cfg     Config
	include map[string]bool
	exclude map[string]bool
	columns map[string]map[string]bool
	now     func() time.Time
}

// NewBuilder creates a builder for cfg. now defaults to time.Now.
func NewBuilder(cfg Config, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	b := &Builder{
		cfg:     cfg,
		include: tableSet(cfg.IncludeTables),
		exclude: tableSet(cfg.ExcludeTables),
		columns: make(map[string]map[string]bool, len(cfg.IncludeColumns)),
		now:     now,
	}
	for table, cols := range cfg.IncludeColumns {
		if len(cols) == 0 {
			continue
		}
		set := make(map[string]bool, len(cols))
		for _, c := range cols {
			set[c] = true
		}
		b.columns[tableKey(table)] = set
	}
	return b
}

// Audited reports whether mutations on table produce audit records.
func (b *Builder) Audited(table string) bool {
	if !b.cfg.Enabled || strings.TrimSpace(table) == "" {
		return false
	}
	if ident.SameTable(table, b.cfg.AuditTable) {
		return false
	}
	key := tableKey(table)
	if len(b.include) > 0 && !b.include[key] {
		return false
	}
	return !b.exclude[key]
}

// Build produces the record for a resolved change. ok is false when the table is not audited.
func (b *Builder) Build(ctx context.Context, ch Change, keyNames []string, key Row) (Record, bool, error) {
	if !b.Audited(ch.Table) {
		return Record{}, false, nil
	}
	oldValue, err := b.serialize(ch.Table, ch.Before)
	if err != nil {
		return Record{}, false, fmt.Errorf("txaudit: failed to marshal before: %w", err)
	}
	newValue, err := b.serialize(ch.Table, ch.After)
	if err != nil {
		return Record{}, false, fmt.Errorf("txaudit: failed to marshal after: %w", err)
	}

	m := extractMeta(ctx)
	rec := Record{
		Table:      ch.Table,
		Op:         ch.Op,
		OldValue:   oldValue,
		NewValue:   newValue,
		Actor:      b.actor(ctx, m),
		TraceID:    m.traceID,
		OccurredAt: b.now().UTC(),
		Remark:     m.reason,
	}
	if len(keyNames) > 0 {
		rec.PrimaryKeyName = strings.Join(keyNames, ",")
		if key != nil {
			vals := make([]string, len(keyNames))
			for i, k := range keyNames {
				vals[i] = stringify(key[k])
			}
			rec.PrimaryKeyValue = strings.Join(vals, ",")
		}
	}
	return rec, true, nil
}

// serialize applies the column allow-list and redaction, then encodes row as JSON.
// An absent or empty row serializes to the empty string.
func (b *Builder) serialize(table string, row Row) (string, error) {
	if len(row) == 0 {
		return "", nil
	}
	allowed := b.columns[tableKey(table)]
	out := make(Row, len(row))
	for k, v := range row {
		if allowed != nil && !allowed[k] {
			continue
		}
		if fn, ok := b.cfg.Redact[k]; ok && fn != nil {
			v = fn(k, v)
		}
		out[k] = v
	}
	if len(out) == 0 {
		return "", nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (b *Builder) actor(ctx context.Context, m meta) (actor string) {
	if m.operator != "" {
		return m.operator
	}
	if b.cfg.ActorFunc == nil {
		return SystemActor
	}
	defer func() {
		if recover() != nil {
			actor = SystemActor
		}
	}()
	name, err := b.cfg.ActorFunc(ctx)
	if err != nil || strings.TrimSpace(name) == "" {
		return SystemActor
	}
	return name
}

func tableSet(tables []string) map[string]bool {
	set := make(map[string]bool, len(tables))
	for _, t := range tables {
		if strings.TrimSpace(t) != "" {
			set[tableKey(t)] = true
		}
	}
	return set
}

func tableKey(table string) string {
	return strings.ToLower(ident.BaseTableName(table))
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}
