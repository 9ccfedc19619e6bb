package txaudit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestBuilder_Audited(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name  string
		cfg   func(c *Config)
		table string
		want  bool
	}{
		{name: "default audits everything", table: "orders", want: true},
		{name: "disabled", cfg: func(c *Config) { c.Enabled = false }, table: "orders"},
		{name: "audit table itself", table: DefaultAuditTable},
		{name: "audit table qualified", table: `"public"."SYS_DATA_AUDIT_LOG"`},
		{name: "include list hit", cfg: func(c *Config) { c.IncludeTables = []string{"orders"} }, table: "public.orders", want: true},
		{name: "include list miss", cfg: func(c *Config) { c.IncludeTables = []string{"orders"} }, table: "accounts"},
		{name: "exclude list", cfg: func(c *Config) { c.ExcludeTables = []string{"Sessions"} }, table: "sessions"},
		{
			name: "exclude wins over include",
			cfg: func(c *Config) {
				c.IncludeTables = []string{"orders"}
				c.ExcludeTables = []string{"orders"}
			},
			table: "orders",
		},
		{name: "blank table", table: "  "},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			if tc.cfg != nil {
				tc.cfg(&cfg)
			}
			assert.Equal(t, tc.want, NewBuilder(cfg.withDefaults(), nil).Audited(tc.table))
		})
	}
}

func TestBuilder_Build(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Redact = RedactMap{"password": func(string, any) any { return "***" }}
	b := NewBuilder(cfg.withDefaults(), fixedClock(testNow))

	ctx := WithOperator(context.Background(), "alice")
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithReason(ctx, "support ticket")

	ch := Change{
		Table:  "users",
		Op:     OpUpdate,
		Before: Row{"id": int64(1), "name": "old", "password": "p1"},
		After:  Row{"id": int64(1), "name": "new", "password": "p2"},
	}
	rec, ok, err := b.Build(ctx, ch, []string{"id"}, Row{"id": int64(1)})
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, Record{
		Table:           "users",
		Op:              OpUpdate,
		PrimaryKeyName:  "id",
		PrimaryKeyValue: "1",
		OldValue:        `{"id":1,"name":"old","password":"***"}`,
		NewValue:        `{"id":1,"name":"new","password":"***"}`,
		Actor:           "alice",
		TraceID:         "trace-1",
		OccurredAt:      testNow,
		Remark:          "support ticket",
	}, rec)
}

func TestBuilder_BuildAbsentSides(t *testing.T) {
	t.Parallel()

	b := NewBuilder(DefaultConfig().withDefaults(), fixedClock(testNow))

	tcs := []struct {
		name    string
		ch      Change
		wantOld string
		wantNew string
	}{
		{name: "insert", ch: Change{Table: "t", Op: OpInsert, After: Row{"a": 1}}, wantNew: `{"a":1}`},
		{name: "delete", ch: Change{Table: "t", Op: OpDelete, Before: Row{"a": 1}}, wantOld: `{"a":1}`},
		{name: "empty before", ch: Change{Table: "t", Op: OpUpdate, Before: Row{}, After: Row{"a": 2}}, wantNew: `{"a":2}`},
		{name: "deferred renders null", ch: Change{Table: "t", Op: OpInsert, After: Row{"a": Deferred{}}}, wantNew: `{"a":null}`},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec, ok, err := b.Build(context.Background(), tc.ch, nil, nil)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tc.wantOld, rec.OldValue)
			assert.Equal(t, tc.wantNew, rec.NewValue)
			assert.Empty(t, rec.PrimaryKeyName)
		})
	}
}

func TestBuilder_ColumnAllowList(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.IncludeColumns = map[string][]string{"accounts": {"balance", "missing"}}
	b := NewBuilder(cfg.withDefaults(), fixedClock(testNow))

	rec, ok, err := b.Build(context.Background(), Change{
		Table:  "accounts",
		Op:     OpUpdate,
		Before: Row{"id": 1, "balance": 100, "note": "x"},
		After:  Row{"id": 1, "balance": 90, "note": "y"},
	}, []string{"id"}, Row{"id": 1})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"balance":100}`, rec.OldValue)
	assert.Equal(t, `{"balance":90}`, rec.NewValue)
	assert.Equal(t, "1", rec.PrimaryKeyValue)

	rec, _, err = b.Build(context.Background(), Change{Table: "accounts", Op: OpInsert, After: Row{"note": "only"}}, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, rec.NewValue)
}

func TestBuilder_Actor(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name  string
		ctx   context.Context
		actor ActorFunc
		want  string
	}{
		{name: "default system", ctx: context.Background(), want: SystemActor},
		{name: "operator wins", ctx: WithOperator(context.Background(), "bob"), actor: func(context.Context) (string, error) { return "svc", nil }, want: "bob"},
		{name: "actor func", ctx: context.Background(), actor: func(context.Context) (string, error) { return "svc", nil }, want: "svc"},
		{name: "actor func error", ctx: context.Background(), actor: func(context.Context) (string, error) { return "", errBoom }, want: SystemActor},
		{name: "actor func panics", ctx: context.Background(), actor: func(context.Context) (string, error) { panic("no session") }, want: SystemActor},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			cfg.ActorFunc = tc.actor
			rec, ok, err := NewBuilder(cfg.withDefaults(), fixedClock(testNow)).
				Build(tc.ctx, Change{Table: "t", Op: OpDelete}, nil, nil)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tc.want, rec.Actor)
		})
	}
}

func TestBuilder_CompositeKey(t *testing.T) {
	t.Parallel()

	b := NewBuilder(DefaultConfig().withDefaults(), fixedClock(testNow))
	rec, _, err := b.Build(context.Background(),
		Change{Table: "order_items", Op: OpDelete, Before: Row{"order_id": 3, "line": 2}},
		[]string{"order_id", "line"}, Row{"order_id": 3, "line": 2})
	require.NoError(t, err)
	assert.Equal(t, "order_id,line", rec.PrimaryKeyName)
	assert.Equal(t, "3,2", rec.PrimaryKeyValue)
}

// Building is a pure function of its inputs and the clock.
func TestBuilder_Deterministic(t *testing.T) {
	t.Parallel()

	b := NewBuilder(DefaultConfig().withDefaults(), fixedClock(testNow))
	ch := Change{Table: "t", Op: OpUpdate, Before: Row{"b": 1, "a": "x"}, After: Row{"b": 2, "a": "y"}}
	first, _, err := b.Build(context.Background(), ch, []string{"a"}, Row{"a": "y"})
	require.NoError(t, err)
	for range 10 {
		again, _, err := b.Build(context.Background(), ch, []string{"a"}, Row{"a": "y"})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.True(t, strings.HasPrefix(first.OldValue, `{"a":`))
}

func TestBuilder_NotAudited(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ExcludeTables = []string{"t"}
	_, ok, err := NewBuilder(cfg.withDefaults(), nil).Build(context.Background(), Change{Table: "t", Op: OpInsert}, nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}
