package txaudit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type panickingIntrospector struct{}

func (panickingIntrospector) TableColumns(context.Context, string) (Columns, error) {
	panic("catalog exploded")
}

func (panickingIntrospector) FetchRow(context.Context, string, Row) (Row, error) {
	return nil, nil
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(DefaultConfig(), nil, &fakeStore{})
	require.Error(t, err)
	_, err = New(DefaultConfig(), newFakeIntrospector(), nil)
	require.Error(t, err)

	cfg := DefaultConfig()
	cfg.MaxRetries = -1
	_, err = New(cfg, newFakeIntrospector(), &fakeStore{})
	require.Error(t, err)
}

func TestAuditor_CaptureAndFinishInsideTransaction(t *testing.T) {
	t.Parallel()

	src := newFakeIntrospector()
	src.tables["accounts"] = Columns{
		"id":      {Name: "id", PrimaryKey: true},
		"balance": {Name: "balance"},
	}
	src.put("accounts", Row{"id": "A", "balance": int64(100)})
	store := &fakeStore{}
	a := newTestAuditor(t, syncConfig(), src, store, WithClock(fixedClock(testNow)))

	tx := newFakeTx("tx-1")
	ctx := WithOperator(WithTransaction(context.Background(), tx), "teller")

	m := a.Capture(ctx, Change{Table: "accounts", Op: OpUpdate, Predicate: "id = 'A'", After: Row{"balance": int64(90)}})
	require.NotNil(t, m)
	src.mu.Lock()
	src.rows["accounts"][0]["balance"] = int64(90)
	src.mu.Unlock()
	m.Finish(ctx)
	m.Finish(ctx)

	assert.Empty(t, store.saved())
	tx.finish(Committed)

	require.Equal(t, []Record{{
		Table:           "accounts",
		Op:              OpUpdate,
		PrimaryKeyName:  "id",
		PrimaryKeyValue: "A",
		OldValue:        `{"balance":100,"id":"A"}`,
		NewValue:        `{"balance":90,"id":"A"}`,
		Actor:           "teller",
		OccurredAt:      testNow,
	}}, store.records())

	st := a.Stats()
	assert.Equal(t, uint64(1), st.Captured)
	assert.Equal(t, uint64(1), st.Buffered)
	assert.Equal(t, uint64(1), st.Flushed)
	assert.Equal(t, uint64(1), st.Written)
}

func TestAuditor_RollbackLeavesNoRecord(t *testing.T) {
	t.Parallel()

	src := newFakeIntrospector()
	store := &fakeStore{}
	a := newTestAuditor(t, syncConfig(), src, store)

	tx := newFakeTx("tx-1")
	ctx := WithTransaction(context.Background(), tx)
	a.Record(ctx, Change{Table: "orders", Op: OpInsert, After: Row{"id": 1}})
	a.Record(ctx, Change{Table: "orders", Op: OpInsert, After: Row{"id": 2}})
	tx.finish(RolledBack)

	assert.Empty(t, store.saved())
	assert.Equal(t, uint64(2), a.Stats().Discarded)
	assert.Equal(t, 1, tx.registrations())
}

func TestAuditor_CaptureFilters(t *testing.T) {
	t.Parallel()

	cfg := syncConfig()
	cfg.ExcludeTables = []string{"sessions"}
	a := newTestAuditor(t, cfg, newFakeIntrospector(), &fakeStore{})

	tcs := []struct {
		name string
		ctx  context.Context
		ch   Change
	}{
		{name: "skip", ctx: WithSkip(context.Background()), ch: Change{Table: "orders", Op: OpInsert}},
		{name: "invalid op", ctx: context.Background(), ch: Change{Table: "orders", Op: "MERGE"}},
		{name: "empty table", ctx: context.Background(), ch: Change{Op: OpInsert}},
		{name: "excluded", ctx: context.Background(), ch: Change{Table: "sessions", Op: OpInsert}},
		{name: "audit table", ctx: context.Background(), ch: Change{Table: DefaultAuditTable, Op: OpInsert}},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := a.Capture(tc.ctx, tc.ch)
			assert.Nil(t, m)
			m.SetInsertID(1)
			m.SetReturned(Row{"id": 1})
			m.Finish(tc.ctx)
			m.Discard()
		})
	}
}

func TestAuditor_CaptureDoesNotAliasCallerRows(t *testing.T) {
	t.Parallel()

	src := newFakeIntrospector()
	src.tables["orders"] = ordersColumns()
	a := newTestAuditor(t, syncConfig(), src, &fakeStore{})

	after := Row{"amount": int64(1)}
	m := a.Capture(context.Background(), Change{Table: "orders", Op: OpInsert, After: after})
	require.NotNil(t, m)
	assert.Equal(t, Row{"amount": int64(1)}, after)
	assert.Contains(t, m.Change().After, "status")
}

func TestAuditor_ResolutionPanicIsContained(t *testing.T) {
	t.Parallel()

	var failures []string
	store := &fakeStore{}
	a := newTestAuditor(t, syncConfig(), panickingIntrospector{}, store, WithObserver(ObserverFuncs{
		OnResolveFailed: func(_ context.Context, table string, _ error) { failures = append(failures, table) },
	}))

	a.Record(context.Background(), Change{Table: "orders", Op: OpInsert, After: Row{"id": 1}})

	require.Len(t, store.records(), 1)
	assert.Equal(t, `{"id":1}`, store.records()[0].NewValue)
	assert.Equal(t, []string{"orders"}, failures)
	assert.Equal(t, uint64(1), a.Stats().ResolveFailures)
}

func TestAuditor_DiscardedMutationWritesNothing(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	a := newTestAuditor(t, syncConfig(), newFakeIntrospector(), store)

	m := a.Capture(context.Background(), Change{Table: "orders", Op: OpDelete, Predicate: "id = 1"})
	m.Discard()
	m.Finish(context.Background())

	assert.Empty(t, store.saved())
}

func TestAuditor_CloseDiscardsOpenTransactions(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	cfg := DefaultConfig()
	a, err := New(cfg, newFakeIntrospector(), store, WithLogger(discardLogger()))
	require.NoError(t, err)

	open := newFakeTx("open")
	a.Record(WithTransaction(context.Background(), open), Change{Table: "orders", Op: OpInsert, After: Row{"id": 1}})
	a.Record(context.Background(), Change{Table: "orders", Op: OpInsert, After: Row{"id": 2}})

	require.NoError(t, a.Close(context.Background()))
	open.finish(Committed)

	recs := store.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "2", recs[0].PrimaryKeyValue)
	assert.Equal(t, uint64(1), a.Stats().Discarded)
}
