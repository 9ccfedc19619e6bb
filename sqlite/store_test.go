package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/txaudit"
	"github.com/mickamy/txaudit/sqlite"
)

func TestStore_SaveAndQuery(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	store := sqlite.NewStore(db, "audit_log")
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx))

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := func(table string, offset time.Duration, pk string) txaudit.Record {
		return txaudit.Record{
			Table: table, Op: txaudit.OpUpdate,
			PrimaryKeyName: "id", PrimaryKeyValue: pk,
			OldValue: `{"v":1}`, NewValue: `{"v":2}`,
			Actor: "tester", TraceID: "tr", Remark: "r",
			OccurredAt: base.Add(offset),
		}
	}

	require.NoError(t, store.SaveAll(ctx, []txaudit.Record{
		rec("orders", 2*time.Hour, "3"),
		rec("orders", time.Hour, "2"),
		rec("accounts", time.Hour, "x"),
	}))
	require.NoError(t, store.Save(ctx, rec("orders", 0, "1")))
	require.NoError(t, store.Save(ctx, txaudit.Record{Table: "orders", Op: txaudit.OpInsert, OccurredAt: base.Add(3 * time.Hour)}))

	page, err := store.Query(ctx, txaudit.Query{Table: "orders", Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, 4, page.Total)
	require.Len(t, page.Records, 4)
	var pks []string
	for _, r := range page.Records {
		pks = append(pks, r.PrimaryKeyValue)
	}
	assert.Equal(t, []string{"1", "2", "3", ""}, pks)

	first := page.Records[0]
	assert.NotZero(t, first.ID)
	assert.Equal(t, base, first.OccurredAt)
	assert.Equal(t, "tester", first.Actor)
	assert.Equal(t, `{"v":1}`, first.OldValue)
	assert.Empty(t, page.Records[3].OldValue)

	page, err = store.Query(ctx, txaudit.Query{
		Table: "orders", Start: base.Add(30 * time.Minute), End: base.Add(2 * time.Hour), Page: 2, PageSize: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "3", page.Records[0].PrimaryKeyValue)

	page, err = store.Query(ctx, txaudit.Query{Table: "ORDERS", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total, "table names match case-insensitively")

	tables, err := store.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"accounts", "orders"}, tables)
}

func TestStore_SaveAllIsAtomic(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	store := sqlite.NewStore(db, "")
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))
	_, err := db.Exec(`CREATE TRIGGER reject_bad BEFORE INSERT ON sys_data_audit_log
WHEN NEW.table_name = 'bad' BEGIN SELECT RAISE(ABORT, 'rejected'); END`)
	require.NoError(t, err)

	err = store.SaveAll(ctx, []txaudit.Record{
		{Table: "good", Op: txaudit.OpInsert, OccurredAt: time.Now()},
		{Table: "bad", Op: txaudit.OpInsert, OccurredAt: time.Now()},
	})
	require.Error(t, err)

	tables, err := store.Tables(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables)
}
