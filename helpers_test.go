package txaudit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

// fakeIntrospector serves metadata and rows from memory.
type fakeIntrospector struct {
	mu       sync.Mutex
	tables   map[string]Columns
	rows     map[string][]Row
	colErr   error
	fetchErr error
	colCalls int
	fetches  int
}

func newFakeIntrospector() *fakeIntrospector {
	return &fakeIntrospector{tables: map[string]Columns{}, rows: map[string][]Row{}}
}

func (f *fakeIntrospector) TableColumns(_ context.Context, table string) (Columns, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.colCalls++
	if f.colErr != nil {
		return nil, f.colErr
	}
	return f.tables[table], nil
}

func (f *fakeIntrospector) FetchRow(_ context.Context, table string, key Row) (Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	for _, row := range f.rows[table] {
		if matchesKey(row, key) {
			return row.Clone(), nil
		}
	}
	return Row{}, nil
}

func (f *fakeIntrospector) put(table string, row Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[table] = append(f.rows[table], row)
}

func (f *fakeIntrospector) calls() (cols, fetches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.colCalls, f.fetches
}

func matchesKey(row, key Row) bool {
	for k, v := range key {
		if fmt.Sprint(row[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

// keyedIntrospector reports primary keys only through PrimaryKeyLookup.
type keyedIntrospector struct {
	*fakeIntrospector
	keys    map[string][]string
	keyCall int
}

func (k *keyedIntrospector) PrimaryKeys(_ context.Context, table string) ([]string, error) {
	k.keyCall++
	return k.keys[table], nil
}

// fakeStore records saved batches and can fail a number of attempts first.
type fakeStore struct {
	mu       sync.Mutex
	batches  [][]Record
	attempts int
	failures int
	err      error
	block    chan struct{}

	page      Page
	lastQuery Query
	tables    []string
}

func (s *fakeStore) Save(ctx context.Context, rec Record) error {
	return s.SaveAll(ctx, []Record{rec})
}

func (s *fakeStore) SaveAll(ctx context.Context, recs []Record) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		return s.err
	}
	s.batches = append(s.batches, append([]Record(nil), recs...))
	return nil
}

func (s *fakeStore) Query(_ context.Context, q Query) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastQuery = q
	if s.err != nil {
		return Page{}, s.err
	}
	return s.page, nil
}

func (s *fakeStore) Tables(context.Context) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.tables, nil
}

func (s *fakeStore) saved() [][]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Record(nil), s.batches...)
}

func (s *fakeStore) records() []Record {
	var out []Record
	for _, b := range s.saved() {
		out = append(out, b...)
	}
	return out
}

func (s *fakeStore) tries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// fakeTx is a Transaction completed by the test.
type fakeTx struct {
	mu        sync.Mutex
	id        string
	done      bool
	regErr    error
	regCalls  int
	listeners []func(Completion)
}

func newFakeTx(id string) *fakeTx {
	return &fakeTx{id: id}
}

func (t *fakeTx) ID() string { return t.id }

func (t *fakeTx) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.done
}

func (t *fakeTx) OnComplete(fn func(Completion)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regCalls++
	if t.regErr != nil {
		return t.regErr
	}
	t.listeners = append(t.listeners, fn)
	return nil
}

func (t *fakeTx) finish(status Completion) {
	t.mu.Lock()
	t.done = true
	ls := t.listeners
	t.listeners = nil
	t.mu.Unlock()
	for _, fn := range ls {
		fn(status)
	}
}

func (t *fakeTx) registrations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.regCalls
}

// syncConfig is DefaultConfig with synchronous writes and no backoff delay.
func syncConfig() Config {
	cfg := DefaultConfig()
	cfg.Async = false
	return cfg
}

// newTestAuditor builds an auditor whose writer never sleeps between retries.
func newTestAuditor(t *testing.T, cfg Config, src Introspector, store Store, opts ...Option) *Auditor {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	a, err := New(cfg, src, store, opts...)
	require.NoError(t, err)
	a.writer.sleep = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(func() {
		_ = a.Close(context.Background())
	})
	return a
}

func ordersColumns() Columns {
	return Columns{
		"id":         {Name: "id", Type: "INTEGER", PrimaryKey: true, AutoIncrement: true},
		"status":     {Name: "status", Type: "TEXT", HasDefault: true, Default: "PENDING"},
		"amount":     {Name: "amount", Type: "INTEGER"},
		"total":      {Name: "total", Type: "INTEGER", Computed: true, Expression: "amount * 2"},
		"created_at": {Name: "created_at", Type: "TEXT", DefaultExpression: "CURRENT_TIMESTAMP"},
	}
}
