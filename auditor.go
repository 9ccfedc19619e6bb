package txaudit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Auditor wires the audit pipeline: resolution, record building, transaction
// coordination and persistence.
type Auditor struct {
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
	obs         observers
	stats       *counters
	schema      *SchemaCache
	resolver    *Resolver
	builder     *Builder
	coordinator *Coordinator
	writer      *Writer
	queries     *QueryService
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Auditor) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithObserver registers an observer for write and failure notifications.
func WithObserver(o Observer) Option {
	return func(a *Auditor) {
		if o != nil {
			a.obs.list = append(a.obs.list, o)
		}
	}
}

// WithClock overrides the clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Auditor) {
		if now != nil {
			a.now = now
		}
	}
}

// New creates an Auditor. Start from DefaultConfig; the zero Config has auditing disabled.
func New(cfg Config, src Introspector, store Store, opts ...Option) (*Auditor, error) {
	if src == nil {
		return nil, errors.New("txaudit: introspector is required")
	}
	if store == nil {
		return nil, errors.New("txaudit: store is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Auditor{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		stats:  &counters{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.obs.logger = a.logger
	a.schema = NewSchemaCache(src)
	a.resolver = NewResolver(a.schema, a.logger)
	a.resolver.onFailure = func(ctx context.Context, table string, err error) {
		a.stats.resolveFailures.Add(1)
		a.obs.ResolveFailed(ctx, table, err)
	}
	a.builder = NewBuilder(cfg, a.now)
	a.writer = newWriter(store, cfg, a.logger, a.obs, a.stats)
	a.coordinator = newCoordinator(a.writer, a.logger, a.stats)
	a.queries = NewQueryService(store)
	return a, nil
}

// Config returns the effective configuration.
func (a *Auditor) Config() Config { return a.cfg }

// Schema returns the metadata cache, e.g. to invalidate it after migrations.
func (a *Auditor) Schema() *SchemaCache { return a.schema }

// Queries returns the retrieval service over the audit store.
func (a *Auditor) Queries() *QueryService { return a.queries }

// Stats returns a snapshot of the pipeline counters.
func (a *Auditor) Stats() Stats { return a.stats.snapshot() }

// Capture starts auditing ch. It must be called before the mutation executes so the
// before snapshot reflects the pre-mutation row. It returns nil when ch is not audited;
// all Mutation methods accept a nil receiver.
func (a *Auditor) Capture(ctx context.Context, ch Change) *Mutation {
	return a.capture(ctx, ch, a.resolver.Prepare)
}

// captureExecuted starts auditing a change whose mutation already ran; the before
// snapshot is limited to what ch carries.
func (a *Auditor) captureExecuted(ctx context.Context, ch Change) *Mutation {
	return a.capture(ctx, ch, a.resolver.PrepareExecuted)
}

func (a *Auditor) capture(ctx context.Context, ch Change, prepare func(context.Context, *Change) *Resolution) *Mutation {
	if extractSkip(ctx) {
		return nil
	}
	if err := ch.Validate(); err != nil {
		a.logger.DebugContext(ctx, "txaudit: change dropped", "error", err)
		return nil
	}
	if !a.builder.Audited(ch.Table) {
		return nil
	}
	a.stats.captured.Add(1)

	m := &Mutation{a: a, change: ch}
	m.change.Before = ch.Before.Clone()
	m.change.After = ch.After.Clone()
	a.safely(ctx, ch.Table, func() {
		m.res = prepare(ctx, &m.change)
	})
	if m.res == nil {
		m.res = &Resolution{}
	}
	return m
}

// Record audits a change whose mutation already happened. The stored row is not read for
// the before snapshot, so ch.Before should carry the old values when they are known;
// otherwise the record has no old value.
func (a *Auditor) Record(ctx context.Context, ch Change) {
	a.captureExecuted(ctx, ch).Finish(ctx)
}

// Close discards buffers of transactions that never completed and drains the writer
// within ctx and the configured shutdown grace.
func (a *Auditor) Close(ctx context.Context) error {
	a.coordinator.discardAll(ctx)
	return a.writer.Close(ctx)
}

// safely runs fn and converts a panic into a resolution failure.
func (a *Auditor) safely(ctx context.Context, table string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.resolver.fail(ctx, table, "panic", fmt.Errorf("%v", r))
		}
	}()
	fn()
}

// Mutation is a change captured before execution and awaiting completion.
type Mutation struct {
	a      *Auditor
	change Change
	res    *Resolution
	done   bool
}

// Change returns the change as resolved so far.
func (m *Mutation) Change() Change {
	if m == nil {
		return Change{}
	}
	return m.change
}

// SetReturned supplies the row the statement returned; it is authoritative over fetched data.
func (m *Mutation) SetReturned(row Row) {
	if m == nil || row == nil {
		return
	}
	m.res.Returned = row
}

// SetInsertID supplies the key generated by the database for an INSERT.
func (m *Mutation) SetInsertID(id int64) {
	if m == nil {
		return
	}
	m.res.InsertID = id
	m.res.HasInsertID = true
}

// Finish completes the snapshots after the mutation executed, builds the record and hands it
// to the transaction coordinator. Calling Finish more than once has no effect.
func (m *Mutation) Finish(ctx context.Context) {
	if m == nil || m.done {
		return
	}
	m.done = true
	a := m.a

	var (
		rec Record
		ok  bool
	)
	a.safely(ctx, m.change.Table, func() {
		a.resolver.Complete(ctx, &m.change, m.res)
		names, key := a.resolver.KeyOf(m.change, m.res)
		r, built, err := a.builder.Build(ctx, m.change, names, key)
		if err != nil {
			a.logger.WarnContext(ctx, "txaudit: failed to build audit record",
				"table", m.change.Table, "error", err)
			return
		}
		rec, ok = r, built
	})
	if ok {
		a.coordinator.Record(ctx, rec)
	}
}

// Discard abandons the mutation, e.g. when the statement failed or touched no rows.
func (m *Mutation) Discard() {
	if m == nil {
		return
	}
	m.done = true
}
