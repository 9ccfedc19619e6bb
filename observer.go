package txaudit

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Observer receives notifications from the audit pipeline.
// Callbacks run on the writer's goroutine and must not block for long.
type Observer interface {
	RecordCommitted(ctx context.Context, rec Record)
	BatchCommitted(ctx context.Context, recs []Record)
	Dropped(ctx context.Context, recs []Record, err error)
	ResolveFailed(ctx context.Context, table string, err error)
}

// ObserverFuncs adapts optional functions to Observer. Nil fields are ignored.
type ObserverFuncs struct {
	OnRecordCommitted func(ctx context.Context, rec Record)
	OnBatchCommitted  func(ctx context.Context, recs []Record)
	OnDropped         func(ctx context.Context, recs []Record, err error)
	OnResolveFailed   func(ctx context.Context, table string, err error)
}

func (f ObserverFuncs) RecordCommitted(ctx context.Context, rec Record) {
	if f.OnRecordCommitted != nil {
		f.OnRecordCommitted(ctx, rec)
	}
}

func (f ObserverFuncs) BatchCommitted(ctx context.Context, recs []Record) {
	if f.OnBatchCommitted != nil {
		f.OnBatchCommitted(ctx, recs)
	}
}

func (f ObserverFuncs) Dropped(ctx context.Context, recs []Record, err error) {
	if f.OnDropped != nil {
		f.OnDropped(ctx, recs, err)
	}
}

func (f ObserverFuncs) ResolveFailed(ctx context.Context, table string, err error) {
	if f.OnResolveFailed != nil {
		f.OnResolveFailed(ctx, table, err)
	}
}

// observers fans notifications out and shields the pipeline from panicking callbacks.
type observers struct {
	list   []Observer
	logger *slog.Logger
}

func (o observers) each(ctx context.Context, fn func(Observer)) {
	for _, ob := range o.list {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.logger.ErrorContext(ctx, "txaudit: observer panicked", "panic", r)
				}
			}()
			fn(ob)
		}()
	}
}

func (o observers) RecordCommitted(ctx context.Context, rec Record) {
	o.logger.DebugContext(ctx, "txaudit: audit record written", "table", rec.Table, "op", string(rec.Op))
	o.each(ctx, func(ob Observer) { ob.RecordCommitted(ctx, rec) })
}

func (o observers) BatchCommitted(ctx context.Context, recs []Record) {
	o.logger.DebugContext(ctx, "txaudit: audit batch written", "records", len(recs))
	o.each(ctx, func(ob Observer) { ob.BatchCommitted(ctx, recs) })
}

func (o observers) Dropped(ctx context.Context, recs []Record, err error) {
	o.logger.ErrorContext(ctx, "txaudit: audit records dropped", "records", len(recs), "error", err)
	o.each(ctx, func(ob Observer) { ob.Dropped(ctx, recs, err) })
}

func (o observers) ResolveFailed(ctx context.Context, table string, err error) {
	o.each(ctx, func(ob Observer) { ob.ResolveFailed(ctx, table, err) })
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Captured        uint64 // changes accepted for auditing
	Buffered        uint64 // records appended to transaction buffers
	Flushed         uint64 // records handed to the writer on commit
	Discarded       uint64 // records dropped on rollback or non-commit completion
	Written         uint64 // records persisted
	Dropped         uint64 // records lost after exhausted retries or a full queue
	ResolveFailures uint64
}

type counters struct {
	captured        atomic.Uint64
	buffered        atomic.Uint64
	flushed         atomic.Uint64
	discarded       atomic.Uint64
	written         atomic.Uint64
	dropped         atomic.Uint64
	resolveFailures atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Captured:        c.captured.Load(),
		Buffered:        c.buffered.Load(),
		Flushed:         c.flushed.Load(),
		Discarded:       c.discarded.Load(),
		Written:         c.written.Load(),
		Dropped:         c.dropped.Load(),
		ResolveFailures: c.resolveFailures.Load(),
	}
}
