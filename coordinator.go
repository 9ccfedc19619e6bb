package txaudit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mickamy/txaudit/internal/buffer"
)

// Completion is the outcome reported by a transaction's completion listener.
type Completion int

const (
	Committed Completion = iota
	RolledBack
	Unknown
)

func (c Completion) String() string {
	switch c {
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Transaction is the ambient transaction a record belongs to.
// OnComplete listeners run once, after the transaction finished.
type Transaction interface {
	ID() string
	Active() bool
	OnComplete(fn func(Completion)) error
}

// Coordinator holds records of in-flight transactions and hands them to the writer
// only once their transaction committed.
type Coordinator struct {
	buffers *buffer.Table[Record]
	writer  *Writer
	logger  *slog.Logger
	stats   *counters
}

// NewCoordinator creates a coordinator that flushes to writer.
func NewCoordinator(writer *Writer, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return newCoordinator(writer, logger, &counters{})
}

func newCoordinator(writer *Writer, logger *slog.Logger, stats *counters) *Coordinator {
	return &Coordinator{
		buffers: buffer.NewTable[Record](),
		writer:  writer,
		logger:  logger,
		stats:   stats,
	}
}

// Record routes rec to the buffer of the ambient transaction, or straight to the writer
// when ctx carries no active transaction.
func (c *Coordinator) Record(ctx context.Context, rec Record) {
	tx, ok := TransactionFromContext(ctx)
	if !ok || !tx.Active() {
		_ = c.writer.WriteOne(ctx, rec)
		return
	}

	id := tx.ID()
	c.stats.buffered.Add(1)
	if !c.buffers.Append(id, rec) {
		return
	}
	err := tx.OnComplete(func(status Completion) {
		c.complete(context.WithoutCancel(ctx), id, status)
	})
	if err == nil {
		return
	}

	c.logger.ErrorContext(ctx, "txaudit: failed to register completion listener, writing directly",
		"tx_id", id, "error", err)
	if recs := c.buffers.Take(id); len(recs) > 0 {
		c.stats.flushed.Add(uint64(len(recs)))
		_ = c.writer.Write(ctx, recs)
	}
}

// Pending reports the number of transactions with buffered records.
func (c *Coordinator) Pending() int {
	return c.buffers.Len()
}

// complete releases the buffer of transaction id and flushes it if the transaction committed.
func (c *Coordinator) complete(ctx context.Context, id string, status Completion) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(ctx, "txaudit: completion handler panicked",
				"tx_id", id, "panic", fmt.Sprint(r))
		}
	}()

	recs := c.buffers.Take(id)
	if len(recs) == 0 {
		return
	}
	if status != Committed {
		c.stats.discarded.Add(uint64(len(recs)))
		c.logger.DebugContext(ctx, "txaudit: discarded audit records",
			"tx_id", id, "status", status.String(), "records", len(recs))
		return
	}
	c.stats.flushed.Add(uint64(len(recs)))
	c.logger.DebugContext(ctx, "txaudit: flushing audit records", "tx_id", id, "records", len(recs))
	_ = c.writer.Write(ctx, recs)
}

// discardAll drops every buffer still held. Their transactions never reported a commit.
func (c *Coordinator) discardAll(ctx context.Context) {
	for id, recs := range c.buffers.TakeAll() {
		c.stats.discarded.Add(uint64(len(recs)))
		c.logger.WarnContext(ctx, "txaudit: discarding records of unfinished transaction",
			"tx_id", id, "records", len(recs))
	}
}
