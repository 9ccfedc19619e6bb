package txaudit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrQueueFull is reported when the asynchronous writer cannot accept another batch.
	ErrQueueFull = errors.New("txaudit: write queue is full")
	// ErrWriterClosed is reported for batches handed to a closed writer.
	ErrWriterClosed = errors.New("txaudit: writer is closed")
)

// Store is the audit persistence target.
type Store interface {
	Save(ctx context.Context, rec Record) error
	SaveAll(ctx context.Context, recs []Record) error
	Query(ctx context.Context, q Query) (Page, error)
	Tables(ctx context.Context) ([]string, error)
}

// Writer persists batches of records with retry. In asynchronous mode batches are
// handed to a single background worker through a bounded queue.
type Writer struct {
	store      Store
	maxRetries int
	backoff    time.Duration
	async      bool
	grace      time.Duration

	logger *slog.Logger
	obs    observers
	stats  *counters
	sleep  func(ctx context.Context, d time.Duration) error

	mu     sync.RWMutex
	closed bool
	queue  chan []Record
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func newWriter(store Store, cfg Config, logger *slog.Logger, obs observers, stats *counters) *Writer {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		store:      store,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
		async:      cfg.Async,
		grace:      cfg.ShutdownGrace,
		logger:     logger,
		obs:        obs,
		stats:      stats,
		sleep:      sleepContext,
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	if w.async {
		w.queue = make(chan []Record, cfg.QueueSize)
		go w.run()
	} else {
		close(w.done)
	}
	return w
}

// WriteOne persists a single record as a one-element batch.
func (w *Writer) WriteOne(ctx context.Context, rec Record) error {
	return w.Write(ctx, []Record{rec})
}

// Write persists batch. In asynchronous mode it only enqueues and never blocks.
func (w *Writer) Write(ctx context.Context, batch []Record) error {
	if len(batch) == 0 {
		return nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.drop(ctx, batch, ErrWriterClosed)
		return ErrWriterClosed
	}
	if !w.async {
		return w.persist(context.WithoutCancel(ctx), batch)
	}
	select {
	case w.queue <- batch:
		return nil
	default:
		w.drop(ctx, batch, ErrQueueFull)
		return ErrQueueFull
	}
}

// Close stops accepting batches and drains the queue. Draining is bounded by ctx and the
// configured shutdown grace; batches still pending afterwards are dropped. Close never
// waits longer than twice the grace, even on a store that ignores cancellation.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.queue != nil {
		close(w.queue)
	}
	w.mu.Unlock()

	timer := time.NewTimer(w.grace)
	defer timer.Stop()

	var err error
	select {
	case <-w.done:
	case <-timer.C:
		err = fmt.Errorf("txaudit: writer drain exceeded %s", w.grace)
	case <-ctx.Done():
		err = fmt.Errorf("txaudit: writer drain interrupted: %w", ctx.Err())
	}
	w.cancel()
	if err != nil {
		// The worker may sit in a store call that ignores cancellation; wait one more
		// grace period at most.
		timer.Reset(w.grace)
		select {
		case <-w.done:
		case <-timer.C:
		case <-ctx.Done():
		}
	}
	return err
}

func (w *Writer) run() {
	defer close(w.done)
	for batch := range w.queue {
		_ = w.persist(w.ctx, batch)
	}
}

// persist saves batch, retrying the same batch with linear backoff.
func (w *Writer) persist(ctx context.Context, batch []Record) error {
	var err error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			w.logger.WarnContext(ctx, "txaudit: retrying audit write",
				"attempt", attempt, "records", len(batch), "error", err)
			if serr := w.sleep(ctx, time.Duration(attempt)*w.backoff); serr != nil {
				err = errors.Join(err, serr)
				break
			}
		}
		if cerr := ctx.Err(); cerr != nil {
			err = errors.Join(err, cerr)
			break
		}
		if err = w.save(ctx, batch); err == nil {
			w.stats.written.Add(uint64(len(batch)))
			if len(batch) == 1 {
				w.obs.RecordCommitted(ctx, batch[0])
			} else {
				w.obs.BatchCommitted(ctx, batch)
			}
			return nil
		}
	}
	err = fmt.Errorf("txaudit: audit write failed: %w", err)
	w.drop(ctx, batch, err)
	return err
}

func (w *Writer) save(ctx context.Context, batch []Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("txaudit: store panicked: %v", r)
		}
	}()
	if len(batch) == 1 {
		return w.store.Save(ctx, batch[0])
	}
	return w.store.SaveAll(ctx, batch)
}

func (w *Writer) drop(ctx context.Context, batch []Record, err error) {
	w.stats.dropped.Add(uint64(len(batch)))
	w.obs.Dropped(ctx, batch, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
