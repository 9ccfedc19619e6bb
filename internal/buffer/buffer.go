package buffer

import (
	"sync"
)

// Buffer collects entries within a transaction.
type Buffer[T any] struct {
	mu sync.Mutex
	ts []T
}

func NewBuffer[T any]() *Buffer[T] {
	return &Buffer[T]{}
}

func (b *Buffer[T]) Add(e T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ts = append(b.ts, e)
}

func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	es := b.ts
	b.ts = nil
	b.mu.Unlock()
	return es
}

// Table maps transaction ids to their buffers. It is safe for concurrent use.
// Appends happen under the table lock so an entry cannot be taken between lookup and append.
type Table[T any] struct {
	mu      sync.Mutex
	entries map[string]*Buffer[T]
}

func NewTable[T any]() *Table[T] {
	return &Table[T]{entries: make(map[string]*Buffer[T])}
}

// Append adds e to the buffer of id, creating the buffer on first use.
// created is true exactly once per buffer lifetime.
func (t *Table[T]) Append(id string, e T) (created bool) {
	t.mu.Lock()
	b, ok := t.entries[id]
	if !ok {
		b = NewBuffer[T]()
		t.entries[id] = b
	}
	b.Add(e)
	t.mu.Unlock()
	return !ok
}

// Take removes the buffer of id and returns its entries in insertion order.
func (t *Table[T]) Take(id string) []T {
	t.mu.Lock()
	b, ok := t.entries[id]
	delete(t.entries, id)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return b.Drain()
}

// Len returns the number of live buffers.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// TakeAll removes every buffer and returns the entries keyed by id.
func (t *Table[T]) TakeAll() map[string][]T {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*Buffer[T])
	t.mu.Unlock()

	out := make(map[string][]T, len(entries))
	for id, b := range entries {
		out[id] = b.Drain()
	}
	return out
}
