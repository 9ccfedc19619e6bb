// Package memstore is an in-memory audit store for tests, demos and non-durable deployments.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/mickamy/txaudit"
)

// Store keeps audit records in memory. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	recs   []txaudit.Record
	nextID int64
}

// New returns an empty store.
func New() *Store {
	return &Store{}
}

func (s *Store) Save(ctx context.Context, rec txaudit.Record) error {
	return s.SaveAll(ctx, []txaudit.Record{rec})
}

// SaveAll appends recs atomically and assigns their ids.
func (s *Store) SaveAll(ctx context.Context, recs []txaudit.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		s.nextID++
		r.ID = s.nextID
		s.recs = append(s.recs, r)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, q txaudit.Query) (txaudit.Page, error) {
	if err := ctx.Err(); err != nil {
		return txaudit.Page{}, err
	}
	s.mu.RLock()
	var matched []txaudit.Record
	for _, r := range s.recs {
		if !strings.EqualFold(r.Table, q.Table) {
			continue
		}
		if !q.Start.IsZero() && r.OccurredAt.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && r.OccurredAt.After(q.End) {
			continue
		}
		matched = append(matched, r)
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.Before(b.OccurredAt)
		}
		return a.ID < b.ID
	})

	total := len(matched)
	from := min(max(q.Offset(), 0), total)
	to := total
	if q.PageSize > 0 {
		to = min(from+q.PageSize, total)
	}
	return txaudit.NewPage(q, matched[from:to], total), nil
}

func (s *Store) Tables(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	seen := make(map[string]bool)
	var out []string
	for _, r := range s.recs {
		if !seen[r.Table] {
			seen[r.Table] = true
			out = append(out, r.Table)
		}
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

// Records returns a copy of every stored record in insertion order.
func (s *Store) Records() []txaudit.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]txaudit.Record, len(s.recs))
	copy(out, s.recs)
	return out
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}
