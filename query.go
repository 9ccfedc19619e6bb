package txaudit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultPageSize is used when a query does not set one.
const DefaultPageSize = 10

// ErrInvalidQuery is returned for malformed audit queries.
var ErrInvalidQuery = errors.New("txaudit: invalid query")

// Query selects audit records of one table within [Start, End].
// Zero Start or End leaves that side open. Page is 1-based.
type Query struct {
	Table    string
	Start    time.Time
	End      time.Time
	Page     int
	PageSize int
}

// Offset returns the number of records preceding the requested page.
func (q Query) Offset() int {
	return (q.Page - 1) * q.PageSize
}

// Page is one page of records ordered by OccurredAt, then ID.
type Page struct {
	Records    []Record
	Total      int
	Page       int
	PageSize   int
	TotalPages int
}

// NewPage assembles a page and derives TotalPages.
func NewPage(q Query, recs []Record, total int) Page {
	p := Page{Records: recs, Total: total, Page: q.Page, PageSize: q.PageSize}
	if q.PageSize > 0 {
		p.TotalPages = (total + q.PageSize - 1) / q.PageSize
	}
	return p
}

// QueryService answers retrieval requests against the audit store.
type QueryService struct {
	store Store
}

// NewQueryService creates a query service over store.
func NewQueryService(store Store) *QueryService {
	return &QueryService{store: store}
}

// Find returns the requested page of records for a table.
func (s *QueryService) Find(ctx context.Context, q Query) (Page, error) {
	q, err := q.normalize()
	if err != nil {
		return Page{}, err
	}
	page, err := s.store.Query(ctx, q)
	if err != nil {
		return Page{}, fmt.Errorf("txaudit: failed to query audit records: %w", err)
	}
	return page, nil
}

// Tables returns the distinct table names that have audit records.
func (s *QueryService) Tables(ctx context.Context) ([]string, error) {
	tables, err := s.store.Tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("txaudit: failed to list audited tables: %w", err)
	}
	return tables, nil
}

func (q Query) normalize() (Query, error) {
	q.Table = strings.TrimSpace(q.Table)
	if q.Table == "" {
		return q, fmt.Errorf("%w: table is required", ErrInvalidQuery)
	}
	if !q.Start.IsZero() && !q.End.IsZero() && q.End.Before(q.Start) {
		return q, fmt.Errorf("%w: end %s before start %s", ErrInvalidQuery,
			q.End.Format(time.RFC3339), q.Start.Format(time.RFC3339))
	}
	if q.Page < 0 || q.PageSize < 0 {
		return q, fmt.Errorf("%w: negative page or page size", ErrInvalidQuery)
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.PageSize == 0 {
		q.PageSize = DefaultPageSize
	}
	return q, nil
}
