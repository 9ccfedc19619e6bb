package txaudit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Operation is the kind of row mutation being audited.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// ParseOperation converts a statement verb to an Operation.
func ParseOperation(s string) (Operation, bool) {
	switch Operation(strings.ToUpper(strings.TrimSpace(s))) {
	case OpInsert:
		return OpInsert, true
	case OpUpdate:
		return OpUpdate, true
	case OpDelete:
		return OpDelete, true
	}
	return "", false
}

// Row maps column names to values.
type Row map[string]any

// Clone returns a shallow copy of r. A nil row stays nil.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Deferred marks a column whose value is produced by the database
// (auto-increment, computed column, server-side default) and is fetched after execution.
type Deferred struct {
	Expr string // server expression, when known
}

// MarshalJSON renders an unresolved value as null.
func (Deferred) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// IsDeferred reports whether v is a placeholder awaiting post-execution resolution.
func IsDeferred(v any) bool {
	_, ok := v.(Deferred)
	return ok
}

// ErrInvalidChange is returned by Change.Validate.
var ErrInvalidChange = errors.New("txaudit: invalid change")

// Change describes one row-level mutation as seen by a mutation detector.
type Change struct {
	Table     string
	Op        Operation
	Predicate string // raw row-selection condition, used when structured key data is missing
	Before    Row    // UPDATE/DELETE
	After     Row    // INSERT/UPDATE
}

// Validate checks the invariants a change must satisfy before resolution.
func (c Change) Validate() error {
	if strings.TrimSpace(c.Table) == "" {
		return fmt.Errorf("%w: empty table name", ErrInvalidChange)
	}
	if _, ok := ParseOperation(string(c.Op)); !ok {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidChange, c.Op)
	}
	return nil
}

// Record is the persisted audit entry for one change.
type Record struct {
	ID              int64 // assigned by the store
	Table           string
	Op              Operation
	PrimaryKeyName  string // comma-joined for composite keys
	PrimaryKeyValue string
	OldValue        string // JSON, empty when absent
	NewValue        string // JSON, empty when absent
	Actor           string
	TraceID         string
	OccurredAt      time.Time
	Remark          string
}

// meta carries operational context for audit trails.
type meta struct {
	operator string
	traceID  string
	reason   string
}
