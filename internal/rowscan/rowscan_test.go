package rowscan_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mickamy/txaudit/internal/rowscan"
)

func TestToMap(t *testing.T) {
	t.Parallel()

	got := rowscan.ToMap(
		[]string{"id", "status", "meta", "tags", "amount", "code"},
		[]any{int64(1), []byte("PENDING"), []byte(`{"a":1}`), []byte(`["x"]`), 12.5, []byte("42")},
	)
	assert.Equal(t, map[string]any{
		"id":     int64(1),
		"status": "PENDING",
		"meta":   map[string]any{"a": float64(1)},
		"tags":   []any{"x"},
		"amount": 12.5,
		"code":   "42",
	}, got)
}
