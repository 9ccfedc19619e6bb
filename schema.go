package txaudit

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mickamy/txaudit/internal/ident"
)

// Column describes one column of an audited table.
type Column struct {
	Name              string
	Type              string
	AutoIncrement     bool
	Computed          bool
	Expression        string // generation expression when Computed
	HasDefault        bool   // Default holds a literal value
	Default           any
	DefaultExpression string // non-literal server default, resolved after execution
	PrimaryKey        bool
}

// Generated reports whether the database produces the column value on insert.
func (c Column) Generated() bool {
	return c.AutoIncrement || c.Computed || c.DefaultExpression != ""
}

// Columns maps column names to their metadata.
type Columns map[string]Column

// PrimaryKeys returns the sorted names of columns flagged as primary key.
func (cs Columns) PrimaryKeys() []string {
	var out []string
	for name, c := range cs {
		if c.PrimaryKey {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Introspector supplies table metadata and complete rows.
// Unknown tables yield empty metadata, and a missing row yields an empty Row; neither is an error.
type Introspector interface {
	TableColumns(ctx context.Context, table string) (Columns, error)
	FetchRow(ctx context.Context, table string, key Row) (Row, error)
}

// PrimaryKeyLookup is implemented by introspectors whose column metadata may not carry primary-key flags.
type PrimaryKeyLookup interface {
	PrimaryKeys(ctx context.Context, table string) ([]string, error)
}

// SchemaCache memoizes table metadata of an Introspector.
// Entries are read-mostly; Invalidate drops them after schema changes.
type SchemaCache struct {
	src Introspector

	mu     sync.RWMutex
	tables map[string]Columns
	keys   map[string][]string

	group singleflight.Group
}

// NewSchemaCache wraps src with a metadata cache.
func NewSchemaCache(src Introspector) *SchemaCache {
	return &SchemaCache{
		src:    src,
		tables: make(map[string]Columns),
		keys:   make(map[string][]string),
	}
}

// TableColumns returns cached metadata for table, loading it on a miss.
// Empty results are not cached so that tables created later are picked up.
func (c *SchemaCache) TableColumns(ctx context.Context, table string) (Columns, error) {
	name := cacheKey(table)
	c.mu.RLock()
	cols, ok := c.tables[name]
	c.mu.RUnlock()
	if ok {
		return cols, nil
	}

	v, err, _ := c.group.Do("columns:"+name, func() (any, error) {
		cols, err := c.src.TableColumns(ctx, table)
		if err != nil {
			return nil, err
		}
		if len(cols) > 0 {
			c.mu.Lock()
			c.tables[name] = cols
			c.mu.Unlock()
		}
		return cols, nil
	})
	if err != nil {
		return nil, err
	}
	cols, _ = v.(Columns)
	return cols, nil
}

// PrimaryKeys returns the primary-key columns of table from metadata,
// falling back to the introspector's PrimaryKeyLookup when no column is flagged.
func (c *SchemaCache) PrimaryKeys(ctx context.Context, table string) ([]string, error) {
	name := cacheKey(table)
	c.mu.RLock()
	keys, ok := c.keys[name]
	c.mu.RUnlock()
	if ok {
		return keys, nil
	}

	cols, err := c.TableColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	keys = cols.PrimaryKeys()
	if len(keys) == 0 {
		lookup, ok := c.src.(PrimaryKeyLookup)
		if !ok {
			return nil, nil
		}
		v, err, _ := c.group.Do("keys:"+name, func() (any, error) {
			return lookup.PrimaryKeys(ctx, table)
		})
		if err != nil {
			return nil, err
		}
		keys, _ = v.([]string)
	}
	if len(keys) > 0 {
		c.mu.Lock()
		c.keys[name] = keys
		c.mu.Unlock()
	}
	return keys, nil
}

// FetchRow reads a row through the underlying introspector; rows are never cached.
func (c *SchemaCache) FetchRow(ctx context.Context, table string, key Row) (Row, error) {
	return c.src.FetchRow(ctx, table, key)
}

// Invalidate drops cached metadata for the given tables, or for every table when none is given.
func (c *SchemaCache) Invalidate(tables ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(tables) == 0 {
		c.tables = make(map[string]Columns)
		c.keys = make(map[string][]string)
		return
	}
	for _, t := range tables {
		name := cacheKey(t)
		delete(c.tables, name)
		delete(c.keys, name)
	}
}

func cacheKey(table string) string {
	return ident.QuoteTable(table)
}
