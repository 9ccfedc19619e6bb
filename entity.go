package txaudit

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// Entity is a domain value whose persisted columns can be audited.
// AuditColumns returns the column values exactly as they are stored.
type Entity interface {
	AuditColumns() Row
}

// TableNamer provides a custom table name for an entity.
type TableNamer interface {
	TableName() string
}

// EntityChange describes a repository save or delete of e. Without TableName the table is
// the plural snake case of the type name, e.g. OrderItem becomes order_items.
func EntityChange(op Operation, e Entity) (Change, error) {
	if isNilEntity(e) {
		return Change{}, fmt.Errorf("%w: nil entity", ErrInvalidChange)
	}
	table, err := entityTable(e)
	if err != nil {
		return Change{}, err
	}
	cols := e.AuditColumns()
	ch := Change{Table: table, Op: op}
	switch op {
	case OpInsert, OpUpdate:
		ch.After = cols
	case OpDelete:
		ch.Before = cols
	}
	return ch, ch.Validate()
}

func isNilEntity(e Entity) bool {
	if e == nil {
		return true
	}
	v := reflect.ValueOf(e)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func:
		return v.IsNil()
	}
	return false
}

var tableNamerType = reflect.TypeOf((*TableNamer)(nil)).Elem()

func entityTable(e Entity) (string, error) {
	if namer, ok := e.(TableNamer); ok {
		name := strings.TrimSpace(namer.TableName())
		if name == "" {
			return "", fmt.Errorf("%w: TableName of %T returned an empty string", ErrInvalidChange, e)
		}
		return name, nil
	}

	typ := reflect.TypeOf(e)
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() == reflect.Struct && reflect.PointerTo(typ).Implements(tableNamerType) {
		if namer, ok := reflect.New(typ).Interface().(TableNamer); ok {
			if name := strings.TrimSpace(namer.TableName()); name != "" {
				return name, nil
			}
		}
	}
	if typ.Name() == "" {
		return "", fmt.Errorf("%w: cannot derive table name for anonymous type %v", ErrInvalidChange, typ)
	}
	return inflection.Plural(toSnakeCase(typ.Name())), nil
}

func toSnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
