package rowscan

import (
	"database/sql"
	"encoding/json"
)

// All consumes every row from rows into maps and closes rows.
func All(rows *sql.Rows) ([]map[string]any, error) {
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, ToMap(cols, vals))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// One consumes at most one row from rows. A missing row yields a nil map and no error.
func One(rows *sql.Rows) (map[string]any, error) {
	all, err := All(rows)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

// ToMap converts a single row (columns + values) to a map.
func ToMap(cols []string, vals []any) map[string]any {
	m := make(map[string]any, len(cols))
	for i, c := range cols {
		v := vals[i]
		if b, ok := v.([]byte); ok {
			// Try JSON decoding; if it fails, keep as string
			var js any
			if json.Valid(b) && json.Unmarshal(b, &js) == nil {
				if _, isObj := js.(map[string]any); isObj {
					m[c] = js
					continue
				}
				if _, isArr := js.([]any); isArr {
					m[c] = js
					continue
				}
			}
			m[c] = string(b)
			continue
		}
		m[c] = v
	}
	return m
}
