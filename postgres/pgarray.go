package postgres

import (
	"database/sql"

	"github.com/lib/pq"
)

// ParseTextArray turns a Postgres array in its textual encoding, e.g.
// {Drama,"Sci-Fi",NULL}, into an ordered slice of strings. NULL elements are
// dropped. A NULL array or a malformed encoding yields an empty slice, never
// nil.
func ParseTextArray(value any) []string {
	switch v := value.(type) {
	case nil:
		return []string{}
	case []string:
		return append([]string{}, v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return scanTextArray([]byte(v))
	case []byte:
		return scanTextArray(v)
	default:
		return []string{}
	}
}

func scanTextArray(src []byte) []string {
	var items []sql.NullString
	if err := (pq.GenericArray{A: &items}).Scan(src); err != nil {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item.Valid {
			out = append(out, item.String)
		}
	}
	return out
}
