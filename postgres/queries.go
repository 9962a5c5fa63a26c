package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Ident quotes a possibly schema-qualified identifier.
func Ident(parts ...string) string {
	return pgx.Identifier(parts).Sanitize()
}

// ModifiedRowsQuery selects rows of schema.table changed after the
// (@modified, @last_id) cursor, in cursor order. Rows sharing a modification
// instant are ordered by id, so the tuple comparison never skips or repeats
// a row at a page boundary.
func ModifiedRowsQuery(schema, table, modifiedColumn string) string {
	modified := Ident(modifiedColumn)
	return fmt.Sprintf(`
		SELECT id::text AS id, %[2]s AS modified
		FROM %[1]s
		WHERE (%[2]s, id::text) > (@modified::timestamptz, @last_id::text)
		ORDER BY %[2]s, id::text
		LIMIT @page_size`,
		Ident(schema, table), modified)
}

// CountQuery counts the rows of schema.table.
func CountQuery(schema, table string) string {
	return fmt.Sprintf("SELECT count(*) FROM %s", Ident(schema, table))
}
