package pgutils

import "strings"

// QuoteIdent quotes a PostgreSQL identifier, doubling embedded quotes.
// Queue and store table names come from the catalog, not from user input,
// but they still pass through here so dynamic SQL is always well-formed.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QualifiedTable returns a quoted schema-qualified table reference.
func QualifiedTable(schema, table string) string {
	return QuoteIdent(schema) + "." + QuoteIdent(table)
}

// QuoteIdents quotes every identifier in names.
func QuoteIdents(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = QuoteIdent(n)
	}
	return out
}

// IdentList returns a comma-separated list of quoted identifiers, optionally
// prefixed with a table alias ("q.id, q.seq").
func IdentList(names []string, alias string) string {
	quoted := QuoteIdents(names)
	if alias != "" {
		for i, q := range quoted {
			quoted[i] = alias + "." + q
		}
	}
	return strings.Join(quoted, ", ")
}
