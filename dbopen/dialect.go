package dbopen

import (
	"strconv"
	"strings"
)

// Dialect selects the SQL flavour a store speaks.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Rebind rewrites '?' placeholders into $1..$n for Postgres. Question marks
// inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Expand substitutes the DDL placeholders {{pk}} (auto-increment primary key)
// and {{blob}} (binary column).
func (d Dialect) Expand(ddl string) string {
	pk, blob := "INTEGER PRIMARY KEY AUTOINCREMENT", "BLOB"
	if d == Postgres {
		pk, blob = "BIGSERIAL PRIMARY KEY", "BYTEA"
	}
	return strings.NewReplacer("{{pk}}", pk, "{{blob}}", blob).Replace(ddl)
}

// SkipLocked is appended to the claim subquery. Postgres needs it so
// concurrent claimers skip each other's rows; SQLite serialises writers and
// has no row locks.
func (d Dialect) SkipLocked() string {
	if d == Postgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}
