package reconcile

import (
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Dialect names the SQL flavor a Store runs against.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

func (d Dialect) driverName() string {
	if d == DialectSQLite {
		return "sqlite"
	}
	return "postgres"
}

// rebind converts ?-placeholders to the $n form Postgres expects. Queries
// in this package are written with ? and rebound per dialect.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate returns the row-locking clause where the dialect supports it.
// SQLite serializes writers at the database level, so no clause is needed.
func (d Dialect) forUpdate() string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (d Dialect) itemsPrimaryKey() string {
	if d == DialectPostgres {
		return "id BIGSERIAL PRIMARY KEY"
	}
	return "id INTEGER PRIMARY KEY AUTOINCREMENT"
}

// isUniqueViolation reports whether err is a uniqueness-constraint failure
// on either backend. The engine leans on this for idempotency races and
// insert-on-absence races, so it must never misclassify.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return true
	}
	return strings.Contains(strings.ToLower(msg), "sqlstate 23505")
}
