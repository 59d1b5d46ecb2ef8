package platformtest

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/envsync/internal/platform/sqlite"
)

// NewSQLite returns a SQLite platform rooted in a test temp dir.
func NewSQLite(t *testing.T) *sqlite.Platform {
	t.Helper()
	p, err := sqlite.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// Tables returns n small tables named <prefix>_00, <prefix>_01, ...
// Each has an id and a contact_email column holding one email row.
func Tables(prefix string, n int) []sqlite.FixtureTable {
	tables := make([]sqlite.FixtureTable, n)
	for i := range tables {
		tables[i] = sqlite.FixtureTable{
			Name: fmt.Sprintf("%s_%02d", prefix, i),
			Columns: []sqlite.FixtureColumn{
				{Name: "id", Type: "INTEGER"},
				{Name: "contact_email", Type: "TEXT"},
			},
			Rows: [][]any{{1, fmt.Sprintf("user%d@example.com", i)}},
		}
	}
	return tables
}

// EmailTable returns a table with total rows of which matching hold email-shaped
// values. The rest hold text that fails the email predicate.
func EmailTable(name string, total, matching int) sqlite.FixtureTable {
	rows := make([][]any, total)
	for i := range rows {
		value := fmt.Sprintf("not an email %d", i)
		if i < matching {
			value = fmt.Sprintf("person%03d@example.com", i)
		}
		rows[i] = []any{i + 1, value, fmt.Sprintf("note %d", i)}
	}
	return sqlite.FixtureTable{
		Name: name,
		Columns: []sqlite.FixtureColumn{
			{Name: "id", Type: "INTEGER PRIMARY KEY"},
			{Name: "email", Type: "VARCHAR(320)"},
			{Name: "notes", Type: "TEXT"},
		},
		Rows: rows,
	}
}

// CreateEnv seeds one environment holding tables.
func CreateEnv(t *testing.T, p *sqlite.Platform, name string, tables ...sqlite.FixtureTable) {
	t.Helper()
	fx := &sqlite.Fixture{Environments: []sqlite.FixtureEnvironment{{Name: name, Tables: tables}}}
	require.NoError(t, fx.Validate())
	require.NoError(t, p.Seed(context.Background(), fx))
}

// Values reads one column of env in rowid order. NULL reads as "".
func Values(t *testing.T, p *sqlite.Platform, env, table, column string) []string {
	t.Helper()
	db, err := sql.Open(sqlite.DriverName, "file:"+filepath.Join(p.Root(), env+".db")+"?mode=ro")
	require.NoError(t, err)
	defer db.Close()

	rows, err := db.Query(fmt.Sprintf(`SELECT COALESCE(%q, '') FROM %q ORDER BY rowid`, column, table))
	require.NoError(t, err)
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		require.NoError(t, rows.Scan(&v))
		out = append(out, v)
	}
	require.NoError(t, rows.Err())
	return out
}
