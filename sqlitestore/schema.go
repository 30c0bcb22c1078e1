package sqlitestore

import (
	"embed"
	"fmt"
	"io/fs"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Schema returns the embedded schema files.
func Schema() fs.FS {
	sub, err := fs.Sub(schemaFS, "schema")
	if err != nil {
		panic(err)
	}
	return sub
}

// legacyColumns are columns added after the first release. Databases
// created before then get them through ALTER TABLE.
var legacyColumns = []struct {
	table, column, definition string
}{
	{"access_logs", "blocked", "INTEGER DEFAULT 0"},
}

// migrate creates missing tables, adds missing columns and then creates
// indexes, which may depend on the added columns.
func migrate(conn *sqlite.Conn) error {
	if err := runScript(conn, "tables.sql"); err != nil {
		return err
	}
	for _, c := range legacyColumns {
		ok, err := hasColumn(conn, c.table, c.column)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", c.table, c.column, c.definition)
		if err := sqlitex.ExecuteTransient(conn, stmt, nil); err != nil {
			return fmt.Errorf("adding %s.%s: %w", c.table, c.column, err)
		}
	}
	return runScript(conn, "indexes.sql")
}

func runScript(conn *sqlite.Conn, name string) error {
	script, err := fs.ReadFile(Schema(), name)
	if err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	if err := sqlitex.ExecuteScript(conn, string(script), nil); err != nil {
		return fmt.Errorf("applying %s: %w", name, err)
	}
	return nil
}

func hasColumn(conn *sqlite.Conn, table, column string) (bool, error) {
	found := false
	err := sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA table_info(%s);", table), &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if stmt.GetText("name") == column {
				found = true
			}
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("inspecting %s: %w", table, err)
	}
	return found, nil
}
