// Command generate_schema renders schema.sql from the migrations. With
// -check it leaves the file alone and fails when it is stale.
package main

import (
	"bytes"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"dv-go/internal/database"
	"dv-go/internal/database/migrations"
)

const header = `-- This file is auto-generated from migration files.
-- DO NOT EDIT MANUALLY. Run 'go generate ./internal/database' to regenerate.
-- Source: internal/database/migrations/files/*.sql

`

// schemaObject is one CREATE statement kept in schema.sql.
type schemaObject struct {
	kind string
	name string
	sql  string
}

func main() {
	out := flag.String("out", filepath.Join("internal", "database", "schema.sql"), "schema file to write")
	check := flag.Bool("check", false, "fail if the schema file is out of date instead of writing it")
	flag.Parse()

	if err := run(*out, *check); err != nil {
		fmt.Fprintf(os.Stderr, "generate_schema: %v\n", err)
		os.Exit(1)
	}
}

func run(out string, check bool) error {
	objects, err := migratedObjects()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := render(&buf, objects); err != nil {
		return fmt.Errorf("rendering schema: %w", err)
	}

	if check {
		current, err := os.ReadFile(out)
		if err != nil {
			return fmt.Errorf("reading %s: %w", out, err)
		}
		if !bytes.Equal(current, buf.Bytes()) {
			return fmt.Errorf("%s is stale, run 'go generate ./internal/database'", out)
		}
		fmt.Printf("%s is up to date\n", out)
		return nil
	}

	if err := os.WriteFile(out, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}
	tables, indexes := count(objects)
	fmt.Printf("generated %s: %d tables, %d indexes\n", out, tables, indexes)
	return nil
}

// migratedObjects applies every migration to a scratch database and lists
// what they created.
func migratedObjects() ([]schemaObject, error) {
	db, err := database.OpenConnection(":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening scratch database: %w", err)
	}
	defer db.Close()

	if err := migrations.MigrateUp(db); err != nil {
		return nil, fmt.Errorf("applying migrations: %w", err)
	}
	return listObjects(db)
}

// listObjects returns tables before indexes, each group sorted by name.
// SQLite internals, automatic indexes and the migration bookkeeping table
// are left out.
func listObjects(db *sql.DB) ([]schemaObject, error) {
	rows, err := db.Query(`
		SELECT type, name, sql
		FROM sqlite_master
		WHERE type IN ('table', 'index')
		  AND sql IS NOT NULL
		  AND name NOT LIKE 'sqlite_%'
		  AND tbl_name != 'schema_migrations'
		ORDER BY type = 'index', name
	`)
	if err != nil {
		return nil, fmt.Errorf("listing schema objects: %w", err)
	}
	defer rows.Close()

	var objects []schemaObject
	for rows.Next() {
		var o schemaObject
		if err := rows.Scan(&o.kind, &o.name, &o.sql); err != nil {
			return nil, fmt.Errorf("scanning schema object: %w", err)
		}
		objects = append(objects, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing schema objects: %w", err)
	}
	return objects, nil
}

func render(w io.Writer, objects []schemaObject) error {
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	for _, o := range objects {
		if _, err := fmt.Fprintf(w, "%s;\n\n", o.sql); err != nil {
			return fmt.Errorf("writing %s %s: %w", o.kind, o.name, err)
		}
	}
	return nil
}

func count(objects []schemaObject) (tables, indexes int) {
	for _, o := range objects {
		switch o.kind {
		case "table":
			tables++
		case "index":
			indexes++
		}
	}
	return tables, indexes
}
