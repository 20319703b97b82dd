package main

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestSchemaFileIsCurrent(t *testing.T) {
	objects, err := migratedObjects()
	if err != nil {
		t.Fatalf("migratedObjects() error = %v", err)
	}

	var buf bytes.Buffer
	if err := render(&buf, objects); err != nil {
		t.Fatalf("render() error = %v", err)
	}

	committed, err := os.ReadFile("../schema.sql")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(committed, buf.Bytes()) {
		t.Error("schema.sql differs from the migrations, run 'go generate ./internal/database'")
	}
}

func TestListObjects_TablesBeforeIndexes(t *testing.T) {
	objects, err := migratedObjects()
	if err != nil {
		t.Fatalf("migratedObjects() error = %v", err)
	}

	seenIndex := false
	for _, o := range objects {
		if o.kind == "index" {
			seenIndex = true
		}
		if o.kind == "table" && seenIndex {
			t.Errorf("table %s listed after an index", o.name)
		}
		if o.name == "schema_migrations" || strings.HasPrefix(o.name, "sqlite_") {
			t.Errorf("bookkeeping object %s listed", o.name)
		}
	}

	tables, indexes := count(objects)
	if tables == 0 || indexes == 0 {
		t.Errorf("count() = %d tables, %d indexes, want both", tables, indexes)
	}
}
