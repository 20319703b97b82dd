package database

import _ "embed"

// Schema is the full schema produced by applying every migration. Tests
// execute it against in-memory databases instead of running migrations.
//
//go:embed schema.sql
var Schema string
