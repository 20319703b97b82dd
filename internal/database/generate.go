package database

// To regenerate schema.sql from the migrations:
//   go generate ./internal/database
// To only verify it is current:
//   go run internal/database/tools/generate_schema.go -check

//go:generate sh -c "cd ../.. && go run internal/database/tools/generate_schema.go"
