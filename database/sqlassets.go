package sqlassets

import _ "embed"

//go:embed migrations/001_records.sql
var RecordsSQL string

//go:embed migrations/002_record_audits.sql
var RecordAuditsSQL string

//go:embed migrations/003_schema_definitions.sql
var SchemaDefinitionsSQL string

// Migration pairs a stable identifier with the DDL it applies. Identifiers
// are recorded in schema_migrations so each asset runs at most once.
type Migration struct {
	ID  string
	SQL string
}

// Migrations returns the embedded migrations in apply order.
func Migrations() []Migration {
	return []Migration{
		{ID: "001_records", SQL: RecordsSQL},
		{ID: "002_record_audits", SQL: RecordAuditsSQL},
		{ID: "003_schema_definitions", SQL: SchemaDefinitionsSQL},
	}
}
