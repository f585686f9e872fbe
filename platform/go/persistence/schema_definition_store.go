package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSchemaNotFound indicates no schema definition is registered under the hash.
var ErrSchemaNotFound = errors.New("schema definition not found")

// SchemaField describes one addressable path within records carrying the schema.
type SchemaField struct {
	Path        string         `json:"path"`
	Type        string         `json:"type"`
	Required    bool           `json:"required,omitempty"`
	Repeated    bool           `json:"repeated,omitempty"`
	Description string         `json:"description,omitempty"`
	Hints       map[string]any `json:"hints,omitempty"`
}

// SchemaDefinition is a registry entry keyed by schemaHash. The registry
// stores shapes for consumers; it never validates record payloads.
type SchemaDefinition struct {
	SchemaHash  string         `json:"schemaHash"`
	Name        string         `json:"name"`
	Description *string        `json:"description"`
	Version     *string        `json:"version"`
	Fields      []SchemaField  `json:"fields"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// SchemaDefinitionStore persists registry entries in schema_definitions.
type SchemaDefinitionStore struct {
	pool *pgxpool.Pool
}

// NewSchemaDefinitionStore wires the store to the shared pool.
func NewSchemaDefinitionStore(pool *pgxpool.Pool) *SchemaDefinitionStore {
	if pool == nil {
		panic("schema definition store: pool is required")
	}
	return &SchemaDefinitionStore{pool: pool}
}

const schemaDefinitionColumns = `schema_hash, name, description, version, fields, metadata, created_at, updated_at`

// Get fetches the definition registered under the hash.
func (s *SchemaDefinitionStore) Get(ctx context.Context, schemaHash string) (SchemaDefinition, error) {
	def, err := scanSchemaDefinition(s.pool.QueryRow(ctx, `
		SELECT `+schemaDefinitionColumns+`
		FROM schema_definitions
		WHERE schema_hash = $1`, schemaHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SchemaDefinition{}, ErrSchemaNotFound
		}
		return SchemaDefinition{}, fmt.Errorf("get schema definition: %w", err)
	}
	return def, nil
}

// Upsert registers or replaces a definition. created reports whether the hash
// was previously unknown.
func (s *SchemaDefinitionStore) Upsert(ctx context.Context, def SchemaDefinition) (SchemaDefinition, bool, error) {
	fields, err := json.Marshal(def.Fields)
	if err != nil {
		return SchemaDefinition{}, false, fmt.Errorf("encode schema fields: %w", err)
	}
	metadata, err := encodeMetadata(def.Metadata)
	if err != nil {
		return SchemaDefinition{}, false, err
	}

	var created bool
	stored, err := scanSchemaDefinitionWith(s.pool.QueryRow(ctx, `
		INSERT INTO schema_definitions (schema_hash, name, description, version, fields, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (schema_hash) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			version = EXCLUDED.version,
			fields = EXCLUDED.fields,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING `+schemaDefinitionColumns+`, (xmax = 0) AS inserted`,
		def.SchemaHash, def.Name, def.Description, def.Version, fields, metadata), &created)
	if err != nil {
		return SchemaDefinition{}, false, fmt.Errorf("upsert schema definition: %w", err)
	}
	return stored, created, nil
}

func scanSchemaDefinition(scanner rowScanner) (SchemaDefinition, error) {
	return scanSchemaDefinitionWith(scanner)
}

func scanSchemaDefinitionWith(scanner rowScanner, extra ...any) (SchemaDefinition, error) {
	var (
		def      SchemaDefinition
		fields   []byte
		metadata []byte
	)
	dest := []any{
		&def.SchemaHash,
		&def.Name,
		&def.Description,
		&def.Version,
		&fields,
		&metadata,
		&def.CreatedAt,
		&def.UpdatedAt,
	}
	dest = append(dest, extra...)
	if err := scanner.Scan(dest...); err != nil {
		return SchemaDefinition{}, err
	}

	def.Fields = []SchemaField{}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &def.Fields); err != nil {
			return SchemaDefinition{}, fmt.Errorf("decode schema fields: %w", err)
		}
	}
	def.Metadata = map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &def.Metadata); err != nil {
			return SchemaDefinition{}, fmt.Errorf("decode schema metadata: %w", err)
		}
	}
	def.CreatedAt = def.CreatedAt.UTC()
	def.UpdatedAt = def.UpdatedAt.UTC()
	return def, nil
}
