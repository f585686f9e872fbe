// Package service implements the schema registry: definitions keyed by hash,
// fronted by a stale-while-revalidate cache. The registry stores shapes for
// consumers to interpret records; it never validates record payloads.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/benediktbwimmer/apphub-metastore/platform/go/httperr"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/metrics"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/persistence"
)

// registrationSchema constrains POST /admin/schemas payloads. Field types
// mirror persistence.SchemaField.
const registrationSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["schemaHash", "name", "fields"],
	"additionalProperties": false,
	"properties": {
		"schemaHash": {
			"type": "string",
			"minLength": 1,
			"maxLength": 128,
			"pattern": "^[A-Za-z0-9][A-Za-z0-9:._-]*$"
		},
		"name": {"type": "string", "minLength": 1, "maxLength": 200},
		"description": {"type": ["string", "null"], "maxLength": 2000},
		"version": {"type": ["string", "null"], "maxLength": 64},
		"fields": {
			"type": "array",
			"maxItems": 500,
			"items": {
				"type": "object",
				"required": ["path", "type"],
				"additionalProperties": false,
				"properties": {
					"path": {"type": "string", "minLength": 1, "maxLength": 512},
					"type": {
						"type": "string",
						"enum": ["string", "number", "integer", "boolean", "object", "array", "null", "any"]
					},
					"required": {"type": "boolean"},
					"repeated": {"type": "boolean"},
					"description": {"type": "string", "maxLength": 2000},
					"hints": {"type": "object"}
				}
			}
		},
		"metadata": {"type": "object"}
	}
}`

var compiledRegistrationSchema = jsonschema.MustCompileString("metastore/schema-registration.json", registrationSchema)

// Store is the registry persistence surface, satisfied by
// *persistence.SchemaDefinitionStore.
type Store interface {
	Get(ctx context.Context, schemaHash string) (persistence.SchemaDefinition, error)
	Upsert(ctx context.Context, def persistence.SchemaDefinition) (persistence.SchemaDefinition, bool, error)
}

// RegisterResult reports the stored definition and whether the hash was new.
type RegisterResult struct {
	Definition persistence.SchemaDefinition
	Created    bool
}

// Service exposes schema registry operations.
type Service interface {
	Get(ctx context.Context, schemaHash string) (persistence.SchemaDefinition, error)
	Register(ctx context.Context, payload json.RawMessage) (RegisterResult, error)
	Run(ctx context.Context)
}

type service struct {
	store Store
	cache *cache
}

// New builds the registry service. Metrics may be nil.
func New(store Store, cfg Config, m *metrics.Metrics) Service {
	if store == nil {
		panic("schema store is required")
	}
	return &service{
		store: store,
		cache: newCache(store, cfg, m),
	}
}

func (s *service) Get(ctx context.Context, schemaHash string) (persistence.SchemaDefinition, error) {
	hash := strings.TrimSpace(schemaHash)
	if hash == "" {
		return persistence.SchemaDefinition{}, httperr.BadRequest("schema hash is required")
	}

	def, err := s.cache.Lookup(ctx, hash)
	if err != nil {
		if errors.Is(err, persistence.ErrSchemaNotFound) {
			return persistence.SchemaDefinition{}, httperr.NotFound("schema definition not found")
		}
		return persistence.SchemaDefinition{}, err
	}
	return def, nil
}

func (s *service) Register(ctx context.Context, payload json.RawMessage) (RegisterResult, error) {
	var document any
	if err := json.Unmarshal(payload, &document); err != nil {
		return RegisterResult{}, httperr.BadRequest("request body is not valid JSON: " + err.Error())
	}
	if err := compiledRegistrationSchema.Validate(document); err != nil {
		return RegisterResult{}, httperr.BadRequest("schema registration payload is invalid").WithDetails(validationDetails(err))
	}

	var input struct {
		SchemaHash  string                    `json:"schemaHash"`
		Name        string                    `json:"name"`
		Description *string                   `json:"description"`
		Version     *string                   `json:"version"`
		Fields      []persistence.SchemaField `json:"fields"`
		Metadata    map[string]any            `json:"metadata"`
	}
	if err := json.Unmarshal(payload, &input); err != nil {
		return RegisterResult{}, httperr.BadRequest("request body is not valid JSON: " + err.Error())
	}

	def, created, err := s.store.Upsert(ctx, persistence.SchemaDefinition{
		SchemaHash:  input.SchemaHash,
		Name:        strings.TrimSpace(input.Name),
		Description: input.Description,
		Version:     input.Version,
		Fields:      input.Fields,
		Metadata:    input.Metadata,
	})
	if err != nil {
		return RegisterResult{}, err
	}

	// Replace any negative or stale entry so readers see the registration
	// without waiting out a TTL.
	s.cache.Put(def.SchemaHash, def)

	return RegisterResult{Definition: def, Created: created}, nil
}

// Run drives the background refresh loop until the context ends.
func (s *service) Run(ctx context.Context) {
	s.cache.Run(ctx)
}

// validationDetails flattens jsonschema causes into instance-path messages.
func validationDetails(err error) map[string][]string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return map[string][]string{"payload": {err.Error()}}
	}

	details := map[string][]string{}
	var walk func(*jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			path := v.InstanceLocation
			if path == "" {
				path = "payload"
			}
			details[path] = append(details[path], v.Message)
			return
		}
		for _, cause := range v.Causes {
			walk(cause)
		}
	}
	walk(verr)
	if len(details) == 0 {
		return map[string][]string{"payload": {fmt.Sprintf("invalid payload: %v", err)}}
	}
	return details
}
