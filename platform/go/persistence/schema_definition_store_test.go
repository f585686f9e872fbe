package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchemaDefinitionStore(t *testing.T) {
	pool := startTestPool(t)
	ctx := context.Background()

	store := NewSchemaDefinitionStore(pool)

	_, err := store.Get(ctx, "sha256:unknown")
	require.ErrorIs(t, err, ErrSchemaNotFound)

	def := SchemaDefinition{
		SchemaHash:  "sha256:abc123",
		Name:        "asset-v1",
		Description: strPtr("asset metadata shape"),
		Version:     strPtr("1.0.0"),
		Fields: []SchemaField{
			{Path: "kind", Type: "string", Required: true},
			{Path: "size.bytes", Type: "number", Hints: map[string]any{"unit": "bytes"}},
		},
		Metadata: map[string]any{"team": "media"},
	}

	stored, created, err := store.Upsert(ctx, def)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, def.SchemaHash, stored.SchemaHash)
	require.Equal(t, def.Fields, stored.Fields)
	require.False(t, stored.CreatedAt.IsZero())

	fetched, err := store.Get(ctx, "sha256:abc123")
	require.NoError(t, err)
	require.Equal(t, "asset-v1", fetched.Name)
	require.Equal(t, map[string]any{"team": "media"}, fetched.Metadata)
	require.Len(t, fetched.Fields, 2)
	require.True(t, fetched.Fields[0].Required)

	def.Name = "asset-v2"
	def.Fields = append(def.Fields, SchemaField{Path: "codecs", Type: "string", Repeated: true})
	updated, created, err := store.Upsert(ctx, def)
	require.NoError(t, err)
	require.False(t, created, "same hash replaces in place")
	require.Equal(t, "asset-v2", updated.Name)
	require.Len(t, updated.Fields, 3)
	require.True(t, updated.UpdatedAt.After(updated.CreatedAt) || updated.UpdatedAt.Equal(updated.CreatedAt))
}
