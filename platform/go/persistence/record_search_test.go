package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/benediktbwimmer/apphub-metastore/platform/go/search"
)

func seedSearchFixtures(t *testing.T, store *RecordStore) {
	t.Helper()
	ctx := context.Background()

	fixtures := []CreateRecordParams{
		{
			Namespace: "assets",
			Key:       "render-alpha",
			Metadata: map[string]any{
				"kind":       "render",
				"size":       map[string]any{"bytes": float64(2048)},
				"codecs":     []any{"h264", "vp9"},
				"capturedAt": "2026-03-01T12:00:00Z",
			},
			Tags:  []string{"video", "prod"},
			Owner: strPtr("alice"),
		},
		{
			Namespace: "assets",
			Key:       "render-beta",
			Metadata: map[string]any{
				"kind":       "render",
				"size":       map[string]any{"bytes": float64(512)},
				"capturedAt": "2026-01-15T08:00:00Z",
			},
			Tags:  []string{"video", "staging"},
			Owner: strPtr("bob"),
		},
		{
			Namespace: "assets",
			Key:       "thumb-alpha",
			Metadata: map[string]any{
				"kind":       "thumbnail",
				"size":       map[string]any{"bytes": float64(64)},
				"capturedAt": "2025-11-02T09:30:00Z",
			},
			Tags: []string{"image"},
		},
		{
			Namespace: "archive",
			Key:       "render-old",
			Metadata:  map[string]any{"kind": "render"},
			Tags:      []string{"video"},
		},
	}

	err := store.RunInTx(ctx, func(ops *RecordTx) error {
		for _, params := range fixtures {
			if _, err := ops.Create(ctx, params); err != nil {
				return err
			}
		}
		// One soft-deleted row to exercise includeDeleted.
		if _, err := ops.Create(ctx, CreateRecordParams{
			Namespace: "assets",
			Key:       "render-gone",
			Metadata:  map[string]any{"kind": "render"},
			Tags:      []string{"video"},
		}); err != nil {
			return err
		}
		_, _, err := ops.SoftDelete(ctx, DeleteRecordParams{Namespace: "assets", Key: "render-gone"})
		return err
	})
	require.NoError(t, err)
}

func searchKeys(result SearchRecordsResult) []string {
	keys := make([]string, 0, len(result.Records))
	for _, record := range result.Records {
		keys = append(keys, record.Key)
	}
	return keys
}

func TestSearchRecords(t *testing.T) {
	pool := startTestPool(t)
	ctx := context.Background()

	store := NewRecordStore(pool)
	seedSearchFixtures(t, store)

	keySort := []search.SortField{{Field: "key", Direction: "asc"}}

	t.Run("metadata path equality", func(t *testing.T) {
		result, err := store.SearchRecords(ctx, SearchRecordsParams{
			Namespace: "assets",
			Filter:    search.Condition("metadata.kind", search.OpEq, "render"),
			Sort:      keySort,
			Limit:     50,
		})
		require.NoError(t, err)
		require.Equal(t, int64(2), result.Total)
		require.Equal(t, []string{"render-alpha", "render-beta"}, searchKeys(result))
	})

	t.Run("ordered comparison on a nested path uses the text form", func(t *testing.T) {
		// ISO timestamps order correctly under the text extract.
		result, err := store.SearchRecords(ctx, SearchRecordsParams{
			Namespace: "assets",
			Filter:    search.Condition("metadata.capturedAt", search.OpGt, "2026-01-01T00:00:00Z"),
			Sort:      keySort,
			Limit:     50,
		})
		require.NoError(t, err)
		require.Equal(t, []string{"render-alpha", "render-beta"}, searchKeys(result))
	})

	t.Run("between on a nested path", func(t *testing.T) {
		filter := &search.Filter{
			Type:     search.NodeCondition,
			Field:    "metadata.capturedAt",
			Operator: search.OpBetween,
			Values:   []any{"2026-01-01T00:00:00Z", "2026-02-01T00:00:00Z"},
		}
		result, err := store.SearchRecords(ctx, SearchRecordsParams{
			Namespace: "assets",
			Filter:    filter,
			Limit:     50,
		})
		require.NoError(t, err)
		require.Equal(t, []string{"render-beta"}, searchKeys(result))
	})

	t.Run("tag overlap", func(t *testing.T) {
		filter := &search.Filter{
			Type:     search.NodeCondition,
			Field:    "tags",
			Operator: search.OpArrayContains,
			Values:   []any{"prod", "staging"},
		}
		result, err := store.SearchRecords(ctx, SearchRecordsParams{
			Namespace: "assets",
			Filter:    filter,
			Sort:      keySort,
			Limit:     50,
		})
		require.NoError(t, err)
		require.Equal(t, []string{"render-alpha", "render-beta"}, searchKeys(result))
	})

	t.Run("json array membership", func(t *testing.T) {
		result, err := store.SearchRecords(ctx, SearchRecordsParams{
			Namespace: "assets",
			Filter:    search.Condition("metadata.codecs", search.OpArrayContains, "vp9"),
			Limit:     50,
		})
		require.NoError(t, err)
		require.Equal(t, []string{"render-alpha"}, searchKeys(result))
	})

	t.Run("has_key probes object keys", func(t *testing.T) {
		result, err := store.SearchRecords(ctx, SearchRecordsParams{
			Namespace: "assets",
			Filter:    search.Condition("metadata.size", search.OpHasKey, "bytes"),
			Sort:      keySort,
			Limit:     50,
		})
		require.NoError(t, err)
		require.Equal(t, []string{"render-alpha", "render-beta", "thumb-alpha"}, searchKeys(result))
	})

	t.Run("boolean groups and negation", func(t *testing.T) {
		filter := search.And(
			search.Condition("metadata.kind", search.OpEq, "render"),
			&search.Filter{
				Type:    search.NodeNot,
				Negated: search.Condition("owner", search.OpEq, "bob"),
			},
		)
		result, err := store.SearchRecords(ctx, SearchRecordsParams{
			Namespace: "assets",
			Filter:    filter,
			Limit:     50,
		})
		require.NoError(t, err)
		require.Equal(t, []string{"render-alpha"}, searchKeys(result))
	})

	t.Run("or group spans conditions", func(t *testing.T) {
		filter := &search.Filter{
			Type:    search.NodeGroup,
			GroupOp: search.GroupOr,
			Filters: []*search.Filter{
				search.Condition("key", search.OpEq, "thumb-alpha"),
				search.Condition("owner", search.OpEq, "alice"),
			},
		}
		result, err := store.SearchRecords(ctx, SearchRecordsParams{
			Namespace: "assets",
			Filter:    filter,
			Sort:      keySort,
			Limit:     50,
		})
		require.NoError(t, err)
		require.Equal(t, []string{"render-alpha", "thumb-alpha"}, searchKeys(result))
	})

	t.Run("deleted rows stay hidden unless asked for", func(t *testing.T) {
		result, err := store.SearchRecords(ctx, SearchRecordsParams{
			Namespace: "assets",
			Filter:    search.Condition("metadata.kind", search.OpEq, "render"),
			Limit:     50,
		})
		require.NoError(t, err)
		require.NotContains(t, searchKeys(result), "render-gone")

		withDeleted, err := store.SearchRecords(ctx, SearchRecordsParams{
			Namespace:      "assets",
			Filter:         search.Condition("metadata.kind", search.OpEq, "render"),
			IncludeDeleted: true,
			Sort:           keySort,
			Limit:          50,
		})
		require.NoError(t, err)
		require.Contains(t, searchKeys(withDeleted), "render-gone")
	})

	t.Run("namespace scope restricts cross-namespace search", func(t *testing.T) {
		result, err := store.SearchRecords(ctx, SearchRecordsParams{
			NamespaceScope: []string{"archive"},
			Filter:         search.Condition("metadata.kind", search.OpEq, "render"),
			Limit:          50,
		})
		require.NoError(t, err)
		require.Equal(t, []string{"render-old"}, searchKeys(result))
	})

	t.Run("pagination reports the full total", func(t *testing.T) {
		result, err := store.SearchRecords(ctx, SearchRecordsParams{
			Namespace: "assets",
			Sort:      keySort,
			Limit:     2,
			Offset:    0,
		})
		require.NoError(t, err)
		require.Equal(t, int64(3), result.Total)
		require.Equal(t, []string{"render-alpha", "render-beta"}, searchKeys(result))

		next, err := store.SearchRecords(ctx, SearchRecordsParams{
			Namespace: "assets",
			Sort:      keySort,
			Limit:     2,
			Offset:    2,
		})
		require.NoError(t, err)
		require.Equal(t, int64(3), next.Total)
		require.Equal(t, []string{"thumb-alpha"}, searchKeys(next))
	})

	t.Run("default sort falls back to updatedAt then id", func(t *testing.T) {
		result, err := store.SearchRecords(ctx, SearchRecordsParams{
			Namespace: "archive",
			Limit:     50,
		})
		require.NoError(t, err)
		require.Equal(t, []string{"render-old"}, searchKeys(result))
	})

	t.Run("invalid filter surfaces ErrInvalid", func(t *testing.T) {
		_, err := store.SearchRecords(ctx, SearchRecordsParams{
			Namespace: "assets",
			Filter:    search.Condition("bogus", search.OpEq, "x"),
			Limit:     50,
		})
		require.ErrorIs(t, err, search.ErrInvalid)
	})
}
