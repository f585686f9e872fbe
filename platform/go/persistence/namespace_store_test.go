package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNamespaceStoreList(t *testing.T) {
	pool := startTestPool(t)
	ctx := context.Background()

	store := NewRecordStore(pool)
	namespaces := NewNamespaceStore(pool)

	err := store.RunInTx(ctx, func(ops *RecordTx) error {
		seeds := []CreateRecordParams{
			{Namespace: "shops", Key: "a", Metadata: map[string]any{}, Owner: strPtr("alice")},
			{Namespace: "shops", Key: "b", Metadata: map[string]any{}, Owner: strPtr("alice")},
			{Namespace: "shops", Key: "c", Metadata: map[string]any{}, Owner: strPtr("bob")},
			{Namespace: "shops", Key: "d", Metadata: map[string]any{}},
			{Namespace: "labs", Key: "x", Metadata: map[string]any{}, Owner: strPtr("carol")},
			{Namespace: "shelves", Key: "y", Metadata: map[string]any{}},
		}
		for _, params := range seeds {
			if _, err := ops.Create(ctx, params); err != nil {
				return err
			}
		}
		// Deleted rows count toward deletedRecords and drop out of owner counts.
		_, _, err := ops.SoftDelete(ctx, DeleteRecordParams{Namespace: "shops", Key: "c"})
		return err
	})
	require.NoError(t, err)

	t.Run("aggregates totals, deletions and owners", func(t *testing.T) {
		result, err := namespaces.List(ctx, ListNamespacesParams{Limit: 10})
		require.NoError(t, err)
		require.Equal(t, int64(3), result.Total)
		require.Len(t, result.Summaries, 3)
		require.Equal(t, "labs", result.Summaries[0].Namespace)
		require.Equal(t, "shelves", result.Summaries[1].Namespace)

		shops := result.Summaries[2]
		require.Equal(t, "shops", shops.Namespace)
		require.Equal(t, int64(4), shops.TotalRecords)
		require.Equal(t, int64(1), shops.DeletedRecords)
		require.False(t, shops.LastUpdatedAt.IsZero())
		require.Equal(t, []OwnerCount{{Owner: "alice", Count: 2}}, shops.OwnerCounts,
			"deleted and ownerless rows contribute no owner counts")
	})

	t.Run("prefix filters namespaces", func(t *testing.T) {
		result, err := namespaces.List(ctx, ListNamespacesParams{Prefix: "sh", Limit: 10})
		require.NoError(t, err)
		require.Equal(t, int64(2), result.Total)
		require.Equal(t, "shelves", result.Summaries[0].Namespace)
		require.Equal(t, "shops", result.Summaries[1].Namespace)
	})

	t.Run("prefix treats LIKE metacharacters literally", func(t *testing.T) {
		result, err := namespaces.List(ctx, ListNamespacesParams{Prefix: "sh_", Limit: 10})
		require.NoError(t, err)
		require.Zero(t, result.Total)
	})

	t.Run("scope restricts to the allow-list", func(t *testing.T) {
		result, err := namespaces.List(ctx, ListNamespacesParams{Scope: []string{"labs"}, Limit: 10})
		require.NoError(t, err)
		require.Equal(t, int64(1), result.Total)
		require.Equal(t, "labs", result.Summaries[0].Namespace)
	})

	t.Run("empty scope matches nothing", func(t *testing.T) {
		result, err := namespaces.List(ctx, ListNamespacesParams{Scope: []string{}, Limit: 10})
		require.NoError(t, err)
		require.Zero(t, result.Total)
		require.Empty(t, result.Summaries)
	})

	t.Run("pagination keeps the overall total", func(t *testing.T) {
		result, err := namespaces.List(ctx, ListNamespacesParams{Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Equal(t, int64(3), result.Total)
		require.Len(t, result.Summaries, 1)
		require.Equal(t, "shops", result.Summaries[0].Namespace)
	})
}
