package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/benediktbwimmer/apphub-metastore/platform/go/auth"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/httperr"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/persistence"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/search"
)

func adminIdentity() *auth.Identity {
	return auth.NewIdentity("ops@apphub.dev", auth.KindUser, []string{auth.ScopeAdmin}, []string{"*"})
}

func readerIdentity(namespaces ...string) *auth.Identity {
	return auth.NewIdentity("reader@apphub.dev", auth.KindService, []string{auth.ScopeRead}, namespaces)
}

const presetJSON = `[
	{
		"name": "active-pipelines",
		"description": "Live pipeline records",
		"filter": {"type": "condition", "field": "metadata.status", "operator": "eq", "value": "active"},
		"requiredScopes": ["metastore:read"]
	},
	{
		"name": "operators-only",
		"filter": {"field": "owner", "operator": "exists"},
		"requiredScopes": ["metastore:admin"]
	}
]`

func presetFixtures(t *testing.T) []Preset {
	t.Helper()
	presets, err := ParsePresets(presetJSON)
	require.NoError(t, err)
	return presets
}

func TestParsePresets(t *testing.T) {
	t.Parallel()

	presets := presetFixtures(t)
	require.Len(t, presets, 2)
	require.Equal(t, "active-pipelines", presets[0].Name)
	require.Equal(t, "Live pipeline records", presets[0].Description)
	require.Equal(t, search.NodeCondition, presets[0].Filter.Type)
	require.Equal(t, []string{"metastore:read"}, presets[0].RequiredScopes)
	require.NotNil(t, presets[0].RawFilter)

	none, err := ParsePresets("   ")
	require.NoError(t, err)
	require.Empty(t, none)

	_, err = ParsePresets(`[{"filter": {"field": "owner", "operator": "exists"}}]`)
	require.ErrorContains(t, err, "has no name")

	_, err = ParsePresets(`[{"name": "x", "filter": {"field": "owner", "operator": "exists"}}, {"name": "x", "filter": {"field": "owner", "operator": "exists"}}]`)
	require.ErrorContains(t, err, "duplicate")

	_, err = ParsePresets(`[{"name": "broken"}]`)
	require.ErrorContains(t, err, "has no filter")

	_, err = ParsePresets(`[{"name": "bad-op", "filter": {"field": "owner", "operator": "matches"}}]`)
	require.ErrorContains(t, err, "unknown operator")
}

func TestSearchCombinesFilterQueryAndPreset(t *testing.T) {
	t.Parallel()

	var captured persistence.SearchRecordsParams
	repository := &mockRepo{
		searchFn: func(_ context.Context, params persistence.SearchRecordsParams) (persistence.SearchRecordsResult, error) {
			captured = params
			return persistence.SearchRecordsResult{
				Records: []persistence.Record{testRecord("analytics", "pipeline-1", 2)},
				Total:   1,
			}, nil
		},
	}
	svc := New(repository, nil, nil, presetFixtures(t))

	result, err := svc.Search(context.Background(), adminIdentity(), SearchInput{
		Namespace: "analytics",
		Filter:    json.RawMessage(`{"type": "condition", "field": "tags", "operator": "array_contains", "values": ["pipelines"]}`),
		Query:     `owner:"data-team@apphub.dev"`,
		Preset:    "active-pipelines",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Total)
	require.Equal(t, 50, result.Limit)
	require.Zero(t, result.Offset)

	require.Equal(t, "analytics", captured.Namespace)
	require.Nil(t, captured.NamespaceScope, "wildcard identities search unscoped")

	// filter AND query AND preset fold left into nested and-groups
	require.NotNil(t, captured.Filter)
	require.Equal(t, search.NodeGroup, captured.Filter.Type)
	require.Equal(t, search.GroupAnd, captured.Filter.GroupOp)
	require.Len(t, captured.Filter.Filters, 2)

	inner := captured.Filter.Filters[0]
	require.Equal(t, search.NodeGroup, inner.Type)
	require.Len(t, inner.Filters, 2)
	require.Equal(t, "tags", inner.Filters[0].Field)
	require.Equal(t, "owner", inner.Filters[1].Field)

	presetLeaf := captured.Filter.Filters[1]
	require.Equal(t, "metadata.status", presetLeaf.Field)
}

func TestSearchRequiresNamespace(t *testing.T) {
	t.Parallel()

	svc := New(&mockRepo{}, nil, nil, nil)

	_, err := svc.Search(context.Background(), adminIdentity(), SearchInput{})
	requireHTTPError(t, err, 400, httperr.CodeBadRequest)
}

func TestSearchRejectsMalformedInputs(t *testing.T) {
	t.Parallel()

	svc := New(&mockRepo{}, nil, nil, presetFixtures(t))
	identity := adminIdentity()

	_, err := svc.Search(context.Background(), identity, SearchInput{
		Namespace: "analytics",
		Filter:    json.RawMessage(`{"type": "condition", "field": "metadata.status", "operator": "matches", "value": "x"}`),
	})
	requireHTTPError(t, err, 400, httperr.CodeBadRequest)

	_, err = svc.Search(context.Background(), identity, SearchInput{
		Namespace: "analytics",
		Query:     `status "missing operator"`,
	})
	requireHTTPError(t, err, 400, httperr.CodeBadRequest)

	_, err = svc.Search(context.Background(), identity, SearchInput{
		Namespace: "analytics",
		Sort:      []search.SortField{{Field: "tags"}},
	})
	requireHTTPError(t, err, 400, httperr.CodeBadRequest)

	tooBig := 1000
	_, err = svc.Search(context.Background(), identity, SearchInput{
		Namespace: "analytics",
		Limit:     &tooBig,
	})
	requireHTTPError(t, err, 400, httperr.CodeBadRequest)

	_, err = svc.Search(context.Background(), identity, SearchInput{
		Namespace: "analytics",
		Preset:    "does-not-exist",
	})
	he := requireHTTPError(t, err, 400, httperr.CodeBadRequest)
	require.Contains(t, he.Message, "does-not-exist")
}

func TestSearchPresetScopeDenied(t *testing.T) {
	t.Parallel()

	svc := New(&mockRepo{}, nil, nil, presetFixtures(t))

	_, err := svc.Search(context.Background(), readerIdentity("analytics"), SearchInput{
		Namespace: "analytics",
		Preset:    "operators-only",
	})
	requireHTTPError(t, err, 403, httperr.CodeForbidden)
}

func TestSearchScopedIdentityRestrictsNamespaces(t *testing.T) {
	t.Parallel()

	var captured persistence.SearchRecordsParams
	repository := &mockRepo{
		searchFn: func(_ context.Context, params persistence.SearchRecordsParams) (persistence.SearchRecordsResult, error) {
			captured = params
			return persistence.SearchRecordsResult{}, nil
		},
	}
	svc := New(repository, nil, nil, nil)

	_, err := svc.Search(context.Background(), readerIdentity("analytics", "ops"), SearchInput{
		Namespace:      "analytics",
		IncludeDeleted: true,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"analytics", "ops"}, captured.NamespaceScope)
	require.True(t, captured.IncludeDeleted)
	require.Nil(t, captured.Filter)
}

func TestSearchAppliesSummaryProjection(t *testing.T) {
	t.Parallel()

	repository := &mockRepo{
		searchFn: func(_ context.Context, _ persistence.SearchRecordsParams) (persistence.SearchRecordsResult, error) {
			return persistence.SearchRecordsResult{}, nil
		},
	}
	svc := New(repository, nil, nil, nil)

	result, err := svc.Search(context.Background(), adminIdentity(), SearchInput{
		Namespace:  "analytics",
		Summary:    true,
		Projection: []string{"metadata.status"},
	})
	require.NoError(t, err)
	require.Contains(t, result.Projection, "namespace")
	require.Contains(t, result.Projection, "metadata.status")
}

func TestPresetsFilteredByIdentityScopes(t *testing.T) {
	t.Parallel()

	svc := New(&mockRepo{}, nil, nil, presetFixtures(t))

	visible := svc.Presets(readerIdentity("analytics"))
	require.Len(t, visible, 1)
	require.Equal(t, "active-pipelines", visible[0].Name)

	all := svc.Presets(adminIdentity())
	require.Len(t, all, 2)
}
