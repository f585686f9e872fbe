package search

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileScalarConditions(t *testing.T) {
	t.Parallel()

	sql, args, err := Compile(Condition("namespace", OpEq, "analytics"), 0)
	require.NoError(t, err)
	require.Equal(t, "r.namespace = $1", sql)
	require.Equal(t, []any{"analytics"}, args)

	sql, args, err = Compile(Condition("owner", OpNeq, "x"), 0)
	require.NoError(t, err)
	require.Equal(t, "r.owner IS DISTINCT FROM $1", sql)
	require.Equal(t, []any{"x"}, args)

	sql, args, err = Compile(Condition("version", OpGte, float64(2)), 0)
	require.NoError(t, err)
	require.Equal(t, "r.version >= $1::numeric", sql)
	require.Equal(t, []any{float64(2)}, args)

	sql, args, err = Compile(Condition("updatedAt", OpLt, "2026-01-01T00:00:00Z"), 0)
	require.NoError(t, err)
	require.Equal(t, "r.updated_at < $1::timestamptz", sql)
	require.Equal(t, []any{"2026-01-01T00:00:00Z"}, args)

	sql, _, err = Compile(Condition("deletedAt", OpExists, nil), 0)
	require.NoError(t, err)
	require.Equal(t, "r.deleted_at IS NOT NULL", sql)
}

func TestCompileScalarNulls(t *testing.T) {
	t.Parallel()

	sql, args, err := Compile(Condition("owner", OpEq, nil), 0)
	require.NoError(t, err)
	require.Equal(t, "r.owner IS NULL", sql)
	require.Empty(t, args)

	sql, _, err = Compile(Condition("owner", OpNeq, nil), 0)
	require.NoError(t, err)
	require.Equal(t, "r.owner IS NOT NULL", sql)
}

func TestCompileBetween(t *testing.T) {
	t.Parallel()

	f := &Filter{Type: NodeCondition, Field: "version", Operator: OpBetween, Values: []any{float64(1), float64(5)}}
	sql, args, err := Compile(f, 0)
	require.NoError(t, err)
	require.Equal(t, "r.version BETWEEN $1::numeric AND $2::numeric", sql)
	require.Equal(t, []any{float64(1), float64(5)}, args)
}

func TestCompileTags(t *testing.T) {
	t.Parallel()

	f := &Filter{Type: NodeCondition, Field: "tags", Operator: OpContains, Values: []any{"beta", "pipelines"}}
	sql, args, err := Compile(f, 0)
	require.NoError(t, err)
	require.Equal(t, "r.tags @> $1::text[]", sql)
	require.Equal(t, []any{[]string{"beta", "pipelines"}}, args)

	f = &Filter{Type: NodeCondition, Field: "tags", Operator: OpArrayContains, Value: "beta"}
	sql, args, err = Compile(f, 0)
	require.NoError(t, err)
	require.Equal(t, "r.tags && $1::text[]", sql)
	require.Equal(t, []any{[]string{"beta"}}, args)

	_, _, err = Compile(Condition("tags", OpGt, "x"), 0)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestCompileJSONPathConditions(t *testing.T) {
	t.Parallel()

	sql, args, err := Compile(Condition("metadata.status", OpEq, "paused"), 1)
	require.NoError(t, err)
	require.Equal(t, "r.metadata #> $2::text[] = $3::jsonb", sql)
	require.Equal(t, []any{[]string{"status"}, `"paused"`}, args)

	sql, args, err = Compile(Condition("metadata.thresholds.latencyMs", OpGt, float64(100)), 0)
	require.NoError(t, err)
	require.Equal(t, "r.metadata #>> $1::text[] > $2", sql)
	require.Equal(t, []any{[]string{"thresholds", "latencyMs"}, "100"}, args)

	sql, args, err = Compile(Condition("metadata.cfg", OpHasKey, "retries"), 0)
	require.NoError(t, err)
	require.Equal(t, "jsonb_exists(COALESCE(r.metadata #> $1::text[], '{}'::jsonb), $2)", sql)
	require.Equal(t, []any{[]string{"cfg"}, "retries"}, args)

	sql, _, err = Compile(Condition("metadata.steps", OpExists, nil), 0)
	require.NoError(t, err)
	require.Equal(t, "r.metadata #> $1::text[] IS NOT NULL", sql)
}

func TestCompileJSONArrayContains(t *testing.T) {
	t.Parallel()

	f := &Filter{Type: NodeCondition, Field: "metadata.steps", Operator: OpArrayContains, Values: []any{"extract", "load"}}
	sql, args, err := Compile(f, 0)
	require.NoError(t, err)
	require.Equal(t,
		"EXISTS (SELECT 1 FROM jsonb_array_elements(COALESCE(r.metadata #> $1::text[], '[]'::jsonb)) AS elem(value) WHERE elem.value @> $2::jsonb OR elem.value @> $3::jsonb)",
		sql)
	require.Equal(t, []any{[]string{"steps"}, `"extract"`, `"load"`}, args)
}

func TestCompileJSONNullEquality(t *testing.T) {
	t.Parallel()

	sql, args, err := Compile(Condition("metadata.note", OpEq, nil), 0)
	require.NoError(t, err)
	require.Equal(t, "(r.metadata #> $1::text[] IS NULL OR r.metadata #> $1::text[] = 'null'::jsonb)", sql)
	require.Equal(t, []any{[]string{"note"}}, args)
}

func TestCompileGroupsAndNot(t *testing.T) {
	t.Parallel()

	f := &Filter{
		Type:    NodeGroup,
		GroupOp: GroupOr,
		Filters: []*Filter{
			Condition("namespace", OpEq, "analytics"),
			{Type: NodeNot, Negated: Condition("metadata.status", OpEq, "retired")},
		},
	}
	sql, args, err := Compile(f, 0)
	require.NoError(t, err)
	require.Equal(t, "(r.namespace = $1 OR NOT (r.metadata #> $2::text[] = $3::jsonb))", sql)
	require.Len(t, args, 3)
}

func TestCompileRejectsUnknownFieldsAndBadPaths(t *testing.T) {
	t.Parallel()

	_, _, err := Compile(Condition("status", OpEq, "x"), 0)
	require.ErrorIs(t, err, ErrInvalid)

	_, _, err = Compile(Condition("metadata.bad path", OpEq, "x"), 0)
	require.ErrorIs(t, err, ErrInvalid)

	_, _, err = Compile(Condition("metadata.a;DROP", OpEq, "x"), 0)
	require.ErrorIs(t, err, ErrInvalid)

	_, _, err = Compile(Condition("owner", OpHasKey, "k"), 0)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestCompileNeverInlinesValues(t *testing.T) {
	t.Parallel()

	hostile := `'; DROP TABLE records; --`
	f := &Filter{
		Type:    NodeGroup,
		GroupOp: GroupAnd,
		Filters: []*Filter{
			Condition("owner", OpEq, hostile),
			Condition("metadata.note", OpEq, hostile),
			{Type: NodeCondition, Field: "tags", Operator: OpContains, Value: hostile},
			Condition("metadata.note", OpGt, hostile),
		},
	}

	sql, args, err := Compile(f, 0)
	require.NoError(t, err)
	require.NotContains(t, sql, "DROP")
	require.NotContains(t, sql, hostile)

	flat := 0
	for _, arg := range args {
		switch v := arg.(type) {
		case string:
			if strings.Contains(v, "DROP TABLE") {
				flat++
			}
		case []string:
			for _, s := range v {
				if strings.Contains(s, "DROP TABLE") {
					flat++
				}
			}
		}
	}
	require.Equal(t, 4, flat)
}

func TestNormalizeSortAndOrderBy(t *testing.T) {
	t.Parallel()

	fields, err := NormalizeSort([]SortField{{Field: "updatedAt", Direction: "desc"}, {Field: "key"}})
	require.NoError(t, err)
	require.Equal(t, "r.updated_at DESC, r.record_key ASC, r.id ASC", OrderBy(fields))

	require.Equal(t, "r.updated_at DESC, r.id ASC", OrderBy(nil))

	_, err = NormalizeSort([]SortField{{Field: "tags"}})
	require.ErrorIs(t, err, ErrInvalid)

	_, err = NormalizeSort([]SortField{{Field: "metadata.status"}})
	require.ErrorIs(t, err, ErrInvalid)

	_, err = NormalizeSort([]SortField{{Field: "key", Direction: "sideways"}})
	require.ErrorIs(t, err, ErrInvalid)

	six := make([]SortField, 6)
	for i := range six {
		six[i] = SortField{Field: "key"}
	}
	_, err = NormalizeSort(six)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestNormalizePage(t *testing.T) {
	t.Parallel()

	page, err := NormalizePage(nil, nil)
	require.NoError(t, err)
	require.Equal(t, Page{Limit: 50, Offset: 0}, page)

	limit, offset := 25, 100
	page, err = NormalizePage(&limit, &offset)
	require.NoError(t, err)
	require.Equal(t, Page{Limit: 25, Offset: 100}, page)

	zero := 0
	_, err = NormalizePage(&zero, nil)
	require.ErrorIs(t, err, ErrInvalid)

	big := 201
	_, err = NormalizePage(&big, nil)
	require.ErrorIs(t, err, ErrInvalid)

	neg := -1
	_, err = NormalizePage(nil, &neg)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestNormalizeProjection(t *testing.T) {
	t.Parallel()

	paths, err := NormalizeProjection([]string{"metadata.thresholds.latencyMs", "owner"}, false)
	require.NoError(t, err)
	require.Equal(t, []string{"metadata.thresholds.latencyMs", "owner"}, paths)

	paths, err = NormalizeProjection([]string{"metadata.extra"}, true)
	require.NoError(t, err)
	require.Equal(t, []string{"namespace", "key", "version", "updatedAt", "owner", "schemaHash", "tags", "deletedAt", "metadata.extra"}, paths)

	paths, err = NormalizeProjection(nil, false)
	require.NoError(t, err)
	require.Nil(t, paths)

	_, err = NormalizeProjection([]string{"unknown"}, false)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = NormalizeProjection([]string{"owner.sub"}, false)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = NormalizeProjection([]string{"metadata.bad segment"}, false)
	require.ErrorIs(t, err, ErrInvalid)

	tooMany := make([]string, MaxProjectionPaths+1)
	for i := range tooMany {
		tooMany[i] = "owner"
	}
	_, err = NormalizeProjection(tooMany, false)
	require.ErrorIs(t, err, ErrInvalid)
}
