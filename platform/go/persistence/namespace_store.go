package persistence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OwnerCount is one owner's live record count within a namespace.
type OwnerCount struct {
	Owner string `json:"owner"`
	Count int64  `json:"count"`
}

// NamespaceSummary aggregates one namespace: totals across live and deleted
// rows, the most recent update, and per-owner live counts in descending order.
type NamespaceSummary struct {
	Namespace      string       `json:"namespace"`
	TotalRecords   int64        `json:"totalRecords"`
	DeletedRecords int64        `json:"deletedRecords"`
	LastUpdatedAt  time.Time    `json:"lastUpdatedAt"`
	OwnerCounts    []OwnerCount `json:"ownerCounts"`
}

// ListNamespacesParams pages through namespace aggregates. Scope nil means
// unrestricted; a non-nil scope restricts to the (lowercased) allow-list.
type ListNamespacesParams struct {
	Prefix string
	Scope  []string
	Limit  int
	Offset int
}

// ListNamespacesResult is one page of summaries plus the total namespace count.
type ListNamespacesResult struct {
	Summaries []NamespaceSummary
	Total     int64
}

// NamespaceStore aggregates per-namespace statistics from the records table.
type NamespaceStore struct {
	pool *pgxpool.Pool
}

// NewNamespaceStore wires the store to the shared pool.
func NewNamespaceStore(pool *pgxpool.Pool) *NamespaceStore {
	if pool == nil {
		panic("namespace store: pool is required")
	}
	return &NamespaceStore{pool: pool}
}

// List returns namespace summaries ordered by name. Owner counts are fetched
// in a second query restricted to the namespaces on the page.
func (s *NamespaceStore) List(ctx context.Context, params ListNamespacesParams) (ListNamespacesResult, error) {
	var (
		conds []string
		args  []any
	)
	placeholder := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if params.Prefix != "" {
		conds = append(conds, "r.namespace LIKE "+placeholder(escapeLike(params.Prefix)+"%"))
	}
	if params.Scope != nil {
		conds = append(conds, "LOWER(r.namespace) = ANY("+placeholder(params.Scope)+"::text[])")
	}

	query := `
		SELECT r.namespace,
		       COUNT(*) AS total_records,
		       COUNT(*) FILTER (WHERE r.deleted_at IS NOT NULL) AS deleted_records,
		       MAX(r.updated_at) AS last_updated_at,
		       COUNT(*) OVER() AS total
		FROM records r`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += `
		GROUP BY r.namespace
		ORDER BY r.namespace ASC
		LIMIT ` + placeholder(params.Limit) + " OFFSET " + placeholder(params.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return ListNamespacesResult{}, fmt.Errorf("list namespaces: %w", err)
	}
	defer rows.Close()

	result := ListNamespacesResult{Summaries: []NamespaceSummary{}}
	index := map[string]int{}
	for rows.Next() {
		var summary NamespaceSummary
		if err := rows.Scan(&summary.Namespace, &summary.TotalRecords, &summary.DeletedRecords, &summary.LastUpdatedAt, &result.Total); err != nil {
			return ListNamespacesResult{}, fmt.Errorf("scan namespace summary: %w", err)
		}
		summary.LastUpdatedAt = summary.LastUpdatedAt.UTC()
		summary.OwnerCounts = []OwnerCount{}
		index[summary.Namespace] = len(result.Summaries)
		result.Summaries = append(result.Summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return ListNamespacesResult{}, fmt.Errorf("list namespaces: %w", err)
	}
	if len(result.Summaries) == 0 {
		return result, nil
	}

	names := make([]string, 0, len(result.Summaries))
	for _, summary := range result.Summaries {
		names = append(names, summary.Namespace)
	}

	ownerRows, err := s.pool.Query(ctx, `
		SELECT r.namespace, r.owner, COUNT(*) AS owned
		FROM records r
		WHERE r.namespace = ANY($1::text[]) AND r.deleted_at IS NULL AND r.owner IS NOT NULL
		GROUP BY r.namespace, r.owner
		ORDER BY r.namespace ASC, owned DESC, r.owner ASC`, names)
	if err != nil {
		return ListNamespacesResult{}, fmt.Errorf("aggregate namespace owners: %w", err)
	}
	defer ownerRows.Close()

	for ownerRows.Next() {
		var (
			namespace string
			owner     string
			count     int64
		)
		if err := ownerRows.Scan(&namespace, &owner, &count); err != nil {
			return ListNamespacesResult{}, fmt.Errorf("scan owner count: %w", err)
		}
		if i, ok := index[namespace]; ok {
			result.Summaries[i].OwnerCounts = append(result.Summaries[i].OwnerCounts, OwnerCount{Owner: owner, Count: count})
		}
	}
	if err := ownerRows.Err(); err != nil {
		return ListNamespacesResult{}, fmt.Errorf("aggregate namespace owners: %w", err)
	}
	return result, nil
}

// escapeLike protects LIKE metacharacters in a user-supplied prefix.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
