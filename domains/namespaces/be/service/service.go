// Package service aggregates per-namespace statistics with a short cache in
// front of the records table.
package service

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benediktbwimmer/apphub-metastore/platform/go/auth"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/httperr"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/metrics"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/persistence"
)

const (
	defaultLimit = 50
	maxLimit     = 200

	// cacheTTL keeps summary pages warm; namespace aggregates tolerate
	// 30 seconds of staleness.
	cacheTTL = 30 * time.Second

	// snapshotLimit bounds the gauge-refresh query. Deployments with more
	// namespaces than this only gauge the first page.
	snapshotLimit = 10000

	snapshotKey = "snapshot"
)

// Lister is the aggregate query surface, satisfied by
// *persistence.NamespaceStore.
type Lister interface {
	List(ctx context.Context, params persistence.ListNamespacesParams) (persistence.ListNamespacesResult, error)
}

// ListInput selects one page of namespace summaries.
type ListInput struct {
	Prefix string
	Limit  *int
	Offset *int
}

// ListResult is one page plus the normalized window.
type ListResult struct {
	Summaries []persistence.NamespaceSummary
	Total     int64
	Limit     int
	Offset    int
}

// Service lists namespace summaries for an identity.
type Service interface {
	List(ctx context.Context, identity *auth.Identity, input ListInput) (ListResult, error)
}

type cacheEntry struct {
	result    persistence.ListNamespacesResult
	expiresAt time.Time
}

type service struct {
	lister  Lister
	metrics *metrics.Metrics

	mu    sync.Mutex
	cache map[string]cacheEntry

	now func() time.Time
}

// New builds the namespace summary service. Metrics may be nil.
func New(lister Lister, m *metrics.Metrics) Service {
	if lister == nil {
		panic("namespace lister is required")
	}
	return &service{
		lister:  lister,
		metrics: m,
		cache:   map[string]cacheEntry{},
		now:     time.Now,
	}
}

func (s *service) List(ctx context.Context, identity *auth.Identity, input ListInput) (ListResult, error) {
	limit := defaultLimit
	if input.Limit != nil {
		limit = *input.Limit
	}
	if limit < 1 || limit > maxLimit {
		return ListResult{}, httperr.BadRequest("limit must be between 1 and 200")
	}
	offset := 0
	if input.Offset != nil {
		offset = *input.Offset
	}
	if offset < 0 {
		return ListResult{}, httperr.BadRequest("offset must be zero or positive")
	}

	var scope []string
	if !identity.AllNamespaces() {
		scope = identity.NamespaceList()
		if len(scope) == 0 {
			return ListResult{Summaries: []persistence.NamespaceSummary{}, Limit: limit, Offset: offset}, nil
		}
	}

	params := persistence.ListNamespacesParams{
		Prefix: input.Prefix,
		Scope:  scope,
		Limit:  limit,
		Offset: offset,
	}
	result, err := s.cached(ctx, pageKey(params), params)
	if err != nil {
		return ListResult{}, err
	}

	if scope == nil && input.Prefix == "" && offset == 0 {
		if err := s.refreshGauges(ctx, result, limit); err != nil {
			return ListResult{}, err
		}
	}

	return ListResult{
		Summaries: result.Summaries,
		Total:     result.Total,
		Limit:     limit,
		Offset:    offset,
	}, nil
}

// cached serves the page from the 30-second cache, querying on miss.
func (s *service) cached(ctx context.Context, key string, params persistence.ListNamespacesParams) (persistence.ListNamespacesResult, error) {
	s.mu.Lock()
	entry, ok := s.cache[key]
	if ok && s.now().Before(entry.expiresAt) {
		s.mu.Unlock()
		return entry.result, nil
	}
	s.mu.Unlock()

	result, err := s.lister.List(ctx, params)
	if err != nil {
		return persistence.ListNamespacesResult{}, err
	}

	s.mu.Lock()
	s.cache[key] = cacheEntry{result: result, expiresAt: s.now().Add(cacheTTL)}
	s.mu.Unlock()
	return result, nil
}

// refreshGauges updates the per-namespace gauges from the page when it covers
// every namespace, falling back to a wide snapshot cached under its own key.
func (s *service) refreshGauges(ctx context.Context, page persistence.ListNamespacesResult, limit int) error {
	if s.metrics == nil {
		return nil
	}

	snapshot := page
	if page.Total > int64(len(page.Summaries)) {
		var err error
		snapshot, err = s.cached(ctx, snapshotKey, persistence.ListNamespacesParams{Limit: snapshotLimit})
		if err != nil {
			return err
		}
	}

	for _, summary := range snapshot.Summaries {
		live := summary.TotalRecords - summary.DeletedRecords
		s.metrics.NamespaceRecords.WithLabelValues(summary.Namespace).Set(float64(live))
		s.metrics.NamespaceDeletedRecords.WithLabelValues(summary.Namespace).Set(float64(summary.DeletedRecords))
	}
	return nil
}

func pageKey(params persistence.ListNamespacesParams) string {
	scope := "*"
	if params.Scope != nil {
		scope = strings.Join(params.Scope, ",")
	}
	var b strings.Builder
	b.WriteString(scope)
	b.WriteByte('|')
	b.WriteString(params.Prefix)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(params.Limit))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(params.Offset))
	return b.String()
}
