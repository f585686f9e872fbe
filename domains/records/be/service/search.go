package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/benediktbwimmer/apphub-metastore/platform/go/auth"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/httperr"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/persistence"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/search"
)

// SearchInput combines the three filter sources — a structured filter node, a
// query-string expression, and a named preset — which AND-combine.
type SearchInput struct {
	Namespace      string
	Query          string
	Filter         json.RawMessage
	Preset         string
	Sort           []search.SortField
	Limit          *int
	Offset         *int
	Projection     []string
	Summary        bool
	IncludeDeleted bool
}

// SearchResult is one result page plus the normalized window and projection
// the serializer should apply.
type SearchResult struct {
	Records    []persistence.Record
	Total      int64
	Limit      int
	Offset     int
	Projection []string
}

// Preset is a named, pre-parsed filter exposed to clients that hold its
// required scopes. RawFilter keeps the original node for listing responses.
type Preset struct {
	Name           string
	Description    string
	Filter         *search.Filter
	RawFilter      map[string]any
	RequiredScopes []string
}

// ParsePresets decodes the configured preset definitions. An empty input
// yields no presets; malformed definitions fail startup rather than surfacing
// per-request.
func ParsePresets(raw string) ([]Preset, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	var defs []struct {
		Name           string         `json:"name"`
		Description    string         `json:"description"`
		Filter         map[string]any `json:"filter"`
		RequiredScopes []string       `json:"requiredScopes"`
	}
	if err := json.Unmarshal([]byte(trimmed), &defs); err != nil {
		return nil, fmt.Errorf("search presets must be a JSON array: %w", err)
	}

	presets := make([]Preset, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))
	for i, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("search preset at index %d has no name", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate search preset %q", name)
		}
		seen[name] = struct{}{}

		if def.Filter == nil {
			return nil, fmt.Errorf("search preset %q has no filter", name)
		}
		filter, err := search.ParseFilterNode(def.Filter)
		if err != nil {
			return nil, fmt.Errorf("search preset %q: %w", name, err)
		}

		presets = append(presets, Preset{
			Name:           name,
			Description:    strings.TrimSpace(def.Description),
			Filter:         filter,
			RawFilter:      def.Filter,
			RequiredScopes: def.RequiredScopes,
		})
	}
	return presets, nil
}

func (s *service) Search(ctx context.Context, identity *auth.Identity, input SearchInput) (SearchResult, error) {
	if strings.TrimSpace(input.Namespace) == "" {
		return SearchResult{}, httperr.BadRequest("namespace is required")
	}

	filter, err := search.ParseFilterJSON(input.Filter)
	if err != nil {
		return SearchResult{}, httperr.BadRequest(err.Error())
	}

	if strings.TrimSpace(input.Query) != "" {
		queryFilter, err := search.ParseQuery(input.Query)
		if err != nil {
			return SearchResult{}, httperr.BadRequest(err.Error())
		}
		filter = search.And(filter, queryFilter)
	}

	if input.Preset != "" {
		preset, ok := s.findPreset(input.Preset)
		if !ok {
			return SearchResult{}, httperr.BadRequest(fmt.Sprintf("unknown search preset %q", input.Preset))
		}
		if !identity.HasScopes(preset.RequiredScopes...) {
			return SearchResult{}, httperr.Forbidden(fmt.Sprintf("search preset %q requires scopes this token does not hold", input.Preset))
		}
		filter = search.And(filter, preset.Filter)
	}

	sortFields, err := search.NormalizeSort(input.Sort)
	if err != nil {
		return SearchResult{}, httperr.BadRequest(err.Error())
	}
	page, err := search.NormalizePage(input.Limit, input.Offset)
	if err != nil {
		return SearchResult{}, httperr.BadRequest(err.Error())
	}
	projection, err := search.NormalizeProjection(input.Projection, input.Summary)
	if err != nil {
		return SearchResult{}, httperr.BadRequest(err.Error())
	}

	params := persistence.SearchRecordsParams{
		Namespace:      input.Namespace,
		Filter:         filter,
		Sort:           sortFields,
		Limit:          page.Limit,
		Offset:         page.Offset,
		IncludeDeleted: input.IncludeDeleted,
	}
	if !identity.AllNamespaces() {
		params.NamespaceScope = identity.NamespaceList()
	}

	result, err := s.repo.Search(ctx, params)
	if err != nil {
		return SearchResult{}, classify(err)
	}

	return SearchResult{
		Records:    result.Records,
		Total:      result.Total,
		Limit:      page.Limit,
		Offset:     page.Offset,
		Projection: projection,
	}, nil
}

// Presets lists the presets whose required scopes the identity holds.
func (s *service) Presets(identity *auth.Identity) []Preset {
	out := make([]Preset, 0, len(s.presets))
	for _, preset := range s.presets {
		if identity.HasScopes(preset.RequiredScopes...) {
			out = append(out, preset)
		}
	}
	return out
}

func (s *service) findPreset(name string) (Preset, bool) {
	for _, preset := range s.presets {
		if preset.Name == name {
			return preset, true
		}
	}
	return Preset{}, false
}
