package search

import (
	"fmt"
	"strings"
)

const (
	DefaultLimit       = 50
	MaxLimit           = 200
	MaxSortFields      = 5
	MaxProjectionPaths = 32
)

// SortField orders results by a scalar column; direction is "asc" or "desc".
type SortField struct {
	Field     string `json:"field"`
	Direction string `json:"direction,omitempty"`
}

// NormalizeSort validates sort fields against the sortable column set and
// fills in default directions.
func NormalizeSort(fields []SortField) ([]SortField, error) {
	if len(fields) > MaxSortFields {
		return nil, fmt.Errorf("%w: at most %d sort fields", ErrInvalid, MaxSortFields)
	}
	out := make([]SortField, 0, len(fields))
	for _, f := range fields {
		col, ok := scalarColumns[f.Field]
		if !ok || col.typ == colTextArray {
			return nil, fmt.Errorf("%w: field %q is not sortable", ErrInvalid, f.Field)
		}
		direction := strings.ToLower(f.Direction)
		switch direction {
		case "":
			direction = "asc"
		case "asc", "desc":
		default:
			return nil, fmt.Errorf("%w: sort direction must be \"asc\" or \"desc\"", ErrInvalid)
		}
		out = append(out, SortField{Field: f.Field, Direction: direction})
	}
	return out, nil
}

// OrderBy renders the ORDER BY clause for normalized sort fields, defaulting
// to updatedAt DESC, with a deterministic id tiebreak.
func OrderBy(fields []SortField) string {
	if len(fields) == 0 {
		return "r.updated_at DESC, r.id ASC"
	}
	parts := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		expr := scalarColumns[f.Field].expr
		if f.Direction == "desc" {
			parts = append(parts, expr+" DESC")
		} else {
			parts = append(parts, expr+" ASC")
		}
	}
	parts = append(parts, "r.id ASC")
	return strings.Join(parts, ", ")
}

// Page is a validated result window.
type Page struct {
	Limit  int
	Offset int
}

// NormalizePage applies defaults and bounds: limit in [1,200] defaulting to
// 50, offset >= 0 defaulting to 0.
func NormalizePage(limit, offset *int) (Page, error) {
	p := Page{Limit: DefaultLimit}
	if limit != nil {
		if *limit < 1 || *limit > MaxLimit {
			return Page{}, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalid, MaxLimit)
		}
		p.Limit = *limit
	}
	if offset != nil {
		if *offset < 0 {
			return Page{}, fmt.Errorf("%w: offset must not be negative", ErrInvalid)
		}
		p.Offset = *offset
	}
	return p, nil
}

// summaryProjection is merged in when the summary flag is set.
var summaryProjection = []string{"namespace", "key", "version", "updatedAt", "owner", "schemaHash", "tags", "deletedAt"}

// recordFields are the projectable top-level response fields.
var recordFields = map[string]struct{}{
	"namespace": {}, "key": {}, "metadata": {}, "tags": {}, "owner": {},
	"schemaHash": {}, "version": {}, "createdAt": {}, "updatedAt": {},
	"deletedAt": {}, "createdBy": {}, "updatedBy": {},
}

// NormalizeProjection validates projection paths and folds in the summary
// defaults. A nil result means no projection.
func NormalizeProjection(paths []string, summary bool) ([]string, error) {
	if len(paths) > MaxProjectionPaths {
		return nil, fmt.Errorf("%w: at most %d projection paths", ErrInvalid, MaxProjectionPaths)
	}

	var out []string
	seen := map[string]struct{}{}
	add := func(p string) {
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}

	if summary {
		for _, p := range summaryProjection {
			add(p)
		}
	}
	for _, p := range paths {
		if err := validateProjectionPath(p); err != nil {
			return nil, err
		}
		add(p)
	}

	if !summary && len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func validateProjectionPath(path string) error {
	segments := strings.Split(path, ".")
	if len(segments) == 0 || segments[0] == "" {
		return fmt.Errorf("%w: empty projection path", ErrInvalid)
	}
	if _, ok := recordFields[segments[0]]; !ok {
		return fmt.Errorf("%w: unknown projection field %q", ErrInvalid, segments[0])
	}
	if len(segments) == 1 {
		return nil
	}
	if segments[0] != "metadata" {
		return fmt.Errorf("%w: only metadata supports sub-path projection, got %q", ErrInvalid, path)
	}
	for _, seg := range segments[1:] {
		if !pathSegmentPattern.MatchString(seg) {
			return fmt.Errorf("%w: invalid projection path segment %q", ErrInvalid, seg)
		}
	}
	return nil
}
