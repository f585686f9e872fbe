package handler

import (
	"sort"

	"github.com/benediktbwimmer/apphub-metastore/platform/go/jsondoc"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/persistence"
)

// auditDiffView compares an audit entry's captured state against the state it
// replaced: a structural metadata diff, tag set differences, and scalar
// before/after pairs for owner and schema hash.
func auditDiffView(entry persistence.AuditEntry) map[string]any {
	before := entry.PreviousMetadata
	if before == nil {
		before = map[string]any{}
	}
	after := entry.Metadata
	if after == nil {
		after = map[string]any{}
	}

	tagsAdded, tagsRemoved := diffTags(entry.PreviousTags, entry.Tags)

	return map[string]any{
		"auditId":         entry.ID,
		"namespace":       entry.Namespace,
		"key":             entry.Key,
		"action":          entry.Action,
		"version":         entry.Version,
		"previousVersion": entry.PreviousVersion,
		"metadata":        jsondoc.Diff(before, after),
		"tags": map[string]any{
			"added":   tagsAdded,
			"removed": tagsRemoved,
		},
		"owner":      scalarDiff(entry.PreviousOwner, entry.Owner),
		"schemaHash": scalarDiff(entry.PreviousSchemaHash, entry.SchemaHash),
		"snapshots": map[string]any{
			"before": map[string]any{
				"metadata":   entry.PreviousMetadata,
				"tags":       entry.PreviousTags,
				"owner":      entry.PreviousOwner,
				"schemaHash": entry.PreviousSchemaHash,
				"version":    entry.PreviousVersion,
			},
			"after": map[string]any{
				"metadata":   entry.Metadata,
				"tags":       entry.Tags,
				"owner":      entry.Owner,
				"schemaHash": entry.SchemaHash,
				"version":    entry.Version,
			},
		},
	}
}

func diffTags(before, after []string) ([]string, []string) {
	prev := make(map[string]struct{}, len(before))
	for _, tag := range before {
		prev[tag] = struct{}{}
	}
	next := make(map[string]struct{}, len(after))
	for _, tag := range after {
		next[tag] = struct{}{}
	}

	added := make([]string, 0)
	for tag := range next {
		if _, ok := prev[tag]; !ok {
			added = append(added, tag)
		}
	}
	removed := make([]string, 0)
	for tag := range prev {
		if _, ok := next[tag]; !ok {
			removed = append(removed, tag)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func scalarDiff(before, after *string) map[string]any {
	changed := false
	switch {
	case before == nil && after == nil:
	case before == nil || after == nil:
		changed = true
	default:
		changed = *before != *after
	}
	return map[string]any{
		"changed": changed,
		"before":  strOrNil(before),
		"after":   strOrNil(after),
	}
}

func strOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
