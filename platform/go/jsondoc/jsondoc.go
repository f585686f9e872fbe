package jsondoc

import (
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// DeepMerge merges patch into base and returns a new document. When both
// sides hold an object for the same key the merge recurses; any other pairing
// lets the patch value win, including explicit nulls. Neither input is mutated.
func DeepMerge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = Clone(v)
	}
	for k, patchVal := range patch {
		baseVal, exists := out[k]
		baseMap, baseIsMap := baseVal.(map[string]any)
		patchMap, patchIsMap := patchVal.(map[string]any)
		if exists && baseIsMap && patchIsMap {
			out[k] = DeepMerge(baseMap, patchMap)
			continue
		}
		out[k] = Clone(patchVal)
	}
	return out
}

// SplitPath splits a dotted path into segments. Empty segments are dropped.
func SplitPath(path string) []string {
	parts := strings.Split(path, ".")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// UnsetPath removes the leaf addressed by the dotted path and prunes any
// intermediate objects the removal left empty. Paths that do not resolve to
// an existing leaf are a no-op. Returns a new document.
func UnsetPath(doc map[string]any, path string) map[string]any {
	segments := SplitPath(path)
	if len(segments) == 0 {
		return doc
	}
	out, _ := unset(doc, segments)
	return out
}

func unset(doc map[string]any, segments []string) (map[string]any, bool) {
	head := segments[0]
	current, exists := doc[head]
	if !exists {
		return doc, false
	}

	if len(segments) == 1 {
		out := make(map[string]any, len(doc))
		for k, v := range doc {
			if k == head {
				continue
			}
			out[k] = v
		}
		return out, true
	}

	child, ok := current.(map[string]any)
	if !ok {
		return doc, false
	}
	newChild, removed := unset(child, segments[1:])
	if !removed {
		return doc, false
	}

	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	if len(newChild) == 0 {
		delete(out, head)
	} else {
		out[head] = newChild
	}
	return out, true
}

// Project restricts doc to the union of the given dotted paths. A path that
// names a missing leaf contributes nothing. Returns a new document.
func Project(doc map[string]any, paths []string) map[string]any {
	out := map[string]any{}
	for _, path := range paths {
		segments := SplitPath(path)
		if len(segments) == 0 {
			continue
		}
		value, ok := lookup(doc, segments)
		if !ok {
			continue
		}
		graft(out, segments, value)
	}
	return out
}

func lookup(doc map[string]any, segments []string) (any, bool) {
	current := any(doc)
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func graft(out map[string]any, segments []string, value any) {
	for i := 0; i < len(segments)-1; i++ {
		seg := segments[i]
		child, ok := out[seg].(map[string]any)
		if !ok {
			child = map[string]any{}
			out[seg] = child
		}
		out = child
	}
	out[segments[len(segments)-1]] = Clone(value)
}

// Clone deep-copies a JSON value (maps, slices, scalars).
func Clone(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[k] = Clone(val)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = Clone(val)
		}
		return out
	default:
		return v
	}
}

// CloneMap clones a document, mapping nil to an empty object.
func CloneMap(doc map[string]any) map[string]any {
	if doc == nil {
		return map[string]any{}
	}
	return Clone(doc).(map[string]any)
}

// PathValue is one side of a diff entry.
type PathValue struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// PathChange is a value replacement at a path.
type PathChange struct {
	Path   string `json:"path"`
	Before any    `json:"before"`
	After  any    `json:"after"`
}

// DocDiff lists additions, removals and changes between two documents with
// lexicographically sorted paths. Object keys use dotted notation, array
// indices use [i].
type DocDiff struct {
	Added   []PathValue  `json:"added"`
	Removed []PathValue  `json:"removed"`
	Changed []PathChange `json:"changed"`
}

// Diff compares two JSON documents structurally.
func Diff(before, after map[string]any) DocDiff {
	d := DocDiff{Added: []PathValue{}, Removed: []PathValue{}, Changed: []PathChange{}}
	diffValue("", before, after, &d)

	sort.Slice(d.Added, func(i, j int) bool { return d.Added[i].Path < d.Added[j].Path })
	sort.Slice(d.Removed, func(i, j int) bool { return d.Removed[i].Path < d.Removed[j].Path })
	sort.Slice(d.Changed, func(i, j int) bool { return d.Changed[i].Path < d.Changed[j].Path })
	return d
}

func diffValue(path string, before, after any, d *DocDiff) {
	beforeMap, beforeIsMap := before.(map[string]any)
	afterMap, afterIsMap := after.(map[string]any)
	if beforeIsMap && afterIsMap {
		keys := map[string]struct{}{}
		for k := range beforeMap {
			keys[k] = struct{}{}
		}
		for k := range afterMap {
			keys[k] = struct{}{}
		}
		for k := range keys {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			bv, inBefore := beforeMap[k]
			av, inAfter := afterMap[k]
			switch {
			case inBefore && inAfter:
				diffValue(childPath, bv, av, d)
			case inAfter:
				d.Added = append(d.Added, PathValue{Path: childPath, Value: Clone(av)})
			default:
				d.Removed = append(d.Removed, PathValue{Path: childPath, Value: Clone(bv)})
			}
		}
		return
	}

	beforeArr, beforeIsArr := before.([]any)
	afterArr, afterIsArr := after.([]any)
	if beforeIsArr && afterIsArr {
		max := len(beforeArr)
		if len(afterArr) > max {
			max = len(afterArr)
		}
		for i := 0; i < max; i++ {
			childPath := path + "[" + strconv.Itoa(i) + "]"
			switch {
			case i < len(beforeArr) && i < len(afterArr):
				diffValue(childPath, beforeArr[i], afterArr[i], d)
			case i < len(afterArr):
				d.Added = append(d.Added, PathValue{Path: childPath, Value: Clone(afterArr[i])})
			default:
				d.Removed = append(d.Removed, PathValue{Path: childPath, Value: Clone(beforeArr[i])})
			}
		}
		return
	}

	if !reflect.DeepEqual(before, after) {
		d.Changed = append(d.Changed, PathChange{Path: path, Before: Clone(before), After: Clone(after)})
	}
}
