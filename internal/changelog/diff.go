// Package changelog computes field-level differences between an inspection
// and a partial update, and folds staged differences back into a record.
package changelog

import (
	"bytes"
	"encoding/json"
	"sort"

	"inspection/api/internal/store"
)

// DefaultMaxDepth stops structural comparison at paths of three segments
// (section, key, sub-key).
const DefaultMaxDepth = 2

// Change is one field-level difference.
type Change struct {
	Path     []string
	OldValue any
	NewValue any
}

// ComputeDiffs walks the keys present in update and reports every path whose
// value differs from base. Keys missing from update are never reported as
// deletions. Once a path reaches maxDepth+1 segments the remaining subtree is
// compared as a whole.
func ComputeDiffs(base, update map[string]any, maxDepth int) []Change {
	if maxDepth < 0 {
		maxDepth = 0
	}
	var changes []Change
	walk(nil, base, update, maxDepth, &changes)
	return changes
}

func walk(prefix []string, base, update map[string]any, maxDepth int, out *[]Change) {
	depth := len(prefix)
	for _, key := range sortedKeys(update) {
		path := appendPath(prefix, key)
		newValue := update[key]
		oldValue, hasOld := base[key]

		newMap, newIsMap := newValue.(map[string]any)
		oldMap, oldIsMap := oldValue.(map[string]any)
		if depth < maxDepth && newIsMap && (oldIsMap || !hasOld || oldValue == nil) {
			if len(newMap) > 0 {
				walk(path, oldMap, newMap, maxDepth, out)
				continue
			}
			// An empty object mentions no keys of an existing object.
			if oldIsMap {
				continue
			}
		}

		if depth == 0 && key == store.FieldInspectionDate {
			oldValue = canonicalDate(oldValue)
			newValue = canonicalDate(newValue)
		}
		if ValuesEqual(oldValue, newValue) {
			continue
		}
		*out = append(*out, Change{
			Path:     path,
			OldValue: CloneValue(oldValue),
			NewValue: CloneValue(newValue),
		})
	}
}

// canonicalDate renders a parseable inspectionDate as YYYY-MM-DD so that
// equivalent spellings of the same day compare equal.
func canonicalDate(value any) any {
	text, ok := value.(string)
	if !ok {
		return value
	}
	day, err := store.CanonicalInspectionDate(text, nil)
	if err != nil {
		return value
	}
	return day
}

// ValuesEqual compares two JSON-like values structurally. Object key order
// does not matter; numeric types compare by value.
func ValuesEqual(a, b any) bool {
	left, errLeft := json.Marshal(a)
	right, errRight := json.Marshal(b)
	if errLeft != nil || errRight != nil {
		return false
	}
	return bytes.Equal(left, right)
}

// CloneValue deep-copies maps and slices so stored changes never alias the
// caller's update.
func CloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[key] = CloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return value
	}
}

func sortedKeys(input map[string]any) []string {
	keys := make([]string, 0, len(input))
	for key := range input {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func appendPath(prefix []string, key string) []string {
	path := make([]string, len(prefix), len(prefix)+1)
	copy(path, prefix)
	return append(path, key)
}
