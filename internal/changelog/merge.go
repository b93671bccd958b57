package changelog

import (
	"fmt"
	"sort"

	"inspection/api/internal/store"
)

// SkipReason explains why an entry was left out of a merge.
type SkipReason string

const (
	SkipUnknownSection SkipReason = "unknown_section"
	SkipScalarDescent  SkipReason = "scalar_descent"
	SkipEmptyPath      SkipReason = "empty_path"
	SkipInvalidValue   SkipReason = "invalid_value"
)

type Skipped struct {
	Entry  store.ChangeLogEntry
	Reason SkipReason
}

type MergeResult struct {
	Content store.Content
	// Applied holds the winning entry for each path, in application order.
	Applied []store.ChangeLogEntry
	Skipped []Skipped
}

// LatestPerPath groups entries by exact path and keeps the newest entry of
// each group. Newest means the largest CreatedAt, ties broken by the larger
// ID. The result is ordered by (CreatedAt, ID) ascending, independent of the
// input order.
func LatestPerPath(entries []store.ChangeLogEntry) []store.ChangeLogEntry {
	latest := make(map[string]store.ChangeLogEntry, len(entries))
	for _, entry := range entries {
		key := entry.PathKey()
		current, seen := latest[key]
		if !seen || isNewer(entry, current) {
			latest[key] = entry
		}
	}
	winners := make([]store.ChangeLogEntry, 0, len(latest))
	for _, entry := range latest {
		winners = append(winners, entry)
	}
	sort.Slice(winners, func(i, j int) bool {
		return isNewer(winners[j], winners[i])
	})
	return winners
}

func isNewer(a, b store.ChangeLogEntry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if a.ID != b.ID {
		return a.ID > b.ID
	}
	// Same instant and id only happens for unsaved entries; fall back to the
	// path so ordering stays total.
	return a.PathKey() > b.PathKey()
}

// MergeLatest folds the newest value of every logged path onto a deep copy of
// base. The base content is not modified and nothing is persisted.
func MergeLatest(base store.Content, entries []store.ChangeLogEntry) (MergeResult, error) {
	doc, _ := CloneValue(base.Document()).(map[string]any)
	result := MergeResult{}

	for _, entry := range LatestPerPath(entries) {
		if reason, ok := applicable(entry.Path, entry.NewValue); !ok {
			result.Skipped = append(result.Skipped, Skipped{Entry: entry, Reason: reason})
			continue
		}
		applyAtPath(doc, entry.Path, CloneValue(entry.NewValue))
		result.Applied = append(result.Applied, entry)
	}

	content, err := store.ContentFromDocument(doc)
	if err != nil {
		return MergeResult{}, fmt.Errorf("rebuild merged content: %w", err)
	}
	result.Content = content
	return result, nil
}

func applicable(path []string, value any) (SkipReason, bool) {
	if len(path) == 0 {
		return SkipEmptyPath, false
	}
	head := path[0]
	switch {
	case store.IsSection(head):
		if len(path) == 1 {
			if _, ok := value.(map[string]any); !ok {
				return SkipInvalidValue, false
			}
		}
		return "", true
	case store.IsScalarField(head):
		if len(path) > 1 {
			return SkipScalarDescent, false
		}
		if err := ValidateScalar(head, value); err != nil {
			return SkipInvalidValue, false
		}
		return "", true
	default:
		return SkipUnknownSection, false
	}
}

// applyAtPath sets value at path, creating (or replacing non-object)
// intermediate nodes.
func applyAtPath(doc map[string]any, path []string, value any) {
	node := doc
	for _, key := range path[:len(path)-1] {
		child, ok := node[key].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[key] = child
		}
		node = child
	}
	node[path[len(path)-1]] = value
}
