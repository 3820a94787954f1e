// Package factcheck extracts factual claims from stage output and checks
// them against verified ground truth and against other stages.
package factcheck

import (
	"fmt"
	"sort"
	"strings"
)

// Category names a kind of verifiable fact.
type Category string

const (
	CategoryName            Category = "name"
	CategoryVersion         Category = "version"
	CategoryDependencyCount Category = "dependency_count"
	CategoryModuleCount     Category = "module_count"
	CategoryFileCount       Category = "file_count"
	CategoryComplexity      Category = "complexity"
	CategoryLanguage        Category = "language"
)

// AllCategories returns every supported category in a fixed order.
func AllCategories() []Category {
	return []Category{
		CategoryName,
		CategoryVersion,
		CategoryDependencyCount,
		CategoryModuleCount,
		CategoryFileCount,
		CategoryComplexity,
		CategoryLanguage,
	}
}

// Facts maps categories to verified values. It is read-only for a run.
type Facts map[Category]string

// Empty reports whether there is nothing to check against.
func (f Facts) Empty() bool {
	return len(f) == 0
}

// Categories returns the supported categories present in f, in fixed order.
func (f Facts) Categories() []Category {
	var out []Category
	for _, c := range AllCategories() {
		if _, ok := f[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Lines renders the facts as "category: value" lines sorted by category so
// the rendering is identical wherever it appears.
func (f Facts) Lines() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", k, strings.TrimSpace(f[Category(k)])))
	}
	return lines
}

// ParseFacts builds Facts from a string map, rejecting unknown categories.
func ParseFacts(raw map[string]string) (Facts, error) {
	known := make(map[Category]bool)
	for _, c := range AllCategories() {
		known[c] = true
	}
	out := make(Facts, len(raw))
	for k, v := range raw {
		c := Category(strings.ToLower(strings.TrimSpace(k)))
		if !known[c] {
			return nil, fmt.Errorf("unknown fact category %q", k)
		}
		out[c] = strings.TrimSpace(v)
	}
	return out, nil
}
