package schema

import (
	"fmt"
	"sort"
)

// Warning records a node that could not be made fully compliant. The
// transform still returns a best-effort schema; callers decide whether to
// send the tool anyway or drop it.
type Warning struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Path, w.Message)
}

// Transform rewrites a JSON-Schema-like tree per the profile's constraints.
// Guarantees: required fields are never removed, property names and types are
// never renamed, and the function is idempotent. The input tree is not
// mutated.
func Transform(schema any, profile Profile) (any, []Warning) {
	var warnings []Warning
	out := transformNode(schema, profile, "$", &warnings)
	return out, warnings
}

func transformNode(node any, p Profile, path string, warnings *[]Warning) any {
	m, ok := node.(map[string]any)
	if !ok {
		// Primitives and arrays of schemas pass through untouched.
		if arr, ok := node.([]any); ok {
			out := make([]any, len(arr))
			for i, item := range arr {
				out[i] = transformNode(item, p, fmt.Sprintf("%s[%d]", path, i), warnings)
			}
			return out
		}
		return node
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	for _, kw := range p.StripKeywords {
		delete(out, kw)
	}

	if p.MergeAllOf {
		mergeAllOf(out, p, path, warnings)
	}

	if p.FlattenUnions {
		flattenUnion(out, "oneOf", p, path, warnings)
		flattenUnion(out, "anyOf", p, path, warnings)
	}

	if f, ok := out["format"].(string); ok && p.AllowedFormats != nil && !p.AllowedFormats[f] {
		delete(out, "format")
		// Preserve intent for humans reading the schema downstream.
		if desc, ok := out["description"].(string); !ok || desc == "" {
			out["description"] = "format: " + f
		}
	}

	if props, ok := out["properties"].(map[string]any); ok {
		newProps := make(map[string]any, len(props))
		for name, sub := range props {
			newProps[name] = transformNode(sub, p, path+"."+name, warnings)
		}
		out["properties"] = newProps
	}

	if items, ok := out["items"]; ok {
		out["items"] = transformNode(items, p, path+".items", warnings)
	}

	if isObjectNode(out) && p.CloseObjects {
		if _, declared := out["additionalProperties"]; !declared {
			out["additionalProperties"] = false
		}
	}

	return out
}

func isObjectNode(m map[string]any) bool {
	if t, ok := m["type"].(string); ok {
		return t == "object"
	}
	_, hasProps := m["properties"]
	return hasProps
}

// mergeAllOf folds allOf branches into the parent: properties are unioned
// and required lists concatenated. Conflicting property definitions keep the
// parent's version and produce a warning.
func mergeAllOf(out map[string]any, p Profile, path string, warnings *[]Warning) {
	branches, ok := out["allOf"].([]any)
	if !ok {
		return
	}
	delete(out, "allOf")

	props, _ := out["properties"].(map[string]any)
	if props == nil {
		props = make(map[string]any)
	} else {
		copied := make(map[string]any, len(props))
		for k, v := range props {
			copied[k] = v
		}
		props = copied
	}
	required := toStringSlice(out["required"])

	for i, b := range branches {
		bm, ok := b.(map[string]any)
		if !ok {
			continue
		}
		if bp, ok := bm["properties"].(map[string]any); ok {
			for name, sub := range bp {
				if _, exists := props[name]; exists {
					*warnings = append(*warnings, Warning{
						Path:    fmt.Sprintf("%s.allOf[%d].%s", path, i, name),
						Message: "conflicting property definition dropped during allOf merge",
					})
					continue
				}
				props[name] = sub
			}
		}
		required = append(required, toStringSlice(bm["required"])...)
	}

	if len(props) > 0 {
		out["properties"] = props
	}
	if len(required) > 0 {
		out["required"] = dedupe(required)
	}
}

// flattenUnion replaces a oneOf/anyOf node's branches with the single most
// specific alternative: the branch with the most constraints wins. If the
// branches disagree on type, the node is still flattened best-effort and a
// warning records the irreducible union.
func flattenUnion(out map[string]any, keyword string, p Profile, path string, warnings *[]Warning) {
	branches, ok := out[keyword].([]any)
	if !ok || len(branches) == 0 {
		return
	}
	delete(out, keyword)

	best := -1
	bestScore := -1
	types := map[string]bool{}
	for i, b := range branches {
		bm, ok := b.(map[string]any)
		if !ok {
			continue
		}
		if t, ok := bm["type"].(string); ok {
			types[t] = true
		}
		score := specificity(bm)
		if score > bestScore {
			bestScore = score
			best = i
		}
	}
	if best < 0 {
		*warnings = append(*warnings, Warning{
			Path:    path + "." + keyword,
			Message: "union had no usable branches; node left unconstrained",
		})
		return
	}

	if len(types) > 1 {
		*warnings = append(*warnings, Warning{
			Path:    path + "." + keyword,
			Message: fmt.Sprintf("irreducible union across types %v; kept most specific branch", sortedKeys(types)),
		})
	}

	chosen := branches[best].(map[string]any)
	for k, v := range chosen {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	// A required list on the chosen branch must survive the merge.
	if req := toStringSlice(chosen["required"]); len(req) > 0 {
		out["required"] = dedupe(append(toStringSlice(out["required"]), req...))
	}
}

// specificity scores a schema branch; more constraints mean more specific.
func specificity(m map[string]any) int {
	score := 0
	if _, ok := m["type"]; ok {
		score++
	}
	if props, ok := m["properties"].(map[string]any); ok {
		score += 2 * len(props)
	}
	score += len(toStringSlice(m["required"]))
	if _, ok := m["enum"]; ok {
		score += 2
	}
	if _, ok := m["items"]; ok {
		score++
	}
	return score
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return append([]string(nil), vv...)
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func dedupe(in []string) []any {
	seen := make(map[string]bool, len(in))
	out := make([]any, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
