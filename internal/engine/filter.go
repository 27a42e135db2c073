package engine

import (
	"encoding/json"
	"reflect"
	"strings"
)

// MatchFilters reports whether payload satisfies every filter. A filter
// key is a dotted path into the payload; a list value matches if the
// payload value equals any element. An empty filter set matches all.
func MatchFilters(filters map[string]any, payload json.RawMessage) bool {
	if len(filters) == 0 {
		return true
	}

	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return false
	}

	for path, want := range filters {
		got, ok := lookupPath(doc, path)
		if !ok || !matchValue(got, want) {
			return false
		}
	}
	return true
}

func lookupPath(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func matchValue(got, want any) bool {
	if options, ok := want.([]any); ok {
		for _, o := range options {
			if reflect.DeepEqual(got, o) {
				return true
			}
		}
		return false
	}
	return reflect.DeepEqual(got, want)
}
