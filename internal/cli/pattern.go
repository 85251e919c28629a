// Package cli provides shared utilities for CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Matcher selects record ids by glob patterns. A pattern without glob
// characters (*?[) matches exactly one id.
type Matcher struct {
	patterns []string
}

// NewMatcher validates patterns. No patterns matches everything.
func NewMatcher(patterns []string) (*Matcher, error) {
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern '%s': %w", p, err)
		}
	}
	return &Matcher{patterns: patterns}, nil
}

// Match reports whether id matches any pattern.
func (m *Matcher) Match(id string) bool {
	if len(m.patterns) == 0 {
		return true
	}
	for _, p := range m.patterns {
		if !strings.ContainsAny(p, "*?[") {
			if p == id {
				return true
			}
			continue
		}
		if ok, _ := path.Match(p, id); ok {
			return true
		}
	}
	return false
}

// ParseFields turns name=value arguments into a record. Values that parse
// as JSON (numbers, booleans, null, arrays, objects, quoted strings) keep
// their type; anything else is a plain string.
func ParseFields(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid field '%s': expected name=value", arg)
		}
		if _, dup := fields[name]; dup {
			return nil, fmt.Errorf("field '%s' given more than once", name)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		fields[name] = v
	}
	return fields, nil
}

// MapKeys extracts keys from a map and returns them sorted.
func MapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
