package output

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Filter decides whether an item is written
type Filter func(data json.RawMessage) bool

// All combines filters; an item must pass every one of them
func All(filters ...Filter) Filter {
	var active []Filter
	for _, f := range filters {
		if f != nil {
			active = append(active, f)
		}
	}
	if len(active) == 0 {
		return nil
	}
	return func(data json.RawMessage) bool {
		for _, f := range active {
			if !f(data) {
				return false
			}
		}
		return true
	}
}

// FieldEquals keeps items whose top-level field renders as value.
// Items that are not JSON objects are dropped.
func FieldEquals(field, value string) Filter {
	return func(data json.RawMessage) bool {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return false
		}
		v, ok := m[field]
		if !ok || v == nil {
			return value == ""
		}
		return fmt.Sprint(v) == value
	}
}

// ParseWhere turns "field=value" expressions into a filter
func ParseWhere(exprs []string) (Filter, error) {
	filters := make([]Filter, 0, len(exprs))
	for _, expr := range exprs {
		field, value, ok := strings.Cut(expr, "=")
		field = strings.TrimSpace(field)
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid filter %q: expected field=value", expr)
		}
		filters = append(filters, FieldEquals(field, strings.TrimSpace(value)))
	}
	return All(filters...), nil
}

// UniqueByID drops items whose "id" was already seen. Items without an id
// are always kept.
func UniqueByID() Filter {
	var mu sync.Mutex
	seen := make(map[string]bool)
	return func(data json.RawMessage) bool {
		id := ItemID(data)
		if id == "" {
			return true
		}
		mu.Lock()
		defer mu.Unlock()
		if seen[id] {
			return false
		}
		seen[id] = true
		return true
	}
}

// ItemID extracts the "id" field of an item as a string, or ""
func ItemID(data json.RawMessage) string {
	var wrapper struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil || len(wrapper.ID) == 0 || string(wrapper.ID) == "null" {
		return ""
	}
	return strings.Trim(string(wrapper.ID), `"`)
}
