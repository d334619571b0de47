// SPDX-License-Identifier: AGPL-3.0-or-later
package types

import (
	"fmt"
	"sort"
)

// Metadata is the immutable, validated parameter set of a build spec. Values
// are strings, string lists or booleans.
type Metadata struct {
	values map[string]any
}

// NewMetadata copies values into a Metadata. Unsupported value types are
// rejected.
func NewMetadata(values map[string]any) (Metadata, error) {
	out := make(map[string]any, len(values))
	for k, v := range values {
		switch tv := v.(type) {
		case string:
			out[k] = tv
		case bool:
			out[k] = tv
		case []string:
			out[k] = append([]string(nil), tv...)
		default:
			return Metadata{}, fmt.Errorf("metadata %s: unsupported value type %T", k, v)
		}
	}
	return Metadata{values: out}, nil
}

// Has reports whether key is set.
func (m Metadata) Has(key string) bool {
	_, ok := m.values[key]
	return ok
}

// String returns the string value of key, or "" when unset or not a string.
func (m Metadata) String(key string) string {
	s, _ := m.values[key].(string)
	return s
}

// List returns a copy of the list value of key. A string value is returned as
// a single-element list.
func (m Metadata) List(key string) []string {
	switch v := m.values[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

// Bool returns the boolean value of key.
func (m Metadata) Bool(key string) bool {
	b, _ := m.values[key].(bool)
	return b
}

// Keys returns the set keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Value returns a copy of the raw value stored for key.
func (m Metadata) Value(key string) (any, bool) {
	v, ok := m.values[key]
	if l, isList := v.([]string); isList {
		return append([]string(nil), l...), ok
	}
	return v, ok
}
