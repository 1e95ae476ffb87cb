package models

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Assignment is one concrete matrix value binding. Key insertion order is
// preserved for display and environment export; equality ignores order.
type Assignment struct {
	keys   []string
	values map[string]string
}

// Set binds a key to a value, keeping first-seen key order.
func (a *Assignment) Set(key, value string) {
	if a.values == nil {
		a.values = make(map[string]string)
	}
	if _, ok := a.values[key]; !ok {
		a.keys = append(a.keys, key)
	}
	a.values[key] = value
}

// Get returns the value bound to key.
func (a Assignment) Get(key string) (string, bool) {
	v, ok := a.values[key]
	return v, ok
}

// Has reports whether key is bound.
func (a Assignment) Has(key string) bool {
	_, ok := a.values[key]
	return ok
}

// Len returns the number of bound keys.
func (a Assignment) Len() int {
	return len(a.keys)
}

// Keys returns the bound keys in insertion order.
func (a Assignment) Keys() []string {
	out := make([]string, len(a.keys))
	copy(out, a.keys)
	return out
}

// Clone returns an independent copy.
func (a Assignment) Clone() Assignment {
	var out Assignment
	for _, k := range a.keys {
		out.Set(k, a.values[k])
	}
	return out
}

// Equal reports whether both assignments bind the same keys to the same
// values, regardless of order.
func (a Assignment) Equal(b Assignment) bool {
	if len(a.keys) != len(b.keys) {
		return false
	}
	for k, v := range a.values {
		if bv, ok := b.values[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// String renders the assignment as "k=v k=v" in insertion order.
func (a Assignment) String() string {
	parts := make([]string, 0, len(a.keys))
	for _, k := range a.keys {
		parts = append(parts, k+"="+a.values[k])
	}
	return strings.Join(parts, " ")
}

// Canonical renders a sorted form suitable as a deduplication key.
func (a Assignment) Canonical() string {
	keys := a.Keys()
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+a.values[k])
	}
	return strings.Join(parts, ",")
}

// UnmarshalYAML decodes a mapping into an ordered assignment. Scalar values
// keep their source text, so "3.10" stays "3.10".
func (a *Assignment) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: matrix include entry must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: matrix value for %q must be a scalar", val.Line, key.Value)
		}
		a.Set(key.Value, val.Value)
	}
	return nil
}
