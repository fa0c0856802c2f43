package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Kind discriminates the shape a work package's filter value can take.
type Kind int

const (
	KindScalar Kind = iota
	KindList
	KindGeometry
)

// Value is a tagged union over the three shapes a work-package "value" node
// can hold: a single scalar, a list of scalars, or a WKT geometry string.
// Which shape applies is decided from the YAML node itself: a sequence node
// decodes as KindList, everything else decodes as KindScalar. Callers that
// know the owning table uses filter-geometry should treat a scalar Value as
// KindGeometry via AsGeometry instead of AsScalar.
type Value struct {
	kind    Kind
	scalars []any
}

func decodeValue(node *yaml.Node) (Value, error) {
	if node == nil || node.IsZero() {
		return Value{}, fmt.Errorf("value is required")
	}
	switch node.Kind {
	case yaml.SequenceNode:
		scalars := make([]any, 0, len(node.Content))
		for _, item := range node.Content {
			var v any
			if err := item.Decode(&v); err != nil {
				return Value{}, fmt.Errorf("decode list item: %w", err)
			}
			scalars = append(scalars, v)
		}
		if len(scalars) == 0 {
			return Value{}, fmt.Errorf("list value must not be empty")
		}
		return Value{kind: KindList, scalars: scalars}, nil
	default:
		var v any
		if err := node.Decode(&v); err != nil {
			return Value{}, fmt.Errorf("decode scalar: %w", err)
		}
		return Value{kind: KindScalar, scalars: []any{v}}, nil
	}
}

// ScalarValue builds a KindScalar Value directly, for callers constructing
// filter predicates outside of YAML loading (tests, programmatic config).
func ScalarValue(v any) Value { return Value{kind: KindScalar, scalars: []any{v}} }

// ListValue builds a KindList Value directly, for callers constructing
// filter predicates outside of YAML loading (tests, programmatic config).
func ListValue(vs []any) Value { return Value{kind: KindList, scalars: vs} }

// Kind reports which shape the value holds.
func (v Value) Kind() Kind { return v.kind }

// AsScalar returns the single bound value for a filter-column scalar match.
func (v Value) AsScalar() any {
	if len(v.scalars) == 0 {
		return nil
	}
	return v.scalars[0]
}

// AsList returns the set of bound values for a filter-column IN match.
func (v Value) AsList() []any {
	return v.scalars
}

// AsGeometry returns the WKT string for a filter-geometry table. The YAML
// node for geometry values is always a plain scalar string, so this reuses
// the scalar decode path and only differs in how the orchestrator
// interprets the result.
func (v Value) AsGeometry() (string, error) {
	if v.kind == KindList {
		return "", fmt.Errorf("geometry value must be a single string, got a list")
	}
	s, ok := v.AsScalar().(string)
	if !ok {
		return "", fmt.Errorf("geometry value must be a string, got %T", v.AsScalar())
	}
	return s, nil
}
