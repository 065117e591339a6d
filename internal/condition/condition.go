// Package condition implements the recursive condition tree used by
// config overrides: a tagged union over a closed operator set, parsed
// from and serialized to JSON, with a structural walker used by
// validation and by context-field extraction.
//
// The tagged-payload-plus-explicit-switch shape here mirrors how the
// teacher repo models its own small discriminated types (see
// pkg/configvalidator/matcher.MatcherType): one string tag field picks
// the branch, everything else is a plain struct.
package condition

import (
	"encoding/json"
	"fmt"
)

// Operator is the closed set of condition node tags.
type Operator string

const (
	OpEquals               Operator = "equals"
	OpIn                    Operator = "in"
	OpNotIn                 Operator = "not_in"
	OpLessThan              Operator = "less_than"
	OpLessThanOrEqual       Operator = "less_than_or_equal"
	OpGreaterThan           Operator = "greater_than"
	OpGreaterThanOrEqual    Operator = "greater_than_or_equal"
	OpSegmentation          Operator = "segmentation"
	OpAnd                   Operator = "and"
	OpOr                    Operator = "or"
	OpNot                   Operator = "not"
)

func (o Operator) isLeaf() bool {
	switch o {
	case OpEquals, OpIn, OpNotIn, OpLessThan, OpLessThanOrEqual, OpGreaterThan, OpGreaterThanOrEqual, OpSegmentation:
		return true
	}
	return false
}

func (o Operator) isComposite() bool {
	switch o {
	case OpAnd, OpOr, OpNot:
		return true
	}
	return false
}

// ValueType distinguishes a literal ConditionValue from a cross-config
// reference one.
type ValueType string

const (
	ValueLiteral   ValueType = "literal"
	ValueReference ValueType = "reference"
)

// Value is a ConditionValue: either a literal JSON-shaped value, or a
// pointer at another config's effective value via a path.
type Value struct {
	Type      ValueType
	Literal   any      // set when Type == ValueLiteral
	ProjectID string   // set when Type == ValueReference
	ConfigName string  // set when Type == ValueReference
	Path      string   // raw path string; parsed lazily by internal/jsonpath
}

// MarshalJSON renders a Value back to its wire shape.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Type {
	case ValueReference:
		return json.Marshal(struct {
			Type       ValueType `json:"type"`
			ProjectID  string    `json:"projectId"`
			ConfigName string    `json:"configName"`
			Path       string    `json:"path"`
		}{ValueReference, v.ProjectID, v.ConfigName, v.Path})
	default:
		return json.Marshal(struct {
			Type  ValueType `json:"type"`
			Value any       `json:"value"`
		}{ValueLiteral, v.Literal})
	}
}

// UnmarshalJSON parses a Value from either wire shape.
func (v *Value) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type ValueType `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("condition value: %w", err)
	}
	switch tag.Type {
	case ValueReference:
		var ref struct {
			ProjectID  string `json:"projectId"`
			ConfigName string `json:"configName"`
			Path       string `json:"path"`
		}
		if err := json.Unmarshal(data, &ref); err != nil {
			return fmt.Errorf("condition value: reference: %w", err)
		}
		*v = Value{Type: ValueReference, ProjectID: ref.ProjectID, ConfigName: ref.ConfigName, Path: ref.Path}
	case ValueLiteral, "":
		var lit struct {
			Value any `json:"value"`
		}
		if err := json.Unmarshal(data, &lit); err != nil {
			return fmt.Errorf("condition value: literal: %w", err)
		}
		*v = Value{Type: ValueLiteral, Literal: lit.Value}
	default:
		return fmt.Errorf("condition value: unknown type %q", tag.Type)
	}
	return nil
}

// Node is one element of a condition tree. Leaf operators set Property
// (and, for segmentation, the bucket bounds and seed); composite
// operators set Children.
type Node struct {
	Operator Operator

	// Leaf fields.
	Property string
	Value    Value // equals/in/not_in/comparisons

	// segmentation fields.
	FromPercentage float64
	ToPercentage   float64
	Seed           string

	// and/or/not fields.
	Children []Node
}

// wireNode is the JSON wire shape; encoding/json cannot unmarshal
// straight into Node because Children is itself []Node (the recursive
// case needs to go through wireNode too, which MarshalJSON/UnmarshalJSON
// below arrange).
type wireNode struct {
	Operator       Operator  `json:"operator"`
	Property       string    `json:"property,omitempty"`
	Value          *Value    `json:"value,omitempty"`
	FromPercentage *float64  `json:"fromPercentage,omitempty"`
	ToPercentage   *float64  `json:"toPercentage,omitempty"`
	Seed           string    `json:"seed,omitempty"`
	Children       []Node    `json:"children,omitempty"`
}

// MarshalJSON renders a Node back to its wire shape.
func (n Node) MarshalJSON() ([]byte, error) {
	w := wireNode{Operator: n.Operator}
	switch {
	case n.Operator.isLeaf() && n.Operator != OpSegmentation:
		w.Property = n.Property
		w.Value = &n.Value
	case n.Operator == OpSegmentation:
		w.Property = n.Property
		w.FromPercentage = &n.FromPercentage
		w.ToPercentage = &n.ToPercentage
		w.Seed = n.Seed
	case n.Operator.isComposite():
		w.Children = n.Children
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses and validates a Node from its wire shape. Ill-
// formed trees are rejected here; see Validate for stricter semantic
// checks (percentage ranges, non-empty seed, etc.) run separately by
// callers that want BadRequest-grade detail.
func (n *Node) UnmarshalJSON(data []byte) error {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("condition node: %w", err)
	}
	switch {
	case w.Operator.isLeaf() && w.Operator != OpSegmentation:
		if w.Property == "" {
			return fmt.Errorf("condition node: operator %q requires a property", w.Operator)
		}
		if w.Value == nil {
			return fmt.Errorf("condition node: operator %q requires a value", w.Operator)
		}
		*n = Node{Operator: w.Operator, Property: w.Property, Value: *w.Value}
	case w.Operator == OpSegmentation:
		if w.Property == "" {
			return fmt.Errorf("condition node: segmentation requires a property")
		}
		if w.FromPercentage == nil || w.ToPercentage == nil {
			return fmt.Errorf("condition node: segmentation requires fromPercentage and toPercentage")
		}
		*n = Node{
			Operator:       OpSegmentation,
			Property:       w.Property,
			FromPercentage: *w.FromPercentage,
			ToPercentage:   *w.ToPercentage,
			Seed:           w.Seed,
		}
	case w.Operator == OpAnd || w.Operator == OpOr:
		*n = Node{Operator: w.Operator, Children: w.Children}
	case w.Operator == OpNot:
		if len(w.Children) != 1 {
			return fmt.Errorf("condition node: not requires exactly one child, got %d", len(w.Children))
		}
		*n = Node{Operator: OpNot, Children: w.Children}
	default:
		return fmt.Errorf("condition node: unknown operator %q", w.Operator)
	}
	return nil
}

// Validate checks the semantic rules spec.md §4.A lists beyond bare
// shape: segmentation bounds in [0,100] with from<=to and a non-empty
// seed, not exactly one child, in/not_in literal values are arrays.
func (n Node) Validate() error {
	switch n.Operator {
	case OpSegmentation:
		if n.FromPercentage < 0 || n.FromPercentage > 100 || n.ToPercentage < 0 || n.ToPercentage > 100 {
			return fmt.Errorf("segmentation: fromPercentage/toPercentage must be within [0,100]")
		}
		if n.FromPercentage > n.ToPercentage {
			return fmt.Errorf("segmentation: fromPercentage must be <= toPercentage")
		}
		if n.Seed == "" {
			return fmt.Errorf("segmentation: seed must be non-empty")
		}
	case OpIn, OpNotIn:
		if n.Value.Type == ValueLiteral {
			if _, ok := n.Value.Literal.([]any); !ok {
				return fmt.Errorf("%s: literal value must be an array", n.Operator)
			}
		}
	case OpNot:
		if len(n.Children) != 1 {
			return fmt.Errorf("not: requires exactly one child")
		}
	}
	for _, c := range n.Children {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Walk visits every node in the tree, including n itself, depth first.
// fn returning false stops descent into that node's children (but
// sibling/parent traversal continues).
func (n Node) Walk(fn func(Node) bool) {
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// ExtractProperties returns the set of distinct context property keys
// referenced anywhere in the tree, for Admin UI condition builders that
// need to know what a context must supply.
func ExtractProperties(n Node) []string {
	seen := map[string]bool{}
	var order []string
	n.Walk(func(node Node) bool {
		if node.Operator.isLeaf() && node.Property != "" && !seen[node.Property] {
			seen[node.Property] = true
			order = append(order, node.Property)
		}
		return true
	})
	return order
}

// HasReference reports whether any leaf's Value is a reference, used to
// enforce the invariant that referenced configs stay within the same
// project (spec.md §3 invariants).
func HasReference(n Node) bool {
	found := false
	n.Walk(func(node Node) bool {
		if node.Operator.isLeaf() && node.Operator != OpSegmentation && node.Value.Type == ValueReference {
			found = true
		}
		return !found
	})
	return found
}
