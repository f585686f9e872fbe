package search

import (
	"encoding/json"
	"fmt"
)

// MaxDepth bounds filter tree nesting.
const MaxDepth = 8

// NodeType discriminates filter tree nodes.
type NodeType string

const (
	NodeCondition NodeType = "condition"
	NodeGroup     NodeType = "group"
	NodeNot       NodeType = "not"
)

// Operator is a condition comparison.
type Operator string

const (
	OpEq            Operator = "eq"
	OpNeq           Operator = "neq"
	OpLt            Operator = "lt"
	OpLte           Operator = "lte"
	OpGt            Operator = "gt"
	OpGte           Operator = "gte"
	OpBetween       Operator = "between"
	OpContains      Operator = "contains"
	OpHasKey        Operator = "has_key"
	OpArrayContains Operator = "array_contains"
	OpExists        Operator = "exists"
)

var operators = map[Operator]struct{}{
	OpEq: {}, OpNeq: {}, OpLt: {}, OpLte: {}, OpGt: {}, OpGte: {},
	OpBetween: {}, OpContains: {}, OpHasKey: {}, OpArrayContains: {}, OpExists: {},
}

// GroupOperator combines group members.
type GroupOperator string

const (
	GroupAnd GroupOperator = "and"
	GroupOr  GroupOperator = "or"
)

// Filter is the canonical tagged filter tree. Exactly one variant's fields
// are populated, selected by Type.
type Filter struct {
	Type NodeType

	// condition
	Field    string
	Operator Operator
	Value    any
	Values   []any

	// group
	GroupOp GroupOperator
	Filters []*Filter

	// not
	Negated *Filter
}

// Condition builds a condition node.
func Condition(field string, op Operator, value any) *Filter {
	return &Filter{Type: NodeCondition, Field: field, Operator: op, Value: value}
}

// And combines two optional filters; nil operands pass through.
func And(a, b *Filter) *Filter {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return &Filter{Type: NodeGroup, GroupOp: GroupAnd, Filters: []*Filter{a, b}}
	}
}

// ParseFilterJSON decodes a raw JSON filter into the canonical tree.
func ParseFilterJSON(raw json.RawMessage) (*Filter, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var node any
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("filter must be a JSON object: %w", err)
	}
	if node == nil {
		return nil, nil
	}
	obj, ok := node.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("filter must be a JSON object")
	}
	return ParseFilterNode(obj)
}

// ParseFilterNode converts a decoded JSON object into the canonical tree,
// enforcing the depth limit and operator/arity rules.
func ParseFilterNode(node map[string]any) (*Filter, error) {
	return parseNode(node, 1)
}

func parseNode(node map[string]any, depth int) (*Filter, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("filter exceeds maximum depth of %d", MaxDepth)
	}

	nodeType, _ := node["type"].(string)
	if nodeType == "" {
		switch {
		case node["not"] != nil:
			nodeType = string(NodeNot)
		case node["field"] != nil:
			nodeType = string(NodeCondition)
		default:
			return nil, fmt.Errorf("filter node requires a type")
		}
	}

	switch NodeType(nodeType) {
	case NodeCondition:
		return parseCondition(node)
	case NodeGroup:
		return parseGroup(node, depth)
	case NodeNot:
		return parseNot(node, depth)
	default:
		return nil, fmt.Errorf("unknown filter node type %q", nodeType)
	}
}

func parseCondition(node map[string]any) (*Filter, error) {
	field, _ := node["field"].(string)
	if field == "" {
		return nil, fmt.Errorf("condition requires a field")
	}

	opRaw, _ := node["operator"].(string)
	if opRaw == "" {
		return nil, fmt.Errorf("condition on %q requires an operator", field)
	}
	op := Operator(opRaw)
	if _, ok := operators[op]; !ok {
		return nil, fmt.Errorf("unknown operator %q", opRaw)
	}

	f := &Filter{Type: NodeCondition, Field: field, Operator: op}
	value, hasValue := node["value"]
	if hasValue {
		f.Value = value
	}
	if rawValues, ok := node["values"]; ok {
		values, ok := rawValues.([]any)
		if !ok {
			return nil, fmt.Errorf("condition on %q: values must be an array", field)
		}
		f.Values = values
	}

	switch op {
	case OpBetween:
		if len(f.Values) != 2 {
			return nil, fmt.Errorf("between on %q requires exactly two values", field)
		}
	case OpLt, OpLte, OpGt, OpGte:
		if !hasValue || f.Value == nil {
			return nil, fmt.Errorf("%s on %q requires a value", op, field)
		}
	case OpEq, OpNeq:
		if !hasValue {
			return nil, fmt.Errorf("%s on %q requires a value", op, field)
		}
	case OpContains, OpArrayContains:
		if !hasValue && len(f.Values) == 0 {
			return nil, fmt.Errorf("%s on %q requires a value or values", op, field)
		}
	case OpHasKey:
		if _, ok := f.Value.(string); !ok {
			return nil, fmt.Errorf("has_key on %q requires a string value", field)
		}
	case OpExists:
		// no operands
	}

	return f, nil
}

func parseGroup(node map[string]any, depth int) (*Filter, error) {
	opRaw, _ := node["operator"].(string)
	groupOp := GroupOperator(opRaw)
	if groupOp != GroupAnd && groupOp != GroupOr {
		return nil, fmt.Errorf("group operator must be \"and\" or \"or\"")
	}

	rawFilters, ok := node["filters"].([]any)
	if !ok || len(rawFilters) == 0 {
		return nil, fmt.Errorf("group requires a non-empty filters array")
	}

	f := &Filter{Type: NodeGroup, GroupOp: groupOp, Filters: make([]*Filter, 0, len(rawFilters))}
	for i, raw := range rawFilters {
		childObj, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("group filters[%d] must be an object", i)
		}
		child, err := parseNode(childObj, depth+1)
		if err != nil {
			return nil, err
		}
		f.Filters = append(f.Filters, child)
	}
	return f, nil
}

func parseNot(node map[string]any, depth int) (*Filter, error) {
	raw := node["filter"]
	if raw == nil {
		// legacy shorthand {not: {...}}
		raw = node["not"]
	}
	childObj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("not requires a filter object")
	}
	child, err := parseNode(childObj, depth+1)
	if err != nil {
		return nil, err
	}
	return &Filter{Type: NodeNot, Negated: child}, nil
}
