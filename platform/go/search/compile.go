package search

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalid marks filter and option rejections that map to bad_request.
var ErrInvalid = errors.New("invalid search parameters")

const metadataPrefix = "metadata."

type columnType int

const (
	colText columnType = iota
	colTimestamp
	colNumeric
	colTextArray
)

type column struct {
	expr string
	typ  columnType
}

// scalarColumns maps the recognised filter fields onto typed expressions over
// the records table (aliased r).
var scalarColumns = map[string]column{
	"namespace":  {"r.namespace", colText},
	"key":        {"r.record_key", colText},
	"owner":      {"r.owner", colText},
	"schemaHash": {"r.schema_hash", colText},
	"version":    {"r.version", colNumeric},
	"createdAt":  {"r.created_at", colTimestamp},
	"updatedAt":  {"r.updated_at", colTimestamp},
	"deletedAt":  {"r.deleted_at", colTimestamp},
	"createdBy":  {"r.created_by", colText},
	"updatedBy":  {"r.updated_by", colText},
	"tags":       {"r.tags", colTextArray},
}

var pathSegmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Compile renders the filter into a parameterised SQL fragment plus its
// argument vector. start is the number of placeholders the caller has already
// allocated; emitted placeholders begin at $(start+1). User-supplied values
// are never concatenated into the fragment.
func Compile(f *Filter, start int) (string, []any, error) {
	if f == nil {
		return "", nil, nil
	}
	c := &compiler{start: start}
	sql, err := c.node(f)
	if err != nil {
		return "", nil, err
	}
	return sql, c.args, nil
}

type compiler struct {
	start int
	args  []any
}

func (c *compiler) placeholder(v any) string {
	c.args = append(c.args, v)
	return "$" + strconv.Itoa(c.start+len(c.args))
}

func (c *compiler) node(f *Filter) (string, error) {
	switch f.Type {
	case NodeCondition:
		return c.condition(f)
	case NodeGroup:
		parts := make([]string, 0, len(f.Filters))
		for _, child := range f.Filters {
			sql, err := c.node(child)
			if err != nil {
				return "", err
			}
			parts = append(parts, sql)
		}
		joiner := " AND "
		if f.GroupOp == GroupOr {
			joiner = " OR "
		}
		return "(" + strings.Join(parts, joiner) + ")", nil
	case NodeNot:
		sql, err := c.node(f.Negated)
		if err != nil {
			return "", err
		}
		return "NOT (" + sql + ")", nil
	default:
		return "", fmt.Errorf("%w: unknown node type %q", ErrInvalid, f.Type)
	}
}

func (c *compiler) condition(f *Filter) (string, error) {
	if col, ok := scalarColumns[f.Field]; ok {
		return c.scalarCondition(f, col)
	}
	if strings.HasPrefix(f.Field, metadataPrefix) {
		segments, err := metadataSegments(f.Field)
		if err != nil {
			return "", err
		}
		return c.jsonCondition(f, segments)
	}
	return "", fmt.Errorf("%w: unknown field %q", ErrInvalid, f.Field)
}

func metadataSegments(field string) ([]string, error) {
	raw := strings.TrimPrefix(field, metadataPrefix)
	if raw == "" {
		return nil, fmt.Errorf("%w: metadata path in %q is empty", ErrInvalid, field)
	}
	segments := strings.Split(raw, ".")
	for _, seg := range segments {
		if !pathSegmentPattern.MatchString(seg) {
			return nil, fmt.Errorf("%w: invalid metadata path segment %q", ErrInvalid, seg)
		}
	}
	return segments, nil
}

func (c *compiler) scalarCondition(f *Filter, col column) (string, error) {
	switch f.Operator {
	case OpEq:
		if col.typ == colTextArray {
			ph, err := c.tagsParam(f)
			if err != nil {
				return "", err
			}
			return col.expr + " = " + ph, nil
		}
		if f.Value == nil {
			return col.expr + " IS NULL", nil
		}
		ph, err := c.scalarParam(col, f.Value)
		if err != nil {
			return "", err
		}
		return col.expr + " = " + ph, nil
	case OpNeq:
		if col.typ == colTextArray {
			ph, err := c.tagsParam(f)
			if err != nil {
				return "", err
			}
			return col.expr + " IS DISTINCT FROM " + ph, nil
		}
		if f.Value == nil {
			return col.expr + " IS NOT NULL", nil
		}
		ph, err := c.scalarParam(col, f.Value)
		if err != nil {
			return "", err
		}
		return col.expr + " IS DISTINCT FROM " + ph, nil
	case OpLt, OpLte, OpGt, OpGte:
		if col.typ == colTextArray {
			return "", fmt.Errorf("%w: %s does not support ordered comparison", ErrInvalid, f.Field)
		}
		ph, err := c.scalarParam(col, f.Value)
		if err != nil {
			return "", err
		}
		return col.expr + " " + comparison(f.Operator) + " " + ph, nil
	case OpBetween:
		if col.typ == colTextArray {
			return "", fmt.Errorf("%w: %s does not support between", ErrInvalid, f.Field)
		}
		low, err := c.scalarParam(col, f.Values[0])
		if err != nil {
			return "", err
		}
		high, err := c.scalarParam(col, f.Values[1])
		if err != nil {
			return "", err
		}
		return col.expr + " BETWEEN " + low + " AND " + high, nil
	case OpContains:
		if col.typ != colTextArray {
			return "", fmt.Errorf("%w: contains requires tags or a metadata path, got %q", ErrInvalid, f.Field)
		}
		ph, err := c.tagsParam(f)
		if err != nil {
			return "", err
		}
		return col.expr + " @> " + ph, nil
	case OpArrayContains:
		if col.typ != colTextArray {
			return "", fmt.Errorf("%w: array_contains requires tags or a metadata path, got %q", ErrInvalid, f.Field)
		}
		ph, err := c.tagsParam(f)
		if err != nil {
			return "", err
		}
		return col.expr + " && " + ph, nil
	case OpHasKey:
		return "", fmt.Errorf("%w: has_key requires a metadata path, got %q", ErrInvalid, f.Field)
	case OpExists:
		return col.expr + " IS NOT NULL", nil
	default:
		return "", fmt.Errorf("%w: unknown operator %q", ErrInvalid, f.Operator)
	}
}

func (c *compiler) jsonCondition(f *Filter, segments []string) (string, error) {
	pathPh := c.placeholder(segments) + "::text[]"
	objExpr := "r.metadata #> " + pathPh
	textExpr := "r.metadata #>> " + pathPh

	switch f.Operator {
	case OpEq:
		if f.Value == nil {
			return "(" + objExpr + " IS NULL OR " + objExpr + " = 'null'::jsonb)", nil
		}
		ph, err := c.jsonParam(f.Value)
		if err != nil {
			return "", err
		}
		return objExpr + " = " + ph, nil
	case OpNeq:
		if f.Value == nil {
			return "NOT (" + objExpr + " IS NULL OR " + objExpr + " = 'null'::jsonb)", nil
		}
		ph, err := c.jsonParam(f.Value)
		if err != nil {
			return "", err
		}
		return objExpr + " IS DISTINCT FROM " + ph, nil
	case OpLt, OpLte, OpGt, OpGte:
		text, err := textForm(f.Value)
		if err != nil {
			return "", fmt.Errorf("%w: %s on %q: %v", ErrInvalid, f.Operator, f.Field, err)
		}
		return textExpr + " " + comparison(f.Operator) + " " + c.placeholder(text), nil
	case OpBetween:
		low, err := textForm(f.Values[0])
		if err != nil {
			return "", fmt.Errorf("%w: between on %q: %v", ErrInvalid, f.Field, err)
		}
		high, err := textForm(f.Values[1])
		if err != nil {
			return "", fmt.Errorf("%w: between on %q: %v", ErrInvalid, f.Field, err)
		}
		return textExpr + " BETWEEN " + c.placeholder(low) + " AND " + c.placeholder(high), nil
	case OpContains:
		value := f.Value
		if value == nil && len(f.Values) > 0 {
			value = f.Values
		}
		ph, err := c.jsonParam(value)
		if err != nil {
			return "", err
		}
		return objExpr + " @> " + ph, nil
	case OpArrayContains:
		values := f.Values
		if len(values) == 0 {
			values = []any{f.Value}
		}
		clauses := make([]string, 0, len(values))
		for _, v := range values {
			ph, err := c.jsonParam(v)
			if err != nil {
				return "", err
			}
			clauses = append(clauses, "elem.value @> "+ph)
		}
		return "EXISTS (SELECT 1 FROM jsonb_array_elements(COALESCE(" + objExpr + ", '[]'::jsonb)) AS elem(value) WHERE " +
			strings.Join(clauses, " OR ") + ")", nil
	case OpHasKey:
		key, ok := f.Value.(string)
		if !ok {
			return "", fmt.Errorf("%w: has_key on %q requires a string value", ErrInvalid, f.Field)
		}
		return "jsonb_exists(COALESCE(" + objExpr + ", '{}'::jsonb), " + c.placeholder(key) + ")", nil
	case OpExists:
		return objExpr + " IS NOT NULL", nil
	default:
		return "", fmt.Errorf("%w: unknown operator %q", ErrInvalid, f.Operator)
	}
}

func comparison(op Operator) string {
	switch op {
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	default:
		return ">="
	}
}

func (c *compiler) scalarParam(col column, v any) (string, error) {
	switch col.typ {
	case colNumeric:
		switch tv := v.(type) {
		case float64:
			return c.placeholder(tv) + "::numeric", nil
		case string:
			if !numberPattern.MatchString(tv) {
				return "", fmt.Errorf("%w: %s expects a number", ErrInvalid, col.expr)
			}
			return c.placeholder(tv) + "::numeric", nil
		default:
			return "", fmt.Errorf("%w: %s expects a number", ErrInvalid, col.expr)
		}
	case colTimestamp:
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("%w: %s expects an ISO-8601 string", ErrInvalid, col.expr)
		}
		return c.placeholder(s) + "::timestamptz", nil
	default:
		s, err := textForm(v)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrInvalid, col.expr, err)
		}
		return c.placeholder(s), nil
	}
}

func (c *compiler) tagsParam(f *Filter) (string, error) {
	raw := f.Values
	if len(raw) == 0 {
		if f.Value == nil {
			return "", fmt.Errorf("%w: tags condition requires a value or values", ErrInvalid)
		}
		raw = []any{f.Value}
	}
	tags := make([]string, 0, len(raw))
	for _, v := range raw {
		s, err := textForm(v)
		if err != nil {
			return "", fmt.Errorf("%w: tags: %v", ErrInvalid, err)
		}
		tags = append(tags, s)
	}
	return c.placeholder(tags) + "::text[]", nil
}

func (c *compiler) jsonParam(v any) (string, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: value is not encodable: %v", ErrInvalid, err)
	}
	return c.placeholder(string(encoded)) + "::jsonb", nil
}

// textForm renders a scalar as its query text representation.
func textForm(v any) (string, error) {
	switch tv := v.(type) {
	case string:
		return tv, nil
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(tv), nil
	case nil:
		return "", fmt.Errorf("null is not comparable")
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}
