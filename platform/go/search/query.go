package search

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var (
	fieldPattern  = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	numberPattern = regexp.MustCompile(`^-?\d+(?:\.\d+)?$`)
)

// queryOperators in match priority order; longest match wins.
var queryOperators = []struct {
	text string
	op   Operator
}{
	{"!=", OpNeq},
	{">=", OpGte},
	{"<=", OpLte},
	{">", OpGt},
	{"<", OpLt},
	{":", OpEq},
	{"=", OpEq},
}

// ParseQuery converts the lightweight query-string grammar into a filter
// tree: whitespace-separated tokens, quoted strings with backslash escapes,
// one comparison operator per token, typed values, and an implicit
// `metadata.` prefix for unrecognised fields. Tokens AND-combine.
func ParseQuery(q string) (*Filter, error) {
	tokens, err := tokenize(q)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	filters := make([]*Filter, 0, len(tokens))
	for _, tok := range tokens {
		cond, err := tok.toCondition()
		if err != nil {
			return nil, err
		}
		filters = append(filters, cond)
	}

	if len(filters) == 1 {
		return filters[0], nil
	}
	return &Filter{Type: NodeGroup, GroupOp: GroupAnd, Filters: filters}, nil
}

type queryToken struct {
	runes  []rune
	quoted []bool
	// hadQuote survives even when the quoted region is empty ("" values).
	hadQuote bool
}

func tokenize(q string) ([]queryToken, error) {
	var tokens []queryToken
	var current queryToken
	inQuote := rune(0)
	escaped := false
	dirty := false

	flush := func() {
		if dirty {
			tokens = append(tokens, current)
			current = queryToken{}
			dirty = false
		}
	}

	for _, r := range q {
		switch {
		case escaped:
			current.runes = append(current.runes, r)
			current.quoted = append(current.quoted, true)
			escaped = false
			dirty = true
		case inQuote != 0 && r == '\\':
			escaped = true
		case inQuote != 0 && r == inQuote:
			inQuote = 0
			dirty = true
		case inQuote != 0:
			current.runes = append(current.runes, r)
			current.quoted = append(current.quoted, true)
			dirty = true
		case r == '\'' || r == '"':
			inQuote = r
			current.hadQuote = true
			dirty = true
		case unicode.IsSpace(r):
			flush()
		default:
			current.runes = append(current.runes, r)
			current.quoted = append(current.quoted, false)
			dirty = true
		}
	}

	if inQuote != 0 {
		return nil, fmt.Errorf("unterminated quote in query")
	}
	flush()
	return tokens, nil
}

func (t queryToken) toCondition() (*Filter, error) {
	opIdx, opLen := -1, 0
	var op Operator
	for _, candidate := range queryOperators {
		idx := t.indexOfUnquoted(candidate.text)
		if idx >= 0 {
			opIdx, opLen, op = idx, len(candidate.text), candidate.op
			break
		}
	}
	if opIdx < 0 {
		return nil, fmt.Errorf("query token %q is missing a comparison operator", string(t.runes))
	}

	field := string(t.runes[:opIdx])
	if field == "" || !fieldPattern.MatchString(field) {
		return nil, fmt.Errorf("invalid field %q in query", field)
	}
	field = canonicalField(field)

	valueRunes := t.runes[opIdx+opLen:]
	valueQuoted := t.hadQuote
	if !valueQuoted {
		for _, q := range t.quoted[opIdx+opLen:] {
			if q {
				valueQuoted = true
				break
			}
		}
	}

	return Condition(field, op, typedValue(string(valueRunes), valueQuoted)), nil
}

// indexOfUnquoted finds the first occurrence of op whose characters are all
// outside quoted regions.
func (t queryToken) indexOfUnquoted(op string) int {
	opRunes := []rune(op)
outer:
	for i := 0; i+len(opRunes) <= len(t.runes); i++ {
		for j, or := range opRunes {
			if t.runes[i+j] != or || t.quoted[i+j] {
				continue outer
			}
		}
		return i
	}
	return -1
}

func canonicalField(field string) string {
	if _, ok := scalarColumns[field]; ok {
		return field
	}
	if strings.HasPrefix(field, metadataPrefix) {
		return field
	}
	return metadataPrefix + field
}

func typedValue(raw string, quoted bool) any {
	if quoted {
		return raw
	}
	switch raw {
	case "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if numberPattern.MatchString(raw) {
		f, err := strconv.ParseFloat(raw, 64)
		if err == nil {
			return f
		}
	}
	return raw
}
