// Package predicate implements the campaign filter DSL: a typed boolean
// expression tree over the fixed entity attribute schema.
//
// Predicates arrive as JSON authored outside this service. They are
// validated against an allow-list of fields and operators, then compiled to
// a parameterized SQL fragment. Attribute values always travel as query
// arguments; no part of the input is ever interpolated into SQL text.
package predicate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Expr is one node of the filter tree. Exactly one of the four constructs
// (And, Or, Not, Field comparison) must be populated.
type Expr struct {
	And []Expr `json:"and,omitempty"`
	Or  []Expr `json:"or,omitempty"`
	Not *Expr  `json:"not,omitempty"`

	Field string      `json:"field,omitempty"`
	Op    string      `json:"op,omitempty"`
	Value interface{} `json:"value,omitempty"`
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindBool
)

type fieldSpec struct {
	column string
	kind   fieldKind
}

// allowedFields maps DSL field names to entity columns. Only these names
// are accepted; anything else is a validation error, not a query.
var allowedFields = map[string]fieldSpec{
	"name":           {column: "name", kind: kindString},
	"domain":         {column: "domain", kind: kindString},
	"category":       {column: "category", kind: kindString},
	"region":         {column: "region", kind: kindString},
	"employee_count": {column: "employee_count", kind: kindInt},
	"has_form":       {column: "has_form", kind: kindBool},
}

var allowedOps = map[string]struct{}{
	"eq": {}, "neq": {},
	"gt": {}, "gte": {}, "lt": {}, "lte": {},
	"in": {}, "contains": {},
}

var opSQL = map[string]string{
	"eq": "=", "neq": "<>",
	"gt": ">", "gte": ">=", "lt": "<", "lte": "<=",
}

// Parse decodes and validates a serialized predicate. A nil or empty raw
// value yields the always-true predicate.
func Parse(raw json.RawMessage) (Expr, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Expr{}, nil
	}
	var e Expr
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&e); err != nil {
		return Expr{}, fmt.Errorf("predicate: decode: %w", err)
	}
	if e.isEmpty() {
		return Expr{}, nil
	}
	if err := Validate(e); err != nil {
		return Expr{}, err
	}
	return e, nil
}

func (e Expr) isEmpty() bool {
	return len(e.And) == 0 && len(e.Or) == 0 && e.Not == nil && e.Field == ""
}

// Validate walks the tree checking structure, field names, operators and
// value types against the allow-list.
func Validate(e Expr) error {
	set := 0
	if len(e.And) > 0 {
		set++
	}
	if len(e.Or) > 0 {
		set++
	}
	if e.Not != nil {
		set++
	}
	if e.Field != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("predicate: node must have exactly one of and/or/not/field")
	}

	switch {
	case len(e.And) > 0:
		for _, child := range e.And {
			if err := Validate(child); err != nil {
				return err
			}
		}
	case len(e.Or) > 0:
		for _, child := range e.Or {
			if err := Validate(child); err != nil {
				return err
			}
		}
	case e.Not != nil:
		return Validate(*e.Not)
	default:
		return validateComparison(e)
	}
	return nil
}

func validateComparison(e Expr) error {
	spec, ok := allowedFields[e.Field]
	if !ok {
		return fmt.Errorf("predicate: unknown field %q", e.Field)
	}
	if _, ok := allowedOps[e.Op]; !ok {
		return fmt.Errorf("predicate: unknown operator %q", e.Op)
	}

	switch e.Op {
	case "gt", "gte", "lt", "lte":
		if spec.kind != kindInt {
			return fmt.Errorf("predicate: operator %q requires a numeric field, got %q", e.Op, e.Field)
		}
	case "contains":
		if spec.kind != kindString {
			return fmt.Errorf("predicate: operator %q requires a string field, got %q", e.Op, e.Field)
		}
	case "in":
		list, ok := e.Value.([]interface{})
		if !ok || len(list) == 0 {
			return fmt.Errorf("predicate: operator \"in\" requires a non-empty list for field %q", e.Field)
		}
		for _, v := range list {
			if err := checkValueKind(spec.kind, v, e.Field); err != nil {
				return err
			}
		}
		return nil
	}

	return checkValueKind(spec.kind, e.Value, e.Field)
}

func checkValueKind(kind fieldKind, v interface{}, field string) error {
	switch kind {
	case kindString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("predicate: field %q requires a string value", field)
		}
	case kindInt:
		f, ok := v.(float64)
		if !ok || f != float64(int64(f)) {
			return fmt.Errorf("predicate: field %q requires an integer value", field)
		}
	case kindBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("predicate: field %q requires a boolean value", field)
		}
	}
	return nil
}

// Compile renders a validated expression as a SQL fragment with positional
// placeholders starting at $start. The empty expression compiles to TRUE.
func Compile(e Expr, start int) (string, []interface{}, error) {
	if e.isEmpty() {
		return "TRUE", nil, nil
	}
	if err := Validate(e); err != nil {
		return "", nil, err
	}
	var args []interface{}
	sql, err := compileNode(e, start, &args)
	if err != nil {
		return "", nil, err
	}
	return sql, args, nil
}

func compileNode(e Expr, start int, args *[]interface{}) (string, error) {
	switch {
	case len(e.And) > 0:
		return compileJunction(e.And, " AND ", start, args)
	case len(e.Or) > 0:
		return compileJunction(e.Or, " OR ", start, args)
	case e.Not != nil:
		inner, err := compileNode(*e.Not, start, args)
		if err != nil {
			return "", err
		}
		return "NOT " + inner, nil
	}
	return compileComparison(e, start, args)
}

func compileJunction(children []Expr, sep string, start int, args *[]interface{}) (string, error) {
	parts := make([]string, 0, len(children))
	for _, child := range children {
		part, err := compileNode(child, start, args)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

func compileComparison(e Expr, start int, args *[]interface{}) (string, error) {
	spec := allowedFields[e.Field]

	switch e.Op {
	case "in":
		list := e.Value.([]interface{})
		placeholders := make([]string, len(list))
		for i, v := range list {
			*args = append(*args, coerce(spec.kind, v))
			placeholders[i] = fmt.Sprintf("$%d", start+len(*args)-1)
		}
		return fmt.Sprintf("%s IN (%s)", spec.column, strings.Join(placeholders, ", ")), nil
	case "contains":
		*args = append(*args, "%"+escapeLike(e.Value.(string))+"%")
		return fmt.Sprintf("%s ILIKE $%d", spec.column, start+len(*args)-1), nil
	case "eq", "neq":
		*args = append(*args, coerce(spec.kind, e.Value))
		return fmt.Sprintf("%s %s $%d", spec.column, opSQL[e.Op], start+len(*args)-1), nil
	default: // gt, gte, lt, lte — numeric, checked by Validate
		*args = append(*args, coerce(spec.kind, e.Value))
		return fmt.Sprintf("%s %s $%d", spec.column, opSQL[e.Op], start+len(*args)-1), nil
	}
}

func coerce(kind fieldKind, v interface{}) interface{} {
	if kind == kindInt {
		if f, ok := v.(float64); ok {
			return int64(f)
		}
	}
	return v
}

// escapeLike neutralizes LIKE wildcards in user-supplied substrings.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
