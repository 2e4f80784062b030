package predicate

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestParse_ValidTree(t *testing.T) {
	raw := json.RawMessage(`{
		"and": [
			{"field": "category", "op": "eq", "value": "retail"},
			{"or": [
				{"field": "employee_count", "op": "gte", "value": 10},
				{"field": "has_form", "op": "eq", "value": true}
			]},
			{"not": {"field": "region", "op": "in", "value": ["EU", "UK"]}}
		]
	}`)

	e, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(e.And) != 3 {
		t.Errorf("expected 3 conjuncts, got %d", len(e.And))
	}
}

func TestParse_EmptyIsAlwaysTrue(t *testing.T) {
	for _, raw := range []json.RawMessage{nil, json.RawMessage("null")} {
		e, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", raw, err)
		}
		sql, args, err := Compile(e, 1)
		if err != nil {
			t.Fatalf("Compile() error = %v", err)
		}
		if sql != "TRUE" || len(args) != 0 {
			t.Errorf("empty predicate compiled to %q with %d args", sql, len(args))
		}
	}
}

func TestParse_RejectsUnknownField(t *testing.T) {
	_, err := Parse(json.RawMessage(`{"field": "password", "op": "eq", "value": "x"}`))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParse_RejectsUnknownOperator(t *testing.T) {
	_, err := Parse(json.RawMessage(`{"field": "name", "op": "regex", "value": ".*"}`))
	if err == nil {
		t.Fatal("expected error for unknown operator")
	}
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	// Raw SQL smuggled through an unexpected key must not survive decoding.
	_, err := Parse(json.RawMessage(`{"field": "name", "op": "eq", "value": "x", "sql": "1=1; DROP TABLE entities"}`))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestValidate_TypeMismatches(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"ordering on string field", `{"field": "name", "op": "gt", "value": "a"}`},
		{"contains on numeric field", `{"field": "employee_count", "op": "contains", "value": "1"}`},
		{"string value for numeric field", `{"field": "employee_count", "op": "eq", "value": "10"}`},
		{"fractional value for integer field", `{"field": "employee_count", "op": "eq", "value": 1.5}`},
		{"empty in list", `{"field": "region", "op": "in", "value": []}`},
		{"bool field with string value", `{"field": "has_form", "op": "eq", "value": "yes"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(json.RawMessage(tc.raw)); err == nil {
				t.Errorf("expected validation error for %s", tc.raw)
			}
		})
	}
}

func TestCompile_Comparison(t *testing.T) {
	e := Expr{Field: "category", Op: "eq", Value: "retail"}
	sql, args, err := Compile(e, 3)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if sql != "category = $3" {
		t.Errorf("sql = %q", sql)
	}
	if !reflect.DeepEqual(args, []interface{}{"retail"}) {
		t.Errorf("args = %v", args)
	}
}

func TestCompile_NestedPlaceholderNumbering(t *testing.T) {
	e := Expr{And: []Expr{
		{Field: "category", Op: "eq", Value: "retail"},
		{Field: "employee_count", Op: "gte", Value: float64(10)},
		{Field: "region", Op: "in", Value: []interface{}{"US", "CA"}},
	}}
	sql, args, err := Compile(e, 2)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	want := "(category = $2 AND employee_count >= $3 AND region IN ($4, $5))"
	if sql != want {
		t.Errorf("sql = %q, want %q", sql, want)
	}
	wantArgs := []interface{}{"retail", int64(10), "US", "CA"}
	if !reflect.DeepEqual(args, wantArgs) {
		t.Errorf("args = %v, want %v", args, wantArgs)
	}
}

func TestCompile_ContainsEscapesWildcards(t *testing.T) {
	e := Expr{Field: "name", Op: "contains", Value: "50%_off"}
	sql, args, err := Compile(e, 1)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if sql != "name ILIKE $1" {
		t.Errorf("sql = %q", sql)
	}
	if args[0] != `%50\%\_off%` {
		t.Errorf("args[0] = %q", args[0])
	}
}

func TestCompile_Not(t *testing.T) {
	e := Expr{Not: &Expr{Field: "has_form", Op: "eq", Value: false}}
	sql, args, err := Compile(e, 1)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if sql != "NOT has_form = $1" {
		t.Errorf("sql = %q", sql)
	}
	if args[0] != false {
		t.Errorf("args = %v", args)
	}
}
