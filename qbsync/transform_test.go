package qbsync

import (
	"errors"
	"testing"

	"github.com/advisorhq/books_sync_backend/models"
	"github.com/advisorhq/books_sync_backend/utils"
)

func compileOne(t *testing.T, r *Registry, rule models.TransformationRule) []CompiledTransform {
	t.Helper()
	compiled, err := r.CompileTransforms([]models.TransformationRule{rule})
	if err != nil {
		t.Fatalf("CompileTransforms error: %v", err)
	}
	return compiled
}

func TestCompileTransforms_UnknownCustomFunction(t *testing.T) {
	r := NewRegistry()
	_, err := r.CompileTransforms([]models.TransformationRule{{
		Name:         "bad-rule",
		Kind:         models.TransformKindCustom,
		FunctionName: "no_such_function",
	}})
	var ce *utils.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %T: %v", err, err)
	}
}

func TestCompileTransforms_CustomResolvesRegisteredFunction(t *testing.T) {
	r := NewRegistry()
	r.RegisterTransform("stamp", func(record map[string]any, _ map[string]any, _ models.TransformationRule) error {
		record["stamped"] = true
		return nil
	})
	compiled := compileOne(t, r, models.TransformationRule{
		Name: "stamp-rule", Kind: models.TransformKindCustom, FunctionName: "stamp",
	})

	record := map[string]any{}
	if err := ApplyTransforms(record, compiled); err != nil {
		t.Fatalf("ApplyTransforms error: %v", err)
	}
	if record["stamped"] != true {
		t.Fatal("custom transform did not run")
	}
}

func TestTransformMapping_MovesValue(t *testing.T) {
	r := NewRegistry()
	compiled := compileOne(t, r, models.TransformationRule{
		Kind: models.TransformKindMapping, SourceField: "DisplayName", TargetField: "name",
	})

	record := map[string]any{"DisplayName": "Acme"}
	if err := ApplyTransforms(record, compiled); err != nil {
		t.Fatalf("ApplyTransforms error: %v", err)
	}
	if record["name"] != "Acme" {
		t.Fatalf("target not set: %v", record)
	}
	if _, exists := record["DisplayName"]; exists {
		t.Fatal("source field should be removed without keepSource")
	}
}

func TestTransformMapping_KeepSource(t *testing.T) {
	r := NewRegistry()
	compiled := compileOne(t, r, models.TransformationRule{
		Kind: models.TransformKindMapping, SourceField: "DisplayName", TargetField: "name",
		ConfigJSON: []byte(`{"keepSource": true}`),
	})

	record := map[string]any{"DisplayName": "Acme"}
	if err := ApplyTransforms(record, compiled); err != nil {
		t.Fatalf("ApplyTransforms error: %v", err)
	}
	if record["DisplayName"] != "Acme" || record["name"] != "Acme" {
		t.Fatalf("both fields should hold the value: %v", record)
	}
}

func TestTransformFormat(t *testing.T) {
	cases := []struct {
		format string
		in     string
		want   string
	}{
		{"trim", "  Acme  ", "Acme"},
		{"upper", "acme", "ACME"},
		{"lower", "ACME", "acme"},
		{"title", "aCME corp", "Acme Corp"},
	}
	r := NewRegistry()
	for _, tc := range cases {
		compiled := compileOne(t, r, models.TransformationRule{
			Kind: models.TransformKindFormat, SourceField: "name",
			ConfigJSON: []byte(`{"format": "` + tc.format + `"}`),
		})
		record := map[string]any{"name": tc.in}
		if err := ApplyTransforms(record, compiled); err != nil {
			t.Fatalf("%s: ApplyTransforms error: %v", tc.format, err)
		}
		if record["name"] != tc.want {
			t.Fatalf("%s: got %q want %q", tc.format, record["name"], tc.want)
		}
	}
}

func TestTransformCalculation_DecimalMath(t *testing.T) {
	r := NewRegistry()
	compiled := compileOne(t, r, models.TransformationRule{
		Kind: models.TransformKindCalculation, TargetField: "total",
		ConfigJSON: []byte(`{"operation": "add", "operands": ["subtotal", "tax"]}`),
	})

	// 0.1 + 0.2 must come out exactly 0.3.
	record := map[string]any{"subtotal": "0.1", "tax": "0.2"}
	if err := ApplyTransforms(record, compiled); err != nil {
		t.Fatalf("ApplyTransforms error: %v", err)
	}
	if record["total"] != 0.3 {
		t.Fatalf("got %v want 0.3", record["total"])
	}
}

func TestTransformCalculation_LiteralOperandsAndDivideByZero(t *testing.T) {
	r := NewRegistry()
	compiled := compileOne(t, r, models.TransformationRule{
		Kind: models.TransformKindCalculation, TargetField: "half",
		ConfigJSON: []byte(`{"operation": "divide", "operands": ["amount", 2]}`),
	})
	record := map[string]any{"amount": "10"}
	if err := ApplyTransforms(record, compiled); err != nil {
		t.Fatalf("ApplyTransforms error: %v", err)
	}
	if record["half"] != 5.0 {
		t.Fatalf("got %v want 5", record["half"])
	}

	compiled = compileOne(t, NewRegistry(), models.TransformationRule{
		Kind: models.TransformKindCalculation, TargetField: "bad",
		ConfigJSON: []byte(`{"operation": "divide", "operands": ["amount", 0]}`),
	})
	if err := ApplyTransforms(record, compiled); err == nil {
		t.Fatal("expected division-by-zero error")
	}
}

func TestTransformMerge(t *testing.T) {
	r := NewRegistry()
	compiled := compileOne(t, r, models.TransformationRule{
		Kind: models.TransformKindMerge, TargetField: "full_name",
		ConfigJSON: []byte(`{"fields": ["GivenName", "FamilyName"], "separator": " "}`),
	})

	record := map[string]any{"GivenName": "Ada", "FamilyName": "Lovelace", "MiddleName": nil}
	if err := ApplyTransforms(record, compiled); err != nil {
		t.Fatalf("ApplyTransforms error: %v", err)
	}
	if record["full_name"] != "Ada Lovelace" {
		t.Fatalf("got %q", record["full_name"])
	}
}

func TestTransformSplit(t *testing.T) {
	r := NewRegistry()
	compiled := compileOne(t, r, models.TransformationRule{
		Kind: models.TransformKindSplit, SourceField: "full_name",
		ConfigJSON: []byte(`{"separator": " ", "targets": ["first", "last"]}`),
	})

	record := map[string]any{"full_name": "Ada Lovelace"}
	if err := ApplyTransforms(record, compiled); err != nil {
		t.Fatalf("ApplyTransforms error: %v", err)
	}
	if record["first"] != "Ada" || record["last"] != "Lovelace" {
		t.Fatalf("got first=%q last=%q", record["first"], record["last"])
	}

	// Missing pieces fill the remaining targets with empty strings.
	record = map[string]any{"full_name": "Cher"}
	if err := ApplyTransforms(record, compiled); err != nil {
		t.Fatalf("ApplyTransforms error: %v", err)
	}
	if record["first"] != "Cher" || record["last"] != "" {
		t.Fatalf("got first=%q last=%q", record["first"], record["last"])
	}
}

func TestRuleCondition_GatesTransform(t *testing.T) {
	r := NewRegistry()
	compiled := compileOne(t, r, models.TransformationRule{
		Kind: models.TransformKindFormat, SourceField: "name",
		ConfigJSON:    []byte(`{"format": "upper"}`),
		ConditionJSON: []byte(`{"field": "Country", "op": "eq", "value": "US"}`),
	})

	record := map[string]any{"name": "acme", "Country": "DE"}
	if err := ApplyTransforms(record, compiled); err != nil {
		t.Fatalf("ApplyTransforms error: %v", err)
	}
	if record["name"] != "acme" {
		t.Fatal("rule must be skipped when the condition does not match")
	}

	record = map[string]any{"name": "acme", "Country": "US"}
	if err := ApplyTransforms(record, compiled); err != nil {
		t.Fatalf("ApplyTransforms error: %v", err)
	}
	if record["name"] != "ACME" {
		t.Fatal("rule must run when the condition matches")
	}
}

func TestRuleCondition_Ops(t *testing.T) {
	cases := []struct {
		name   string
		cond   ruleCondition
		record map[string]any
		want   bool
	}{
		{"exists true", ruleCondition{Field: "x", Op: "exists"}, map[string]any{"x": 1.0}, true},
		{"exists false", ruleCondition{Field: "x", Op: "exists"}, map[string]any{}, false},
		{"not_empty blank", ruleCondition{Field: "x", Op: "not_empty"}, map[string]any{"x": "  "}, false},
		{"not_empty value", ruleCondition{Field: "x", Op: "not_empty"}, map[string]any{"x": "v"}, true},
		{"ne differs", ruleCondition{Field: "x", Op: "ne", Value: "a"}, map[string]any{"x": "b"}, true},
		{"eq number", ruleCondition{Field: "x", Op: "eq", Value: 5.0}, map[string]any{"x": 5.0}, true},
	}
	for _, tc := range cases {
		if got := tc.cond.matches(tc.record); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}
