package qbsync

import (
	"errors"
	"testing"

	"github.com/advisorhq/books_sync_backend/models"
	"github.com/advisorhq/books_sync_backend/utils"
)

func compileValidations(t *testing.T, r *Registry, rules ...models.ValidationRule) []CompiledValidation {
	t.Helper()
	compiled, err := r.CompileValidations(rules)
	if err != nil {
		t.Fatalf("CompileValidations error: %v", err)
	}
	return compiled
}

func assertValidationFailure(t *testing.T, failures []error, field string) {
	t.Helper()
	if len(failures) != 1 {
		t.Fatalf("expected exactly one failure, got %d: %v", len(failures), failures)
	}
	var ve *utils.ValidationError
	if !errors.As(failures[0], &ve) {
		t.Fatalf("expected ValidationError, got %T", failures[0])
	}
	if ve.Field != field {
		t.Fatalf("failure on field %q, want %q", ve.Field, field)
	}
}

func TestValidateRequired(t *testing.T) {
	r := NewRegistry()
	compiled := compileValidations(t, r, models.ValidationRule{
		Kind: models.ValidationKindRequired, Field: "DisplayName",
	})

	failures := ApplyValidations(map[string]any{"DisplayName": "  "}, compiled, false)
	assertValidationFailure(t, failures, "DisplayName")

	if failures := ApplyValidations(map[string]any{"DisplayName": "Acme"}, compiled, false); len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
}

func TestValidateType(t *testing.T) {
	r := NewRegistry()
	cases := []struct {
		typ   string
		value any
		valid bool
	}{
		{"string", "hello", true},
		{"string", 5.0, false},
		{"number", 5.0, true},
		{"number", "12.50", true},
		{"number", "abc", false},
		{"bool", true, true},
		{"bool", "true", false},
		{"email", "ops@example.com", true},
		{"email", "not-an-email", false},
		{"url", "https://example.com/x", true},
		{"url", "nope", false},
	}
	for _, tc := range cases {
		compiled := compileValidations(t, r, models.ValidationRule{
			Kind: models.ValidationKindType, Field: "v",
			ConfigJSON: []byte(`{"type": "` + tc.typ + `"}`),
		})
		failures := ApplyValidations(map[string]any{"v": tc.value}, compiled, false)
		if tc.valid && len(failures) != 0 {
			t.Fatalf("%s %v: unexpected failures %v", tc.typ, tc.value, failures)
		}
		if !tc.valid && len(failures) == 0 {
			t.Fatalf("%s %v: expected a failure", tc.typ, tc.value)
		}
	}
}

func TestValidateRange_Decimal(t *testing.T) {
	r := NewRegistry()
	compiled := compileValidations(t, r, models.ValidationRule{
		Kind: models.ValidationKindRange, Field: "Balance",
		ConfigJSON: []byte(`{"min": 0, "max": "1000.50"}`),
	})

	if failures := ApplyValidations(map[string]any{"Balance": "1000.50"}, compiled, false); len(failures) != 0 {
		t.Fatalf("boundary value must pass: %v", failures)
	}
	assertValidationFailure(t, ApplyValidations(map[string]any{"Balance": "1000.51"}, compiled, false), "Balance")
	assertValidationFailure(t, ApplyValidations(map[string]any{"Balance": -0.01}, compiled, false), "Balance")
}

func TestValidateLengthAndPattern(t *testing.T) {
	r := NewRegistry()
	compiled := compileValidations(t, r,
		models.ValidationRule{
			Kind: models.ValidationKindLength, Field: "code",
			ConfigJSON: []byte(`{"min": 2, "max": 4}`),
		},
		models.ValidationRule{
			Kind: models.ValidationKindPattern, Field: "code",
			ConfigJSON: []byte(`{"pattern": "^[A-Z]+$"}`),
		},
	)

	if failures := ApplyValidations(map[string]any{"code": "ABC"}, compiled, false); len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if failures := ApplyValidations(map[string]any{"code": "a"}, compiled, false); len(failures) != 2 {
		t.Fatalf("expected both rules to fail, got %v", failures)
	}
}

func TestValidateCrossField(t *testing.T) {
	r := NewRegistry()
	compiled := compileValidations(t, r, models.ValidationRule{
		Kind: models.ValidationKindCrossField, Field: "TotalAmt",
		ConfigJSON: []byte(`{"other": "Balance", "op": "gte"}`),
	})

	if failures := ApplyValidations(map[string]any{"TotalAmt": "100.00", "Balance": 100.0}, compiled, false); len(failures) != 0 {
		t.Fatalf("decimal-equal values must satisfy gte: %v", failures)
	}
	assertValidationFailure(t, ApplyValidations(map[string]any{"TotalAmt": "99.99", "Balance": 100.0}, compiled, false), "TotalAmt")
}

func TestApplyValidations_StopOnFirst(t *testing.T) {
	r := NewRegistry()
	compiled := compileValidations(t, r,
		models.ValidationRule{Kind: models.ValidationKindRequired, Field: "a"},
		models.ValidationRule{Kind: models.ValidationKindRequired, Field: "b"},
	)

	failures := ApplyValidations(map[string]any{}, compiled, true)
	if len(failures) != 1 {
		t.Fatalf("stopOnFirst must short-circuit, got %d failures", len(failures))
	}
	failures = ApplyValidations(map[string]any{}, compiled, false)
	if len(failures) != 2 {
		t.Fatalf("expected both failures, got %d", len(failures))
	}
}

func TestCompileValidations_UnknownKindAndCustom(t *testing.T) {
	r := NewRegistry()
	if _, err := r.CompileValidations([]models.ValidationRule{{Kind: "fancy"}}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if _, err := r.CompileValidations([]models.ValidationRule{{
		Kind: models.ValidationKindCustom, FunctionName: "missing",
	}}); err == nil {
		t.Fatal("expected error for unregistered custom validator")
	}

	r.RegisterValidator("always_fail", func(_ map[string]any, _ map[string]any, rule models.ValidationRule) error {
		return failRule(rule, "nope")
	})
	compiled := compileValidations(t, r, models.ValidationRule{
		Kind: models.ValidationKindCustom, FunctionName: "always_fail", Field: "x",
	})
	assertValidationFailure(t, ApplyValidations(map[string]any{}, compiled, false), "x")
}
