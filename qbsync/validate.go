package qbsync

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/advisorhq/books_sync_backend/models"
	"github.com/advisorhq/books_sync_backend/utils"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ValidateFunc checks one record against one rule. A failure is reported as
// *utils.ValidationError so the engine can isolate it to the current record.
type ValidateFunc func(record map[string]any, cfg map[string]any, rule models.ValidationRule) error

var fieldValidator = validator.New()

// CompiledValidation binds one rule to its resolved function.
type CompiledValidation struct {
	Rule      models.ValidationRule
	Config    map[string]any
	Condition *ruleCondition
	Fn        ValidateFunc
}

// CompileValidations resolves every rule against the registry.
func (r *Registry) CompileValidations(rules []models.ValidationRule) ([]CompiledValidation, error) {
	compiled := make([]CompiledValidation, 0, len(rules))
	for _, rule := range rules {
		var fn ValidateFunc
		switch rule.Kind {
		case models.ValidationKindType:
			fn = validateType
		case models.ValidationKindRequired:
			fn = validateRequired
		case models.ValidationKindLength:
			fn = validateLength
		case models.ValidationKindRange:
			fn = validateRange
		case models.ValidationKindPattern:
			fn = validatePattern
		case models.ValidationKindCrossField:
			fn = validateCrossField
		case models.ValidationKindCustom:
			custom, ok := r.validators[strings.TrimSpace(rule.FunctionName)]
			if !ok {
				return nil, utils.NewConfigurationError("validation_rule",
					fmt.Sprintf("rule %q references unknown function %q", rule.Name, rule.FunctionName))
			}
			fn = custom
		default:
			return nil, utils.NewConfigurationError("validation_rule",
				fmt.Sprintf("rule %q has unknown kind %q", rule.Name, rule.Kind))
		}
		cond, err := decodeCondition(rule.ConditionJSON)
		if err != nil {
			return nil, utils.NewConfigurationError("validation_rule",
				fmt.Sprintf("rule %q has an invalid condition: %v", rule.Name, err))
		}
		compiled = append(compiled, CompiledValidation{
			Rule:      rule,
			Config:    decodeConfig(rule.ConfigJSON),
			Condition: cond,
			Fn:        fn,
		})
	}
	return compiled, nil
}

// ApplyValidations runs all compiled rules and returns the collected
// failures. When stopOnFirst is set the first failure short-circuits.
func ApplyValidations(record map[string]any, validations []CompiledValidation, stopOnFirst bool) []error {
	var failures []error
	for _, v := range validations {
		if v.Condition != nil && !v.Condition.matches(record) {
			continue
		}
		if err := v.Fn(record, v.Config, v.Rule); err != nil {
			failures = append(failures, err)
			if stopOnFirst {
				return failures
			}
		}
	}
	return failures
}

func failRule(rule models.ValidationRule, message string) error {
	return &utils.ValidationError{Field: rule.Field, Rule: rule.Kind, Message: message}
}

func validateRequired(record map[string]any, _ map[string]any, rule models.ValidationRule) error {
	val, ok := record[rule.Field]
	if !ok || val == nil {
		return failRule(rule, "field is required")
	}
	if s, isStr := val.(string); isStr && strings.TrimSpace(s) == "" {
		return failRule(rule, "field is required")
	}
	return nil
}

func validateType(record map[string]any, cfg map[string]any, rule models.ValidationRule) error {
	val, ok := record[rule.Field]
	if !ok || val == nil {
		return nil
	}
	expected := fmt.Sprint(cfg["type"])
	switch expected {
	case "string":
		if _, ok := val.(string); !ok {
			return failRule(rule, "expected a string")
		}
	case "number":
		switch val.(type) {
		case float64, int, int64:
		case string:
			if _, err := decimal.NewFromString(val.(string)); err != nil {
				return failRule(rule, "expected a number")
			}
		default:
			return failRule(rule, "expected a number")
		}
	case "bool":
		if _, ok := val.(bool); !ok {
			return failRule(rule, "expected a boolean")
		}
	case "email":
		if err := fieldValidator.Var(fmt.Sprint(val), "email"); err != nil {
			return failRule(rule, "expected a valid email address")
		}
	case "url":
		if err := fieldValidator.Var(fmt.Sprint(val), "url"); err != nil {
			return failRule(rule, "expected a valid url")
		}
	default:
		return failRule(rule, fmt.Sprintf("unknown expected type %q", expected))
	}
	return nil
}

func validateLength(record map[string]any, cfg map[string]any, rule models.ValidationRule) error {
	val, ok := record[rule.Field].(string)
	if !ok {
		return nil
	}
	if min, has := cfgInt(cfg, "min"); has && len(val) < min {
		return failRule(rule, fmt.Sprintf("length must be at least %d", min))
	}
	if max, has := cfgInt(cfg, "max"); has && len(val) > max {
		return failRule(rule, fmt.Sprintf("length must be at most %d", max))
	}
	return nil
}

func validateRange(record map[string]any, cfg map[string]any, rule models.ValidationRule) error {
	raw, ok := record[rule.Field]
	if !ok || raw == nil {
		return nil
	}
	val, err := decimal.NewFromString(fmt.Sprint(raw))
	if err != nil {
		return failRule(rule, "expected a numeric value")
	}
	if minRaw, has := cfg["min"]; has {
		if min, err := decimal.NewFromString(fmt.Sprint(minRaw)); err == nil && val.LessThan(min) {
			return failRule(rule, fmt.Sprintf("value must be at least %s", min))
		}
	}
	if maxRaw, has := cfg["max"]; has {
		if max, err := decimal.NewFromString(fmt.Sprint(maxRaw)); err == nil && val.GreaterThan(max) {
			return failRule(rule, fmt.Sprintf("value must be at most %s", max))
		}
	}
	return nil
}

func validatePattern(record map[string]any, cfg map[string]any, rule models.ValidationRule) error {
	val, ok := record[rule.Field].(string)
	if !ok {
		return nil
	}
	pattern := fmt.Sprint(cfg["pattern"])
	re, err := regexp.Compile(pattern)
	if err != nil {
		return failRule(rule, fmt.Sprintf("invalid pattern %q", pattern))
	}
	if !re.MatchString(val) {
		return failRule(rule, "value does not match the required pattern")
	}
	return nil
}

// validateCrossField compares two fields:
// {"other": "...", "op": "eq|ne|gt|gte|lt|lte"}
func validateCrossField(record map[string]any, cfg map[string]any, rule models.ValidationRule) error {
	other := fmt.Sprint(cfg["other"])
	left, leftOk := record[rule.Field]
	right, rightOk := record[other]
	if !leftOk || !rightOk {
		return nil
	}
	op := fmt.Sprint(cfg["op"])
	if op == "eq" || op == "ne" {
		equal := fmt.Sprint(left) == fmt.Sprint(right)
		if (op == "eq" && !equal) || (op == "ne" && equal) {
			return failRule(rule, fmt.Sprintf("value must be %s field %q", map[string]string{"eq": "equal to", "ne": "different from"}[op], other))
		}
		return nil
	}
	l, errL := decimal.NewFromString(fmt.Sprint(left))
	r, errR := decimal.NewFromString(fmt.Sprint(right))
	if errL != nil || errR != nil {
		return failRule(rule, "cross-field comparison requires numeric values")
	}
	cmp := l.Cmp(r)
	valid := map[string]bool{
		"gt":  cmp > 0,
		"gte": cmp >= 0,
		"lt":  cmp < 0,
		"lte": cmp <= 0,
	}[op]
	if !valid {
		return failRule(rule, fmt.Sprintf("value fails %s comparison against field %q", op, other))
	}
	return nil
}

func cfgInt(cfg map[string]any, key string) (int, bool) {
	raw, ok := cfg[key]
	if !ok {
		return 0, false
	}
	if f, ok := raw.(float64); ok {
		return int(f), true
	}
	return 0, false
}
