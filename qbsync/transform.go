package qbsync

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/advisorhq/books_sync_backend/models"
	"github.com/advisorhq/books_sync_backend/utils"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TransformFunc is a pure transformation over a decoded record. Functions
// receive the rule's config and mutate the record map in place.
type TransformFunc func(record map[string]any, cfg map[string]any, rule models.TransformationRule) error

// Registry is a closed, versioned set of named pure functions. Rules resolve
// their function at load time; an unknown name is a configuration error then,
// never a runtime surprise mid-sync.
type Registry struct {
	transforms map[string]TransformFunc
	validators map[string]ValidateFunc
}

func NewRegistry() *Registry {
	r := &Registry{
		transforms: map[string]TransformFunc{},
		validators: map[string]ValidateFunc{},
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) RegisterTransform(name string, fn TransformFunc) {
	r.transforms[name] = fn
}

func (r *Registry) RegisterValidator(name string, fn ValidateFunc) {
	r.validators[name] = fn
}

func (r *Registry) registerBuiltins() {
	r.transforms[models.TransformKindMapping] = transformMapping
	r.transforms[models.TransformKindFormat] = transformFormat
	r.transforms[models.TransformKindCalculation] = transformCalculation
	r.transforms[models.TransformKindMerge] = transformMergeFields
	r.transforms[models.TransformKindSplit] = transformSplit
}

// CompiledTransform binds one rule to its resolved function.
type CompiledTransform struct {
	Rule      models.TransformationRule
	Config    map[string]any
	Condition *ruleCondition
	Fn        TransformFunc
}

// CompileTransforms resolves every rule against the registry.
func (r *Registry) CompileTransforms(rules []models.TransformationRule) ([]CompiledTransform, error) {
	compiled := make([]CompiledTransform, 0, len(rules))
	for _, rule := range rules {
		name := rule.Kind
		if rule.Kind == models.TransformKindCustom {
			name = strings.TrimSpace(rule.FunctionName)
		}
		fn, ok := r.transforms[name]
		if !ok {
			return nil, utils.NewConfigurationError("transformation_rule",
				fmt.Sprintf("rule %q references unknown function %q", rule.Name, name))
		}
		cfg := decodeConfig(rule.ConfigJSON)
		cond, err := decodeCondition(rule.ConditionJSON)
		if err != nil {
			return nil, utils.NewConfigurationError("transformation_rule",
				fmt.Sprintf("rule %q has an invalid condition: %v", rule.Name, err))
		}
		compiled = append(compiled, CompiledTransform{Rule: rule, Config: cfg, Condition: cond, Fn: fn})
	}
	return compiled, nil
}

// ApplyTransforms runs the compiled rules in priority order (the loader
// already sorted them). Rules whose condition does not match are skipped.
func ApplyTransforms(record map[string]any, transforms []CompiledTransform) error {
	for _, t := range transforms {
		if t.Condition != nil && !t.Condition.matches(record) {
			continue
		}
		if err := t.Fn(record, t.Config, t.Rule); err != nil {
			return fmt.Errorf("transform %q: %w", t.Rule.Name, err)
		}
	}
	return nil
}

func decodeConfig(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var cfg map[string]any
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return map[string]any{}
	}
	return cfg
}

// ruleCondition is the optional predicate gating a rule:
// {"field": "...", "op": "eq|ne|exists|not_empty", "value": ...}
type ruleCondition struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

func decodeCondition(raw []byte) (*ruleCondition, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var cond ruleCondition
	if err := json.Unmarshal(raw, &cond); err != nil {
		return nil, err
	}
	if cond.Field == "" {
		return nil, nil
	}
	if cond.Op == "" {
		cond.Op = "eq"
	}
	return &cond, nil
}

func (c *ruleCondition) matches(record map[string]any) bool {
	val, exists := record[c.Field]
	switch c.Op {
	case "exists":
		return exists
	case "not_empty":
		s, _ := val.(string)
		return exists && strings.TrimSpace(fmt.Sprint(val)) != "" && (s != "" || val != nil)
	case "ne":
		return fmt.Sprint(val) != fmt.Sprint(c.Value)
	default: // eq
		return exists && fmt.Sprint(val) == fmt.Sprint(c.Value)
	}
}

func transformMapping(record map[string]any, cfg map[string]any, rule models.TransformationRule) error {
	if rule.SourceField == "" || rule.TargetField == "" {
		return nil
	}
	val, ok := record[rule.SourceField]
	if !ok {
		return nil
	}
	record[rule.TargetField] = val
	if keep, _ := cfg["keepSource"].(bool); !keep && rule.SourceField != rule.TargetField {
		delete(record, rule.SourceField)
	}
	return nil
}

func transformFormat(record map[string]any, cfg map[string]any, rule models.TransformationRule) error {
	field := rule.TargetField
	if field == "" {
		field = rule.SourceField
	}
	val, ok := record[field].(string)
	if !ok {
		return nil
	}
	switch fmt.Sprint(cfg["format"]) {
	case "trim":
		record[field] = strings.TrimSpace(val)
	case "upper":
		record[field] = strings.ToUpper(val)
	case "lower":
		record[field] = strings.ToLower(val)
	case "title":
		record[field] = cases.Title(language.Und).String(val)
	default:
		record[field] = strings.TrimSpace(val)
	}
	return nil
}

// transformCalculation computes TargetField from decimal operands. Operands
// are field names or literal numbers; money math never goes through float64.
func transformCalculation(record map[string]any, cfg map[string]any, rule models.TransformationRule) error {
	if rule.TargetField == "" {
		return nil
	}
	rawOps, _ := cfg["operands"].([]any)
	if len(rawOps) == 0 {
		return nil
	}

	operands := make([]decimal.Decimal, 0, len(rawOps))
	for _, op := range rawOps {
		d, err := operandValue(record, op)
		if err != nil {
			return err
		}
		operands = append(operands, d)
	}

	result := operands[0]
	operation := fmt.Sprint(cfg["operation"])
	for _, d := range operands[1:] {
		switch operation {
		case "add":
			result = result.Add(d)
		case "subtract":
			result = result.Sub(d)
		case "multiply":
			result = result.Mul(d)
		case "divide":
			if d.IsZero() {
				return fmt.Errorf("division by zero in calculation rule")
			}
			result = result.Div(d)
		default:
			return fmt.Errorf("unknown calculation operation %q", operation)
		}
	}
	record[rule.TargetField], _ = result.Float64()
	return nil
}

func operandValue(record map[string]any, op any) (decimal.Decimal, error) {
	switch v := op.(type) {
	case string:
		field, ok := record[v]
		if !ok {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(fmt.Sprint(field))
	case float64:
		return decimal.NewFromFloat(v), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported operand %v", op)
	}
}

func transformMergeFields(record map[string]any, cfg map[string]any, rule models.TransformationRule) error {
	if rule.TargetField == "" {
		return nil
	}
	rawFields, _ := cfg["fields"].([]any)
	if len(rawFields) == 0 {
		return nil
	}
	sep, _ := cfg["separator"].(string)
	if sep == "" {
		sep = " "
	}
	parts := make([]string, 0, len(rawFields))
	for _, f := range rawFields {
		if val, ok := record[fmt.Sprint(f)]; ok && val != nil {
			s := strings.TrimSpace(fmt.Sprint(val))
			if s != "" {
				parts = append(parts, s)
			}
		}
	}
	record[rule.TargetField] = strings.Join(parts, sep)
	return nil
}

func transformSplit(record map[string]any, cfg map[string]any, rule models.TransformationRule) error {
	if rule.SourceField == "" {
		return nil
	}
	val, ok := record[rule.SourceField].(string)
	if !ok {
		return nil
	}
	sep, _ := cfg["separator"].(string)
	if sep == "" {
		sep = " "
	}
	rawTargets, _ := cfg["targets"].([]any)
	if len(rawTargets) == 0 {
		return nil
	}
	pieces := strings.SplitN(val, sep, len(rawTargets))
	for i, t := range rawTargets {
		if i < len(pieces) {
			record[fmt.Sprint(t)] = strings.TrimSpace(pieces[i])
		} else {
			record[fmt.Sprint(t)] = ""
		}
	}
	return nil
}
