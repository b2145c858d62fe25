package models

import (
	"context"

	"gorm.io/gorm"
)

// Transformation rule kinds. Each names a pure function in the sync engine's
// closed registry; unknown names fail at rule-load time, never mid-sync.
const (
	TransformKindMapping     = "mapping"
	TransformKindFormat      = "format"
	TransformKindCalculation = "calculation"
	TransformKindMerge       = "merge"
	TransformKindSplit       = "split"
	TransformKindCustom      = "custom"
)

const (
	ValidationKindType       = "type"
	ValidationKindRequired   = "required"
	ValidationKindLength     = "length"
	ValidationKindRange      = "range"
	ValidationKindPattern    = "pattern"
	ValidationKindCustom     = "custom"
	ValidationKindCrossField = "cross_field"
)

// TransformationRule configures one field transformation for an entity type.
// Rules run in ascending Priority order. ConditionJSON holds an optional
// predicate evaluated against the record before the rule applies.
// Mutated only through configuration management, read at sync start.
type TransformationRule struct {
	ID            uint   `gorm:"primary_key" json:"id"`
	TenantId      string `gorm:"index;not null" json:"tenant_id"`
	EntityType    string `gorm:"index;size:50;not null" json:"entity_type"`
	Name          string `gorm:"size:255" json:"name"`
	Kind          string `gorm:"size:20;not null" json:"kind"`
	SourceField   string `gorm:"size:100" json:"source_field"`
	TargetField   string `gorm:"size:100" json:"target_field"`
	FunctionName  string `gorm:"size:100" json:"function_name"`
	ConfigJSON    []byte `gorm:"type:json" json:"config"`
	ConditionJSON []byte `gorm:"type:json" json:"condition"`
	Priority      int    `gorm:"default:0" json:"priority"`
	Active        bool   `gorm:"default:true" json:"active"`
}

// ValidationRule configures one validation check for an entity type.
type ValidationRule struct {
	ID            uint   `gorm:"primary_key" json:"id"`
	TenantId      string `gorm:"index;not null" json:"tenant_id"`
	EntityType    string `gorm:"index;size:50;not null" json:"entity_type"`
	Name          string `gorm:"size:255" json:"name"`
	Kind          string `gorm:"size:20;not null" json:"kind"`
	Field         string `gorm:"size:100" json:"field"`
	FunctionName  string `gorm:"size:100" json:"function_name"`
	ConfigJSON    []byte `gorm:"type:json" json:"config"`
	ConditionJSON []byte `gorm:"type:json" json:"condition"`
	Priority      int    `gorm:"default:0" json:"priority"`
	Active        bool   `gorm:"default:true" json:"active"`
}

func LoadTransformationRules(ctx context.Context, db *gorm.DB, tenantId, entityType string) ([]TransformationRule, error) {
	var rules []TransformationRule
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND active = ?", tenantId, entityType, true).
		Order("priority asc, id asc").
		Find(&rules).Error
	return rules, err
}

func LoadValidationRules(ctx context.Context, db *gorm.DB, tenantId, entityType string) ([]ValidationRule, error) {
	var rules []ValidationRule
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND active = ?", tenantId, entityType, true).
		Order("priority asc, id asc").
		Find(&rules).Error
	return rules, err
}
