// internal/intake/rules.go
package intake

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"loan-orchestrator/internal/common/validation"
	"loan-orchestrator/internal/models"
)

type Rules struct {
	MinTermMonths int
	MaxTermMonths int
	MaxAmount     float64
}

func (r Rules) definition() map[string]interface{} {
	enum := make([]interface{}, 0, len(EmploymentStatuses))
	for _, s := range EmploymentStatuses {
		enum = append(enum, s)
	}

	return map[string]interface{}{
		"$schema":  "http://json-schema.org/draft-07/schema#",
		"type":     "object",
		"required": toInterfaces(models.RequiredFields),
		"properties": map[string]interface{}{
			models.FieldFullName:    map[string]interface{}{"type": "string", "minLength": 2},
			models.FieldEmail:       map[string]interface{}{"type": "string", "format": "email"},
			models.FieldPhone:       map[string]interface{}{"type": "string"},
			models.FieldNationalID:  map[string]interface{}{"type": "string", "pattern": `^\d{3}-?\d{2}-?\d{4}$`},
			models.FieldLoanAmount:  map[string]interface{}{"type": "number", "exclusiveMinimum": 0, "maximum": r.MaxAmount},
			models.FieldLoanPurpose: map[string]interface{}{"type": "string", "minLength": 3},
			models.FieldLoanTermMonths: map[string]interface{}{
				"type":    "integer",
				"minimum": r.MinTermMonths,
				"maximum": r.MaxTermMonths,
			},
			models.FieldAnnualIncome:     map[string]interface{}{"type": "number", "minimum": 0},
			models.FieldEmploymentStatus: map[string]interface{}{"type": "string", "enum": enum},
			models.FieldEmployerName:     map[string]interface{}{"type": "string"},
			models.FieldMonthlyDebt:      map[string]interface{}{"type": "number", "minimum": 0},
		},
	}
}

func compileRules(r Rules) (*validation.Schema, error) {
	if r.MinTermMonths <= 0 || r.MaxTermMonths < r.MinTermMonths {
		return nil, fmt.Errorf("invalid term bounds %d..%d", r.MinTermMonths, r.MaxTermMonths)
	}
	if r.MaxAmount <= 0 {
		return nil, fmt.Errorf("max amount must be positive")
	}
	return validation.Compile(r.definition())
}

// ToRecord builds the structured record from a validated FieldSet. The
// application id and applicant reference are fresh surrogates.
func ToRecord(fs models.FieldSet, now time.Time) models.LoanApplication {
	return models.LoanApplication{
		ID:               uuid.NewString(),
		ApplicantRef:     uuid.NewString(),
		FullName:         str(fs, models.FieldFullName),
		Email:            str(fs, models.FieldEmail),
		Phone:            str(fs, models.FieldPhone),
		NationalID:       str(fs, models.FieldNationalID),
		LoanAmount:       num(fs, models.FieldLoanAmount),
		TermMonths:       int(num(fs, models.FieldLoanTermMonths)),
		Purpose:          str(fs, models.FieldLoanPurpose),
		AnnualIncome:     num(fs, models.FieldAnnualIncome),
		EmploymentStatus: str(fs, models.FieldEmploymentStatus),
		EmployerName:     str(fs, models.FieldEmployerName),
		MonthlyDebt:      num(fs, models.FieldMonthlyDebt),
		CreatedAt:        now.UTC(),
	}
}

func str(fs models.FieldSet, key string) string {
	s, _ := fs[key].(string)
	return s
}

func num(fs models.FieldSet, key string) float64 {
	switch n := fs[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

func toInterfaces(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
