// internal/models/fieldset.go
package models

import "strings"

// Intake field names as exchanged with the extraction agent.
const (
	FieldFullName         = "full_name"
	FieldEmail            = "email"
	FieldPhone            = "phone"
	FieldNationalID       = "national_id"
	FieldLoanAmount       = "loan_amount"
	FieldLoanTermMonths   = "loan_term_months"
	FieldLoanPurpose      = "loan_purpose"
	FieldAnnualIncome     = "annual_income"
	FieldEmploymentStatus = "employment_status"
	FieldEmployerName     = "employer_name"
	FieldMonthlyDebt      = "monthly_debt"
)

// RequiredFields is the completion checklist.
var RequiredFields = []string{
	FieldFullName,
	FieldEmail,
	FieldNationalID,
	FieldLoanAmount,
	FieldLoanTermMonths,
	FieldLoanPurpose,
	FieldAnnualIncome,
	FieldEmploymentStatus,
}

// OptionalFields are accepted from the agent but do not count toward completion.
var OptionalFields = []string{
	FieldPhone,
	FieldEmployerName,
	FieldMonthlyDebt,
}

// IsKnownField reports whether name is a required or optional intake field.
func IsKnownField(name string) bool {
	for _, f := range RequiredFields {
		if f == name {
			return true
		}
	}
	for _, f := range OptionalFields {
		if f == name {
			return true
		}
	}
	return false
}

// FieldSet accumulates extracted values during a conversation.
type FieldSet map[string]interface{}

// Has reports whether key holds a non-null, non-blank value.
func (f FieldSet) Has(key string) bool {
	v, ok := f[key]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}

func (f FieldSet) Clone() FieldSet {
	out := make(FieldSet, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge returns a new FieldSet with updates applied last-write-wins per key.
// Null and blank updates never overwrite or delete an existing value.
func (f FieldSet) Merge(updates FieldSet) FieldSet {
	out := f.Clone()
	for k, v := range updates {
		if !updates.Has(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// Missing lists required fields that are not yet present, in checklist order.
func (f FieldSet) Missing() []string {
	var out []string
	for _, k := range RequiredFields {
		if !f.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// Completion is the share of required fields present, as an integer percentage.
func (f FieldSet) Completion() int {
	present := len(RequiredFields) - len(f.Missing())
	return present * 100 / len(RequiredFields)
}
