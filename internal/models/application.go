// internal/models/application.go
package models

import (
	"strings"
	"time"
)

// LoanApplication is the canonical structured record handed to the
// assessment pipeline. It is passed by value and never mutated after
// creation; stages only append assessments to the run that owns it.
type LoanApplication struct {
	ID               string    `json:"id"`
	ApplicantRef     string    `json:"applicantRef"`
	FullName         string    `json:"fullName"`
	Email            string    `json:"email"`
	Phone            string    `json:"phone,omitempty"`
	NationalID       string    `json:"nationalId"`
	LoanAmount       float64   `json:"loanAmount"`
	TermMonths       int       `json:"termMonths"`
	Purpose          string    `json:"purpose"`
	AnnualIncome     float64   `json:"annualIncome"`
	EmploymentStatus string    `json:"employmentStatus"`
	EmployerName     string    `json:"employerName,omitempty"`
	MonthlyDebt      float64   `json:"monthlyDebt,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

func (a LoanApplication) MonthlyIncome() float64 {
	return a.AnnualIncome / 12
}

// DebtToIncome is monthly debt over monthly income; zero when income is unknown.
func (a LoanApplication) DebtToIncome() float64 {
	monthly := a.MonthlyIncome()
	if monthly <= 0 {
		return 0
	}
	return a.MonthlyDebt / monthly
}

// LoanToIncome is the requested amount over declared annual income.
func (a LoanApplication) LoanToIncome() float64 {
	if a.AnnualIncome <= 0 {
		return 0
	}
	return a.LoanAmount / a.AnnualIncome
}

// MaskedNationalID keeps only the last four digits.
func (a LoanApplication) MaskedNationalID() string {
	digits := DigitsOnly(a.NationalID)
	if len(digits) < 4 {
		return "***"
	}
	return "***-**-" + digits[len(digits)-4:]
}

// ApplicantView is the record as shown to reasoning agents: the raw
// national identifier is replaced by its mask and the surrogate reference.
type ApplicantView struct {
	ApplicationID    string  `json:"application_id"`
	ApplicantRef     string  `json:"applicant_id"`
	FullName         string  `json:"full_name"`
	Email            string  `json:"email"`
	NationalIDMasked string  `json:"national_id_masked"`
	LoanAmount       float64 `json:"loan_amount"`
	TermMonths       int     `json:"loan_term_months"`
	Purpose          string  `json:"loan_purpose"`
	AnnualIncome     float64 `json:"annual_income"`
	EmploymentStatus string  `json:"employment_status"`
	EmployerName     string  `json:"employer_name,omitempty"`
	MonthlyDebt      float64 `json:"monthly_debt,omitempty"`
	DebtToIncome     float64 `json:"debt_to_income"`
	LoanToIncome     float64 `json:"loan_to_income"`
}

func (a LoanApplication) View() ApplicantView {
	return ApplicantView{
		ApplicationID:    a.ID,
		ApplicantRef:     a.ApplicantRef,
		FullName:         a.FullName,
		Email:            a.Email,
		NationalIDMasked: a.MaskedNationalID(),
		LoanAmount:       a.LoanAmount,
		TermMonths:       a.TermMonths,
		Purpose:          a.Purpose,
		AnnualIncome:     a.AnnualIncome,
		EmploymentStatus: a.EmploymentStatus,
		EmployerName:     a.EmployerName,
		MonthlyDebt:      a.MonthlyDebt,
		DebtToIncome:     round2(a.DebtToIncome()),
		LoanToIncome:     round2(a.LoanToIncome()),
	}
}

func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
