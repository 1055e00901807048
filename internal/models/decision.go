// internal/models/decision.go
package models

import "time"

type DecisionCategory string

const (
	DecisionApproved     DecisionCategory = "APPROVED"
	DecisionDenied       DecisionCategory = "DENIED"
	DecisionConditional  DecisionCategory = "CONDITIONAL"
	DecisionManualReview DecisionCategory = "MANUAL_REVIEW"
)

// AssessmentRef points at one contributing stage assessment.
type AssessmentRef struct {
	Stage       StageID   `json:"stage"`
	CompletedAt time.Time `json:"completedAt"`
}

type FinalDecision struct {
	RunID          string           `json:"runId"`
	ApplicationID  string           `json:"applicationId"`
	Category       DecisionCategory `json:"category"`
	Recommendation string           `json:"recommendation"`
	Conditions     []string         `json:"conditions,omitempty"`
	Narrative      string           `json:"narrative"`
	References     []AssessmentRef  `json:"references"`
	DecidedAt      time.Time        `json:"decidedAt"`
}
