// internal/decision/synthesizer.go
package decision

import (
	"errors"
	"fmt"
	"strings"

	"loan-orchestrator/internal/models"
)

var (
	ErrRunNotCompleted  = errors.New("decision requires a completed run")
	ErrNoRiskAssessment = errors.New("run has no risk assessment")
)

var categories = map[string]models.DecisionCategory{
	"approve":             models.DecisionApproved,
	"deny":                models.DecisionDenied,
	"conditional_approve": models.DecisionConditional,
}

var stageLabels = map[models.StageID]string{
	models.StageIntake: "Intake",
	models.StageCredit: "Credit",
	models.StageIncome: "Income",
	models.StageRisk:   "Risk",
}

// Category maps a risk recommendation to a decision category. Anything
// unrecognised goes to manual review.
func Category(recommendation string) models.DecisionCategory {
	if c, ok := categories[strings.ToLower(strings.TrimSpace(recommendation))]; ok {
		return c
	}
	return models.DecisionManualReview
}

// Synthesize derives the final decision of a completed run. Only the risk
// stage's recommendation and conditions are read; every stage contributes
// its rationale to the narrative. The result depends on run alone.
func Synthesize(run models.PipelineRun) (models.FinalDecision, error) {
	if run.Status != models.RunCompleted {
		return models.FinalDecision{}, fmt.Errorf("%w: run %s is %s", ErrRunNotCompleted, run.ID, run.Status)
	}
	risk, ok := run.Assessment(models.StageRisk)
	if !ok {
		return models.FinalDecision{}, fmt.Errorf("%w: run %s", ErrNoRiskAssessment, run.ID)
	}

	var payload struct {
		Recommendation string   `json:"recommendation"`
		Conditions     []string `json:"conditions"`
	}
	if err := risk.Decode(&payload); err != nil {
		return models.FinalDecision{}, fmt.Errorf("decode risk assessment: %w", err)
	}

	category := Category(payload.Recommendation)
	var conditions []string
	if category == models.DecisionConditional {
		conditions = payload.Conditions
	}

	refs := make([]models.AssessmentRef, 0, len(run.Assessments))
	for _, a := range run.Assessments {
		refs = append(refs, models.AssessmentRef{Stage: a.Stage, CompletedAt: a.CompletedAt})
	}

	return models.FinalDecision{
		RunID:          run.ID,
		ApplicationID:  run.ApplicationID,
		Category:       category,
		Recommendation: payload.Recommendation,
		Conditions:     conditions,
		Narrative:      Narrative(run.Assessments),
		References:     refs,
		DecidedAt:      run.FinishedAt,
	}, nil
}

// Narrative joins stage rationales in execution order, one line per stage.
func Narrative(assessments []models.StageAssessment) string {
	lines := make([]string, 0, len(assessments))
	for _, a := range assessments {
		label, ok := stageLabels[a.Stage]
		if !ok {
			label = string(a.Stage)
		}
		rationale := strings.TrimSpace(a.Rationale)
		if rationale == "" {
			rationale = "no rationale given"
		}
		lines = append(lines, label+": "+rationale)
	}
	return strings.Join(lines, "\n")
}
