package decision

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loan-orchestrator/internal/models"
)

var finished = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func completedRun(riskPayload string, stages ...models.StageID) models.PipelineRun {
	run := models.NewPipelineRun("run-1", models.LoanApplication{ID: "app-1", ApplicantRef: "ref"})
	run.Status = models.RunCompleted
	run.FinishedAt = finished
	for i, s := range stages {
		payload := `{"rationale":"ok"}`
		if s == models.StageRisk {
			payload = riskPayload
		}
		run.Assessments = append(run.Assessments, models.StageAssessment{
			Stage:       s,
			Payload:     json.RawMessage(payload),
			Rationale:   string(s) + " looks fine",
			CompletedAt: finished.Add(time.Duration(i-len(stages)) * time.Second),
		})
	}
	return *run
}

func TestCategory(t *testing.T) {
	tests := []struct {
		recommendation string
		want           models.DecisionCategory
	}{
		{"approve", models.DecisionApproved},
		{"deny", models.DecisionDenied},
		{"conditional_approve", models.DecisionConditional},
		{" Approve ", models.DecisionApproved},
		{"refer", models.DecisionManualReview},
		{"", models.DecisionManualReview},
		{"maybe?", models.DecisionManualReview},
	}
	for _, tt := range tests {
		t.Run(tt.recommendation, func(t *testing.T) {
			assert.Equal(t, tt.want, Category(tt.recommendation))
		})
	}
}

func TestSynthesize_StandardPath(t *testing.T) {
	run := completedRun(`{"recommendation":"conditional_approve","risk_score":41,"conditions":["co-signer"],"rationale":"r"}`,
		models.StageIntake, models.StageCredit, models.StageIncome, models.StageRisk)

	d, err := Synthesize(run)
	require.NoError(t, err)

	assert.Equal(t, "run-1", d.RunID)
	assert.Equal(t, "app-1", d.ApplicationID)
	assert.Equal(t, models.DecisionConditional, d.Category)
	assert.Equal(t, []string{"co-signer"}, d.Conditions)
	assert.Equal(t, finished, d.DecidedAt)
	assert.Len(t, d.References, 4)
	assert.Equal(t, "Intake: intake looks fine\nCredit: credit looks fine\nIncome: income looks fine\nRisk: risk looks fine", d.Narrative)
}

func TestSynthesize_FastTrackReferencesOnlyExecutedStages(t *testing.T) {
	run := completedRun(`{"recommendation":"approve","risk_score":5,"conditions":["ignored"],"rationale":"r"}`,
		models.StageIntake, models.StageCredit, models.StageRisk)

	d, err := Synthesize(run)
	require.NoError(t, err)

	var stages []models.StageID
	for _, r := range d.References {
		stages = append(stages, r.Stage)
	}
	assert.Equal(t, []models.StageID{models.StageIntake, models.StageCredit, models.StageRisk}, stages)
	assert.Equal(t, models.DecisionApproved, d.Category)
	assert.Empty(t, d.Conditions)
	assert.NotContains(t, d.Narrative, "Income")
}

func TestSynthesize_IsDeterministic(t *testing.T) {
	run := completedRun(`{"recommendation":"deny","risk_score":90,"rationale":"r"}`,
		models.StageIntake, models.StageCredit, models.StageRisk)

	first, err := Synthesize(run)
	require.NoError(t, err)
	second, err := Synthesize(run)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSynthesize_Errors(t *testing.T) {
	failed := completedRun(`{}`, models.StageIntake)
	failed.Status = models.RunFailed
	_, err := Synthesize(failed)
	assert.ErrorIs(t, err, ErrRunNotCompleted)

	noRisk := completedRun(`{}`, models.StageIntake, models.StageCredit)
	_, err = Synthesize(noRisk)
	assert.ErrorIs(t, err, ErrNoRiskAssessment)
}
