// internal/stages/context.go
package stages

import (
	"encoding/json"

	"loan-orchestrator/internal/models"
)

type priorAssessment struct {
	Stage     models.StageID  `json:"stage"`
	Rationale string          `json:"rationale"`
	Findings  json.RawMessage `json:"findings"`
}

type stageInput struct {
	Stage       models.StageID       `json:"stage"`
	Application models.ApplicantView `json:"application"`
	Prior       []priorAssessment    `json:"prior_assessments"`
}

// FormatContext renders what a stage is allowed to see: the masked
// applicant view plus every earlier assessment, in execution order.
func FormatContext(stage models.StageID, record models.LoanApplication, prior []models.StageAssessment) (json.RawMessage, error) {
	in := stageInput{
		Stage:       stage,
		Application: record.View(),
		Prior:       make([]priorAssessment, 0, len(prior)),
	}
	for _, a := range prior {
		in.Prior = append(in.Prior, priorAssessment{
			Stage:     a.Stage,
			Rationale: a.Rationale,
			Findings:  a.Payload,
		})
	}
	return json.Marshal(in)
}
