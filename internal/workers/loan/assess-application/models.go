// internal/workers/loan/assess-application/models.go
package assessapplication

type Input struct {
	ApplicationID string `json:"applicationId"`
}

type Output struct {
	RunID          string   `json:"runId"`
	ApplicationID  string   `json:"applicationId"`
	Status         string   `json:"status"`
	Path           string   `json:"path"`
	Category       string   `json:"category"`
	Recommendation string   `json:"recommendation"`
	Conditions     []string `json:"conditions,omitempty"`
	Narrative      string   `json:"narrative"`
	DecidedAt      string   `json:"decidedAt"` // ISO 8601
}
