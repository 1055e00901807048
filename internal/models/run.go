// internal/models/run.go
package models

import "time"

type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// RunFailure records why a run reached FAILED.
type RunFailure struct {
	Stage      StageID  `json:"stage,omitempty"`
	Kind       string   `json:"kind"`
	Message    string   `json:"message"`
	Violations []string `json:"violations,omitempty"`
}

// PipelineRun is one execution of the assessment pipeline over one record.
type PipelineRun struct {
	ID            string            `json:"id"`
	ApplicationID string            `json:"applicationId"`
	ApplicantRef  string            `json:"applicantRef"`
	Status        RunStatus         `json:"status"`
	Path          RoutingHint       `json:"path,omitempty"`
	CurrentStage  StageID           `json:"currentStage,omitempty"`
	Assessments   []StageAssessment `json:"assessments"`
	Failure       *RunFailure       `json:"failure,omitempty"`
	Progress      int               `json:"progress"`
	StartedAt     time.Time         `json:"startedAt"`
	FinishedAt    time.Time         `json:"finishedAt,omitempty"`
}

func NewPipelineRun(id string, record LoanApplication) *PipelineRun {
	return &PipelineRun{
		ID:            id,
		ApplicationID: record.ID,
		ApplicantRef:  record.ApplicantRef,
		Status:        RunPending,
		Assessments:   []StageAssessment{},
	}
}

func (r *PipelineRun) Assessment(stage StageID) (StageAssessment, bool) {
	for _, a := range r.Assessments {
		if a.Stage == stage {
			return a, true
		}
	}
	return StageAssessment{}, false
}

func (r *PipelineRun) HasStage(stage StageID) bool {
	_, ok := r.Assessment(stage)
	return ok
}

// Stages lists the stages that produced an assessment, in execution order.
func (r *PipelineRun) Stages() []StageID {
	out := make([]StageID, 0, len(r.Assessments))
	for _, a := range r.Assessments {
		out = append(out, a.Stage)
	}
	return out
}

func (r *PipelineRun) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Snapshot returns a deep copy that shares no memory with r.
func (r *PipelineRun) Snapshot() PipelineRun {
	cp := *r
	cp.Assessments = make([]StageAssessment, len(r.Assessments))
	for i, a := range r.Assessments {
		cp.Assessments[i] = a.clone()
	}
	if r.Failure != nil {
		f := *r.Failure
		f.Violations = append([]string(nil), r.Failure.Violations...)
		cp.Failure = &f
	}
	return cp
}
