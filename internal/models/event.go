package models

import "time"

type EventType string

const (
	EventStageStarted   EventType = "stage_started"
	EventStageCompleted EventType = "stage_completed"
	EventStageFailed    EventType = "stage_failed"
	EventRunCompleted   EventType = "run_completed"
	EventRunFailed      EventType = "run_failed"
)

// ProgressEvent is one ordered occurrence within a run. Seq is strictly
// increasing per run, starting at 1.
type ProgressEvent struct {
	Seq       int64     `json:"seq"`
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Stage     StageID   `json:"stage,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Summary   string    `json:"summary,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Progress  int       `json:"progress"`
	Status    RunStatus `json:"status,omitempty"`
}

func (e ProgressEvent) Terminal() bool {
	return e.Type == EventRunCompleted || e.Type == EventRunFailed
}

// TurnUpdate is the per-turn notification of the intake conversation.
type TurnUpdate struct {
	SessionID     string    `json:"session_id"`
	Turn          int       `json:"turn"`
	Completion    int       `json:"completion"`
	Action        string    `json:"action"`
	State         string    `json:"state"`
	MissingFields []string  `json:"missing_fields,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
