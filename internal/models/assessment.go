// internal/models/assessment.go
package models

import (
	"encoding/json"
	"time"
)

type StageID string

const (
	StageIntake StageID = "intake"
	StageCredit StageID = "credit"
	StageIncome StageID = "income"
	StageRisk   StageID = "risk"
)

// StageOrder is the fixed assessment sequence.
var StageOrder = []StageID{StageIntake, StageCredit, StageIncome, StageRisk}

func (s StageID) Valid() bool {
	switch s {
	case StageIntake, StageCredit, StageIncome, StageRisk:
		return true
	}
	return false
}

// RoutingHint is produced only by the intake stage.
type RoutingHint string

const (
	RoutingStandard  RoutingHint = "STANDARD"
	RoutingFastTrack RoutingHint = "FAST_TRACK"
)

func (r RoutingHint) Valid() bool {
	return r == RoutingStandard || r == RoutingFastTrack
}

// StageAssessment is one stage's validated output. Payload holds the raw
// JSON document that passed the stage's contract.
type StageAssessment struct {
	Stage       StageID         `json:"stage"`
	Payload     json.RawMessage `json:"payload"`
	Routing     RoutingHint     `json:"routing,omitempty"`
	Rationale   string          `json:"rationale"`
	CompletedAt time.Time       `json:"completedAt"`
}

// Decode unmarshals the payload into v.
func (a StageAssessment) Decode(v interface{}) error {
	return json.Unmarshal(a.Payload, v)
}

// Field returns one top-level payload value.
func (a StageAssessment) Field(name string) (interface{}, bool) {
	var doc map[string]interface{}
	if err := json.Unmarshal(a.Payload, &doc); err != nil {
		return nil, false
	}
	v, ok := doc[name]
	return v, ok
}

func (a StageAssessment) clone() StageAssessment {
	cp := a
	if a.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	return cp
}
