// internal/intake/session.go
package intake

import (
	"time"

	"github.com/google/uuid"

	"loan-orchestrator/internal/agent"
	"loan-orchestrator/internal/models"
)

type State string

const (
	StateCollecting State = "COLLECTING"
	StateReady      State = "READY"
	StateAbandoned  State = "ABANDONED"
)

func (s State) Terminal() bool {
	return s == StateReady || s == StateAbandoned
}

const maxHistory = 20

// Session is the explicit per-conversation state carried between turns.
type Session struct {
	ID             string          `json:"id"`
	Fields         models.FieldSet `json:"fields"`
	State          State           `json:"state"`
	Turns          int             `json:"turns"`
	StallTurns     int             `json:"stallTurns"`
	BestCompletion int             `json:"bestCompletion"`
	History        []agent.Message `json:"history,omitempty"`
	ApplicationID  string          `json:"applicationId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// NewSession starts a conversation; an empty id gets a generated one.
func NewSession(id string, now time.Time) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		ID:        id,
		Fields:    models.FieldSet{},
		State:     StateCollecting,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

func (s *Session) remember(userText, reply string) {
	s.History = append(s.History,
		agent.Message{Role: agent.RoleUser, Content: userText},
		agent.Message{Role: agent.RoleAssistant, Content: reply},
	)
	if len(s.History) > maxHistory {
		s.History = append([]agent.Message(nil), s.History[len(s.History)-maxHistory:]...)
	}
}
