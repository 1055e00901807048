// internal/stages/binding.go
package stages

import (
	"context"
	"encoding/json"

	"loan-orchestrator/internal/agent"
	apperrors "loan-orchestrator/internal/common/errors"
	"loan-orchestrator/internal/common/logger"
	"loan-orchestrator/internal/common/metrics"
	"loan-orchestrator/internal/models"
	"loan-orchestrator/internal/tools"
)

// guardedBinding exposes a gateway session to the agent, checking every
// call against the identifier guard first.
type guardedBinding struct {
	stage   models.StageID
	session *tools.Session
	guard   *tools.IdentifierGuard
	log     logger.Logger
}

func (b *guardedBinding) Specs() []agent.ToolSpec {
	caps := b.session.Capabilities()
	specs := make([]agent.ToolSpec, 0, len(caps))
	for _, name := range caps {
		h, _ := b.session.Handle(name)
		specs = append(specs, agent.ToolSpec{Name: name, Operations: h.Operations()})
	}
	return specs
}

func (b *guardedBinding) Invoke(ctx context.Context, call agent.ToolCall) (json.RawMessage, error) {
	h, ok := b.session.Handle(call.Capability)
	if !ok {
		return nil, apperrors.NewInternalError("capability "+call.Capability+" is not bound to stage "+string(b.stage), nil)
	}

	if err := b.guard.Check(call.Capability, call.ApplicantID, call.Parameters); err != nil {
		metrics.PrivacyViolations.WithLabelValues(string(b.stage)).Inc()
		b.log.Error("tool call blocked", map[string]interface{}{
			"policy":     "privacy",
			"capability": call.Capability,
			"operation":  call.Operation,
			"detail":     apperrors.Normalize(err).Details,
		})
		return nil, err
	}

	return h.Invoke(ctx, call.Operation, call.ApplicantID, call.Parameters)
}
