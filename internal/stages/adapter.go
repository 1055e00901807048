// internal/stages/adapter.go
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"loan-orchestrator/internal/agent"
	apperrors "loan-orchestrator/internal/common/errors"
	"loan-orchestrator/internal/common/logger"
	"loan-orchestrator/internal/common/validation"
	"loan-orchestrator/internal/models"
	"loan-orchestrator/internal/tools"
	"loan-orchestrator/pkg/registry"
)

// Adapter presents one pipeline stage as a uniform call over the reasoning
// agent, bound to the stage's permitted capabilities and output contract.
type Adapter struct {
	stage        models.StageID
	contract     registry.StageContract
	instructions string
	schema       *validation.Schema
	agent        agent.Agent
	gateway      *tools.Gateway
	log          logger.Logger
	now          func() time.Time
}

func NewAdapter(contract registry.StageContract, ag agent.Agent, gw *tools.Gateway, log logger.Logger) (*Adapter, error) {
	stage := models.StageID(contract.ID)
	if !stage.Valid() {
		return nil, fmt.Errorf("unknown stage %q", contract.ID)
	}
	if len(contract.Capabilities) > 0 && gw == nil {
		return nil, fmt.Errorf("stage %s needs capabilities but no gateway was given", stage)
	}

	schema, err := validation.Compile(contract.OutputSchema)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", stage, err)
	}

	return &Adapter{
		stage:        stage,
		contract:     contract,
		instructions: instructionsFor(stage),
		schema:       schema,
		agent:        ag,
		gateway:      gw,
		log:          logger.Component(log, "stage").WithFields(map[string]interface{}{"stage": string(stage)}),
		now:          time.Now,
	}, nil
}

// BuildAdapters creates one adapter per stage in the fixed order; every
// stage must be present in the registry.
func BuildAdapters(reg *registry.StageRegistry, ag agent.Agent, gw *tools.Gateway, log logger.Logger) (map[models.StageID]*Adapter, error) {
	out := make(map[models.StageID]*Adapter, len(models.StageOrder))
	for _, stage := range models.StageOrder {
		contract, ok := reg.Lookup(string(stage))
		if !ok {
			return nil, fmt.Errorf("stage registry has no contract for %s", stage)
		}
		a, err := NewAdapter(contract, ag, gw, log)
		if err != nil {
			return nil, err
		}
		out[stage] = a
	}
	return out, nil
}

func (a *Adapter) Stage() models.StageID            { return a.stage }
func (a *Adapter) Contract() registry.StageContract { return a.contract }

// Run invokes the agent once. On contract failure it still returns the
// stage id and any rationale it could recover alongside the error.
func (a *Adapter) Run(ctx context.Context, record models.LoanApplication, prior []models.StageAssessment) (models.StageAssessment, error) {
	partial := models.StageAssessment{Stage: a.stage}

	input, err := FormatContext(a.stage, record, prior)
	if err != nil {
		return partial, a.fail(apperrors.NewInternalError("format stage context", err))
	}

	req := agent.Request{
		Instructions: a.instructions,
		Context:      input,
		OutputSchema: a.schema.Definition(),
	}

	var reply string
	invoke := func(s *tools.Session) error {
		if s != nil {
			req.Tools = &guardedBinding{
				stage:   a.stage,
				session: s,
				guard:   tools.NewIdentifierGuard(record),
				log:     a.log,
			}
		}
		var err error
		reply, err = a.agent.Invoke(ctx, req)
		return err
	}

	if len(a.contract.Capabilities) == 0 {
		err = invoke(nil)
	} else {
		err = a.gateway.WithSession(ctx, a.contract.Capabilities, invoke)
	}
	if err != nil {
		return partial, a.fail(err)
	}

	return a.parse(reply)
}

func (a *Adapter) parse(reply string) (models.StageAssessment, error) {
	partial := models.StageAssessment{Stage: a.stage}

	raw, err := agent.ExtractJSON(reply)
	if err != nil {
		return partial, a.fail(apperrors.NewValidationError("stage reply is not a JSON object",
			[]string{"(root): expected a JSON object"}))
	}
	partial.Rationale = rationaleOf(raw)

	result, err := a.schema.ValidateJSON(raw)
	if err != nil {
		return partial, a.fail(apperrors.NewValidationError("stage reply could not be validated", []string{err.Error()}))
	}
	if result.HasErrors() {
		a.log.Debug("stage reply rejected by contract", map[string]interface{}{"fields": result.Fields()})
		return partial, a.fail(apperrors.NewValidationError("stage reply violates its contract", result.GetErrorMessages()))
	}

	assessment := partial
	assessment.Payload = raw
	assessment.CompletedAt = a.now().UTC()

	if a.stage == models.StageIntake {
		routing, _ := fieldString(raw, "routing_decision")
		assessment.Routing = models.RoutingHint(routing)
	}
	return assessment, nil
}

func (a *Adapter) fail(err error) error {
	stdErr := apperrors.Normalize(err).WithStage(string(a.stage))
	a.log.Warn("stage invocation failed", map[string]interface{}{
		"errorKind":  string(stdErr.Code),
		"retryable":  stdErr.Retryable,
		"violations": stdErr.Violations(),
	})
	return stdErr
}

func rationaleOf(raw json.RawMessage) string {
	s, _ := fieldString(raw, "rationale")
	return s
}

func fieldString(raw json.RawMessage, key string) (string, bool) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", false
	}
	s, ok := doc[key].(string)
	return s, ok
}
