// internal/intake/machine.go
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"loan-orchestrator/internal/agent"
	"loan-orchestrator/internal/common/config"
	apperrors "loan-orchestrator/internal/common/errors"
	"loan-orchestrator/internal/common/logger"
	"loan-orchestrator/internal/common/metrics"
	"loan-orchestrator/internal/common/validation"
	"loan-orchestrator/internal/models"
)

type Action string

const (
	ActionCollectInfo        Action = "collect_info"
	ActionReadyForProcessing Action = "ready_for_processing"
)

const (
	FallbackReply = "Sorry, I couldn't process that. Could you please rephrase?"
	AbandonReply  = "We weren't able to complete your application this time. Please start a new conversation whenever you're ready."
)

const intakeInstructions = `You are a loan intake assistant. Collect the applicant's details conversationally.
Reply with one JSON object: {"extracted_fields": {...}, "reply": "...", "action": "collect_info" | "ready_for_processing", "completion_percentage": 0-100}.
Only extract fields named in required_fields or optional_fields. Use null for anything unknown.`

var replySchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"extracted_fields", "reply", "action"},
	"properties": map[string]interface{}{
		"extracted_fields":      map[string]interface{}{"type": "object"},
		"reply":                 map[string]interface{}{"type": "string"},
		"action":                map[string]interface{}{"type": "string", "enum": []interface{}{string(ActionCollectInfo), string(ActionReadyForProcessing)}},
		"completion_percentage": map[string]interface{}{"type": "number"},
	},
}

// TurnResult is the outcome of one intake turn.
type TurnResult struct {
	Fields     models.FieldSet
	Completion int
	Action     Action
	Reply      string
	State      State
	Missing    []string
	Violations []string
	// Record is set only when State is READY.
	Record *models.LoanApplication
	// Degraded marks a turn whose agent reply could not be used.
	Degraded bool
}

type Options struct {
	Rules           Rules
	MaxTurns        int
	MaxStalledTurns int
	RetryBackoff    time.Duration
}

func OptionsFromConfig(cfg config.IntakeConfig) Options {
	return Options{
		Rules: Rules{
			MinTermMonths: cfg.MinTermMonths,
			MaxTermMonths: cfg.MaxTermMonths,
			MaxAmount:     cfg.MaxAmount,
		},
		MaxTurns:        cfg.MaxTurns,
		MaxStalledTurns: cfg.MaxStalledTurns,
		RetryBackoff:    config.GetDuration(cfg.AgentRetryBackoff),
	}
}

// TurnPublisher receives one update per advanced turn.
type TurnPublisher interface {
	PublishTurn(ctx context.Context, update models.TurnUpdate) error
}

// Machine is the intake extraction state machine. It holds no
// per-conversation state; that lives in Session.
type Machine struct {
	agent     agent.Agent
	rules     *validation.Schema
	opts      Options
	publisher TurnPublisher
	log       logger.Logger
	now       func() time.Time
}

func NewMachine(opts Options, ag agent.Agent, publisher TurnPublisher, log logger.Logger) (*Machine, error) {
	rules, err := compileRules(opts.Rules)
	if err != nil {
		return nil, fmt.Errorf("intake rules: %w", err)
	}
	return &Machine{
		agent:     ag,
		rules:     rules,
		opts:      opts,
		publisher: publisher,
		log:       logger.Component(log, "intake"),
		now:       time.Now,
	}, nil
}

// SubmitTurn extracts fields from one user turn and merges them into
// current. current is never modified.
func (m *Machine) SubmitTurn(ctx context.Context, userText string, current models.FieldSet) (TurnResult, error) {
	return m.submit(ctx, userText, current, nil)
}

// Advance runs one turn against a session, updates its counters and state,
// and publishes the turn update.
func (m *Machine) Advance(ctx context.Context, s *Session, userText string) (TurnResult, error) {
	if s.State.Terminal() {
		return TurnResult{}, apperrors.NewSessionClosedError(s.ID, string(s.State))
	}

	res, err := m.submit(ctx, userText, s.Fields, s.History)
	if err != nil {
		return TurnResult{}, err
	}

	s.Turns++
	s.Fields = res.Fields
	if res.Completion > s.BestCompletion {
		s.BestCompletion = res.Completion
		s.StallTurns = 0
	} else {
		s.StallTurns++
	}

	switch {
	case res.State == StateReady:
		s.State = StateReady
		s.ApplicationID = res.Record.ID
	case m.opts.MaxStalledTurns > 0 && s.StallTurns >= m.opts.MaxStalledTurns,
		m.opts.MaxTurns > 0 && s.Turns >= m.opts.MaxTurns:
		s.State = StateAbandoned
		res.State = StateAbandoned
		res.Action = ActionCollectInfo
		res.Reply = AbandonReply
		m.log.Info("intake session abandoned", map[string]interface{}{
			"sessionId":  s.ID,
			"turns":      s.Turns,
			"stallTurns": s.StallTurns,
			"completion": res.Completion,
		})
	}

	s.remember(userText, res.Reply)
	s.UpdatedAt = m.now().UTC()

	metrics.IntakeTurns.WithLabelValues(string(res.Action), string(res.State)).Inc()
	m.publish(ctx, s, res)
	return res, nil
}

func (m *Machine) submit(ctx context.Context, userText string, current models.FieldSet, history []agent.Message) (TurnResult, error) {
	if current == nil {
		current = models.FieldSet{}
	}

	text, err := m.callAgent(ctx, userText, current, history)
	if err != nil {
		if ctx.Err() != nil {
			return TurnResult{}, apperrors.FromContext(ctx.Err())
		}
		m.log.Warn("reasoning agent unavailable, asking user to rephrase", map[string]interface{}{
			"errorKind": string(apperrors.KindOf(err)),
		})
		return m.decide(current, FallbackReply, true), nil
	}

	parsed, err := parseReply(text)
	if err != nil {
		m.log.Warn("intake reply was not usable JSON", map[string]interface{}{
			"errorKind": string(apperrors.ErrCodeExtractionParse),
			"length":    len(text),
		})
		return m.decide(current, strings.TrimSpace(text), true), nil
	}

	merged := current.Merge(Normalize(parsed.ExtractedFields))
	res := m.decide(merged, parsed.Reply, false)
	if Action(parsed.Action) == ActionReadyForProcessing && res.State != StateReady {
		m.log.Debug("agent readiness claim downgraded", map[string]interface{}{
			"completion": res.Completion,
			"violations": len(res.Violations),
		})
	}
	return res, nil
}

// decide applies the machine's own completion and validation rules. The
// agent's declared action and percentage never influence the outcome.
func (m *Machine) decide(fields models.FieldSet, reply string, degraded bool) TurnResult {
	res := TurnResult{
		Fields:     fields,
		Completion: fields.Completion(),
		Missing:    fields.Missing(),
		Action:     ActionCollectInfo,
		State:      StateCollecting,
		Reply:      reply,
		Degraded:   degraded,
	}

	if res.Completion == 100 {
		if violations := m.Validate(fields); len(violations) > 0 {
			res.Violations = violations
			res.Reply = reprompt(reply, violations)
		} else {
			record := ToRecord(fields, m.now())
			res.Record = &record
			res.Action = ActionReadyForProcessing
			res.State = StateReady
		}
	}

	if strings.TrimSpace(res.Reply) == "" {
		res.Reply = askFor(res.Missing)
	}
	return res
}

// Validate returns the rule violations for fields, one string per problem.
func (m *Machine) Validate(fields models.FieldSet) []string {
	result, err := m.rules.Validate(map[string]interface{}(fields))
	if err != nil {
		return []string{err.Error()}
	}
	if !result.HasErrors() {
		return nil
	}
	return result.GetErrorMessages()
}

func (m *Machine) callAgent(ctx context.Context, userText string, current models.FieldSet, history []agent.Message) (string, error) {
	input, err := intakeContext(current)
	if err != nil {
		return "", err
	}

	messages := append(append([]agent.Message(nil), history...), agent.Message{Role: agent.RoleUser, Content: userText})
	req := agent.Request{
		Instructions: intakeInstructions,
		Context:      input,
		Messages:     messages,
		OutputSchema: replySchema,
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(m.opts.RetryBackoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		text, err := m.agent.Invoke(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !apperrors.IsRetryable(err) {
			break
		}
	}
	return "", lastErr
}

func (m *Machine) publish(ctx context.Context, s *Session, res TurnResult) {
	if m.publisher == nil {
		return
	}
	update := models.TurnUpdate{
		SessionID:     s.ID,
		Turn:          s.Turns,
		Completion:    res.Completion,
		Action:        string(res.Action),
		State:         string(res.State),
		MissingFields: res.Missing,
		Timestamp:     s.UpdatedAt,
	}
	if err := m.publisher.PublishTurn(ctx, update); err != nil {
		m.log.Warn("failed to publish turn update", map[string]interface{}{"sessionId": s.ID, "error": err})
	}
}

type agentReply struct {
	ExtractedFields      map[string]interface{} `json:"extracted_fields"`
	Reply                string                 `json:"reply"`
	Action               string                 `json:"action"`
	CompletionPercentage float64                `json:"completion_percentage"`
}

func parseReply(text string) (agentReply, error) {
	raw, err := agent.ExtractJSON(text)
	if err != nil {
		return agentReply{}, apperrors.NewExtractionParseError(err)
	}
	var out agentReply
	if err := json.Unmarshal(raw, &out); err != nil {
		return agentReply{}, apperrors.NewExtractionParseError(err)
	}
	return out, nil
}

// intakeContext tells the agent what is already known. The national
// identifier is reported as present, never echoed back.
func intakeContext(current models.FieldSet) (json.RawMessage, error) {
	collected := current.Clone()
	if collected.Has(models.FieldNationalID) {
		collected[models.FieldNationalID] = "[provided]"
	}
	return json.Marshal(map[string]interface{}{
		"collected_fields": collected,
		"missing_fields":   current.Missing(),
		"required_fields":  models.RequiredFields,
		"optional_fields":  models.OptionalFields,
	})
}

func reprompt(reply string, violations []string) string {
	var b strings.Builder
	if reply = strings.TrimSpace(reply); reply != "" {
		b.WriteString(reply)
		b.WriteString("\n\n")
	}
	b.WriteString("Before I can submit your application, please correct the following:")
	for _, v := range violations {
		b.WriteString("\n- ")
		b.WriteString(v)
	}
	return b.String()
}

func askFor(missing []string) string {
	if len(missing) == 0 {
		return "Thanks, I have everything I need."
	}
	return "Could you tell me your " + strings.ReplaceAll(missing[0], "_", " ") + "?"
}
