// internal/pipeline/pipeline_test.go
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loan-orchestrator/internal/agent"
	"loan-orchestrator/internal/common/config"
	apperrors "loan-orchestrator/internal/common/errors"
	"loan-orchestrator/internal/common/logger"
	"loan-orchestrator/internal/events"
	"loan-orchestrator/internal/models"
	"loan-orchestrator/internal/stages"
	"loan-orchestrator/internal/tools"
	"loan-orchestrator/pkg/registry"
)

const testApplicantRef = "0f8e2d1c-4b3a-4c5d-9e8f-7a6b5c4d3e2f"

// ==========================
// Test helpers
// ==========================

type stubRunner struct {
	stage models.StageID
	fn    func(ctx context.Context, call int, prior []models.StageAssessment) (models.StageAssessment, error)

	mu    sync.Mutex
	calls int
}

func (r *stubRunner) Stage() models.StageID { return r.stage }

func (r *stubRunner) Run(ctx context.Context, _ models.LoanApplication, prior []models.StageAssessment) (models.StageAssessment, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	r.mu.Unlock()
	if r.fn == nil {
		return assessmentFor(r.stage, models.RoutingStandard), nil
	}
	return r.fn(ctx, call, prior)
}

func (r *stubRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func assessmentFor(stage models.StageID, routing models.RoutingHint) models.StageAssessment {
	a := models.StageAssessment{
		Stage:       stage,
		Payload:     json.RawMessage(`{"rationale":"fine"}`),
		Rationale:   string(stage) + " rationale",
		CompletedAt: time.Now().UTC(),
	}
	switch stage {
	case models.StageIntake:
		a.Routing = routing
		a.Payload = json.RawMessage(fmt.Sprintf(`{"routing_decision":%q,"rationale":"fine","applicant_summary":"s"}`, routing))
	case models.StageRisk:
		a.Payload = json.RawMessage(`{"recommendation":"approve","risk_score":12,"rationale":"fine"}`)
	}
	return a
}

func stubRunners(routing models.RoutingHint) map[models.StageID]*stubRunner {
	out := make(map[models.StageID]*stubRunner)
	for _, s := range models.StageOrder {
		stage := s
		out[stage] = &stubRunner{stage: stage, fn: func(context.Context, int, []models.StageAssessment) (models.StageAssessment, error) {
			return assessmentFor(stage, routing), nil
		}}
	}
	return out
}

func testConfig() Config {
	return Config{
		StageTimeout: 2 * time.Second,
		Retry:        RetryPolicy{MaxRetries: 2, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	}
}

func newPipeline(t *testing.T, runners map[models.StageID]*stubRunner, cfg Config) (*Pipeline, *events.Buffer) {
	t.Helper()
	generic := make(map[models.StageID]StageRunner, len(runners))
	for k, v := range runners {
		generic[k] = v
	}
	buf := events.NewBuffer(100, 100)
	p, err := New(generic, cfg, buf, nil, logger.NewTestLogger(t))
	require.NoError(t, err)
	return p, buf
}

func testRecord() models.LoanApplication {
	return models.LoanApplication{
		ID:               "app-1",
		ApplicantRef:     testApplicantRef,
		FullName:         "Ada Lovelace",
		Email:            "ada@example.com",
		NationalID:       "123-45-6789",
		LoanAmount:       25000,
		TermMonths:       36,
		Purpose:          "home renovation",
		AnnualIncome:     120000,
		EmploymentStatus: "employed",
	}
}

func eventsOf(t *testing.T, buf *events.Buffer, runID string) []models.ProgressEvent {
	t.Helper()
	evs, err := buf.Last(context.Background(), runID, 0)
	require.NoError(t, err)
	return evs
}

type step struct {
	typ   models.EventType
	stage models.StageID
}

func steps(evs []models.ProgressEvent) []step {
	out := make([]step, 0, len(evs))
	for _, ev := range evs {
		out = append(out, step{ev.Type, ev.Stage})
	}
	return out
}

// assertOrdered checks the per-run ordering contract: strictly increasing
// seq from 1 and exactly one stage_started before each stage outcome.
func assertOrdered(t *testing.T, evs []models.ProgressEvent) {
	t.Helper()
	open := map[models.StageID]int{}
	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.Seq, "seq at index %d", i)
		switch ev.Type {
		case models.EventStageStarted:
			open[ev.Stage]++
			assert.Equal(t, 1, open[ev.Stage], "stage %s started twice", ev.Stage)
		case models.EventStageCompleted, models.EventStageFailed:
			assert.Equal(t, 1, open[ev.Stage], "stage %s finished without start", ev.Stage)
		}
	}
}

// ==========================
// Execute
// ==========================

func TestExecute_StandardPath(t *testing.T) {
	runners := stubRunners(models.RoutingStandard)
	p, buf := newPipeline(t, runners, testConfig())

	run, err := p.Execute(context.Background(), "run-1", testRecord(), nil)
	require.NoError(t, err)

	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, models.RoutingStandard, run.Path)
	assert.Equal(t, models.StageOrder, run.Stages())
	assert.Equal(t, 100, run.Progress)
	assert.False(t, run.FinishedAt.Before(run.StartedAt))

	evs := eventsOf(t, buf, "run-1")
	assertOrdered(t, evs)
	assert.Equal(t, []step{
		{models.EventStageStarted, models.StageIntake}, {models.EventStageCompleted, models.StageIntake},
		{models.EventStageStarted, models.StageCredit}, {models.EventStageCompleted, models.StageCredit},
		{models.EventStageStarted, models.StageIncome}, {models.EventStageCompleted, models.StageIncome},
		{models.EventStageStarted, models.StageRisk}, {models.EventStageCompleted, models.StageRisk},
		{models.EventRunCompleted, ""},
	}, steps(evs))

	var progress []int
	for _, ev := range evs {
		if ev.Type == models.EventStageCompleted {
			progress = append(progress, ev.Progress)
		}
	}
	assert.Equal(t, []int{20, 40, 80, 100}, progress)
	assert.Equal(t, "intake rationale", evs[1].Summary)
}

func TestExecute_FastTrackSkipsIncome(t *testing.T) {
	runners := stubRunners(models.RoutingFastTrack)
	p, buf := newPipeline(t, runners, testConfig())

	run, err := p.Execute(context.Background(), "run-ft", testRecord(), nil)
	require.NoError(t, err)

	assert.Equal(t, []models.StageID{models.StageIntake, models.StageCredit, models.StageRisk}, run.Stages())
	assert.Zero(t, runners[models.StageIncome].Calls())
	assert.False(t, run.HasStage(models.StageIncome))

	var progress []int
	for _, ev := range eventsOf(t, buf, "run-ft") {
		assert.NotEqual(t, models.StageIncome, ev.Stage)
		if ev.Type == models.EventStageCompleted {
			progress = append(progress, ev.Progress)
		}
	}
	assert.Equal(t, []int{20, 60, 100}, progress)
}

func TestExecute_RoutingExclusivity(t *testing.T) {
	for _, routing := range []models.RoutingHint{models.RoutingStandard, models.RoutingFastTrack} {
		t.Run(string(routing), func(t *testing.T) {
			p, _ := newPipeline(t, stubRunners(routing), testConfig())
			run, err := p.Execute(context.Background(), "run-"+string(routing), testRecord(), nil)
			require.NoError(t, err)
			assert.Equal(t, routing == models.RoutingStandard, run.HasStage(models.StageIncome))
		})
	}
}

func TestExecute_SchemaFailureMidPipeline(t *testing.T) {
	runners := stubRunners(models.RoutingStandard)
	runners[models.StageCredit].fn = func(context.Context, int, []models.StageAssessment) (models.StageAssessment, error) {
		return models.StageAssessment{Stage: models.StageCredit}, apperrors.NewValidationError("stage reply violates its contract",
			[]string{"credit_tier: credit_tier is required"}).WithStage("credit")
	}
	p, buf := newPipeline(t, runners, testConfig())

	run, err := p.Execute(context.Background(), "run-bad", testRecord(), nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.KindOf(err))

	assert.Equal(t, models.RunFailed, run.Status)
	require.NotNil(t, run.Failure)
	assert.Equal(t, models.StageCredit, run.Failure.Stage)
	assert.Equal(t, string(apperrors.ErrCodeValidation), run.Failure.Kind)
	assert.Equal(t, []string{"credit_tier: credit_tier is required"}, run.Failure.Violations)
	assert.Equal(t, []models.StageID{models.StageIntake}, run.Stages())
	assert.Equal(t, 1, runners[models.StageCredit].Calls(), "validation errors are not retried")
	assert.Zero(t, runners[models.StageIncome].Calls())
	assert.Zero(t, runners[models.StageRisk].Calls())

	stdErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "run-bad", stdErr.Metadata["runId"])

	evs := eventsOf(t, buf, "run-bad")
	assertOrdered(t, evs)
	assert.Equal(t, []step{
		{models.EventStageStarted, models.StageIntake}, {models.EventStageCompleted, models.StageIntake},
		{models.EventStageStarted, models.StageCredit}, {models.EventStageFailed, models.StageCredit},
		{models.EventRunFailed, models.StageCredit},
	}, steps(evs))
	assert.Equal(t, string(apperrors.ErrCodeValidation), evs[3].ErrorKind)
	assert.Equal(t, models.RunFailed, evs[4].Status)
}

func TestExecute_TransientFailureRetriedWithoutExtraEvents(t *testing.T) {
	runners := stubRunners(models.RoutingStandard)
	runners[models.StageCredit].fn = func(_ context.Context, call int, _ []models.StageAssessment) (models.StageAssessment, error) {
		if call == 1 {
			return models.StageAssessment{}, apperrors.NewCapabilityUnavailableError("verification", errors.New("503"))
		}
		return assessmentFor(models.StageCredit, ""), nil
	}
	p, buf := newPipeline(t, runners, testConfig())

	run, err := p.Execute(context.Background(), "run-retry", testRecord(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 2, runners[models.StageCredit].Calls())

	count := map[step]int{}
	for _, ev := range eventsOf(t, buf, "run-retry") {
		count[step{ev.Type, ev.Stage}]++
	}
	assert.Equal(t, 1, count[step{models.EventStageStarted, models.StageCredit}])
	assert.Equal(t, 1, count[step{models.EventStageCompleted, models.StageCredit}])
	assert.Zero(t, count[step{models.EventStageFailed, models.StageCredit}])
}

func TestExecute_RetryBudget(t *testing.T) {
	retryZero := 0
	tests := []struct {
		name      string
		err       error
		overrides map[models.StageID]StageOverride
		wantCalls int
		wantKind  apperrors.ErrorCode
	}{
		{
			name:      "capability outage exhausts default retries",
			err:       apperrors.NewCapabilityUnavailableError("documents", nil),
			wantCalls: 3,
			wantKind:  apperrors.ErrCodeCapabilityUnavailable,
		},
		{
			name:      "timeouts are retried like outages",
			err:       apperrors.NewTimeoutError("agent", nil),
			wantCalls: 3,
			wantKind:  apperrors.ErrCodeTimeout,
		},
		{
			name:      "privacy violation is never retried",
			err:       apperrors.NewPrivacyViolationError("verification", "raw identifier"),
			wantCalls: 1,
			wantKind:  apperrors.ErrCodePrivacyViolation,
		},
		{
			name:      "per-stage override",
			err:       apperrors.NewCapabilityUnavailableError("documents", nil),
			overrides: map[models.StageID]StageOverride{models.StageRisk: {Retries: &retryZero}},
			wantCalls: 1,
			wantKind:  apperrors.ErrCodeCapabilityUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runners := stubRunners(models.RoutingStandard)
			runners[models.StageRisk].fn = func(context.Context, int, []models.StageAssessment) (models.StageAssessment, error) {
				return models.StageAssessment{}, tt.err
			}
			cfg := testConfig()
			cfg.Overrides = tt.overrides
			p, _ := newPipeline(t, runners, cfg)

			run, err := p.Execute(context.Background(), "run-x", testRecord(), nil)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apperrors.KindOf(err))
			assert.Equal(t, tt.wantCalls, runners[models.StageRisk].Calls())
			assert.Equal(t, models.StageRisk, run.Failure.Stage)
			assert.Len(t, run.Assessments, 3, "completed assessments stay for audit")
		})
	}
}

func TestExecute_StageTimeout(t *testing.T) {
	runners := stubRunners(models.RoutingStandard)
	runners[models.StageIncome].fn = func(ctx context.Context, _ int, _ []models.StageAssessment) (models.StageAssessment, error) {
		<-ctx.Done()
		return models.StageAssessment{}, ctx.Err()
	}
	cfg := testConfig()
	cfg.StageTimeout = 20 * time.Millisecond
	cfg.Retry.MaxRetries = 0
	p, _ := newPipeline(t, runners, cfg)

	run, err := p.Execute(context.Background(), "run-slow", testRecord(), nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeTimeout, apperrors.KindOf(err))
	assert.Equal(t, models.StageIncome, run.Failure.Stage)
}

func TestExecute_CancelBetweenStages(t *testing.T) {
	stop := make(chan struct{})
	runners := stubRunners(models.RoutingStandard)
	runners[models.StageIntake].fn = func(context.Context, int, []models.StageAssessment) (models.StageAssessment, error) {
		close(stop)
		return assessmentFor(models.StageIntake, models.RoutingStandard), nil
	}
	p, buf := newPipeline(t, runners, testConfig())

	run, err := p.Execute(context.Background(), "run-cancel", testRecord(), stop)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeCancelled, apperrors.KindOf(err))
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, []models.StageID{models.StageIntake}, run.Stages(), "running stage finishes before cancellation")
	assert.Zero(t, runners[models.StageCredit].Calls())

	evs := eventsOf(t, buf, "run-cancel")
	last := evs[len(evs)-1]
	assert.Equal(t, models.EventRunFailed, last.Type)
	assert.Equal(t, string(apperrors.ErrCodeCancelled), last.ErrorKind)
}

func TestExecute_InvalidRoutingFailsIntake(t *testing.T) {
	runners := stubRunners("SIDEWAYS")
	p, _ := newPipeline(t, runners, testConfig())

	run, err := p.Execute(context.Background(), "run-route", testRecord(), nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.KindOf(err))
	assert.Equal(t, models.StageIntake, run.Failure.Stage)
	assert.Empty(t, run.Assessments)
}

func TestExecute_ConcurrentRunsKeepTheirOwnOrder(t *testing.T) {
	runners := stubRunners(models.RoutingStandard)
	p, buf := newPipeline(t, runners, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Execute(context.Background(), fmt.Sprintf("run-%d", i), testRecord(), nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		evs := eventsOf(t, buf, fmt.Sprintf("run-%d", i))
		assert.Len(t, evs, 9)
		assertOrdered(t, evs)
	}
}

func TestExecute_PriorAssessmentsAreIsolated(t *testing.T) {
	runners := stubRunners(models.RoutingStandard)
	runners[models.StageCredit].fn = func(_ context.Context, _ int, prior []models.StageAssessment) (models.StageAssessment, error) {
		require.Len(t, prior, 1)
		prior[0].Rationale = "tampered"
		return assessmentFor(models.StageCredit, ""), nil
	}
	p, _ := newPipeline(t, runners, testConfig())

	run, err := p.Execute(context.Background(), "run-iso", testRecord(), nil)
	require.NoError(t, err)
	assert.Equal(t, "intake rationale", run.Assessments[0].Rationale)
}

func TestNew_RequiresEveryStage(t *testing.T) {
	_, err := New(map[models.StageID]StageRunner{models.StageIntake: &stubRunner{stage: models.StageIntake}}, testConfig(), nil, nil, logger.NewNoOpLogger())
	assert.Error(t, err)
}

// ==========================
// Configuration
// ==========================

func TestConfigFrom_RegistryOverrides(t *testing.T) {
	reg, err := registry.Default()
	require.NoError(t, err)

	cfg := ConfigFrom(config.PipelineConfig{StageTimeout: 60000, MaxRetries: 2, BaseBackoff: 200, MaxBackoff: 5000}, reg)

	assert.Equal(t, 45*time.Second, cfg.timeoutFor(models.StageIntake))
	assert.Equal(t, 60*time.Second, cfg.timeoutFor(models.StageCredit))
	assert.Equal(t, 90*time.Second, cfg.timeoutFor(models.StageIncome))
	assert.Equal(t, 2, cfg.retriesFor(models.StageCredit))
	assert.Equal(t, 1, cfg.retriesFor(models.StageRisk))
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, BaseBackoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{5, 3200 * time.Millisecond},
		{6, 5 * time.Second},
		{20, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, p.Backoff(tt.attempt))
		})
	}
}

func TestProgress(t *testing.T) {
	assert.Equal(t, 20, Progress(models.StageIntake, models.RoutingStandard))
	assert.Equal(t, 40, Progress(models.StageCredit, models.RoutingStandard))
	assert.Equal(t, 60, Progress(models.StageCredit, models.RoutingFastTrack))
	assert.Equal(t, 80, Progress(models.StageIncome, models.RoutingStandard))
	assert.Equal(t, 100, Progress(models.StageRisk, models.RoutingFastTrack))
}

// ==========================
// End to end through stage adapters
// ==========================

type flakyProvider struct {
	name string
	ops  []string

	mu       sync.Mutex
	failures int
	opened   int
	closed   int
	refs     []string
}

func (p *flakyProvider) Name() string         { return p.name }
func (p *flakyProvider) Operations() []string { return p.ops }

func (p *flakyProvider) Connect(context.Context) (tools.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return nil, errors.New("connection refused")
	}
	p.opened++
	return &flakyConn{p: p}, nil
}

type flakyConn struct{ p *flakyProvider }

func (c *flakyConn) Call(_ context.Context, _ string, ref string, _ map[string]interface{}) (json.RawMessage, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.p.refs = append(c.p.refs, ref)
	return json.RawMessage(`{"ok":true}`), nil
}

func (c *flakyConn) Close() error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.p.closed++
	return nil
}

var stageReplies = map[models.StageID]string{
	models.StageIntake: `{"routing_decision":"STANDARD","rationale":"complete file","applicant_summary":"salaried"}`,
	models.StageCredit: `{"credit_score":712,"credit_tier":"good","rationale":"clean history"}`,
	models.StageIncome: `{"verified_income":118000,"debt_to_income":0.21,"income_stable":true,"rationale":"payslips match"}`,
	models.StageRisk:   `{"recommendation":"approve","risk_score":18,"rationale":"low risk"}`,
}

// toolCallingAgent asks for one verification call whenever a stage is
// granted tools, then answers with the canned stage reply.
func toolCallingAgent() agent.Agent {
	return agent.Func(func(ctx context.Context, req agent.Request) (string, error) {
		var in struct {
			Stage       models.StageID `json:"stage"`
			Application struct {
				ApplicantRef string `json:"applicant_id"`
			} `json:"application"`
		}
		if err := json.Unmarshal(req.Context, &in); err != nil {
			return "", err
		}
		if req.Tools != nil {
			_, err := req.Tools.Invoke(ctx, agent.ToolCall{
				Capability:  tools.CapabilityVerification,
				Operation:   "identity_check",
				ApplicantID: in.Application.ApplicantRef,
			})
			if err != nil {
				return "", err
			}
		}
		return stageReplies[in.Stage], nil
	})
}

func TestEndToEnd_CapabilityOutageWithRecovery(t *testing.T) {
	verification := &flakyProvider{name: tools.CapabilityVerification, ops: []string{"identity_check", "credit_report"}, failures: 1}
	documents := &flakyProvider{name: tools.CapabilityDocuments, ops: []string{"extract_income"}}
	calculations := &flakyProvider{name: tools.CapabilityCalculations, ops: []string{"debt_to_income"}}

	log := logger.NewTestLogger(t)
	gw, err := tools.NewGateway(log, verification, documents, calculations)
	require.NoError(t, err)
	reg, err := registry.Default()
	require.NoError(t, err)

	adapters, err := stages.BuildAdapters(reg, toolCallingAgent(), gw, log)
	require.NoError(t, err)
	runners := make(map[models.StageID]StageRunner, len(adapters))
	for k, v := range adapters {
		runners[k] = v
	}

	buf := events.NewBuffer(100, 10)
	p, err := New(runners, testConfig(), buf, nil, log)
	require.NoError(t, err)

	run, err := p.Execute(context.Background(), "run-e2e", testRecord(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.StageOrder, run.Stages())

	evs := eventsOf(t, buf, "run-e2e")
	assertOrdered(t, evs)
	assert.Len(t, evs, 9, "the retried credit stage is one logical attempt")

	verification.mu.Lock()
	defer verification.mu.Unlock()
	assert.Equal(t, verification.opened, verification.closed, "every acquired connection is released")
	for _, ref := range verification.refs {
		assert.Equal(t, testApplicantRef, ref)
		assert.NotEqual(t, "123456789", models.DigitsOnly(ref))
	}
}
