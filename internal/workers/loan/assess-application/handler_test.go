// internal/workers/loan/assess-application/handler_test.go
package assessapplication

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"loan-orchestrator/internal/common/config"
	apperrors "loan-orchestrator/internal/common/errors"
	"loan-orchestrator/internal/common/logger"
	"loan-orchestrator/internal/intake"
	"loan-orchestrator/internal/models"
	"loan-orchestrator/internal/pipeline"
)

// ==========================
// Test Helper Functions
// ==========================

type MockAssessor struct {
	mock.Mock
}

func (m *MockAssessor) Run(ctx context.Context, record models.LoanApplication) pipeline.Result {
	args := m.Called(ctx, record)
	return args.Get(0).(pipeline.Result)
}

func createTestRecord() models.LoanApplication {
	return models.LoanApplication{
		ID:               "app-001",
		ApplicantRef:     "5d6c7b8a-9e0f-4a1b-8c2d-3e4f5a6b7c8d",
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

func setup(t *testing.T) (*Handler, *MockAssessor, *intake.RedisRecordStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	records := intake.NewRedisRecordStore(rdb, time.Hour)
	require.NoError(t, records.Put(context.Background(), createTestRecord()))

	assessor := new(MockAssessor)
	return NewHandler(&Config{Timeout: 5 * time.Second}, assessor, records, logger.NewTestLogger(t)), assessor, records
}

func completedResult() pipeline.Result {
	decidedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return pipeline.Result{
		Run: models.PipelineRun{
			ID:            "run-001",
			ApplicationID: "app-001",
			Status:        models.RunCompleted,
			Path:          models.RoutingFastTrack,
			FinishedAt:    decidedAt,
		},
		Decision: &models.FinalDecision{
			RunID:          "run-001",
			ApplicationID:  "app-001",
			Category:       models.DecisionConditional,
			Recommendation: "conditional_approve",
			Conditions:     []string{"provide two recent pay stubs"},
			Narrative:      "Intake: fast track",
			DecidedAt:      decidedAt,
		},
	}
}

// ==========================
// Core Functionality Tests
// ==========================

func TestHandler_Execute_Success(t *testing.T) {
	handler, assessor, records := setup(t)
	assessor.On("Run", mock.Anything, mock.MatchedBy(func(r models.LoanApplication) bool {
		return r.ID == "app-001" && r.TermMonths == 36
	})).Return(completedResult()).Once()

	out, err := handler.Execute(context.Background(), &Input{ApplicationID: "app-001"})
	require.NoError(t, err)

	assert.Equal(t, "run-001", out.RunID)
	assert.Equal(t, "COMPLETED", out.Status)
	assert.Equal(t, "FAST_TRACK", out.Path)
	assert.Equal(t, "CONDITIONAL", out.Category)
	assert.Equal(t, []string{"provide two recent pay stubs"}, out.Conditions)
	assert.Equal(t, "2026-03-01T12:00:00Z", out.DecidedAt)
	assessor.AssertExpectations(t)

	_, err = records.Get(context.Background(), "app-001")
	assert.ErrorIs(t, err, intake.ErrRecordNotFound, "record is released after a decision")
}

// ==========================
// Error Handling Tests
// ==========================

func TestHandler_Execute_RunFailures(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantKind     apperrors.ErrorCode
		keepsRecord  bool
		wantRetrying bool
	}{
		{
			name:        "validation failure releases the record",
			err:         apperrors.NewValidationError("stage output failed schema", []string{"risk_score: required"}).WithStage("risk"),
			wantKind:    apperrors.ErrCodeValidation,
			keepsRecord: false,
		},
		{
			name:         "capability outage keeps the record for a retry",
			err:          apperrors.NewCapabilityUnavailableError("verification", nil).WithStage("credit"),
			wantKind:     apperrors.ErrCodeCapabilityUnavailable,
			keepsRecord:  true,
			wantRetrying: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, assessor, records := setup(t)
			assessor.On("Run", mock.Anything, mock.Anything).Return(pipeline.Result{
				Run: models.PipelineRun{ID: "run-002", Status: models.RunFailed},
				Err: tt.err,
			}).Once()

			_, err := handler.Execute(context.Background(), &Input{ApplicationID: "app-001"})
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apperrors.KindOf(err))
			assert.Equal(t, tt.wantRetrying, apperrors.IsRetryable(err))

			bpmn := apperrors.ConvertToBPMNError(apperrors.Normalize(err))
			assert.Equal(t, "run-002", bpmn.ErrorVariables["runId"])
			assert.NotEmpty(t, bpmn.ErrorVariables["errorStage"])

			_, getErr := records.Get(context.Background(), "app-001")
			if tt.keepsRecord {
				assert.NoError(t, getErr)
			} else {
				assert.ErrorIs(t, getErr, intake.ErrRecordNotFound)
			}
		})
	}
}

func TestHandler_Execute_UnknownApplication(t *testing.T) {
	handler, assessor, _ := setup(t)

	_, err := handler.Execute(context.Background(), &Input{ApplicationID: "app-999"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeApplicationNotFound, apperrors.KindOf(err))
	assessor.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestHandler_Execute_MissingApplicationID(t *testing.T) {
	handler, _, _ := setup(t)

	_, err := handler.Execute(context.Background(), &Input{ApplicationID: "  "})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.KindOf(err))
}

func TestWithRunID_DoesNotMutateSource(t *testing.T) {
	src := apperrors.NewTimeoutError("stage", nil)
	tagged := withRunID(src, "run-003")

	assert.Nil(t, src.Metadata["runId"])
	stdErr, ok := apperrors.As(tagged)
	require.True(t, ok)
	assert.Equal(t, "run-003", stdErr.Metadata["runId"])
}

func TestLoadConfig(t *testing.T) {
	assert.Equal(t, 10*time.Minute, LoadConfig(config.WorkerConfig{Enabled: true}).Timeout)
	assert.Equal(t, 3*time.Second, LoadConfig(config.WorkerConfig{Timeout: 3000}).Timeout)
}
