package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "loan-orchestrator/internal/common/errors"
	"loan-orchestrator/internal/common/logger"
	"loan-orchestrator/internal/models"
)

type MockArchiver struct {
	mock.Mock
}

func (m *MockArchiver) Archive(ctx context.Context, run models.PipelineRun, d *models.FinalDecision) error {
	args := m.Called(ctx, run, d)
	return args.Error(0)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, record models.LoanApplication, run models.PipelineRun, d *models.FinalDecision) error {
	args := m.Called(ctx, record, run, d)
	return args.Error(0)
}

func TestManager_RunHandsOffCompletedRun(t *testing.T) {
	p, _ := newPipeline(t, stubRunners(models.RoutingFastTrack), testConfig())

	archiver := new(MockArchiver)
	archiver.On("Archive", mock.Anything, mock.MatchedBy(func(r models.PipelineRun) bool {
		return r.Status == models.RunCompleted
	}), mock.MatchedBy(func(d *models.FinalDecision) bool {
		return d != nil && d.Category == models.DecisionApproved && len(d.References) == 3
	})).Return(nil).Once()

	notifier := new(MockNotifier)
	notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("sns throttled")).Once()

	m := NewManager(p, archiver, notifier, logger.NewTestLogger(t))
	res := m.Run(context.Background(), testRecord())

	require.NoError(t, res.Err)
	require.NotNil(t, res.Decision)
	assert.Equal(t, res.Run.ID, res.Decision.RunID)
	assert.Equal(t, res.Run.FinishedAt, res.Decision.DecidedAt)
	assert.Empty(t, m.Active(), "terminal runs are not retained")
	archiver.AssertExpectations(t)
	notifier.AssertExpectations(t)
}

func TestManager_FailedRunHasNoDecision(t *testing.T) {
	runners := stubRunners(models.RoutingStandard)
	runners[models.StageCredit].fn = func(context.Context, int, []models.StageAssessment) (models.StageAssessment, error) {
		return models.StageAssessment{}, apperrors.NewPrivacyViolationError("verification", "raw identifier")
	}
	p, _ := newPipeline(t, runners, testConfig())

	archiver := new(MockArchiver)
	archiver.On("Archive", mock.Anything, mock.Anything, (*models.FinalDecision)(nil)).Return(nil).Once()

	m := NewManager(p, archiver, nil, logger.NewTestLogger(t))
	res := m.Run(context.Background(), testRecord())

	require.Error(t, res.Err)
	assert.Nil(t, res.Decision)
	assert.Equal(t, models.RunFailed, res.Run.Status)

	failure := apperrors.ToPublicFailure(res.Err, res.Run.ID)
	assert.Equal(t, string(apperrors.ErrCodePrivacyViolation), failure.ErrorKind)
	assert.Equal(t, res.Run.ID, failure.RunID)
	archiver.AssertExpectations(t)
}

func TestManager_StartCancelAndActive(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	runners := stubRunners(models.RoutingStandard)
	runners[models.StageIntake].fn = func(context.Context, int, []models.StageAssessment) (models.StageAssessment, error) {
		close(entered)
		<-release
		return assessmentFor(models.StageIntake, models.RoutingStandard), nil
	}
	p, buf := newPipeline(t, runners, testConfig())
	m := NewManager(p, nil, nil, logger.NewTestLogger(t))

	runID, results := m.Start(context.Background(), testRecord())
	<-entered

	active := m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, runID, active[0].RunID)
	assert.Equal(t, "app-1", active[0].ApplicationID)

	assert.True(t, m.Cancel(runID))
	assert.True(t, m.Cancel(runID), "repeated cancel is harmless")
	close(release)

	var res Result
	select {
	case res = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	m.Wait()

	assert.Equal(t, apperrors.ErrCodeCancelled, apperrors.KindOf(res.Err))
	assert.Equal(t, []models.StageID{models.StageIntake}, res.Run.Stages())
	assert.False(t, m.Cancel(runID))
	assert.Empty(t, m.Active())

	_, open := <-results
	assert.False(t, open)

	evs := eventsOf(t, buf, runID)
	assert.Equal(t, models.EventRunFailed, evs[len(evs)-1].Type)
}

func TestManager_CancelAllStopsInFlightAndLaterRuns(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	runners := stubRunners(models.RoutingStandard)
	var calls int32
	runners[models.StageIntake].fn = func(context.Context, int, []models.StageAssessment) (models.StageAssessment, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(entered)
			<-release
		}
		return assessmentFor(models.StageIntake, models.RoutingStandard), nil
	}
	p, _ := newPipeline(t, runners, testConfig())
	m := NewManager(p, nil, nil, logger.NewTestLogger(t))

	inFlight := make(chan Result, 1)
	go func() { inFlight <- m.RunWithID(context.Background(), "run-sync", testRecord()) }()
	<-entered

	assert.Equal(t, 1, m.CancelAll())
	close(release)

	var res Result
	select {
	case res = <-inFlight:
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight run did not stop")
	}
	assert.Equal(t, apperrors.ErrCodeCancelled, apperrors.KindOf(res.Err))
	assert.Equal(t, []models.StageID{models.StageIntake}, res.Run.Stages())

	late := m.Run(context.Background(), testRecord())
	assert.Equal(t, apperrors.ErrCodeCancelled, apperrors.KindOf(late.Err))
	assert.Empty(t, late.Run.Assessments)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "no stage runs after draining starts")
	assert.Empty(t, m.Active())
}

func TestManager_ConcurrentRunsAreIndependent(t *testing.T) {
	p, _ := newPipeline(t, stubRunners(models.RoutingStandard), testConfig())
	m := NewManager(p, nil, nil, logger.NewNoOpLogger())

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := m.Run(context.Background(), testRecord())
			assert.NoError(t, res.Err)
			mu.Lock()
			seen[res.Run.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 5)
}
