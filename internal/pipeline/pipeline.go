// internal/pipeline/pipeline.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"loan-orchestrator/internal/common/config"
	apperrors "loan-orchestrator/internal/common/errors"
	"loan-orchestrator/internal/common/logger"
	"loan-orchestrator/internal/common/metrics"
	"loan-orchestrator/internal/common/observability"
	"loan-orchestrator/internal/events"
	"loan-orchestrator/internal/models"
	"loan-orchestrator/pkg/registry"
)

// StageRunner executes one stage; *stages.Adapter is the production
// implementation.
type StageRunner interface {
	Stage() models.StageID
	Run(ctx context.Context, record models.LoanApplication, prior []models.StageAssessment) (models.StageAssessment, error)
}

// StageOverride replaces the pipeline-wide timeout or retry count for one stage.
type StageOverride struct {
	Timeout time.Duration
	Retries *int
}

type Config struct {
	StageTimeout time.Duration
	Retry        RetryPolicy
	Overrides    map[models.StageID]StageOverride
}

// ConfigFrom combines the deployment settings with per-stage overrides
// declared in the registry.
func ConfigFrom(cfg config.PipelineConfig, reg *registry.StageRegistry) Config {
	out := Config{
		StageTimeout: config.GetDuration(cfg.StageTimeout),
		Retry:        RetryPolicyFromConfig(cfg),
		Overrides:    make(map[models.StageID]StageOverride),
	}
	if reg == nil {
		return out
	}
	for _, c := range reg.Stages {
		if c.TimeoutDuration() == 0 && c.Retries == nil {
			continue
		}
		out.Overrides[models.StageID(c.ID)] = StageOverride{Timeout: c.TimeoutDuration(), Retries: c.Retries}
	}
	return out
}

func (c Config) timeoutFor(stage models.StageID) time.Duration {
	if o, ok := c.Overrides[stage]; ok && o.Timeout > 0 {
		return o.Timeout
	}
	return c.StageTimeout
}

func (c Config) retriesFor(stage models.StageID) int {
	if o, ok := c.Overrides[stage]; ok && o.Retries != nil {
		return *o.Retries
	}
	return c.Retry.MaxRetries
}

// Pipeline runs the fixed stage sequence over one record at a time per
// call. Concurrent Execute calls share nothing mutable.
type Pipeline struct {
	runners map[models.StageID]StageRunner
	cfg     Config
	sink    events.Sink
	obs     *observability.Observability
	tracer  trace.Tracer
	log     logger.Logger
	now     func() time.Time
}

func New(runners map[models.StageID]StageRunner, cfg Config, sink events.Sink, obs *observability.Observability, log logger.Logger) (*Pipeline, error) {
	for _, stage := range models.StageOrder {
		if runners[stage] == nil {
			return nil, fmt.Errorf("no runner for stage %s", stage)
		}
	}
	if sink == nil {
		sink = events.Discard
	}
	return &Pipeline{
		runners: runners,
		cfg:     cfg,
		sink:    sink,
		obs:     obs,
		tracer:  obs.Tracer(),
		log:     logger.Component(log, "pipeline"),
		now:     time.Now,
	}, nil
}

// Execute runs record through the pipeline and returns the terminal run.
// Closing stop cancels the run before the next stage starts; a stage that
// is already executing is allowed to finish. The returned error is the
// run's failure, nil when it completed.
func (p *Pipeline) Execute(ctx context.Context, runID string, record models.LoanApplication, stop <-chan struct{}) (*models.PipelineRun, error) {
	run := models.NewPipelineRun(runID, record)
	run.Status = models.RunRunning
	run.StartedAt = p.now().UTC()

	log := p.log.WithFields(map[string]interface{}{"runId": runID, "applicantRef": record.ApplicantRef})
	em := &emitter{runID: runID, sink: p.sink, log: log, now: p.now}

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("application.id", record.ID),
	))
	defer span.End()

	metrics.PipelineRunsActive.Inc()
	defer metrics.PipelineRunsActive.Dec()

	log.Info("pipeline run started", nil)

	for _, stage := range models.StageOrder {
		if stage == models.StageIncome && run.Path == models.RoutingFastTrack {
			continue
		}

		if cancelled(stop) {
			err := apperrors.NewCancelledError(nil)
			return run, p.finishFailed(ctx, span, em, run, "", err, log)
		}
		if ctx.Err() != nil {
			return run, p.finishFailed(ctx, span, em, run, "", apperrors.FromContext(ctx.Err()), log)
		}

		run.CurrentStage = stage
		em.emit(ctx, models.ProgressEvent{
			Type:     models.EventStageStarted,
			Stage:    stage,
			Progress: run.Progress,
			Status:   run.Status,
		})

		assessment, err := p.runStage(ctx, stage, record, run.Assessments, log)
		if err == nil && stage == models.StageIntake && !assessment.Routing.Valid() {
			err = apperrors.NewValidationError("intake produced no routing decision",
				[]string{"routing_decision: must be STANDARD or FAST_TRACK"}).WithStage(string(stage))
		}
		if err != nil {
			stdErr := apperrors.Normalize(err)
			em.emit(ctx, models.ProgressEvent{
				Type:      models.EventStageFailed,
				Stage:     stage,
				ErrorKind: string(stdErr.Code),
				Progress:  run.Progress,
				Status:    run.Status,
			})
			return run, p.finishFailed(ctx, span, em, run, stage, stdErr, log)
		}

		run.Assessments = append(run.Assessments, assessment)
		if stage == models.StageIntake {
			run.Path = assessment.Routing
			span.SetAttributes(attribute.String("run.path", string(run.Path)))
			log.Info("assessment path chosen", map[string]interface{}{"path": string(run.Path)})
		}
		run.Progress = Progress(stage, run.Path)

		em.emit(ctx, models.ProgressEvent{
			Type:     models.EventStageCompleted,
			Stage:    stage,
			Summary:  summarize(assessment.Rationale),
			Progress: run.Progress,
			Status:   run.Status,
		})
	}

	run.Status = models.RunCompleted
	run.CurrentStage = ""
	run.FinishedAt = p.now().UTC()
	em.emit(ctx, models.ProgressEvent{
		Type:     models.EventRunCompleted,
		Progress: run.Progress,
		Status:   run.Status,
	})

	p.record(ctx, run)
	span.SetStatus(codes.Ok, "")
	log.Info("pipeline run completed", map[string]interface{}{
		"path":       string(run.Path),
		"stages":     len(run.Assessments),
		"durationMs": run.Duration().Milliseconds(),
	})
	return run, nil
}

func (p *Pipeline) finishFailed(ctx context.Context, span trace.Span, em *emitter, run *models.PipelineRun, stage models.StageID, err *apperrors.StandardError, log logger.Logger) error {
	if stage == "" && err.Stage != "" {
		stage = models.StageID(err.Stage)
	}
	tagged := *err
	tagged.Metadata = withRunID(err.Metadata, run.ID)
	err = &tagged

	run.Status = models.RunFailed
	run.FinishedAt = p.now().UTC()
	run.Failure = &models.RunFailure{
		Stage:      stage,
		Kind:       string(err.Code),
		Message:    err.Message,
		Violations: err.Violations(),
	}

	em.emit(ctx, models.ProgressEvent{
		Type:      models.EventRunFailed,
		Stage:     stage,
		ErrorKind: string(err.Code),
		Progress:  run.Progress,
		Status:    run.Status,
	})

	p.record(ctx, run)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(err.Code))
	log.Warn("pipeline run failed", map[string]interface{}{
		"stage":      string(stage),
		"errorKind":  string(err.Code),
		"completed":  len(run.Assessments),
		"durationMs": run.Duration().Milliseconds(),
	})
	return err
}

func (p *Pipeline) record(ctx context.Context, run *models.PipelineRun) {
	path := string(run.Path)
	if path == "" {
		path = "unknown"
	}
	metrics.PipelineRuns.WithLabelValues(string(run.Status), path).Inc()
	p.obs.RecordRun(context.WithoutCancel(ctx), string(run.Status), path, run.Duration())
}

// runStage invokes one stage, retrying transient failures. Retries are not
// visible to event consumers.
func (p *Pipeline) runStage(ctx context.Context, stage models.StageID, record models.LoanApplication, prior []models.StageAssessment, log logger.Logger) (models.StageAssessment, error) {
	runner := p.runners[stage]
	retries := p.cfg.retriesFor(stage)
	timeout := p.cfg.timeoutFor(stage)

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.cfg.Retry.Backoff(attempt)); err != nil {
				return models.StageAssessment{}, apperrors.FromContext(err).WithStage(string(stage))
			}
		}

		assessment, err := p.attempt(ctx, runner, stage, attempt, timeout, record, append([]models.StageAssessment(nil), prior...))
		if err == nil {
			return assessment, nil
		}
		if !apperrors.IsRetryable(err) || attempt >= retries || ctx.Err() != nil {
			return models.StageAssessment{}, err
		}
		log.Info("retrying stage", map[string]interface{}{
			"stage":     string(stage),
			"attempt":   attempt + 1,
			"errorKind": string(apperrors.KindOf(err)),
		})
	}
}

func (p *Pipeline) attempt(ctx context.Context, runner StageRunner, stage models.StageID, attempt int, timeout time.Duration, record models.LoanApplication, prior []models.StageAssessment) (models.StageAssessment, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	stageCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := p.now()
	assessment, err := runner.Run(stageCtx, record, prior)
	metrics.StageDuration.WithLabelValues(string(stage)).Observe(p.now().Sub(start).Seconds())

	if err != nil && ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		err = apperrors.NewTimeoutError("stage "+string(stage), err)
	}
	if err != nil {
		stdErr := apperrors.Normalize(err)
		if stdErr.Stage == "" {
			stdErr = stdErr.WithStage(string(stage))
		}
		metrics.StageAttempts.WithLabelValues(string(stage), string(stdErr.Code)).Inc()
		span.RecordError(stdErr)
		span.SetStatus(codes.Error, string(stdErr.Code))
		return models.StageAssessment{}, stdErr
	}

	metrics.StageAttempts.WithLabelValues(string(stage), "ok").Inc()
	return assessment, nil
}

func cancelled(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func withRunID(md map[string]interface{}, runID string) map[string]interface{} {
	out := make(map[string]interface{}, len(md)+1)
	for k, v := range md {
		out[k] = v
	}
	out["runId"] = runID
	return out
}
