// internal/workers/loan/assess-application/handler.go
package assessapplication

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	"loan-orchestrator/internal/common/camunda"
	apperrors "loan-orchestrator/internal/common/errors"
	"loan-orchestrator/internal/common/logger"
	"loan-orchestrator/internal/common/metrics"
	"loan-orchestrator/internal/intake"
	"loan-orchestrator/internal/models"
	"loan-orchestrator/internal/pipeline"
)

const (
	TaskType = "loan-assess-application"
)

// Assessor runs one application through the assessment pipeline.
type Assessor interface {
	Run(ctx context.Context, record models.LoanApplication) pipeline.Result
}

type Handler struct {
	config       *Config
	assessor     Assessor
	records      intake.RecordStore
	errorHandler *apperrors.ErrorHandler
	logger       logger.Logger
}

func NewHandler(cfg *Config, assessor Assessor, records intake.RecordStore, log logger.Logger) *Handler {
	l := log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:       cfg,
		assessor:     assessor,
		records:      records,
		errorHandler: apperrors.NewErrorHandler(l),
		logger:       l,
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	start := time.Now()
	metrics.WorkerJobsActive.WithLabelValues(TaskType).Inc()
	defer metrics.WorkerJobsActive.WithLabelValues(TaskType).Dec()

	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":             job.Key,
		"processInstanceKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	var input Input
	if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
		h.fail(ctx, client, job, apperrors.NewInputParsingError(err))
		return
	}

	output, err := h.execute(ctx, &input)
	if err != nil {
		h.fail(ctx, client, job, err)
		return
	}

	h.completeJob(client, job, output)
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(start).Seconds())
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	id := strings.TrimSpace(input.ApplicationID)
	if id == "" {
		return nil, apperrors.NewValidationError("applicationId is required", []string{"applicationId: must not be empty"})
	}

	record, err := h.records.Get(ctx, id)
	if errors.Is(err, intake.ErrRecordNotFound) {
		return nil, apperrors.NewApplicationNotFoundError(id)
	}
	if err != nil {
		return nil, err
	}

	res := h.assessor.Run(ctx, record)
	if res.Err != nil {
		if !apperrors.IsRetryable(res.Err) {
			h.releaseRecord(ctx, id)
		}
		return nil, withRunID(res.Err, res.Run.ID)
	}
	if res.Decision == nil {
		return nil, withRunID(apperrors.NewInternalError("run completed without a decision", nil), res.Run.ID)
	}

	h.releaseRecord(ctx, id)
	h.logger.Info("application assessed", map[string]interface{}{
		"applicationId": id,
		"runId":         res.Run.ID,
		"category":      string(res.Decision.Category),
		"path":          string(res.Run.Path),
	})

	d := res.Decision
	return &Output{
		RunID:          res.Run.ID,
		ApplicationID:  id,
		Status:         string(res.Run.Status),
		Path:           string(res.Run.Path),
		Category:       string(d.Category),
		Recommendation: d.Recommendation,
		Conditions:     d.Conditions,
		Narrative:      d.Narrative,
		DecidedAt:      d.DecidedAt.UTC().Format(time.RFC3339),
	}, nil
}

// releaseRecord drops a record once no retry of this job can need it.
func (h *Handler) releaseRecord(ctx context.Context, id string) {
	if err := h.records.Delete(context.WithoutCancel(ctx), id); err != nil {
		h.logger.Warn("failed to release application record", map[string]interface{}{
			"applicationId": id,
			"error":         err.Error(),
		})
	}
}

// withRunID tags the failure with its run so the BPMN error variables carry
// the correlation id.
func withRunID(err error, runID string) error {
	src := apperrors.Normalize(err)
	tagged := *src
	tagged.Metadata = make(map[string]interface{}, len(src.Metadata)+1)
	for k, v := range src.Metadata {
		tagged.Metadata[k] = v
	}
	if runID != "" {
		tagged.Metadata["runId"] = runID
	}
	return &tagged
}

func (h *Handler) completeJob(client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	err = camunda.Retry(context.Background(), camunda.DefaultRetryConfig, "complete-job", func(ctx context.Context) error {
		_, err := cmd.Send(ctx)
		return err
	})
	if err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	h.logger.Info("job completed successfully", map[string]interface{}{
		"jobKey": job.Key,
		"runId":  output.RunID,
	})
}

func (h *Handler) fail(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(apperrors.KindOf(err))).Inc()
	h.errorHandler.HandleJobError(context.WithoutCancel(ctx), client, job, err)
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}
