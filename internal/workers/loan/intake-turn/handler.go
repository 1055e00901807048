// internal/workers/loan/intake-turn/handler.go
package intaketurn

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
)

const (
	TaskType = "loan-intake-turn"
)

type Handler struct {
	config       *Config
	machine      *intake.Machine
	sessions     intake.SessionStore
	records      intake.RecordStore
	errorHandler *apperrors.ErrorHandler
	logger       logger.Logger
	now          func() time.Time
}

func NewHandler(cfg *Config, machine *intake.Machine, sessions intake.SessionStore, records intake.RecordStore, log logger.Logger) *Handler {
	l := log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:       cfg,
		machine:      machine,
		sessions:     sessions,
		records:      records,
		errorHandler: apperrors.NewErrorHandler(l),
		logger:       l,
		now:          time.Now,
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
	if strings.TrimSpace(input.Message) == "" {
		return nil, apperrors.NewValidationError("message is required", []string{"message: must not be empty"})
	}

	session, err := h.loadSession(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}

	res, err := h.machine.Advance(ctx, session, input.Message)
	if err != nil {
		return nil, err
	}

	switch res.State {
	case intake.StateReady:
		if err := h.records.Put(ctx, *res.Record); err != nil {
			return nil, err
		}
		h.dropSession(ctx, session.ID)
		h.logger.Info("application ready for assessment", map[string]interface{}{
			"sessionId":     session.ID,
			"applicationId": res.Record.ID,
			"turns":         session.Turns,
		})
	case intake.StateAbandoned:
		h.dropSession(ctx, session.ID)
	default:
		if err := h.sessions.Save(ctx, session); err != nil {
			return nil, err
		}
	}

	return &Output{
		SessionID:     session.ID,
		Reply:         res.Reply,
		Completion:    res.Completion,
		Action:        string(res.Action),
		State:         string(res.State),
		MissingFields: res.Missing,
		ApplicationID: session.ApplicationID,
	}, nil
}

// loadSession resumes a stored session; unknown or expired ids start fresh
// under the same id so the process keeps its correlation key.
func (h *Handler) loadSession(ctx context.Context, id string) (*intake.Session, error) {
	if id == "" {
		return intake.NewSession("", h.now()), nil
	}
	session, err := h.sessions.Load(ctx, id)
	if errors.Is(err, intake.ErrSessionNotFound) {
		return intake.NewSession(id, h.now()), nil
	}
	return session, err
}

func (h *Handler) dropSession(ctx context.Context, id string) {
	if err := h.sessions.Delete(ctx, id); err != nil {
		h.logger.Warn("failed to delete closed session", map[string]interface{}{
			"sessionId": id,
			"error":     err.Error(),
		})
	}
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
		"jobKey":    job.Key,
		"sessionId": output.SessionID,
		"state":     output.State,
	})
}

func (h *Handler) fail(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(apperrors.KindOf(err))).Inc()
	h.errorHandler.HandleJobError(context.WithoutCancel(ctx), client, job, err)
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}
