// internal/common/errors/handler.go
package errors

import (
	"context"
	"encoding/json"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

type Logger interface {
	Error(msg string, fields map[string]interface{})
}

// ErrorHandler reports a failed job back to Zeebe: retryable kinds fail the
// job so the broker retries it, everything else raises a BPMN error the
// process can catch by kind.
type ErrorHandler struct {
	logger Logger
}

func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

func (h *ErrorHandler) HandleJobError(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	stdErr := Normalize(err)
	bpmnErr := ConvertToBPMNError(stdErr)
	retries := remainingRetries(bpmnErr, job)

	h.logger.Error("job failed", map[string]interface{}{
		"jobKey":           job.Key,
		"jobType":          job.Type,
		"errorKind":        string(stdErr.Code),
		"errorCategory":    GetErrorCategory(stdErr.Code),
		"stage":            stdErr.Stage,
		"message":          bpmnErr.Message,
		"retries":          retries,
		"runId":            bpmnErr.ErrorVariables["runId"],
		"workflowInstance": job.ProcessInstanceKey,
	})

	vars, _ := json.Marshal(bpmnErr.ToErrorVariables())

	var sendErr error
	if retries > 0 {
		cmd := client.NewFailJobCommand().
			JobKey(job.Key).
			Retries(int32(retries)).
			ErrorMessage(bpmnErr.Message)
		if withVars, err := cmd.VariablesFromString(string(vars)); err == nil {
			_, sendErr = withVars.Send(ctx)
		} else {
			_, sendErr = cmd.Send(ctx)
		}
	} else {
		cmd := client.NewThrowErrorCommand().
			JobKey(job.Key).
			ErrorCode(bpmnErr.Code).
			ErrorMessage(bpmnErr.Message)
		if withVars, err := cmd.VariablesFromString(string(vars)); err == nil {
			_, sendErr = withVars.Send(ctx)
		} else {
			_, sendErr = cmd.Send(ctx)
		}
	}

	if sendErr != nil {
		h.logger.Error("failed to report job failure", map[string]interface{}{
			"jobKey": job.Key,
			"error":  sendErr.Error(),
		})
	}
}

// remainingRetries caps the kind's retry budget by what the broker still
// allows for this job; zero means the failure is final.
func remainingRetries(bpmnErr *BPMNError, job entities.Job) int {
	if bpmnErr.Retries <= 0 || job.Retries <= 0 {
		return 0
	}
	left := int(job.Retries) - 1
	if bpmnErr.Retries < left {
		return bpmnErr.Retries
	}
	return left
}
