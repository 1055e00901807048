// internal/common/errors/errors.go
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode is the stable error-kind string surfaced to callers and BPMN.
type ErrorCode string

const (
	ErrCodeExtractionParse       ErrorCode = "ExtractionParseError"
	ErrCodeValidation            ErrorCode = "ValidationError"
	ErrCodeCapabilityUnavailable ErrorCode = "CapabilityUnavailableError"
	ErrCodePrivacyViolation      ErrorCode = "PrivacyViolationError"
	ErrCodeTimeout               ErrorCode = "TimeoutError"
	ErrCodeCancelled             ErrorCode = "CancelledError"
	ErrCodeInternal              ErrorCode = "InternalError"

	// Job-level codes used only by the Zeebe workers.
	ErrCodeInputParsing        ErrorCode = "INPUT_PARSING_FAILED"
	ErrCodeApplicationNotFound ErrorCode = "APPLICATION_NOT_FOUND"
	ErrCodeSessionClosed       ErrorCode = "SESSION_CLOSED"
	ErrCodeStoreUnavailable    ErrorCode = "STORE_UNAVAILABLE"
)

type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Stage     string                 `json:"stage,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

func (e *StandardError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

// WithStage returns a copy of the error attributed to a pipeline stage.
func (e *StandardError) WithStage(stage string) *StandardError {
	cp := *e
	cp.Stage = stage
	return &cp
}

// Violations returns the field or schema violations recorded on a ValidationError.
func (e *StandardError) Violations() []string {
	if e.Metadata == nil {
		return nil
	}
	v, _ := e.Metadata["violations"].([]string)
	return v
}

type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

func newError(code ErrorCode, message string, cause error, retryable bool) *StandardError {
	details := ""
	if cause != nil {
		details = cause.Error()
	}
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		cause:     cause,
	}
}

func NewExtractionParseError(cause error) *StandardError {
	return newError(ErrCodeExtractionParse, "reasoning agent reply is not parseable JSON", cause, false)
}

func NewValidationError(message string, violations []string) *StandardError {
	e := newError(ErrCodeValidation, message, nil, false)
	e.Details = strings.Join(violations, "; ")
	e.Metadata = map[string]interface{}{"violations": violations}
	return e
}

func NewCapabilityUnavailableError(service string, cause error) *StandardError {
	return newError(ErrCodeCapabilityUnavailable, fmt.Sprintf("capability %q unavailable", service), cause, true)
}

func NewPrivacyViolationError(capability, detail string) *StandardError {
	e := newError(ErrCodePrivacyViolation, fmt.Sprintf("raw sensitive identifier passed to capability %q", capability), nil, false)
	e.Details = detail
	e.Metadata = map[string]interface{}{"capability": capability}
	return e
}

func NewTimeoutError(service string, cause error) *StandardError {
	return newError(ErrCodeTimeout, fmt.Sprintf("%s exceeded its invocation budget", service), cause, true)
}

func NewCancelledError(cause error) *StandardError {
	return newError(ErrCodeCancelled, "run cancelled", cause, false)
}

func NewInternalError(message string, cause error) *StandardError {
	return newError(ErrCodeInternal, message, cause, false)
}

func NewInputParsingError(cause error) *StandardError {
	return newError(ErrCodeInputParsing, "failed to parse job variables", cause, false)
}

func NewApplicationNotFoundError(applicationID string) *StandardError {
	e := newError(ErrCodeApplicationNotFound, "application record not found", nil, false)
	e.Details = fmt.Sprintf("applicationId: %s", applicationID)
	return e
}

func NewSessionClosedError(sessionID, state string) *StandardError {
	e := newError(ErrCodeSessionClosed, "intake session is closed", nil, false)
	e.Details = fmt.Sprintf("sessionId: %s, state: %s", sessionID, state)
	return e
}

func NewStoreUnavailableError(store string, cause error) *StandardError {
	return newError(ErrCodeStoreUnavailable, fmt.Sprintf("%s store unavailable", store), cause, true)
}

// FromContext maps a context error to the matching taxonomy kind.
func FromContext(err error) *StandardError {
	switch {
	case stderrors.Is(err, context.Canceled):
		return NewCancelledError(err)
	case stderrors.Is(err, context.DeadlineExceeded):
		return NewTimeoutError("stage", err)
	default:
		return NewInternalError("unexpected context error", err)
	}
}

// As extracts a StandardError from an error chain.
func As(err error) (*StandardError, bool) {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}

// KindOf classifies any error into the taxonomy.
func KindOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if stdErr, ok := As(err); ok {
		return stdErr.Code
	}
	if stderrors.Is(err, context.Canceled) {
		return ErrCodeCancelled
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return ErrCodeTimeout
	}
	return ErrCodeInternal
}

// Normalize wraps foreign errors so callers always see a StandardError.
func Normalize(err error) *StandardError {
	if err == nil {
		return nil
	}
	if stdErr, ok := As(err); ok {
		return stdErr
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return FromContext(err)
	}
	return NewInternalError("unexpected error", err)
}

func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrCodeCapabilityUnavailable, ErrCodeTimeout:
		return true
	case ErrCodeStoreUnavailable:
		return true
	default:
		return false
	}
}

func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeStoreUnavailable:
		return 3
	case ErrCodeCapabilityUnavailable, ErrCodeTimeout:
		return 1
	default:
		return 0
	}
}

// ConvertToBPMNError keeps the error kind as the BPMN code so process models
// can attach boundary events per kind.
func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	runID, _ := stdErr.Metadata["runId"].(string)
	public := ToPublicFailure(stdErr, runID)
	vars := map[string]interface{}{
		"errorKind": public.ErrorKind,
		"timestamp": stdErr.Timestamp.Format(time.RFC3339),
	}
	if public.Stage != "" {
		vars["errorStage"] = public.Stage
	}
	if public.RunID != "" {
		vars["runId"] = public.RunID
	}

	return &BPMNError{
		Code:           string(stdErr.Code),
		Message:        stdErr.Message,
		Details:        stdErr.Details,
		Retryable:      stdErr.Retryable,
		Retries:        retries,
		ErrorVariables: vars,
	}
}

func GetErrorCategory(code ErrorCode) string {
	switch code {
	case ErrCodeExtractionParse, ErrCodeValidation:
		return "VALIDATION"
	case ErrCodeCapabilityUnavailable, ErrCodeTimeout:
		return "DEPENDENCY"
	case ErrCodePrivacyViolation:
		return "POLICY"
	case ErrCodeCancelled:
		return "CANCELLATION"
	case ErrCodeStoreUnavailable, ErrCodeApplicationNotFound, ErrCodeSessionClosed, ErrCodeInputParsing:
		return "JOB"
	default:
		return "OTHER"
	}
}

// PublicFailure is what a user sees when a run fails: a stable kind and a
// correlation id, nothing else.
type PublicFailure struct {
	ErrorKind string `json:"errorKind"`
	RunID     string `json:"runId"`
	Stage     string `json:"stage,omitempty"`
}

func ToPublicFailure(err error, runID string) PublicFailure {
	stdErr := Normalize(err)
	return PublicFailure{
		ErrorKind: string(stdErr.Code),
		RunID:     runID,
		Stage:     stdErr.Stage,
	}
}
