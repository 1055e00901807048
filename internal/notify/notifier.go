// internal/notify/notifier.go
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"loan-orchestrator/internal/common/logger"
	"loan-orchestrator/internal/models"
)

// EmailSender is satisfied by *ses.Client and the common SES wrapper.
type EmailSender interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// TopicPublisher is satisfied by *sns.Client and the common SNS wrapper.
type TopicPublisher interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type Options struct {
	FromEmail string
	TopicARN  string
}

// DecisionNotifier announces terminal runs on an SNS topic and emails the
// applicant. Either channel is skipped when not configured.
type DecisionNotifier struct {
	email  EmailSender
	topic  TopicPublisher
	opts   Options
	logger logger.Logger
}

func NewDecisionNotifier(email EmailSender, topic TopicPublisher, opts Options, log logger.Logger) *DecisionNotifier {
	return &DecisionNotifier{
		email:  email,
		topic:  topic,
		opts:   opts,
		logger: logger.Component(log, "notify"),
	}
}

type runMessage struct {
	RunID         string `json:"runId"`
	ApplicationID string `json:"applicationId"`
	ApplicantRef  string `json:"applicantRef"`
	Status        string `json:"status"`
	Path          string `json:"path,omitempty"`
	Category      string `json:"category,omitempty"`
	ErrorKind     string `json:"errorKind,omitempty"`
}

func (n *DecisionNotifier) Notify(ctx context.Context, record models.LoanApplication, run models.PipelineRun, d *models.FinalDecision) error {
	var errs []error
	if n.topic != nil && n.opts.TopicARN != "" {
		if err := n.publish(ctx, run, d); err != nil {
			errs = append(errs, err)
		}
	}
	if n.email != nil && n.opts.FromEmail != "" && record.Email != "" {
		if err := n.sendEmail(ctx, record, run, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *DecisionNotifier) publish(ctx context.Context, run models.PipelineRun, d *models.FinalDecision) error {
	msg := runMessage{
		RunID:         run.ID,
		ApplicationID: run.ApplicationID,
		ApplicantRef:  run.ApplicantRef,
		Status:        string(run.Status),
		Path:          string(run.Path),
	}
	if d != nil {
		msg.Category = string(d.Category)
	}
	if run.Failure != nil {
		msg.ErrorKind = run.Failure.Kind
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode run message: %w", err)
	}

	out, err := n.topic.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.opts.TopicARN),
		Subject:  aws.String("Loan assessment " + strings.ToLower(string(run.Status))),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"status": {DataType: aws.String("String"), StringValue: aws.String(string(run.Status))},
		},
	})
	if err != nil {
		return fmt.Errorf("publish run %s: %w", run.ID, err)
	}

	n.logger.Info("run notification published", map[string]interface{}{
		"runId":     run.ID,
		"messageId": aws.ToString(out.MessageId),
	})
	return nil
}

func (n *DecisionNotifier) sendEmail(ctx context.Context, record models.LoanApplication, run models.PipelineRun, d *models.FinalDecision) error {
	subject, text := emailContent(record, run, d)

	_, err := n.email.SendEmail(ctx, &ses.SendEmailInput{
		Source:      aws.String(n.opts.FromEmail),
		Destination: &sestypes.Destination{ToAddresses: []string{record.Email}},
		Message: &sestypes.Message{
			Subject: &sestypes.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
			Body: &sestypes.Body{
				Text: &sestypes.Content{Data: aws.String(text), Charset: aws.String("UTF-8")},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("email run %s: %w", run.ID, err)
	}

	n.logger.Info("decision email sent", map[string]interface{}{"runId": run.ID, "applicantRef": run.ApplicantRef})
	return nil
}

var categoryText = map[models.DecisionCategory]string{
	models.DecisionApproved:     "has been approved",
	models.DecisionDenied:       "has not been approved",
	models.DecisionConditional:  "has been approved subject to conditions",
	models.DecisionManualReview: "has been referred to a loan officer for review",
}

func emailContent(record models.LoanApplication, run models.PipelineRun, d *models.FinalDecision) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", firstName(record.FullName))

	if d == nil {
		b.WriteString("We were unable to complete the assessment of your loan application. ")
		b.WriteString("Our team has been notified and will be in touch.\n\n")
		fmt.Fprintf(&b, "Reference: %s\n", run.ID)
		return "Update on your loan application", b.String()
	}

	fmt.Fprintf(&b, "Your application for %.2f over %d months %s.\n", record.LoanAmount, record.TermMonths, categoryText[d.Category])
	if len(d.Conditions) > 0 {
		b.WriteString("\nConditions:\n")
		for _, c := range d.Conditions {
			b.WriteString("- " + c + "\n")
		}
	}
	fmt.Fprintf(&b, "\nReference: %s\n", run.ID)
	return "Your loan application decision", b.String()
}

func firstName(full string) string {
	if parts := strings.Fields(full); len(parts) > 0 {
		return parts[0]
	}
	return "there"
}
