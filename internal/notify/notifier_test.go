package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"loan-orchestrator/internal/common/logger"
	"loan-orchestrator/internal/models"
)

type MockEmailSender struct {
	mock.Mock
}

func (m *MockEmailSender) SendEmail(ctx context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*ses.SendEmailOutput)
	return out, args.Error(1)
}

type MockTopicPublisher struct {
	mock.Mock
}

func (m *MockTopicPublisher) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*sns.PublishOutput)
	return out, args.Error(1)
}

func testRecord() models.LoanApplication {
	return models.LoanApplication{
		ID:           "app-1",
		ApplicantRef: "3c2b1a09-8f7e-4d6c-9b5a-4f3e2d1c0b9a",
		FullName:     "Ada Lovelace",
		Email:        "ada@example.com",
		NationalID:   "123-45-6789",
		LoanAmount:   25000,
		TermMonths:   36,
	}
}

func completed() (models.PipelineRun, *models.FinalDecision) {
	run := models.PipelineRun{ID: "run-1", ApplicationID: "app-1", ApplicantRef: testRecord().ApplicantRef, Status: models.RunCompleted, Path: models.RoutingStandard}
	d := &models.FinalDecision{RunID: "run-1", Category: models.DecisionConditional, Conditions: []string{"provide a co-signer"}}
	return run, d
}

func TestNotify_CompletedRun(t *testing.T) {
	email := new(MockEmailSender)
	topic := new(MockTopicPublisher)

	topic.On("Publish", mock.Anything, mock.MatchedBy(func(in *sns.PublishInput) bool {
		var msg map[string]interface{}
		if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &msg); err != nil {
			return false
		}
		return aws.ToString(in.TopicArn) == "arn:aws:sns:us-east-1:123456789012:loan-decisions" &&
			msg["category"] == "CONDITIONAL" &&
			msg["status"] == "COMPLETED" &&
			aws.ToString(in.MessageAttributes["status"].StringValue) == "COMPLETED"
	})).Return(&sns.PublishOutput{MessageId: aws.String("m-1")}, nil).Once()

	email.On("SendEmail", mock.Anything, mock.MatchedBy(func(in *ses.SendEmailInput) bool {
		body := aws.ToString(in.Message.Body.Text.Data)
		return in.Destination.ToAddresses[0] == "ada@example.com" &&
			aws.ToString(in.Source) == "loans@example.com" &&
			assert.Contains(t, body, "approved subject to conditions") &&
			assert.Contains(t, body, "provide a co-signer") &&
			assert.NotContains(t, body, "123-45-6789")
	})).Return(&ses.SendEmailOutput{}, nil).Once()

	n := NewDecisionNotifier(email, topic, Options{FromEmail: "loans@example.com", TopicARN: "arn:aws:sns:us-east-1:123456789012:loan-decisions"}, logger.NewTestLogger(t))

	run, d := completed()
	require.NoError(t, n.Notify(context.Background(), testRecord(), run, d))
	email.AssertExpectations(t)
	topic.AssertExpectations(t)
}

func TestNotify_FailedRunCarriesErrorKind(t *testing.T) {
	topic := new(MockTopicPublisher)
	topic.On("Publish", mock.Anything, mock.MatchedBy(func(in *sns.PublishInput) bool {
		var msg map[string]interface{}
		_ = json.Unmarshal([]byte(aws.ToString(in.Message)), &msg)
		_, hasCategory := msg["category"]
		return msg["errorKind"] == "TimeoutError" && !hasCategory
	})).Return(&sns.PublishOutput{MessageId: aws.String("m-2")}, nil).Once()

	email := new(MockEmailSender)
	email.On("SendEmail", mock.Anything, mock.MatchedBy(func(in *ses.SendEmailInput) bool {
		return assert.Contains(t, aws.ToString(in.Message.Body.Text.Data), "Reference: run-2")
	})).Return(&ses.SendEmailOutput{}, nil).Once()

	n := NewDecisionNotifier(email, topic, Options{FromEmail: "loans@example.com", TopicARN: "arn:topic"}, logger.NewNoOpLogger())
	run := models.PipelineRun{ID: "run-2", Status: models.RunFailed, Failure: &models.RunFailure{Kind: "TimeoutError", Stage: models.StageIncome}}

	require.NoError(t, n.Notify(context.Background(), testRecord(), run, nil))
	topic.AssertExpectations(t)
	email.AssertExpectations(t)
}

func TestNotify_SkipsUnconfiguredChannels(t *testing.T) {
	email := new(MockEmailSender)
	topic := new(MockTopicPublisher)
	n := NewDecisionNotifier(email, topic, Options{}, logger.NewNoOpLogger())

	run, d := completed()
	assert.NoError(t, n.Notify(context.Background(), testRecord(), run, d))
	email.AssertNotCalled(t, "SendEmail", mock.Anything, mock.Anything)
	topic.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)

	assert.NoError(t, NewDecisionNotifier(nil, nil, Options{FromEmail: "x@example.com", TopicARN: "arn"}, nil).Notify(context.Background(), testRecord(), run, d))
}

func TestNotify_JoinsChannelErrors(t *testing.T) {
	email := new(MockEmailSender)
	topic := new(MockTopicPublisher)
	topic.On("Publish", mock.Anything, mock.Anything).Return(nil, errors.New("throttled")).Once()
	email.On("SendEmail", mock.Anything, mock.Anything).Return(nil, errors.New("mailbox unavailable")).Once()

	n := NewDecisionNotifier(email, topic, Options{FromEmail: "loans@example.com", TopicARN: "arn"}, logger.NewNoOpLogger())
	run, d := completed()

	err := n.Notify(context.Background(), testRecord(), run, d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
	assert.Contains(t, err.Error(), "mailbox unavailable")
}

func TestEmailContent_Categories(t *testing.T) {
	run, _ := completed()
	tests := []struct {
		category models.DecisionCategory
		want     string
	}{
		{models.DecisionApproved, "has been approved"},
		{models.DecisionDenied, "has not been approved"},
		{models.DecisionManualReview, "referred to a loan officer"},
	}
	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			subject, body := emailContent(testRecord(), run, &models.FinalDecision{Category: tt.category})
			assert.Equal(t, "Your loan application decision", subject)
			assert.Contains(t, body, "Hello Ada,")
			assert.Contains(t, body, tt.want)
		})
	}
}
