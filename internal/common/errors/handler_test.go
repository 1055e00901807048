package errors

import (
	"testing"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"github.com/stretchr/testify/assert"
)

func TestRemainingRetries(t *testing.T) {
	tests := []struct {
		name       string
		kindBudget int
		jobRetries int32
		want       int
	}{
		{"non-retryable kind", 0, 3, 0},
		{"broker budget exhausted", 3, 0, 0},
		{"last broker attempt", 3, 1, 0},
		{"broker budget is the cap", 3, 2, 1},
		{"kind budget is the cap", 1, 5, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := entities.Job{ActivatedJob: &pb.ActivatedJob{Retries: tt.jobRetries}}
			got := remainingRetries(&BPMNError{Retries: tt.kindBudget}, job)
			assert.Equal(t, tt.want, got)
		})
	}
}
