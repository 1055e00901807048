// internal/store/multi.go
package store

import (
	"context"
	"errors"

	"loan-orchestrator/internal/models"
)

// Multi archives to every backend; one failing backend does not stop the
// others.
type Multi []Archiver

func (m Multi) Archive(ctx context.Context, run models.PipelineRun, d *models.FinalDecision) error {
	var errs []error
	for _, a := range m {
		if a == nil {
			continue
		}
		if err := a.Archive(ctx, run, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
