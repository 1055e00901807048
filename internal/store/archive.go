// internal/store/archive.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "loan-orchestrator/internal/common/errors"
	"loan-orchestrator/internal/common/logger"
	"loan-orchestrator/internal/models"
)

// Archiver persists a terminal run and, for completed runs, its decision.
type Archiver interface {
	Archive(ctx context.Context, run models.PipelineRun, d *models.FinalDecision) error
}

// PostgresArchive writes a run, its assessments and an audit entry in one
// transaction.
type PostgresArchive struct {
	db     *sql.DB
	logger logger.Logger
}

func NewPostgresArchive(db *sql.DB, log logger.Logger) *PostgresArchive {
	return &PostgresArchive{db: db, logger: logger.Component(log, "store.postgres")}
}

func (a *PostgresArchive) Archive(ctx context.Context, run models.PipelineRun, d *models.FinalDecision) (err error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewStoreUnavailableError("archive", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				a.logger.Warn("rollback failed", map[string]interface{}{"runId": run.ID, "error": rbErr.Error()})
			}
		}
	}()

	var failureKind, failureStage, category, recommendation, narrative sql.NullString
	if run.Failure != nil {
		failureKind = nullString(run.Failure.Kind)
		failureStage = nullString(string(run.Failure.Stage))
	}
	if d != nil {
		category = nullString(string(d.Category))
		recommendation = nullString(d.Recommendation)
		narrative = nullString(d.Narrative)
	}
	var finishedAt sql.NullTime
	if !run.FinishedAt.IsZero() {
		finishedAt = sql.NullTime{Time: run.FinishedAt, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO assessment_runs (
			id, application_id, applicant_ref, status, path,
			failure_kind, failure_stage, category, recommendation, narrative,
			started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID,
		run.ApplicationID,
		run.ApplicantRef,
		string(run.Status),
		nullString(string(run.Path)),
		failureKind,
		failureStage,
		category,
		recommendation,
		narrative,
		run.StartedAt,
		finishedAt,
	)
	if err != nil {
		return apperrors.NewStoreUnavailableError("archive", fmt.Errorf("insert run: %w", err))
	}

	for _, as := range run.Assessments {
		payload := []byte(as.Payload)
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stage_assessments (run_id, stage, payload, rationale, completed_at)
			VALUES ($1, $2, $3, $4, $5)`,
			run.ID, string(as.Stage), payload, as.Rationale, as.CompletedAt,
		)
		if err != nil {
			return apperrors.NewStoreUnavailableError("archive", fmt.Errorf("insert %s assessment: %w", as.Stage, err))
		}
	}

	detail, err := json.Marshal(auditDetail(run, d))
	if err != nil {
		return fmt.Errorf("encode audit detail: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (run_id, action, detail)
		VALUES ($1, $2, $3)`,
		run.ID, auditAction(run), detail,
	)
	if err != nil {
		return apperrors.NewStoreUnavailableError("archive", fmt.Errorf("insert audit entry: %w", err))
	}

	if err = tx.Commit(); err != nil {
		return apperrors.NewStoreUnavailableError("archive", fmt.Errorf("commit: %w", err))
	}

	a.logger.Info("run archived", map[string]interface{}{
		"runId":       run.ID,
		"status":      string(run.Status),
		"assessments": len(run.Assessments),
	})
	return nil
}

func auditAction(run models.PipelineRun) string {
	if run.Status == models.RunCompleted {
		return "run_completed"
	}
	return "run_failed"
}

func auditDetail(run models.PipelineRun, d *models.FinalDecision) map[string]interface{} {
	stages := make([]string, 0, len(run.Assessments))
	for _, s := range run.Stages() {
		stages = append(stages, string(s))
	}
	detail := map[string]interface{}{
		"applicationId": run.ApplicationID,
		"status":        string(run.Status),
		"path":          string(run.Path),
		"stages":        stages,
	}
	if run.Failure != nil {
		detail["errorKind"] = run.Failure.Kind
		detail["failedStage"] = string(run.Failure.Stage)
	}
	if d != nil {
		detail["category"] = string(d.Category)
	}
	return detail
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
