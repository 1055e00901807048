// internal/store/search.go
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	apperrors "loan-orchestrator/internal/common/errors"
	"loan-orchestrator/internal/common/logger"
	"loan-orchestrator/internal/models"
)

// decisionDocument is the searchable audit view of a run. It carries the
// applicant reference, never the raw national identifier.
type decisionDocument struct {
	RunID          string     `json:"runId"`
	ApplicationID  string     `json:"applicationId"`
	ApplicantRef   string     `json:"applicantRef"`
	Status         string     `json:"status"`
	Path           string     `json:"path,omitempty"`
	Category       string     `json:"category,omitempty"`
	Recommendation string     `json:"recommendation,omitempty"`
	ErrorKind      string     `json:"errorKind,omitempty"`
	Narrative      string     `json:"narrative,omitempty"`
	Stages         []string   `json:"stages"`
	DecidedAt      *time.Time `json:"decidedAt,omitempty"`
}

// SearchIndex indexes one document per run in Elasticsearch.
type SearchIndex struct {
	client *elasticsearch.Client
	index  string
	logger logger.Logger
}

func NewSearchIndex(client *elasticsearch.Client, index string, log logger.Logger) *SearchIndex {
	return &SearchIndex{client: client, index: index, logger: logger.Component(log, "store.search")}
}

func (s *SearchIndex) Archive(ctx context.Context, run models.PipelineRun, d *models.FinalDecision) error {
	doc := decisionDocument{
		RunID:         run.ID,
		ApplicationID: run.ApplicationID,
		ApplicantRef:  run.ApplicantRef,
		Status:        string(run.Status),
		Path:          string(run.Path),
		Stages:        make([]string, 0, len(run.Assessments)),
	}
	for _, st := range run.Stages() {
		doc.Stages = append(doc.Stages, string(st))
	}
	if run.Failure != nil {
		doc.ErrorKind = run.Failure.Kind
	}
	if d != nil {
		doc.Category = string(d.Category)
		doc.Recommendation = d.Recommendation
		doc.Narrative = d.Narrative
		decided := d.DecidedAt
		doc.DecidedAt = &decided
	} else if !run.FinishedAt.IsZero() {
		finished := run.FinishedAt
		doc.DecidedAt = &finished
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode decision document: %w", err)
	}

	res, err := s.client.Index(
		s.index,
		bytes.NewReader(body),
		s.client.Index.WithContext(ctx),
		s.client.Index.WithDocumentID(run.ID),
	)
	if err != nil {
		return apperrors.NewStoreUnavailableError("search", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return apperrors.NewStoreUnavailableError("search", fmt.Errorf("index %s: %s: %s", s.index, res.Status(), msg))
	}

	s.logger.Debug("decision indexed", map[string]interface{}{"runId": run.ID, "index": s.index})
	return nil
}
