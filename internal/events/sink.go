package events

import (
	"context"
	"errors"

	"loan-orchestrator/internal/common/logger"
	"loan-orchestrator/internal/models"
)

// Sink receives the ordered progress events of pipeline runs. Publish is
// called from the run's own goroutine, one event at a time.
type Sink interface {
	Publish(ctx context.Context, ev models.ProgressEvent) error
}

// SinkFunc adapts a callback to Sink.
type SinkFunc func(ctx context.Context, ev models.ProgressEvent) error

func (f SinkFunc) Publish(ctx context.Context, ev models.ProgressEvent) error {
	return f(ctx, ev)
}

// Source serves the most recent events of a run for polling consumers.
type Source interface {
	Last(ctx context.Context, runID string, n int) ([]models.ProgressEvent, error)
}

// Fanout delivers every event to all sinks. A failing sink does not stop
// delivery to the others.
type Fanout []Sink

func NewFanout(sinks ...Sink) Fanout {
	out := make(Fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (f Fanout) Publish(ctx context.Context, ev models.ProgressEvent) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, models.ProgressEvent) error { return nil })

// FallbackSource reads from primary and serves fallback when primary fails.
type FallbackSource struct {
	primary  Source
	fallback Source
	log      logger.Logger
}

func NewFallbackSource(primary, fallback Source, log logger.Logger) *FallbackSource {
	return &FallbackSource{primary: primary, fallback: fallback, log: logger.Component(log, "events.source")}
}

func (s *FallbackSource) Last(ctx context.Context, runID string, n int) ([]models.ProgressEvent, error) {
	evs, err := s.primary.Last(ctx, runID, n)
	if err == nil || s.fallback == nil {
		return evs, err
	}
	s.log.Warn("event history degraded to local buffer", map[string]interface{}{"runId": runID, "error": err.Error()})
	return s.fallback.Last(ctx, runID, n)
}
