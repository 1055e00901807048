// internal/pipeline/emitter.go
package pipeline

import (
	"context"
	"time"

	"loan-orchestrator/internal/common/logger"
	"loan-orchestrator/internal/events"
	"loan-orchestrator/internal/models"
)

const maxSummaryLen = 280

// emitter stamps one run's events with a strictly increasing sequence.
// It is owned by the run's goroutine and is not safe for concurrent use.
type emitter struct {
	runID string
	seq   int64
	sink  events.Sink
	log   logger.Logger
	now   func() time.Time
}

func (e *emitter) emit(ctx context.Context, ev models.ProgressEvent) {
	e.seq++
	ev.Seq = e.seq
	ev.RunID = e.runID
	ev.Timestamp = e.now().UTC()

	// Terminal events must go out even when the run's context is done.
	if err := e.sink.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.log.Warn("event sink rejected event", map[string]interface{}{
			"seq":   ev.Seq,
			"type":  string(ev.Type),
			"error": err.Error(),
		})
	}
}

func summarize(s string) string {
	r := []rune(s)
	if len(r) <= maxSummaryLen {
		return s
	}
	return string(r[:maxSummaryLen-1]) + "…"
}
