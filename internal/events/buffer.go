// internal/events/buffer.go
package events

import (
	"context"
	"sync"

	"loan-orchestrator/internal/models"
)

// Buffer keeps the most recent events of the most recent runs in memory.
// When more than maxRuns runs are tracked, the run seen least recently is
// evicted.
type Buffer struct {
	perRun  int
	maxRuns int

	mu    sync.Mutex
	runs  map[string][]models.ProgressEvent
	order []string
}

func NewBuffer(perRun, maxRuns int) *Buffer {
	if perRun <= 0 {
		perRun = 256
	}
	if maxRuns <= 0 {
		maxRuns = 1000
	}
	return &Buffer{
		perRun:  perRun,
		maxRuns: maxRuns,
		runs:    make(map[string][]models.ProgressEvent),
	}
}

func (b *Buffer) Publish(_ context.Context, ev models.ProgressEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	evs, ok := b.runs[ev.RunID]
	if !ok {
		b.order = append(b.order, ev.RunID)
		for len(b.order) > b.maxRuns {
			delete(b.runs, b.order[0])
			b.order = b.order[1:]
		}
	} else {
		b.touch(ev.RunID)
	}

	evs = append(evs, ev)
	if len(evs) > b.perRun {
		evs = evs[len(evs)-b.perRun:]
	}
	b.runs[ev.RunID] = evs
	return nil
}

// Last returns up to n most recent events of a run, oldest first. n <= 0
// returns everything retained.
func (b *Buffer) Last(_ context.Context, runID string, n int) ([]models.ProgressEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	evs := b.runs[runID]
	if n > 0 && len(evs) > n {
		evs = evs[len(evs)-n:]
	}
	return append([]models.ProgressEvent(nil), evs...), nil
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs)
}

func (b *Buffer) touch(runID string) {
	for i, id := range b.order {
		if id == runID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.order = append(b.order, runID)
}
