// internal/events/broadcaster.go
package events

import (
	"context"
	"sync"

	"loan-orchestrator/internal/common/logger"
	"loan-orchestrator/internal/models"
)

// Broadcaster pushes events to per-run subscriber channels. Channels are
// closed after the run's terminal event. A subscriber that falls behind
// by more than its buffer is dropped, so delivered events stay in order.
type Broadcaster struct {
	buffer int
	log    logger.Logger

	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

type subscription struct {
	ch   chan models.ProgressEvent
	once sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

func NewBroadcaster(buffer int, log logger.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		buffer: buffer,
		log:    logger.Component(log, "events.broadcaster"),
		subs:   make(map[string]map[*subscription]struct{}),
	}
}

// Subscribe registers for the events of one run. The returned cancel
// function is safe to call more than once.
func (b *Broadcaster) Subscribe(runID string) (<-chan models.ProgressEvent, func()) {
	sub := &subscription{ch: make(chan models.ProgressEvent, b.buffer)}

	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[*subscription]struct{})
	}
	b.subs[runID][sub] = struct{}{}
	b.mu.Unlock()

	return sub.ch, func() { b.remove(runID, sub) }
}

func (b *Broadcaster) Publish(_ context.Context, ev models.ProgressEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[ev.RunID] {
		select {
		case sub.ch <- ev:
		default:
			b.log.Warn("dropping slow event subscriber", map[string]interface{}{"runId": ev.RunID, "seq": ev.Seq})
			delete(b.subs[ev.RunID], sub)
			sub.close()
		}
	}

	if ev.Terminal() {
		for sub := range b.subs[ev.RunID] {
			sub.close()
		}
		delete(b.subs, ev.RunID)
	}
	return nil
}

// Subscribers reports the live subscriber count of a run.
func (b *Broadcaster) Subscribers(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}

func (b *Broadcaster) remove(runID string, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[runID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subs, runID)
		}
	}
	sub.close()
}
