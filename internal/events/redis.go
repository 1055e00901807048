// internal/events/redis.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "loan-orchestrator/internal/common/errors"
	"loan-orchestrator/internal/common/logger"
	"loan-orchestrator/internal/models"
)

const (
	runListPrefix     = "events:run:"
	runChannelPrefix  = "events:stream:"
	turnChannelPrefix = "intake:turns:"
)

func RunListKey(runID string) string      { return runListPrefix + runID }
func RunChannel(runID string) string      { return runChannelPrefix + runID }
func TurnChannel(sessionID string) string { return turnChannelPrefix + sessionID }

// RedisSink mirrors run events into a capped Redis list per run and a
// pub/sub channel, and publishes intake turn updates.
type RedisSink struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	maxLen int64
	log    logger.Logger
}

func NewRedisSink(rdb redis.UniversalClient, ttl time.Duration, maxLen int, log logger.Logger) *RedisSink {
	if maxLen <= 0 {
		maxLen = 500
	}
	return &RedisSink{
		rdb:    rdb,
		ttl:    ttl,
		maxLen: int64(maxLen),
		log:    logger.Component(log, "events.redis"),
	}
}

func (s *RedisSink) Publish(ctx context.Context, ev models.ProgressEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	key := RunListKey(ev.RunID)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, raw)
		p.LTrim(ctx, key, -s.maxLen, -1)
		if s.ttl > 0 {
			p.Expire(ctx, key, s.ttl)
		}
		p.Publish(ctx, RunChannel(ev.RunID), raw)
		return nil
	})
	if err != nil {
		return apperrors.NewStoreUnavailableError("events", err)
	}
	return nil
}

// Last reads up to n most recent events of a run, oldest first.
func (s *RedisSink) Last(ctx context.Context, runID string, n int) ([]models.ProgressEvent, error) {
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	items, err := s.rdb.LRange(ctx, RunListKey(runID), start, -1).Result()
	if err != nil {
		return nil, apperrors.NewStoreUnavailableError("events", err)
	}

	out := make([]models.ProgressEvent, 0, len(items))
	for _, item := range items {
		var ev models.ProgressEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			s.log.Warn("skipping undecodable event", map[string]interface{}{"runId": runID, "error": err.Error()})
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Follow streams a run's events from the pub/sub channel until the
// terminal event arrives or ctx ends. The channel is closed on return.
func (s *RedisSink) Follow(ctx context.Context, runID string) (<-chan models.ProgressEvent, error) {
	pubsub := s.rdb.Subscribe(ctx, RunChannel(runID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, apperrors.NewStoreUnavailableError("events", err)
	}

	out := make(chan models.ProgressEvent)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev models.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Terminal() {
					return
				}
			}
		}
	}()
	return out, nil
}

// PublishTurn announces an intake turn on the session's channel.
func (s *RedisSink) PublishTurn(ctx context.Context, update models.TurnUpdate) error {
	raw, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode turn update: %w", err)
	}
	if err := s.rdb.Publish(ctx, TurnChannel(update.SessionID), raw).Err(); err != nil {
		return apperrors.NewStoreUnavailableError("events", err)
	}
	return nil
}
