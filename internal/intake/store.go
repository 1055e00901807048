// internal/intake/store.go
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "loan-orchestrator/internal/common/errors"
	"loan-orchestrator/internal/models"
)

var (
	ErrSessionNotFound = errors.New("intake session not found")
	ErrRecordNotFound  = errors.New("application record not found")
)

const (
	sessionKeyPrefix = "intake:session:"
	recordKeyPrefix  = "intake:record:"
)

type SessionStore interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
}

// RecordStore holds READY records until a pipeline run picks them up.
type RecordStore interface {
	Put(ctx context.Context, record models.LoanApplication) error
	Get(ctx context.Context, id string) (models.LoanApplication, error)
	Delete(ctx context.Context, id string) error
}

// RedisSessionStore keeps sessions as JSON strings with a sliding TTL.
type RedisSessionStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisSessionStore(rdb redis.Cmdable, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{rdb: rdb, ttl: ttl}
}

func (s *RedisSessionStore) Load(ctx context.Context, id string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, sessionKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, apperrors.NewStoreUnavailableError("session", err)
	}

	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	if session.Fields == nil {
		session.Fields = models.FieldSet{}
	}
	return &session, nil
}

func (s *RedisSessionStore) Save(ctx context.Context, session *Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	if err := s.rdb.Set(ctx, sessionKeyPrefix+session.ID, raw, s.ttl).Err(); err != nil {
		return apperrors.NewStoreUnavailableError("session", err)
	}
	return nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, sessionKeyPrefix+id).Err(); err != nil {
		return apperrors.NewStoreUnavailableError("session", err)
	}
	return nil
}

type RedisRecordStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisRecordStore(rdb redis.Cmdable, ttl time.Duration) *RedisRecordStore {
	return &RedisRecordStore{rdb: rdb, ttl: ttl}
}

func (s *RedisRecordStore) Put(ctx context.Context, record models.LoanApplication) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", record.ID, err)
	}
	if err := s.rdb.Set(ctx, recordKeyPrefix+record.ID, raw, s.ttl).Err(); err != nil {
		return apperrors.NewStoreUnavailableError("record", err)
	}
	return nil
}

func (s *RedisRecordStore) Get(ctx context.Context, id string) (models.LoanApplication, error) {
	raw, err := s.rdb.Get(ctx, recordKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.LoanApplication{}, ErrRecordNotFound
	}
	if err != nil {
		return models.LoanApplication{}, apperrors.NewStoreUnavailableError("record", err)
	}

	var record models.LoanApplication
	if err := json.Unmarshal(raw, &record); err != nil {
		return models.LoanApplication{}, fmt.Errorf("decode record %s: %w", id, err)
	}
	return record, nil
}

func (s *RedisRecordStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, recordKeyPrefix+id).Err(); err != nil {
		return apperrors.NewStoreUnavailableError("record", err)
	}
	return nil
}
