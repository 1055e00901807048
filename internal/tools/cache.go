// internal/tools/cache.go
package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"loan-orchestrator/internal/common/logger"
)

const cacheKeyPrefix = "tools:cache"

// CachedProvider memoises successful results in Redis, keyed by
// capability, operation, applicant reference and parameters. Redis errors
// degrade to a pass-through call.
type CachedProvider struct {
	inner Provider
	rdb   redis.Cmdable
	ttl   time.Duration
	log   logger.Logger
}

func NewCachedProvider(inner Provider, rdb redis.Cmdable, ttl time.Duration, log logger.Logger) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		rdb:   rdb,
		ttl:   ttl,
		log:   logger.Component(log, "tool-cache").WithFields(map[string]interface{}{"capability": inner.Name()}),
	}
}

func (p *CachedProvider) Name() string         { return p.inner.Name() }
func (p *CachedProvider) Operations() []string { return p.inner.Operations() }

func (p *CachedProvider) Connect(ctx context.Context) (Conn, error) {
	conn, err := p.inner.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &cachedConn{Conn: conn, p: p}, nil
}

type cachedConn struct {
	Conn
	p *CachedProvider
}

func (c *cachedConn) Call(ctx context.Context, operation, applicantRef string, params map[string]interface{}) (json.RawMessage, error) {
	key, err := cacheKey(c.p.Name(), operation, applicantRef, params)
	if err != nil {
		return c.Conn.Call(ctx, operation, applicantRef, params)
	}

	cached, err := c.p.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		return json.RawMessage(cached), nil
	case !errors.Is(err, redis.Nil):
		c.p.log.Warn("cache read failed", map[string]interface{}{"error": err, "operation": operation})
	}

	out, err := c.Conn.Call(ctx, operation, applicantRef, params)
	if err != nil {
		return nil, err
	}

	if err := c.p.rdb.Set(ctx, key, []byte(out), c.p.ttl).Err(); err != nil {
		c.p.log.Warn("cache write failed", map[string]interface{}{"error": err, "operation": operation})
	}
	return out, nil
}

func cacheKey(capability, operation, applicantRef string, params map[string]interface{}) (string, error) {
	// encoding/json sorts map keys, so equal params hash equally.
	raw, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%s:%s:%s:%s:%s", cacheKeyPrefix, capability, operation, applicantRef, hex.EncodeToString(sum[:8])), nil
}
