// internal/pipeline/retry.go
package pipeline

import (
	"context"
	"time"

	"loan-orchestrator/internal/common/config"
)

// RetryPolicy bounds per-stage retries of transient failures.
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func RetryPolicyFromConfig(cfg config.PipelineConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:  cfg.MaxRetries,
		BaseBackoff: config.GetDuration(cfg.BaseBackoff),
		MaxBackoff:  config.GetDuration(cfg.MaxBackoff),
	}
}

// Backoff is the wait before retry number attempt (starting at 1).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseBackoff <= 0 {
		return 0
	}
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
