// internal/workers/loan/assess-application/config.go
package assessapplication

import (
	"time"

	"loan-orchestrator/internal/common/config"
)

type Config struct {
	Timeout time.Duration
}

// LoadConfig sizes the job timeout to cover a full pipeline run.
func LoadConfig(wcfg config.WorkerConfig) *Config {
	timeout := config.GetDuration(wcfg.Timeout)
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Config{Timeout: timeout}
}
