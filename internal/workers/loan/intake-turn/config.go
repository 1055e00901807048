// internal/workers/loan/intake-turn/config.go
package intaketurn

import (
	"time"

	"loan-orchestrator/internal/common/config"
)

type Config struct {
	Timeout time.Duration
}

func LoadConfig(wcfg config.WorkerConfig) *Config {
	timeout := config.GetDuration(wcfg.Timeout)
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Config{Timeout: timeout}
}
