// internal/common/camunda/worker.go
package camunda

import (
	"sync"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"

	"loan-orchestrator/internal/common/config"
	"loan-orchestrator/internal/common/logger"
)

type HandlerFunc func(client worker.JobClient, job entities.Job)

// WorkerSet tracks opened job workers so shutdown can close them together.
type WorkerSet struct {
	client  zbc.Client
	log     logger.Logger
	mu      sync.Mutex
	workers map[string]worker.JobWorker
}

func NewWorkerSet(client zbc.Client, log logger.Logger) *WorkerSet {
	return &WorkerSet{
		client:  client,
		log:     logger.Component(log, "workers"),
		workers: make(map[string]worker.JobWorker),
	}
}

// Start opens a job worker for taskType unless it is disabled in config.
// It reports whether a worker was opened.
func (s *WorkerSet) Start(taskType string, wcfg config.WorkerConfig, handler HandlerFunc) bool {
	if !wcfg.Enabled {
		s.log.Info("worker disabled", map[string]interface{}{"taskType": taskType})
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workers[taskType]; exists {
		s.log.Warn("worker already started", map[string]interface{}{"taskType": taskType})
		return false
	}

	jw := s.client.NewJobWorker().
		JobType(taskType).
		Handler(worker.JobHandler(handler)).
		MaxJobsActive(wcfg.MaxJobsActive).
		Timeout(time.Duration(wcfg.Timeout) * time.Millisecond).
		Open()
	s.workers[taskType] = jw

	s.log.Info("worker started", map[string]interface{}{
		"taskType":      taskType,
		"maxJobsActive": wcfg.MaxJobsActive,
		"timeout_ms":    wcfg.Timeout,
	})
	return true
}

func (s *WorkerSet) TaskTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.workers))
	for t := range s.workers {
		out = append(out, t)
	}
	return out
}

// Close stops every worker and waits for in-flight handlers to return.
func (s *WorkerSet) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for taskType, jw := range s.workers {
		jw.Close()
		jw.AwaitClose()
		s.log.Info("worker stopped", map[string]interface{}{"taskType": taskType})
	}
	s.workers = make(map[string]worker.JobWorker)
}
