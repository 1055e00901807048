// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)

	WorkerJobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_jobs_active",
			Help: "Number of active jobs per worker",
		},
		[]string{"task_type"},
	)
)

var (
	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Assessment runs by terminal status and routing path",
		},
		[]string{"status", "path"},
	)

	PipelineRunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_runs_active",
			Help: "Assessment runs currently executing",
		},
	)

	StageAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_attempts_total",
			Help: "Stage invocations by outcome, retries included",
		},
		[]string{"stage", "outcome"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Wall time of a stage including retries",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	IntakeTurns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_turns_total",
			Help: "Intake conversation turns by action and resulting state",
		},
		[]string{"action", "state"},
	)

	ToolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_invocations_total",
			Help: "Capability operations invoked by agents",
		},
		[]string{"capability", "outcome"},
	)

	PrivacyViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privacy_violations_total",
			Help: "Tool calls blocked because they carried raw identifiers",
		},
		[]string{"stage"},
	)
)
