// internal/pipeline/manager.go
package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"loan-orchestrator/internal/common/logger"
	"loan-orchestrator/internal/decision"
	"loan-orchestrator/internal/models"
)

// Archiver is the persistence collaborator for terminal runs.
type Archiver interface {
	Archive(ctx context.Context, run models.PipelineRun, d *models.FinalDecision) error
}

// Notifier announces terminal runs to the applicant and downstream systems.
type Notifier interface {
	Notify(ctx context.Context, record models.LoanApplication, run models.PipelineRun, d *models.FinalDecision) error
}

// Result is what a caller sees once a run is terminal. Decision is nil for
// failed runs.
type Result struct {
	Run      models.PipelineRun
	Decision *models.FinalDecision
	Err      error
}

type ActiveRun struct {
	RunID         string    `json:"runId"`
	ApplicationID string    `json:"applicationId"`
	StartedAt     time.Time `json:"startedAt"`
}

type activeRun struct {
	info ActiveRun
	stop chan struct{}
	once sync.Once
}

func (a *activeRun) cancel() {
	a.once.Do(func() { close(a.stop) })
}

// Manager tracks in-flight runs, allows cancelling them between stages and
// hands terminal runs to the archiver and notifier. Nothing is retained
// once a run is handed off.
type Manager struct {
	pipeline *Pipeline
	archiver Archiver
	notifier Notifier
	log      logger.Logger
	newID    func() string

	mu       sync.Mutex
	active   map[string]*activeRun
	draining bool
	wg       sync.WaitGroup
}

// NewManager wires the run manager; archiver and notifier may be nil.
func NewManager(p *Pipeline, archiver Archiver, notifier Notifier, log logger.Logger) *Manager {
	return &Manager{
		pipeline: p,
		archiver: archiver,
		notifier: notifier,
		log:      logger.Component(log, "pipeline.manager"),
		newID:    uuid.NewString,
		active:   make(map[string]*activeRun),
	}
}

// NewRunID returns a fresh run identifier.
func (m *Manager) NewRunID() string {
	return m.newID()
}

// Run executes a run synchronously under a generated id.
func (m *Manager) Run(ctx context.Context, record models.LoanApplication) Result {
	return m.RunWithID(ctx, m.newID(), record)
}

func (m *Manager) RunWithID(ctx context.Context, runID string, record models.LoanApplication) Result {
	ar := m.register(runID, record)
	defer m.unregister(runID)
	return m.execute(ctx, ar, record)
}

// Start executes a run in the background. The channel receives exactly one
// Result and is then closed.
func (m *Manager) Start(ctx context.Context, record models.LoanApplication) (string, <-chan Result) {
	runID := m.newID()
	ar := m.register(runID, record)
	out := make(chan Result, 1)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(out)
		defer m.unregister(runID)
		out <- m.execute(ctx, ar, record)
	}()
	return runID, out
}

// Cancel requests cancellation of an active run. It reports false when
// the run is unknown or already finished.
func (m *Manager) Cancel(runID string) bool {
	m.mu.Lock()
	ar, ok := m.active[runID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	ar.cancel()
	m.log.Info("run cancellation requested", map[string]interface{}{"runId": runID})
	return true
}

// CancelAll cancels every in-flight run and makes runs registered later
// start cancelled, so they fail before their first stage. It returns the
// number of runs that were in flight.
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	m.draining = true
	runs := make([]*activeRun, 0, len(m.active))
	for _, ar := range m.active {
		runs = append(runs, ar)
	}
	m.mu.Unlock()

	for _, ar := range runs {
		ar.cancel()
	}
	if len(runs) > 0 {
		m.log.Info("cancelled in-flight runs", map[string]interface{}{"runs": len(runs)})
	}
	return len(runs)
}

// Active lists in-flight runs, oldest first.
func (m *Manager) Active() []ActiveRun {
	m.mu.Lock()
	out := make([]ActiveRun, 0, len(m.active))
	for _, ar := range m.active {
		out = append(out, ar.info)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Wait blocks until every run started with Start has been handed off.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) execute(ctx context.Context, ar *activeRun, record models.LoanApplication) Result {
	run, err := m.pipeline.Execute(ctx, ar.info.RunID, record, ar.stop)
	res := Result{Run: run.Snapshot(), Err: err}

	if err == nil {
		d, derr := decision.Synthesize(res.Run)
		if derr != nil {
			m.log.Error("decision synthesis failed", map[string]interface{}{"runId": ar.info.RunID, "error": derr.Error()})
		} else {
			res.Decision = &d
		}
	}

	m.handOff(context.WithoutCancel(ctx), record, res)
	return res
}

func (m *Manager) handOff(ctx context.Context, record models.LoanApplication, res Result) {
	fields := map[string]interface{}{"runId": res.Run.ID, "status": string(res.Run.Status)}

	if m.archiver != nil {
		if err := m.archiver.Archive(ctx, res.Run, res.Decision); err != nil {
			m.log.WithError(err).Error("failed to archive run", fields)
		}
	}
	if m.notifier != nil {
		if err := m.notifier.Notify(ctx, record, res.Run, res.Decision); err != nil {
			m.log.WithError(err).Warn("failed to send run notification", fields)
		}
	}
}

func (m *Manager) register(runID string, record models.LoanApplication) *activeRun {
	ar := &activeRun{
		info: ActiveRun{RunID: runID, ApplicationID: record.ID, StartedAt: time.Now().UTC()},
		stop: make(chan struct{}),
	}
	m.mu.Lock()
	m.active[runID] = ar
	if m.draining {
		ar.cancel()
	}
	m.mu.Unlock()
	return ar
}

func (m *Manager) unregister(runID string) {
	m.mu.Lock()
	delete(m.active, runID)
	m.mu.Unlock()
}
