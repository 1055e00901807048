// internal/transport/http/router.go
package httptransport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loan-orchestrator/internal/common/logger"
	"loan-orchestrator/internal/events"
	"loan-orchestrator/internal/models"
	"loan-orchestrator/internal/pipeline"
)

const (
	defaultLastEvents = 50
	maxLastEvents     = 500
)

// RunController is the slice of the run manager exposed over HTTP.
type RunController interface {
	Cancel(runID string) bool
	Active() []pipeline.ActiveRun
}

// Subscriber streams live events of a run.
type Subscriber interface {
	Subscribe(runID string) (<-chan models.ProgressEvent, func())
}

// Follower streams the events of a run published by any instance.
type Follower interface {
	Follow(ctx context.Context, runID string) (<-chan models.ProgressEvent, error)
}

// Pinger reports the health of a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Runs      RunController
	Events    events.Source
	Live      Subscriber
	Remote    Follower
	Readiness map[string]Pinger
	Logger    logger.Logger
	Version   string
}

func NewRouter(deps Deps) http.Handler {
	log := deps.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	log = logger.Component(log, "http")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(log))

	// ---------------- HEALTH ----------------

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": valueOrDefault(deps.Version, "dev"),
		})
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]string, len(deps.Readiness))
		for name, p := range deps.Readiness {
			if err := p.Ping(ctx); err != nil {
				log.Warn("readiness check failed", map[string]interface{}{"dependency": name, "error": err.Error()})
				checks[name] = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		writeJSON(w, status, map[string]interface{}{"checks": checks})
	})

	// ---------------- METRICS ----------------

	r.Handle("/metrics", promhttp.Handler())

	// ---------------- RUNS ----------------

	r.Route("/runs", func(r chi.Router) {
		r.Get("/active", func(w http.ResponseWriter, r *http.Request) {
			active := []pipeline.ActiveRun{}
			if deps.Runs != nil {
				active = append(active, deps.Runs.Active()...)
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"runs": active})
		})

		r.Post("/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			runID := chi.URLParam(r, "id")
			if deps.Runs == nil || !deps.Runs.Cancel(runID) {
				http.Error(w, "run not found", http.StatusNotFound)
				return
			}
			log.Info("run cancel requested via API", map[string]interface{}{"runId": runID})
			writeJSON(w, http.StatusAccepted, map[string]string{"runId": runID, "status": "cancelling"})
		})

		r.Get("/{id}/events", func(w http.ResponseWriter, r *http.Request) {
			runID := chi.URLParam(r, "id")
			n, err := parseLast(r.URL.Query().Get("last"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if deps.Events == nil {
				http.Error(w, "event history unavailable", http.StatusServiceUnavailable)
				return
			}

			evs, err := deps.Events.Last(r.Context(), runID, n)
			if err != nil {
				log.Error("list events failed", map[string]interface{}{"runId": runID, "error": err.Error()})
				http.Error(w, "failed to list events", http.StatusServiceUnavailable)
				return
			}
			if evs == nil {
				evs = []models.ProgressEvent{}
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"runId": runID, "events": evs})
		})

		r.Get("/{id}/stream", func(w http.ResponseWriter, r *http.Request) {
			streamEvents(w, r, deps, log)
		})
	})

	return r
}

// streamEvents replays the retained history of a run, then forwards live
// events as server-sent events until the run is terminal or the client leaves.
// Live events come from this process and, when Remote is set, from every
// instance; duplicates are dropped by sequence number.
func streamEvents(w http.ResponseWriter, r *http.Request, deps Deps, log logger.Logger) {
	runID := chi.URLParam(r, "id")
	if deps.Live == nil && deps.Remote == nil {
		http.Error(w, "streaming unavailable", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, stop := context.WithCancel(r.Context())
	defer stop()

	var local, remote <-chan models.ProgressEvent
	if deps.Live != nil {
		ch, cancel := deps.Live.Subscribe(runID)
		defer cancel()
		local = ch
	}
	if deps.Remote != nil {
		ch, err := deps.Remote.Follow(ctx, runID)
		if err != nil {
			log.Warn("remote event stream unavailable", map[string]interface{}{"runId": runID, "error": err.Error()})
		}
		remote = ch
	}
	if local == nil && remote == nil {
		http.Error(w, "streaming unavailable", http.StatusServiceUnavailable)
		return
	}

	var history []models.ProgressEvent
	if deps.Events != nil {
		evs, err := deps.Events.Last(ctx, runID, maxLastEvents)
		if err != nil {
			log.Warn("stream history unavailable", map[string]interface{}{"runId": runID, "error": err.Error()})
		}
		history = evs
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var lastSeq int64
	write := func(ev models.ProgressEvent) bool {
		if ev.Seq <= lastSeq {
			return true
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, payload); err != nil {
			return false
		}
		flusher.Flush()
		lastSeq = ev.Seq
		return true
	}

	for _, ev := range history {
		if !write(ev) || ev.Terminal() {
			return
		}
	}

	for local != nil || remote != nil {
		var (
			ev models.ProgressEvent
			ok bool
		)
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-local:
			if !ok {
				local = nil
				continue
			}
		case ev, ok = <-remote:
			if !ok {
				remote = nil
				continue
			}
		}
		if !write(ev) || ev.Terminal() {
			return
		}
	}
}

func parseLast(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultLastEvents, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid last")
	}
	if n > maxLastEvents {
		n = maxLastEvents
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func valueOrDefault(value, defaultValue string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return defaultValue
}
