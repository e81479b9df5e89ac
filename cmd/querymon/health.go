package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rickgao/querywatch/internal/journal"
	"github.com/rickgao/querywatch/internal/metrics"
	"github.com/rickgao/querywatch/internal/model"
	"github.com/rickgao/querywatch/internal/monitor"
	"github.com/rickgao/querywatch/internal/notify"
	"github.com/rickgao/querywatch/internal/version"
)

// sessionSource is the part of the monitor manager served over HTTP.
type sessionSource interface {
	StartMonitoring(queryID string, obs monitor.Observer) (*monitor.Handle, error)
	StopMonitoring(queryID string)
	GetConnectionStatus(queryID string) (monitor.Snapshot, bool)
	GetConnectionMetrics(queryID string) (metrics.ConnectionMetrics, bool)
	GetHealthStatus() metrics.HealthStatus
	GlobalMetrics() metrics.ConnectionMetrics
	Sessions() []monitor.Snapshot
}

// notificationSource is the read side of the notification queue.
type notificationSource interface {
	List() []notify.Notification
	Dismiss(id string) bool
	EvictedErrors() int64
}

// journalStats is nil when the journal is disabled.
type journalStats interface {
	Stats() journal.Metrics
}

// createHealthHandler creates the HTTP handler for health checks,
// dashboards and session control. Sessions started over HTTP report to obs.
func createHealthHandler(sessions sessionSource, notes notificationSource, jw journalStats, obs monitor.Observer, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := sessions.GetHealthStatus()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     string(status.OverallHealth),
			Components: make(map[string]any),
		}

		health.Components["services"] = status
		health.Components["connections"] = sessions.GlobalMetrics()
		health.Components["sessions"] = len(sessions.Sessions())
		health.Components["evicted_errors"] = notes.EvictedErrors()
		if jw != nil {
			health.Components["journal"] = jw.Stats()
		}

		code := http.StatusOK
		if status.OverallHealth == metrics.OverallCritical {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health, logger)
	})

	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"sessions": sessions.Sessions(),
		}, logger)
	})

	mux.HandleFunc("GET /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		snap, ok := sessions.GetConnectionStatus(r.PathValue("id"))
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, snap, logger)
	})

	mux.HandleFunc("GET /sessions/{id}/metrics", func(w http.ResponseWriter, r *http.Request) {
		m, ok := sessions.GetConnectionMetrics(r.PathValue("id"))
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, m, logger)
	})

	mux.HandleFunc("POST /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		// A running session is reported as is so repeated calls do not
		// stack observers. A session that gave up is restarted.
		if snap, ok := sessions.GetConnectionStatus(id); ok && snap.Status != model.StatusError {
			writeJSON(w, http.StatusOK, snap, logger)
			return
		}

		h, err := sessions.StartMonitoring(id, obs)
		switch {
		case errors.Is(err, monitor.ErrEmptyQueryID):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case errors.Is(err, monitor.ErrManagerClosed):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		case err != nil:
			logger.Error("failed to start monitoring", "query_id", id, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		snap, _ := h.Status()
		logger.Info("monitoring started over http", "query_id", id, "session_id", h.SessionID())
		writeJSON(w, http.StatusCreated, snap, logger)
	})

	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, ok := sessions.GetConnectionStatus(id); !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		sessions.StopMonitoring(id)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /notifications", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"notifications": notes.List(),
		}, logger)
	})

	mux.HandleFunc("POST /notifications/{id}/dismiss", func(w http.ResponseWriter, r *http.Request) {
		if !notes.Dismiss(r.PathValue("id")) {
			http.Error(w, "notification not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, version.Get(), logger)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}
