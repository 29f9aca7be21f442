package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HandleHealthz responds to liveness probes by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes with detailed system checks:
// database reachability, migrated schema, and a live detection worker.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"schema", func() error {
			var n int
			if err := h.db.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM videos WHERE FALSE`).Scan(&n); err != nil {
				return fmt.Errorf("videos table missing: %w", err)
			}
			return nil
		}},
		{"detect_worker", func() error {
			var stamp string
			err := h.db.QueryRowContext(r.Context(),
				`SELECT value FROM kv WHERE key='job_detect_last'`).Scan(&stamp)
			if err == sql.ErrNoRows {
				return fmt.Errorf("detect worker has not run")
			}
			if err != nil {
				return err
			}
			last, err := time.Parse(time.RFC3339Nano, stamp)
			if err != nil {
				return fmt.Errorf("bad detect heartbeat %q: %w", stamp, err)
			}
			if time.Since(last) > time.Hour {
				return fmt.Errorf("detect worker stale (last run %s)", last.Format(time.RFC3339))
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
