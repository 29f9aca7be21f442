package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/chat-pulse/analytics"
	"github.com/onnwee/chat-pulse/pipeline"
)

// HandleChannelsDispatcher routes requests under /channels/{name}/*.
func (h *Handlers) HandleChannelsDispatcher(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/channels/")
	parts := strings.Split(path, "/")
	name := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	switch {
	case name == "" || name == "/":
		http.NotFound(w, r)
	case tail == "distances":
		h.handleChannelDistances(w, r, name)
	default:
		http.NotFound(w, r)
	}
}

// handleChannelDistances returns the latest audience-overlap snapshot
// restricted to links touching the named channel.
func (h *Handlers) handleChannelDistances(w http.ResponseWriter, r *http.Request, channel string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var (
		nodesJSON  []byte
		linksJSON  []byte
		computedAt time.Time
	)
	err := h.db.QueryRowContext(r.Context(), `
        SELECT nodes, links, computed_at FROM channel_distances
        ORDER BY computed_at DESC, id DESC LIMIT 1
    `).Scan(&nodesJSON, &linksJSON, &computedAt)
	if err == sql.ErrNoRows {
		http.Error(w, "no distance snapshot yet", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var nodes []analytics.ChannelNode
	var links []analytics.ChannelLink
	if err := json.Unmarshal(nodesJSON, &nodes); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := json.Unmarshal(linksJSON, &links); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	kept := make([]analytics.ChannelLink, 0)
	for _, l := range links {
		if l.Source == channel || l.Target == channel {
			kept = append(kept, l)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"channel":     channel,
		"computed_at": computedAt,
		"links":       kept,
	})
}

// HandleClusters returns the latest replay-cluster snapshot.
func (h *Handlers) HandleClusters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var (
		clustersJSON []byte
		computedAt   time.Time
	)
	err := h.db.QueryRowContext(r.Context(), `
        SELECT clusters, computed_at FROM replay_clusters
        ORDER BY computed_at DESC, id DESC LIMIT 1
    `).Scan(&clustersJSON, &computedAt)
	if err == sql.ErrNoRows {
		http.Error(w, "no cluster snapshot yet", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var clusters json.RawMessage = clustersJSON
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"computed_at": computedAt,
		"clusters":    clusters,
	})
}

// HandleStats returns a lightweight service summary: queue counts, job
// heartbeats, and running detections.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{}

	var pending, errored, processed int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos WHERE COALESCE(processed,FALSE)=FALSE`).Scan(&pending)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos WHERE COALESCE(processed,FALSE)=FALSE AND last_error IS NOT NULL AND last_error!=''`).Scan(&errored)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos WHERE COALESCE(processed,FALSE)=TRUE`).Scan(&processed)
	resp["videos_pending"] = pending
	resp["videos_errored"] = errored
	resp["videos_processed"] = processed

	var messages, events, matches int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages`).Scan(&messages)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_events`).Scan(&events)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_matches`).Scan(&matches)
	resp["chat_messages"] = messages
	resp["chat_events"] = events
	resp["event_matches"] = matches

	for _, k := range []string{"job_detect_last", "job_analytics_last", "job_retention_last", "job_catalog_sync_last"} {
		var val string
		_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, k).Scan(&val)
		if val != "" {
			resp[k] = val
		}
	}

	resp["detections_running"] = pipeline.RunningDetections()
	resp["detections_active"] = pipeline.GetActiveDetections()
	resp["detections_max"] = pipeline.GetMaxConcurrentDetections()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
