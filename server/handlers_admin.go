package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/chat-pulse/config"
	"github.com/onnwee/chat-pulse/pipeline"
	"github.com/onnwee/chat-pulse/twitchapi"
)

// HandleAdminVideosDispatcher routes requests under /admin/videos/{id}/*.
func (h *Handlers) HandleAdminVideosDispatcher(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/admin/videos/")
	parts := strings.Split(path, "/")
	videoID := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	switch {
	case videoID == "" || videoID == "/":
		http.NotFound(w, r)
	case tail == "detect":
		h.handleAdminDetect(w, r, videoID)
	case tail == "detect/cancel":
		h.handleAdminDetectCancel(w, r, videoID)
	default:
		http.NotFound(w, r)
	}
}

// handleAdminDetect forces re-detection of a video, replacing its stored
// events. Runs synchronously; large videos take a few seconds.
func (h *Handlers) handleAdminDetect(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var exists bool
	if err := h.db.QueryRowContext(r.Context(), `SELECT EXISTS(SELECT 1 FROM videos WHERE id=$1)`, videoID).Scan(&exists); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !exists {
		http.NotFound(w, r)
		return
	}
	events, err := pipeline.DetectVideo(r.Context(), h.db, videoID)
	if err != nil {
		if strings.Contains(err.Error(), "already running") {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "video_id": videoID, "events": events})
}

// handleAdminDetectCancel cancels an in-flight detection if present.
func (h *Handlers) handleAdminDetectCancel(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if pipeline.CancelDetection(videoID) {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAdminAnalyticsRun triggers an analytics sweep outside the cron schedule.
func (h *Handlers) HandleAdminAnalyticsRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := pipeline.RunAnalyticsSweep(r.Context(), h.db); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleAdminImport ingests a chat-log directory into the database.
func (h *Handlers) HandleAdminImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Dir     string `json:"dir"`
		Channel string `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if body.Dir == "" || body.Channel == "" {
		http.Error(w, "dir and channel required", http.StatusBadRequest)
		return
	}
	imported, err := pipeline.ImportDir(r.Context(), h.db, body.Dir, body.Channel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "imported": imported})
}

// HandleAdminCatalogSync backfills VOD metadata from Helix for the configured
// channels, or a single channel given as a query param.
func (h *Handlers) HandleAdminCatalogSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg, err := config.Load()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := cfg.ValidateHelixReady(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	channels := cfg.TwitchChannels
	if ch := r.URL.Query().Get("channel"); ch != "" {
		channels = []string{ch}
	}
	if len(channels) == 0 {
		http.Error(w, "no channels configured", http.StatusBadRequest)
		return
	}
	hc, err := twitchapi.NewHelixClient(h.ctx, cfg.TwitchClientID, cfg.TwitchClientSecret)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	synced, err := pipeline.SyncCatalog(r.Context(), h.db, hc, channels)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "videos": synced, "channels": channels})
}

// HandleAdminMonitor returns a monitoring summary: job heartbeats, queue
// counts, and the oldest pending video.
func (h *Handlers) HandleAdminMonitor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	stats := map[string]any{}
	for _, k := range []string{"job_detect_last", "job_analytics_last", "job_retention_last", "job_catalog_sync_last"} {
		var val string
		_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, k).Scan(&val)
		if val != "" {
			stats[k] = val
		}
	}

	var pending, errored, processed int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos WHERE COALESCE(processed,FALSE)=FALSE`).Scan(&pending)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos WHERE COALESCE(processed,FALSE)=FALSE AND last_error IS NOT NULL AND last_error!=''`).Scan(&errored)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos WHERE COALESCE(processed,FALSE)=TRUE`).Scan(&processed)
	stats["videos_pending"] = pending
	stats["videos_errored"] = errored
	stats["videos_processed"] = processed

	var oldestID string
	var oldestStarted time.Time
	row := h.db.QueryRowContext(ctx, `SELECT id, COALESCE(started_at, to_timestamp(0)) FROM videos WHERE COALESCE(processed,FALSE)=FALSE ORDER BY started_at ASC NULLS LAST LIMIT 1`)
	_ = row.Scan(&oldestID, &oldestStarted)
	if oldestID != "" {
		stats["oldest_pending"] = map[string]any{"id": oldestID, "started_at": oldestStarted}
	}

	stats["detections_running"] = pipeline.RunningDetections()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}
